package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/resolver"
	"github.com/baasix/querycore/internal/schema"
)

// VarNow resolves to the parse instant.
const VarNow = "$NOW"

var (
	nowOffsetRe = regexp.MustCompile(`^\$NOW([+-])(YEARS|MONTHS|WEEKS|DAYS|HOURS|MINUTES|SECONDS)_(\d+)$`)
	columnRe    = regexp.MustCompile(`^\$COL\((.+)\)$`)
)

// variable resolves s when it is a dynamic variable. Strings that start with
// "$" but match no variable are plain literals.
func (st *state) variable(s, path string, f schema.Field, op *operator.Operator) (ir.Value, string, error) {
	if !strings.HasPrefix(s, "$") {
		return ir.String(s), "", nil
	}

	acc := st.exec.Accountability
	switch s {
	case policy.VarCurrentUser:
		return st.identity(s, acc.UserID, path, f, op)
	case policy.VarCurrentRole:
		return st.identity(s, acc.Role, path, f, op)
	case policy.VarCurrentTenant:
		return st.identity(s, acc.TenantID, path, f, op)
	case VarNow:
		return ir.Date(st.now), s, nil
	}

	if m := nowOffsetRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, "", &qerr.TypeMismatchError{Field: path, Operator: op.Name, Expected: op.Expect, Got: fmt.Sprintf("out of range offset in %s", s)}
		}
		if m[1] == "-" {
			n = -n
		}
		return ir.Date(shift(st.now, m[2], n)), s, nil
	}

	if m := columnRe.FindStringSubmatch(s); m != nil {
		ref, err := st.column(m[1])
		if err != nil {
			return nil, "", err
		}
		return ref, "", nil
	}
	return ir.String(s), "", nil
}

func (st *state) identity(name, id, path string, f schema.Field, op *operator.Operator) (ir.Value, string, error) {
	v, err := policy.IdentityValue(id, f)
	if err != nil {
		return nil, "", &qerr.TypeMismatchError{
			Field:    path,
			Operator: op.Name,
			Expected: op.Expect,
			Got:      fmt.Sprintf("non-numeric %s %q", name, id),
		}
	}
	return v, name, nil
}

func shift(t time.Time, unit string, n int) time.Time {
	switch unit {
	case "YEARS":
		return t.AddDate(n, 0, 0)
	case "MONTHS":
		return t.AddDate(0, n, 0)
	case "WEEKS":
		return t.AddDate(0, 0, 7*n)
	case "DAYS":
		return t.AddDate(0, 0, n)
	case "HOURS":
		return t.Add(time.Duration(n) * time.Hour)
	case "MINUTES":
		return t.Add(time.Duration(n) * time.Minute)
	default:
		return t.Add(time.Duration(n) * time.Second)
	}
}

// column resolves the target of $COL(path). The path is rooted at the query
// collection and may repeat its name ("$COL(users.age)").
func (st *state) column(path string) (ir.Value, error) {
	res, err := st.p.res.Resolve(st.root, path, resolver.Options{})
	if err != nil {
		var notFound *qerr.FieldNotFoundError
		rest, stripped := strings.CutPrefix(path, st.root+".")
		if !stripped || !errors.As(err, &notFound) {
			return nil, err
		}
		if res, err = st.p.res.Resolve(st.root, rest, resolver.Options{}); err != nil {
			return nil, err
		}
		path = rest
	}
	if res.Field == nil {
		return nil, &qerr.FieldNotFoundError{Collection: st.root, Path: path}
	}
	return ir.ColumnRef{Path: path}, nil
}
