package querysql

import (
	"fmt"
	"strings"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/queryir"
)

// keyset renders the seek condition for rows strictly after the tuple
// after in the order given by keys:
//
//	k1 > v1 OR (k1 = v1 AND k2 > v2) OR ...
//
// Descending keys compare with "<". NULL sorts before every value (see
// order), so a nullable key seeks as follows:
//
//	ASC,  v NULL:      k IS NOT NULL
//	DESC, v NULL:      no row follows on this key
//	DESC, v not NULL:  (k < v OR k IS NULL)
//
// and a NULL value on an earlier key matches with "k IS NULL".
func keyset(keys []queryir.CompiledSortKey, after []ir.Value) (operator.Fragment, error) {
	if len(after) != len(keys) {
		return operator.Fragment{}, fmt.Errorf("%w: cursor has %d values for %d sort keys",
			queryir.ErrCursorMismatch, len(after), len(keys))
	}

	params := make([]any, len(after))
	null := make([]bool, len(after))
	for i, v := range after {
		if v.Kind() == ir.KindNull {
			null[i] = true
			continue
		}
		p, err := ir.Param(v)
		if err != nil {
			return operator.Fragment{}, fmt.Errorf("cursor value for %q: %w", keys[i].Output, err)
		}
		params[i] = p
	}

	var terms []string
	var args []any
	for i, k := range keys {
		beyond, ok := seek(k, null[i])
		if !ok {
			continue
		}
		conds := make([]string, 0, i+1)
		for j := 0; j < i; j++ {
			if null[j] {
				conds = append(conds, keys[j].Column+" IS NULL")
				continue
			}
			conds = append(conds, keys[j].Column+" = ?")
			args = append(args, params[j])
		}
		conds = append(conds, beyond)
		if !null[i] {
			args = append(args, params[i])
		}

		term := strings.Join(conds, " AND ")
		if len(conds) > 1 {
			term = "(" + term + ")"
		}
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return operator.Fragment{SQL: "1 = 0"}, nil
	}
	return operator.Fragment{SQL: strings.Join(terms, " OR "), Args: args}, nil
}

// seek returns the condition for "k comes after the cursor value" and false
// when no value can.
func seek(k queryir.CompiledSortKey, null bool) (string, bool) {
	switch {
	case null && k.Desc:
		return "", false
	case null:
		return k.Column + " IS NOT NULL", true
	case k.Desc && k.Nullable:
		return "(" + k.Column + " < ? OR " + k.Column + " IS NULL)", true
	case k.Desc:
		return k.Column + " < ?", true
	}
	return k.Column + " > ?", true
}

// NextCursor builds the token for the page after row, reading the sort-key
// values from the row's output columns.
func NextCursor(q *queryir.CompiledQuery, row map[string]any) (string, error) {
	if len(q.GroupBy) > 0 {
		return "", ErrCursorWithAggregate
	}
	values := make([]ir.Value, len(q.SortKeys))
	for i, k := range q.SortKeys {
		raw, ok := row[k.Output]
		if !ok {
			return "", fmt.Errorf("row has no column %q for the cursor", k.Output)
		}
		v, err := ir.FromAny(normalizeScanned(raw))
		if err != nil {
			return "", fmt.Errorf("cursor column %q: %w", k.Output, err)
		}
		values[i] = v
	}
	return queryir.EncodeCursor(q.SortKeys, values)
}

// normalizeScanned maps driver values FromAny does not know.
func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
