package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/baasix/querycore/internal/parser"
)

// PermissionSource returns the read rule a role has on a collection. The
// rule is a filter document that is injected, scoped, into every query the
// role runs there.
type PermissionSource interface {
	Rule(role, coll string) (*parser.Document, bool)
}

// RolePermissions maps role -> collection -> rule. A missing entry means
// no extra restriction beyond tenant scoping.
type RolePermissions map[string]map[string]*parser.Document

func (p RolePermissions) Rule(role, coll string) (*parser.Document, bool) {
	doc, ok := p[role][coll]
	if !ok || doc == nil {
		return nil, false
	}
	return doc, true
}

// DecodePermissions reads a YAML or JSON rules file:
//
//	editor:
//	  posts: {author: {status: active}}
func DecodePermissions(data []byte) (RolePermissions, error) {
	var raw map[string]map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	out := make(RolePermissions, len(raw))
	for role, colls := range raw {
		out[role] = make(map[string]*parser.Document, len(colls))
		for coll, node := range colls {
			rule, err := yaml.Marshal(&node)
			if err != nil {
				return nil, fmt.Errorf("permissions.%s.%s: %w", role, coll, err)
			}
			doc, err := parser.DecodeDocument(rule)
			if err != nil {
				return nil, fmt.Errorf("permissions.%s.%s: %w", role, coll, err)
			}
			out[role][coll] = doc
		}
	}
	return out, nil
}

// LoadPermissions reads DecodePermissions input from path.
func LoadPermissions(path string) (RolePermissions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions: %w", err)
	}
	return DecodePermissions(data)
}
