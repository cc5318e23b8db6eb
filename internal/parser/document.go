package parser

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Member is one key/value pair of a document object.
type Member struct {
	Key   string
	Value any
}

// Object is a document object with its members in source order.
//
// Member order matters: the compiled WHERE clause follows it, so
// {"status": ..., "OR": [...]} lowers to "status = ? AND (...)".
type Object []Member

// Get returns the value of the first member named key.
func (o Object) Get(key string) (any, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Keys lists member names in order.
func (o Object) Keys() []string {
	keys := make([]string, len(o))
	for i, m := range o {
		keys[i] = m.Key
	}
	return keys
}

// Document is a parsed filter document. Values are Object, []any, string,
// int, float64, bool, time.Time or nil.
type Document struct {
	Root Object
}

// DecodeDocument parses a JSON or YAML filter document. JSON is valid YAML,
// and decoding through yaml.Node keeps member order, which encoding/json maps
// would lose.
func DecodeDocument(data []byte) (*Document, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode filter document: %w", err)
	}
	if node.Kind == 0 {
		return &Document{}, nil
	}
	v, err := fromNode(&node)
	if err != nil {
		return nil, err
	}
	switch root := v.(type) {
	case Object:
		return &Document{Root: root}, nil
	case nil:
		return &Document{}, nil
	default:
		return nil, fmt.Errorf("decode filter document: top level must be an object, got %T", v)
	}
}

// DocumentFromMap wraps an already decoded map. Go maps have no order, so
// members are sorted by key at every level.
func DocumentFromMap(m map[string]any) *Document {
	return &Document{Root: objectFromMap(m)}
}

func objectFromMap(m map[string]any) Object {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	obj := make(Object, 0, len(keys))
	for _, k := range keys {
		obj = append(obj, Member{Key: k, Value: normalizeAny(m[k])})
	}
	return obj
}

func normalizeAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return objectFromMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeAny(e)
		}
		return out
	}
	return v
}

func fromNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return fromNode(n.Content[0])

	case yaml.MappingNode:
		obj := make(Object, 0, len(n.Content)/2)
		seen := make(map[string]bool, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			keyNode := n.Content[i]
			if keyNode.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: object keys must be strings", keyNode.Line)
			}
			key := keyNode.Value
			if seen[key] {
				return nil, fmt.Errorf("line %d: duplicate key %q", keyNode.Line, key)
			}
			seen[key] = true

			val, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			obj = append(obj, Member{Key: key, Value: val})
		}
		return obj, nil

	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil

	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil

	case yaml.AliasNode:
		return fromNode(n.Alias)
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}
