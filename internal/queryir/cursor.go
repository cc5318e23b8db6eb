package queryir

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/baasix/querycore/internal/ir"
)

// ErrCursorMismatch is returned when a cursor was issued for another ordering.
var ErrCursorMismatch = errors.New("cursor does not match the requested sort")

// EncodeCursor builds an opaque page token from the last row's sort-key
// tuple. The token is bound to the sort so it cannot be replayed against a
// different ordering.
func EncodeCursor(sort []CompiledSortKey, values []ir.Value) (string, error) {
	if len(values) != len(sort) {
		return "", fmt.Errorf("cursor has %d values for %d sort keys", len(values), len(sort))
	}
	payload, err := ir.MarshalCanonical(map[string]any{
		"s": sortSignature(sort),
		"v": ir.Array(values),
	})
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeCursor parses a token produced by EncodeCursor for the same sort.
func DecodeCursor(sort []CompiledSortKey, token string) ([]ir.Value, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	var payload struct {
		S string `json:"s"`
		V []any  `json:"v"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if payload.S != sortSignature(sort) || len(payload.V) != len(sort) {
		return nil, ErrCursorMismatch
	}

	values := make([]ir.Value, len(payload.V))
	for i, v := range payload.V {
		if values[i], err = ir.FromAny(v); err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
	}
	return values, nil
}

func sortSignature(sort []CompiledSortKey) string {
	parts := make([]string, len(sort))
	for i, k := range sort {
		dir := "asc"
		if k.Desc {
			dir = "desc"
		}
		parts[i] = k.Output + ":" + dir
	}
	return ir.HashWithDomain(ir.DomainCursor, []byte(strings.Join(parts, ",")))[:16]
}
