// Package ir provides the value types shared by every layer of querycore.
//
// This package imports nothing internal. Filter values, cursor tuples and
// cache key material are all expressed as ir.Value so that the parser, the
// operator registry, the compiler and the key deriver agree on one closed set
// of shapes.
//
// Key design constraints:
//   - Value is sealed: only the types in this package implement it
//   - Values reach SQL only through Param, never as text
//   - MarshalCanonical is the only encoding used for content-addressed keys
package ir
