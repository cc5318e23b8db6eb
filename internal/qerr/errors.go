// Package qerr defines the validation error taxonomy shared by the parser,
// resolver, operator registry and compiler.
//
// Every error here is a deterministic rejection of a malformed request. They
// are surfaced to the caller unchanged and never retried.
package qerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the error category.
type Code string

const (
	CodeFilterSyntax          Code = "FILTER_SYNTAX"
	CodeCollectionNotFound    Code = "COLLECTION_NOT_FOUND"
	CodeFieldNotFound         Code = "FIELD_NOT_FOUND"
	CodeUnknownOperator       Code = "UNKNOWN_OPERATOR"
	CodeTypeMismatch          Code = "TYPE_MISMATCH"
	CodeAmbiguousRelation     Code = "AMBIGUOUS_RELATION"
	CodeJoinDepthExceeded     Code = "JOIN_DEPTH_EXCEEDED"
	CodeAggregationProjection Code = "AGGREGATION_PROJECTION"
	CodeCapability            Code = "CAPABILITY_UNAVAILABLE"
)

// ValidationError is implemented by every error in this package.
type ValidationError interface {
	error
	Code() Code
}

// FilterSyntaxError reports a malformed document shape.
type FilterSyntaxError struct {
	Path    string // location in the document, e.g. "OR[1].age"
	Message string
}

func (e *FilterSyntaxError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", CodeFilterSyntax, e.Message)
	}
	return fmt.Sprintf("%s: %s (at %s)", CodeFilterSyntax, e.Message, e.Path)
}

func (e *FilterSyntaxError) Code() Code { return CodeFilterSyntax }

// CollectionNotFoundError reports a request against an unknown collection.
type CollectionNotFoundError struct {
	Name string
}

func (e *CollectionNotFoundError) Error() string {
	return fmt.Sprintf("%s: collection %q not found", CodeCollectionNotFound, e.Name)
}

func (e *CollectionNotFoundError) Code() Code { return CodeCollectionNotFound }

// FieldNotFoundError reports a field or relation path that does not exist.
type FieldNotFoundError struct {
	Collection string
	Path       string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("%s: field %q not found on collection %q", CodeFieldNotFound, e.Path, e.Collection)
}

func (e *FieldNotFoundError) Code() Code { return CodeFieldNotFound }

// UnknownOperatorError reports an operator name missing from the registry.
type UnknownOperatorError struct {
	Name string
}

func (e *UnknownOperatorError) Error() string {
	return fmt.Sprintf("%s: unknown operator %q", CodeUnknownOperator, e.Name)
}

func (e *UnknownOperatorError) Code() Code { return CodeUnknownOperator }

// TypeMismatchError reports an operator/value/field-kind mismatch.
type TypeMismatchError struct {
	Field    string
	Operator string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: field %q", CodeTypeMismatch, e.Field)
	if e.Operator != "" {
		fmt.Fprintf(&b, " operator %q", e.Operator)
	}
	fmt.Fprintf(&b, " expects %s", e.Expected)
	if e.Got != "" {
		fmt.Fprintf(&b, ", got %s", e.Got)
	}
	return b.String()
}

func (e *TypeMismatchError) Code() Code { return CodeTypeMismatch }

// AmbiguousRelationError reports a polymorphic segment without a target.
type AmbiguousRelationError struct {
	Collection string
	Relation   string
	Targets    []string
}

func (e *AmbiguousRelationError) Error() string {
	return fmt.Sprintf("%s: polymorphic relation %q on %q needs a target (use %s:<collection>, one of %v)",
		CodeAmbiguousRelation, e.Relation, e.Collection, e.Relation, e.Targets)
}

func (e *AmbiguousRelationError) Code() Code { return CodeAmbiguousRelation }

// JoinDepthExceededError reports a relation path longer than the configured cap.
type JoinDepthExceededError struct {
	Path     string
	Depth    int
	MaxDepth int
}

func (e *JoinDepthExceededError) Error() string {
	return fmt.Sprintf("%s: path %q reaches relation depth %d (max %d)", CodeJoinDepthExceeded, e.Path, e.Depth, e.MaxDepth)
}

func (e *JoinDepthExceededError) Code() Code { return CodeJoinDepthExceeded }

// AggregationProjectionError reports a projected column missing from GROUP BY.
type AggregationProjectionError struct {
	Field string
}

func (e *AggregationProjectionError) Error() string {
	return fmt.Sprintf("%s: column %q must appear in group by or be aggregated", CodeAggregationProjection, e.Field)
}

func (e *AggregationProjectionError) Code() Code { return CodeAggregationProjection }

// CapabilityError reports an operator whose storage capability is disabled.
type CapabilityError struct {
	Operator   string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: operator %q requires the %q storage capability", CodeCapability, e.Operator, e.Capability)
}

func (e *CapabilityError) Code() Code { return CodeCapability }

// IsValidation reports whether err (or anything it wraps) is a validation error.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// CodeOf returns the validation code of err, or "" when err is not one.
func CodeOf(err error) Code {
	var ve ValidationError
	if errors.As(err, &ve) {
		return ve.Code()
	}
	return ""
}
