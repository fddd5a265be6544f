// Package registry resolves service names to invocable capabilities.
//
// Functions are never discovered by reflection over arbitrary code. A Catalog
// holds the compiled-in capability factories; manifests found in the
// configured directories decide which capabilities are exposed and under
// which service names.
package registry

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the declared type of a named argument.
type Kind string

const (
	KindAny     Kind = "any"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBool    Kind = "bool"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// Param declares one named argument of a Function.
type Param struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Optional bool   `json:"optional,omitempty"`
}

// Args is the bound argument set handed to Invoke. Values have already been
// checked against the declared Params and normalized (numbers are float64).
type Args map[string]any

// InvokeFunc is the calling contract of every capability.
type InvokeFunc func(ctx context.Context, args Args) (any, error)

// Function is a named, invocable capability.
type Function interface {
	Name() string
	Description() string
	Params() []Param
	Invoke(ctx context.Context, args Args) (any, error)
}

// NewFunction builds a Function from its parts.
func NewFunction(name, description string, params []Param, fn InvokeFunc) Function {
	return &function{name: name, description: description, params: params, fn: fn}
}

type function struct {
	name        string
	description string
	params      []Param
	fn          InvokeFunc
}

func (f *function) Name() string        { return f.name }
func (f *function) Description() string { return f.description }
func (f *function) Params() []Param     { return f.params }

func (f *function) Invoke(ctx context.Context, args Args) (any, error) {
	if f.fn == nil {
		return nil, fmt.Errorf("function %q has no implementation", f.name)
	}
	return f.fn(ctx, args)
}

// ErrFunctionNotFound indicates the service name is not registered.
var ErrFunctionNotFound = errors.New("function not found")

// ArgumentError reports a mismatch between the request parameters and the
// function's declared arguments.
type ArgumentError struct {
	Function string
	Param    string
	Reason   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: argument %q: %s", e.Function, e.Param, e.Reason)
}

// ExecutionError wraps any failure raised while binding or invoking a
// function. Diagnostic is the single-line message reported to callers.
type ExecutionError struct {
	Function   string
	Diagnostic string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execute %s: %s: %v", e.Function, e.Diagnostic, e.Err)
	}
	return fmt.Sprintf("execute %s: %s", e.Function, e.Diagnostic)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err is (or wraps) an ExecutionError.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}
