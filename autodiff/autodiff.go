// Package autodiff provides a minimal two-direction operation contract: a
// Function is a pair of pure Forward/Backward passes connected by an explicit
// Context value, and a Tape records applied functions so the backward passes can
// be replayed in reverse.
//
// It is deliberately small: just enough autodiff surface for operations like
// dtensor.Redistribute to be usable inside a gradient-tracked computation, or to
// be bridged into a larger framework. There is no implicit shared state between
// the two passes; everything Backward needs must be saved in the Context during
// Forward.
package autodiff

import (
	"github.com/pkg/errors"
)

// Context carries state stashed by a Function's Forward pass for its Backward
// pass. Each application of a Function gets a fresh Context.
type Context struct {
	saved []any
}

// Save appends values for the backward pass.
func (ctx *Context) Save(values ...any) {
	ctx.saved = append(ctx.saved, values...)
}

// Saved returns the i-th saved value. It panics if i is out of range, like a
// slice access.
func (ctx *Context) Saved(i int) any { return ctx.saved[i] }

// NumSaved returns how many values were saved during forward.
func (ctx *Context) NumSaved() int { return len(ctx.saved) }

// Function is a differentiable operation over values of type T.
//
// Forward receives a fresh Context to stash whatever Backward will need.
// Backward receives that same Context and the upstream gradient, and returns
// the gradient with respect to Forward's input. Non-tensor parameters of the
// operation are captured by the Function value itself and get no gradients.
type Function[T any] interface {
	Forward(ctx *Context, input T) (T, error)
	Backward(ctx *Context, grad T) (T, error)
}

// record pairs a Function application with the Context its forward pass filled.
type record[T any] struct {
	fn  Function[T]
	ctx *Context
}

// Tape records Function applications in order, so Backward can replay them in
// reverse, threading the gradient through each recorded Function.
//
// A Tape is used by a single goroutine.
type Tape[T any] struct {
	records []record[T]
}

// NewTape returns an empty tape.
func NewTape[T any]() *Tape[T] {
	return &Tape[T]{}
}

// Apply runs fn's forward pass with a fresh Context and, if tape is not nil,
// records the application for the backward pass.
func Apply[T any](tape *Tape[T], fn Function[T], input T) (T, error) {
	ctx := &Context{}
	output, err := fn.Forward(ctx, input)
	if err != nil {
		var zero T
		return zero, err
	}
	if tape != nil {
		tape.records = append(tape.records, record[T]{fn: fn, ctx: ctx})
	}
	return output, nil
}

// NumRecorded returns the number of recorded applications.
func (t *Tape[T]) NumRecorded() int { return len(t.records) }

// Reset drops every recorded application, e.g. between training steps.
func (t *Tape[T]) Reset() { t.records = t.records[:0] }

// Backward replays the recorded applications in reverse, starting from the
// given upstream gradient, and returns the gradient with respect to the first
// recorded Function's input.
func (t *Tape[T]) Backward(grad T) (T, error) {
	if len(t.records) == 0 {
		var zero T
		return zero, errors.New("autodiff: Backward on an empty tape")
	}
	var err error
	for i := len(t.records) - 1; i >= 0; i-- {
		rec := t.records[i]
		grad, err = rec.fn.Backward(rec.ctx, grad)
		if err != nil {
			var zero T
			return zero, err
		}
	}
	return grad, nil
}
