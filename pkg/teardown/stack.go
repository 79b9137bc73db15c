// Package teardown provides an ordered cleanup stack for resources acquired
// during engine provisioning and connection setup.
//
// Entries are unwound in strict reverse order of registration. Every entry is
// attempted even if an earlier one fails, and the failures are collected into
// a single *Error.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
)

// Func is a single cleanup step.
type Func func(ctx context.Context) error

type entry struct {
	name string
	fn   Func
}

// Stack is a LIFO list of cleanup callbacks. The zero value is ready to use.
type Stack struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an empty stack.
func New() *Stack {
	return &Stack{}
}

// Push registers fn to run on Unwind. Entries pushed later run earlier.
func (s *Stack) Push(name string, fn Func) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry{name: name, fn: fn})
	s.mu.Unlock()
}

// PushFunc registers a callback that cannot fail.
func (s *Stack) PushFunc(name string, fn func()) {
	if fn == nil {
		return
	}
	s.Push(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Len returns the number of pending entries.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Unwind runs every pending entry in reverse order and empties the stack.
// A second call is a no-op. The returned error, if any, is an *Error.
func (s *Stack) Unwind(ctx context.Context) error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	ctx, span := otel.Tracer("enginelink/teardown").Start(ctx, "teardown.unwind")
	defer span.End()
	span.SetAttributes(attribute.Int("teardown.entries", len(entries)))

	var combined error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := run(ctx, e); err != nil {
			log.Debug().Err(err).Str("entry", e.name).Msg("Teardown step failed")
			combined = multierr.Append(combined, fmt.Errorf("%s: %w", e.name, err))
		}
	}

	if combined == nil {
		return nil
	}

	span.RecordError(combined)
	span.SetStatus(codes.Error, "teardown failed")
	return &Error{errs: multierr.Errors(combined)}
}

// UnwindWith unwinds the stack on behalf of a failing operation. When the
// stack unwinds cleanly the cause is returned unchanged. Otherwise the result
// still matches cause under errors.Is and errors.As.
func (s *Stack) UnwindWith(ctx context.Context, cause error) error {
	err := s.Unwind(ctx)
	if err == nil {
		return cause
	}
	if cause == nil {
		return err
	}
	return multierr.Combine(cause, err)
}

func run(ctx context.Context, e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx)
}

// Error is returned when one or more teardown steps fail.
type Error struct {
	errs []error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.errs) == 1 {
		return "teardown failed: " + e.errs[0].Error()
	}
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("teardown failed (%d errors): %s", len(e.errs), strings.Join(msgs, "; "))
}

// Errors returns the individual failures in the order they occurred.
func (e *Error) Errors() []error {
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return e.errs
}

// IsTeardownError reports whether err contains a teardown failure.
func IsTeardownError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
