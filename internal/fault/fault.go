// Package fault classifies rollout failures by whose move it is next: fix
// the input, retry later, or let the controller roll back.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	Validation        Kind = "validation"
	Build             Kind = "build"
	Publish           Kind = "publish"
	Apply             Kind = "apply"
	ReconcileTimeout  Kind = "reconcile-timeout"
	ConcurrentRollout Kind = "concurrent-rollout"
	NotCancellable    Kind = "not-cancellable"
	NotFound          Kind = "not-found"
	Cancelled         Kind = "cancelled"
	Internal          Kind = "internal"
)

// Retriable kinds are retried with backoff before being surfaced.
func (k Kind) Retriable() bool {
	return k == Build || k == Publish
}

type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "resolve" or "push".
	Op string
	// Help is meant for the person running the rollout.
	Help string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Help)
	case e.Op == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can write errors.Is(err, fault.ErrApply).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var msg string
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(&struct {
		Kind string `json:"kind"`
		Help string `json:"help,omitempty"`
		Err  string `json:"error,omitempty"`
	}{
		Kind: string(e.Kind),
		Help: e.Help,
		Err:  msg,
	})
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var wire struct {
		Kind string `json:"kind"`
		Help string `json:"help"`
		Err  string `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.Kind = Kind(wire.Kind)
	e.Help = wire.Help
	if wire.Err != "" {
		e.Err = errors.New(wire.Err)
	}
	return nil
}

var (
	ErrValidation = &Error{Kind: Validation}
	ErrApply      = &Error{Kind: Apply}
)

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns Internal for errors that carry no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsRetriable(err error) bool {
	return KindOf(err).Retriable()
}
