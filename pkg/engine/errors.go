package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/enginelink/pkg/teardown"
)

// ErrorKind classifies provisioning failures.
type ErrorKind string

const (
	// KindConfigConflict indicates an ambient session combined with options
	// that require launching a new one.
	KindConfigConflict ErrorKind = "config_conflict"

	// KindEnvironment indicates unusable ambient session variables.
	KindEnvironment ErrorKind = "environment"

	// KindDownload indicates the engine binary could not be obtained.
	KindDownload ErrorKind = "download"

	// KindLaunch indicates the engine session could not be started.
	KindLaunch ErrorKind = "launch"
)

var (
	// ErrConfigConflict matches every KindConfigConflict ProvisionError.
	ErrConfigConflict = errors.New("conflicting engine configuration")

	// ErrNotProvisioned is returned when asking for a connection before
	// Provision succeeded.
	ErrNotProvisioned = errors.New("engine not provisioned")
)

// ProvisionError is a classified provisioning failure.
type ProvisionError struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Op is the step that failed.
	Op string `json:"op,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s (op=%s)", e.Kind, e.Message, e.Op)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is matches ErrConfigConflict for conflicts and any *ProvisionError of the
// same kind.
func (e *ProvisionError) Is(target error) bool {
	if target == ErrConfigConflict {
		return e.Kind == KindConfigConflict
	}
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first ProvisionError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsDownload returns true if provisioning failed while obtaining the binary.
func IsDownload(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindDownload
}

// IsLaunch returns true if provisioning failed while starting the session.
func IsLaunch(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindLaunch
}

// IsTeardownFailure reports whether err includes a failed cleanup step.
// This separates "was connected, then failed while tearing down" from
// "never connected".
func IsTeardownFailure(err error) bool {
	return teardown.IsTeardownError(err)
}
