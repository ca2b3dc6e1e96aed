// Package fault defines the error kinds surfaced by every client operation.
package fault

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

type Kind string

const (
	EngineUnavailable     Kind = "engine_unavailable"
	EngineBootstrapFailed Kind = "engine_bootstrap_failed"
	EngineNotInitialized  Kind = "engine_not_initialized"
	InvalidInput          Kind = "invalid_input"
	SubmissionFailed      Kind = "submission_failed"
	NoResultAvailable     Kind = "no_result_available"
	DecryptionFailed      Kind = "decryption_failed"
	TransactionRejected   Kind = "transaction_rejected"
	TransactionReverted   Kind = "transaction_reverted"
)

// Error tags an underlying error with a Kind and the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil && e.Op == "":
		return string(e.Kind)
	case e.Err == nil:
		return e.Op + ": " + string(e.Kind)
	case e.Op == "":
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a *Error. err may be nil.
func E(kind Kind, op string, err error) *Error { return &Error{Kind: kind, Op: op, Err: err} }

// Ef builds a *Error with a formatted message.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether any *Error in err's chain carries kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// Message is the innermost human readable text of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Err != nil {
		return Message(fe.Err)
	}
	return err.Error()
}

// BackendError is a failure reported by the decryption backend.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	if e.Status == 0 {
		return "backend: " + e.Message
	}
	return "backend " + strconv.Itoa(e.Status) + ": " + e.Message
}

// Transient is true for server-side (5xx) failures.
func (e *BackendError) Transient() bool { return e.Status >= 500 && e.Status <= 599 }

// IsTransient reports whether err carries a transient BackendError.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient()
}

var statusRe = regexp.MustCompile(`\b(5\d\d)\b`)

// Classify converts an untyped backend failure into a *BackendError. Errors
// that already carry one are returned unchanged. A 5xx status mentioned in the
// message text is recovered so that retry decisions never parse strings.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	out := &BackendError{Message: err.Error()}
	if m := statusRe.FindStringSubmatch(out.Message); m != nil {
		out.Status, _ = strconv.Atoi(m[1])
	}
	return out
}
