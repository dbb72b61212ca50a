package types

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error the way callers branch on it.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindParseWarning       Kind = "parse_warning"
	KindConflict           Kind = "conflict"
	KindFatal              Kind = "fatal"
)

// MemoryError carries the error kind, the operation that produced it, and the
// wrapped cause. Validation, NotFound, Conflict and BackendUnavailable surface
// to callers; ParseWarning is logged and swallowed; Fatal is never retried.
type MemoryError struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *MemoryError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *MemoryError) Unwrap() error { return e.Err }

func E(kind Kind, op, message string, err error) *MemoryError {
	return &MemoryError{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind of err, or BackendUnavailable for untyped errors.
func KindOf(err error) Kind {
	var me *MemoryError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindBackendUnavailable
}

func IsKind(err error, kind Kind) bool {
	var me *MemoryError
	return errors.As(err, &me) && me.Kind == kind
}

func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

func IsValidation(err error) bool { return IsKind(err, KindValidation) }

func IsConflict(err error) bool { return IsKind(err, KindConflict) }

func IsFatal(err error) bool { return IsKind(err, KindFatal) }
