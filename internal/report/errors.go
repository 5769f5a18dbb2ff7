package report

import (
	"errors"
	"fmt"
)

// Kind classifies failures. Client errors (InvalidConfig) are rejected before
// any durable effect; transport kinds are scoped to one recipient.
type Kind string

const (
	KindInvalidConfig      Kind = "invalid_config"
	KindDatasetUnavailable Kind = "dataset_unavailable"
	KindRenderError        Kind = "render_error"
	KindTransportTimeout   Kind = "transport_timeout"
	KindTransportAuth      Kind = "transport_auth"
	KindTransportRejected  Kind = "transport_rejected"
	KindRegistryIO         Kind = "registry_io"
)

// Kind sentinels for errors.Is.
var (
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrDatasetUnavailable = &Error{Kind: KindDatasetUnavailable}
	ErrRenderError        = &Error{Kind: KindRenderError}
	ErrTransportTimeout   = &Error{Kind: KindTransportTimeout}
	ErrTransportAuth      = &Error{Kind: KindTransportAuth}
	ErrTransportRejected  = &Error{Kind: KindTransportRejected}
	ErrRegistryIO         = &Error{Kind: KindRegistryIO}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Field names the offending config field (InvalidConfig only).
	Field string
	// Op is a short description of the failed operation, e.g. "registry put".
	Op  string
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrRegistryIO)
// works regardless of Field/Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func InvalidConfig(field, format string, args ...any) error {
	return &Error{Kind: KindInvalidConfig, Field: field, Err: fmt.Errorf(format, args...)}
}

func DatasetUnavailable(name string, err error) error {
	return &Error{Kind: KindDatasetUnavailable, Op: "dataset " + name, Err: err}
}

func RenderError(err error) error {
	return &Error{Kind: KindRenderError, Op: "render", Err: err}
}

func TransportTimeout(err error) error {
	return &Error{Kind: KindTransportTimeout, Op: "deliver", Err: err}
}

func TransportAuth(err error) error {
	return &Error{Kind: KindTransportAuth, Op: "deliver", Err: err}
}

func TransportRejected(err error) error {
	return &Error{Kind: KindTransportRejected, Op: "deliver", Err: err}
}

func RegistryIO(op string, err error) error {
	return &Error{Kind: KindRegistryIO, Op: op, Err: err}
}

// FieldOf returns the offending field of an InvalidConfig error, or "".
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
