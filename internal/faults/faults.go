package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independently of the surface reporting it.
type Kind string

const (
	KindValidation Kind = "validation"  // bad input
	KindNotFound   Kind = "not_found"   // missing host/VM/credential
	KindAuth       Kind = "auth"        // credentials missing before a session was ever opened
	KindTimeout    Kind = "timeout"     // exceeded a per-phase deadline
	KindHypervisor Kind = "hypervisor"  // remote API fault, connection failure, task error
	KindGuestOps   Kind = "guest_ops"   // script exec failure inside the VM
	KindExec       Kind = "exec"        // SSH failure in bootstrap
	KindInternal   Kind = "internal"    // anything else
)

// Error is a structured error carrying a kind and an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the cause to errors.Is/errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code for the error kind
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation, KindAuth:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindHypervisor, KindGuestOps, KindExec:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validationf creates a validation error
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFoundf creates a not-found error
func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Authf creates an auth error
func Authf(format string, args ...any) *Error {
	return Newf(KindAuth, format, args...)
}

// Timeoutf creates a timeout error
func Timeoutf(format string, args ...any) *Error {
	return Newf(KindTimeout, format, args...)
}

// Hypervisorf creates a hypervisor error
func Hypervisorf(format string, args ...any) *Error {
	return Newf(KindHypervisor, format, args...)
}

// GuestOpsf creates a guest-ops error
func GuestOpsf(format string, args ...any) *Error {
	return Newf(KindGuestOps, format, args...)
}

// Execf creates an exec error
func Execf(format string, args ...any) *Error {
	return Newf(KindExec, format, args...)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// WriteJSON writes err to w with the status code of its kind. Errors
// without a kind map to 500 with a generic body.
func WriteJSON(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error()}
	}

	w.WriteHeader(e.StatusCode())
	json.NewEncoder(w).Encode(map[string]string{
		"kind":   string(e.Kind),
		"detail": e.Error(),
	})
}
