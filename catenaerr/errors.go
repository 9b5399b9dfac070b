// Package catenaerr defines the typed error kinds visible at the core's
// boundary (spec §7), so gossip handlers can turn a failure into an
// error{message} reply or a peer-state transition without parsing strings.
package catenaerr

import "fmt"

// Kind identifies one of the error categories the core can surface.
type Kind string

const (
	MalformedGossip              Kind = "malformed-gossip"
	UnknownAction                Kind = "unknown-action"
	DeserializationFailed         Kind = "deserialization-failed"
	ProtocolVersionMissing        Kind = "protocol-version-missing"
	ProtocolVersionUnsupported    Kind = "protocol-version-unsupported"
	NotConnected                  Kind = "not-connected"
	UnsignedTransactionCannotMine Kind = "unsigned-transaction-cannot-be-mined"
	InvalidHashLength             Kind = "invalid-hash-length"
	InvalidHashEncoding           Kind = "invalid-hash-encoding"
	BlockFormatError              Kind = "block-format-error"
	BlockNotFound                 Kind = "block-not-found"
)

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error for kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error for kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Is reports whether err is an *Error carrying the given Kind. It does not
// unwrap err.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
