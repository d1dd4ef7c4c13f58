// Package callerr defines the error kinds surfaced to the UI layer by the
// session core. Lower layers wrap their failures in an *Error so the
// orchestrator never hands a raw transport or pion error to its listener.
package callerr

import (
	"errors"
	"fmt"
)

// Kind classifies a call failure.
type Kind string

const (
	KindMediaAccessDenied     Kind = "MediaAccessDenied"
	KindTransportConnect      Kind = "TransportConnectError"
	KindTransportDisconnected Kind = "TransportDisconnected"
	KindSignalingDecode       Kind = "SignalingDecodeError"
	KindNegotiationFailed     Kind = "NegotiationFailed"
	KindSessionAlreadyActive  Kind = "SessionAlreadyActive"
)

// Error is a classified call failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of Op and Err.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Recoverable reports whether the call can be retried without user action
// beyond a retry button.
func (e *Error) Recoverable() bool {
	return e.Kind != KindMediaAccessDenied
}

var (
	ErrMediaAccessDenied     = &Error{Kind: KindMediaAccessDenied}
	ErrTransportConnect      = &Error{Kind: KindTransportConnect}
	ErrTransportDisconnected = &Error{Kind: KindTransportDisconnected}
	ErrSignalingDecode       = &Error{Kind: KindSignalingDecode}
	ErrNegotiationFailed     = &Error{Kind: KindNegotiationFailed}
	ErrSessionAlreadyActive  = &Error{Kind: KindSessionAlreadyActive}
)

// New wraps err with a kind and the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies err. An err that already carries a kind keeps it.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return New(kind, op, err)
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
