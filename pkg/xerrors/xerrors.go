// Package xerrors carries the small set of named error kinds the ingestion
// and orchestration layers need to distinguish with errors.Is/errors.As
// instead of matching on message text.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind is the category of failure a typed error belongs to.
type Kind string

const (
	KindStream     Kind = "stream"
	KindTransport  Kind = "transport"
	KindDecode     Kind = "decode"
	KindFatalInit  Kind = "fatal_init"
)

// Error is a typed, wrapped error carrying a Kind plus the symbol/operation
// it happened against, so callers can branch on Kind without parsing text.
type Error struct {
	Kind    Kind
	Op      string
	Symbol  string
	Err     error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Symbol, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// StreamError wraps a websocket session failure (disconnect, malformed
// frame, parse failure, read-deadline expiry).
func StreamError(op, symbol string, err error) error {
	return &Error{Kind: KindStream, Op: op, Symbol: symbol, Err: err}
}

// TransportError wraps a REST network/timeout/5xx failure.
func TransportError(op, symbol string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Symbol: symbol, Err: err}
}

// DecodeError wraps a malformed-upstream-payload failure. Treated as a
// TransportError for the affected item by callers.
func DecodeError(op, symbol string, err error) error {
	return &Error{Kind: KindDecode, Op: op, Symbol: symbol, Err: err}
}

// FatalInitError wraps a missing-required-config failure at startup only.
func FatalInitError(op string, err error) error {
	return &Error{Kind: KindFatalInit, Op: op, Err: err}
}

// IsKind reports whether err (or something it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var xe *Error
	if !errors.As(err, &xe) {
		return false
	}
	return xe.Kind == k
}
