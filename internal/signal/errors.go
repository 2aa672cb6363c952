package signal

import (
	"errors"
	"fmt"
)

// Kind classifies a signaling failure. Every error the relay or the
// transport can raise is translated to exactly one Kind at this boundary;
// the session state machine never sees a raw transport error.
type Kind int

const (
	// KindRelayUnreachable is fatal to the current registration or dial
	// attempt. Never retried automatically, a silent reconnect loop would
	// hide a dead relay.
	KindRelayUnreachable Kind = iota + 1

	// KindIdentifierInUse means another host holds a claim on the meeting
	// code. Registration only. The host may retry with a fresh code.
	KindIdentifierInUse

	// KindInvalidIdentifierFormat is a local validation failure. The relay
	// is never contacted.
	KindInvalidIdentifierFormat

	// KindPeerUnreachable means the dialed code has no registered host, or
	// the host did not answer within the dial timeout. The participant
	// returns to its pre-dial state.
	KindPeerUnreachable
)

// Messages maps each failure kind to its single user-facing status line.
var Messages = map[Kind]string{
	KindRelayUnreachable:        "Could not reach the signaling relay",
	KindIdentifierInUse:         "Meeting code is already in use",
	KindInvalidIdentifierFormat: "Meeting code must be 8 letters or digits",
	KindPeerUnreachable:         "Nobody is hosting that meeting code",
}

// Error is a classified signaling failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", Messages[e.Kind], e.Err)
	}
	return Messages[e.Kind]
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err, or 0 when err is not a
// signaling error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
