// Package status defines the error kinds shared by every sonobus package.
//
// Each concrete error is a *Error that unwraps to exactly one kind sentinel,
// so callers can branch on the kind with errors.Is while still matching the
// concrete error value:
//
//	err := client.LeaveGroup(42, cb)
//	if errors.Is(err, status.ErrNotFound) {
//	    // the group is not joined
//	}
//
// Failures reported by the rendezvous server arrive as *RemoteError and are
// only ever delivered through request callbacks.
package status

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrInvalidArgument covers malformed addresses, empty required names and
	// oversized buffers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState covers calls made in the wrong lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound covers directory and registry lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrBufferTooSmall is non-fatal: the required size has been reported.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrRemote covers network and server-side failures.
	ErrRemote = errors.New("remote failure")

	// ErrNotImplemented covers unknown request or control kinds.
	ErrNotImplemented = errors.New("not implemented")

	// ErrConnectionClosed is used to abort requests on connection teardown.
	ErrConnectionClosed = errors.New("connection closed")
)

// Error is a concrete error of a given kind.
type Error struct {
	Kind error
	Msg  string
}

// New creates an error of the given kind.
func New(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// RemoteError is a failure reported by the rendezvous server.
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d", e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// KindOf returns the kind sentinel of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidArgument, ErrInvalidState, ErrNotFound, ErrBufferTooSmall,
		ErrRemote, ErrNotImplemented, ErrConnectionClosed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ErrReentrant is returned when a non-reentrant entry point is called while
// a previous call to it is still running.
var ErrReentrant = New(ErrInvalidState, "call overlaps a running call")
