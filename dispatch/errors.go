package dispatch

import "errors"

// Sentinel errors returned by the Dispatcher's management API for
// caller-misuse cases.
var (
	// ErrChannelAlreadyRegistered is returned by RegisterInputChannel when
	// the channel's receive-fd is already known.
	ErrChannelAlreadyRegistered = errors.New("dispatch: channel already registered")

	// ErrChannelNotRegistered is returned by UnregisterInputChannel when
	// the channel's receive-fd is unknown.
	ErrChannelNotRegistered = errors.New("dispatch: channel not registered")

	// ErrClosed is returned by RegisterInputChannel once the
	// Dispatcher has been closed.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)

// TransportError wraps a transport failure, carrying the connection's
// channel name for diagnostics. RegisterInputChannel returns it
// directly when the publisher's Initialize or the poll-fd registration
// fails (the channel is then not registered). During dispatch the
// connection is transitioned to BROKEN and the error is only surfaced
// through hooks/logging, never returned to the caller of notify_*.
type TransportError struct {
	Channel string
	Op      string
	Cause   error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return "dispatch: transport error: " + e.Op + " on " + e.Channel + ": " + e.Cause.Error()
	}
	return "dispatch: transport error: " + e.Op + " on " + e.Channel
}

func (e *TransportError) Unwrap() error { return e.Cause }
