// Package channel defines the opaque InputChannel/Publisher transport
// consumed by the dispatcher, and the InputTarget bundle produced by
// the policy. The real shared-memory transport is an excluded
// external collaborator; this package only states the interface the
// dispatcher programs against, plus (in the loopback subpackage) a
// reference implementation for tests.
package channel

import (
	"time"

	"github.com/inputcore/dispatch/event"
)

// Status is the outcome of a publisher operation.
type Status int

const (
	// StatusOK indicates the operation completed normally.
	StatusOK Status = iota
	// StatusNoMemory indicates the shared buffer is full: back-pressure,
	// not an error.
	StatusNoMemory
	// StatusFailedTransaction indicates the consumer already consumed
	// the event being appended to: a streaming-only signal, not an
	// error.
	StatusFailedTransaction
	// StatusError indicates any other transport failure; the caller
	// must treat the connection as broken.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoMemory:
		return "no_memory"
	case StatusFailedTransaction:
		return "failed_transaction"
	default:
		return "error"
	}
}

// Publisher is the dispatcher-facing write side of an InputChannel.
// Every method must be non-blocking or bounded: the dispatcher calls
// these while holding its single lock.
type Publisher interface {
	Initialize() error
	PublishKeyEvent(e *event.Key, targetFlags uint32, xOffset, yOffset float32) Status
	PublishMotionEvent(e *event.Motion, startAt *event.MotionSample, targetFlags uint32, xOffset, yOffset float32) Status
	AppendMotionSample(eventTime time.Time, coords [event.MaxPointers]event.PointerCoords) Status
	SendDispatchSignal() Status
	ReceiveFinishedSignal() (bool, error)
	Reset() error
}

// InputChannel is an opaque bidirectional transport handle: a
// receive-fd the wait loop can poll for consumer readiness, a human
// readable name for logging, and the Publisher write side.
type InputChannel interface {
	ReceiveFD() int
	Name() string
	Publisher() Publisher
}

// InputTarget is produced by the policy for each event, naming one
// consumer channel plus per-target dispatch parameters.
type InputTarget struct {
	Channel          InputChannel
	Flags            uint32
	XOffset, YOffset float32
	// Timeout is the ANR timeout for this target; negative means none.
	Timeout time.Duration
}
