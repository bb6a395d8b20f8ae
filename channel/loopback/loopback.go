// Package loopback implements channel.InputChannel/channel.Publisher
// entirely in-process, backed by an os.Pipe-based receive-fd so the
// wait loop's epoll readiness path is exercised exactly as it would
// be against a real consumer process, using the same os.Pipe-backed
// wake-fd plumbing as the real transport.
//
// It is a test fixture, not part of the core; real consumer
// processes are served by the excluded shared-memory transport.
package loopback

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/inputcore/dispatch/channel"
	"github.com/inputcore/dispatch/event"
)

// PublishedKey records one call to PublishKeyEvent, for test assertions.
type PublishedKey struct {
	Event       event.Key
	TargetFlags uint32
	XOffset     float32
	YOffset     float32
}

// PublishedMotion records one call to PublishMotionEvent.
type PublishedMotion struct {
	Event       event.Motion
	StartAt     *event.MotionSample
	TargetFlags uint32
	XOffset     float32
	YOffset     float32
}

// Channel is an in-process InputChannel, with a Publisher whose
// behavior on AppendMotionSample can be scripted for back-pressure
// (NO_MEMORY) and already-consumed (FAILED_TRANSACTION) tests.
type Channel struct {
	name string

	finishR *os.File
	finishW *os.File

	mu sync.Mutex

	keys        []PublishedKey
	motions     []PublishedMotion
	appended    []event.MotionSample
	signals     int
	resets      int

	// NextAppendStatus, if non-nil, is consumed (and cleared) by the
	// next AppendMotionSample call instead of StatusOK.
	NextAppendStatus *channel.Status
	// FailAfter, if > 0, causes every PublishKeyEvent,
	// PublishMotionEvent, AppendMotionSample and SendDispatchSignal call
	// after the first FailAfter such calls to return StatusError
	// (simulating a broken pipe). Initialize, Reset and
	// ReceiveFinishedSignal are not counted and never fail this way.
	FailAfter int
	calls     int
}

// New creates a loopback channel named name.
func New(name string) (*Channel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("loopback: create finish pipe: %w", err)
	}
	return &Channel{name: name, finishR: r, finishW: w}, nil
}

// Close releases the underlying pipe fds.
func (c *Channel) Close() error {
	err1 := c.finishR.Close()
	err2 := c.finishW.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ReceiveFD returns the fd the wait loop should poll for readiness;
// readiness means the simulated consumer called SignalFinished.
func (c *Channel) ReceiveFD() int { return int(c.finishR.Fd()) }

func (c *Channel) Name() string { return c.name }

func (c *Channel) Publisher() channel.Publisher { return (*publisher)(c) }

// SignalFinished simulates the consumer process acknowledging the
// in-progress dispatch cycle: it makes ReceiveFD readable.
func (c *Channel) SignalFinished() error {
	_, err := c.finishW.Write([]byte{1})
	return err
}

// DrainFinishedSignal consumes one pending finish notification from
// the receive fd, mirroring InputChannel's ReceiveFinishedSignal
// semantics. Returns ok=false if nothing was pending.
func (c *Channel) DrainFinishedSignal() (bool, error) {
	fd := int(c.finishR.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return false, err
	}
	buf := make([]byte, 1)
	n, err := syscall.Read(fd, buf)
	if err == syscall.EAGAIN {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PublishedKeys returns a snapshot of recorded PublishKeyEvent calls.
func (c *Channel) PublishedKeys() []PublishedKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublishedKey, len(c.keys))
	copy(out, c.keys)
	return out
}

// PublishedMotions returns a snapshot of recorded PublishMotionEvent calls.
func (c *Channel) PublishedMotions() []PublishedMotion {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublishedMotion, len(c.motions))
	copy(out, c.motions)
	return out
}

// AppendedSamples returns a snapshot of the samples the publisher has
// accepted: the start sample of each PublishMotionEvent call, plus
// every AppendMotionSample call that returned StatusOK.
func (c *Channel) AppendedSamples() []event.MotionSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.MotionSample, len(c.appended))
	copy(out, c.appended)
	return out
}

// Signals reports how many times SendDispatchSignal was called.
func (c *Channel) Signals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals
}

// Resets reports how many times Reset was called.
func (c *Channel) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// publisher is Channel viewed through the channel.Publisher interface;
// it is a distinct named type (rather than a method set directly on
// *Channel) so Channel's own test-inspection methods don't leak into
// the dispatcher-facing interface.
type publisher Channel

func (p *publisher) chan_() *Channel { return (*Channel)(p) }

func (p *publisher) Initialize() error { return nil }

func (p *publisher) shouldFail() bool {
	c := p.chan_()
	c.calls++
	return c.FailAfter > 0 && c.calls > c.FailAfter
}

func (p *publisher) PublishKeyEvent(e *event.Key, targetFlags uint32, xOffset, yOffset float32) channel.Status {
	c := p.chan_()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.shouldFail() {
		return channel.StatusError
	}
	c.keys = append(c.keys, PublishedKey{Event: *e, TargetFlags: targetFlags, XOffset: xOffset, YOffset: yOffset})
	return channel.StatusOK
}

func (p *publisher) PublishMotionEvent(e *event.Motion, startAt *event.MotionSample, targetFlags uint32, xOffset, yOffset float32) channel.Status {
	c := p.chan_()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.shouldFail() {
		return channel.StatusError
	}
	c.motions = append(c.motions, PublishedMotion{Event: *e, StartAt: startAt, TargetFlags: targetFlags, XOffset: xOffset, YOffset: yOffset})
	if startAt != nil {
		c.appended = append(c.appended, *startAt)
	}
	return channel.StatusOK
}

func (p *publisher) AppendMotionSample(eventTime time.Time, coords [event.MaxPointers]event.PointerCoords) channel.Status {
	c := p.chan_()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NextAppendStatus != nil {
		s := *c.NextAppendStatus
		c.NextAppendStatus = nil
		return s
	}
	if p.shouldFail() {
		return channel.StatusError
	}
	c.appended = append(c.appended, event.MotionSample{EventTime: eventTime, PointerCoords: coords})
	return channel.StatusOK
}

func (p *publisher) SendDispatchSignal() channel.Status {
	c := p.chan_()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.shouldFail() {
		return channel.StatusError
	}
	c.signals++
	return channel.StatusOK
}

func (p *publisher) ReceiveFinishedSignal() (bool, error) {
	return p.chan_().DrainFinishedSignal()
}

func (p *publisher) Reset() error {
	c := p.chan_()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return nil
}
