// Package conn implements the per-consumer Connection state machine:
// outbound queue, publisher handle, status, and latency bookkeeping.
// Every Connection is mutated only while the dispatcher's lock is
// held, so Status is a plain field rather than an atomically-updated
// one (see DESIGN.md Open Question 4).
package conn

import (
	"time"

	"github.com/inputcore/dispatch/channel"
	"github.com/inputcore/dispatch/event"
	"github.com/inputcore/dispatch/internal/queue"
)

// Status is the Connection's lifecycle state.
type Status int

const (
	StatusNormal Status = iota
	StatusBroken
	StatusNotResponding
	StatusZombie
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusBroken:
		return "broken"
	case StatusNotResponding:
		return "not_responding"
	case StatusZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Connection holds the per-consumer dispatch state.
type Connection struct {
	Channel   channel.InputChannel
	Publisher channel.Publisher

	Status Status

	Outbound *queue.Queue[*event.DispatchEntry]

	NextTimeoutTime time.Time
	HasTimeout      bool

	LastEventTime    time.Time
	LastDispatchTime time.Time
	LastANRTime      time.Time

	// active tracks membership in the dispatcher's ACTIVE set; the
	// dispatcher is the sole owner of this flag.
	active bool
}

// New constructs a Connection wrapping ch. The publisher is not yet
// initialized; call Initialize before first use.
func New(ch channel.InputChannel) *Connection {
	return &Connection{
		Channel:   ch,
		Publisher: ch.Publisher(),
		Status:    StatusNormal,
		Outbound:  queue.New[*event.DispatchEntry](),
	}
}

// Initialize prepares the publisher. On failure it returns the
// publisher's error unchanged.
func (c *Connection) Initialize() error {
	return c.Publisher.Initialize()
}

// IsActive reports ACTIVE-set membership.
func (c *Connection) IsActive() bool { return c.active }

// SetActive is used by the dispatcher to keep the invariant that a
// Connection is ACTIVE iff its outbound queue is non-empty.
func (c *Connection) SetActive(active bool) { c.active = active }

// Head returns the outbound queue's first dispatch entry, or nil.
func (c *Connection) Head() *event.DispatchEntry {
	n := c.Outbound.PeekHead()
	if n == nil {
		return nil
	}
	return n.Value()
}

// Tail returns the outbound queue's last dispatch entry, or nil.
func (c *Connection) Tail() *event.DispatchEntry {
	n := c.Outbound.PeekTail()
	if n == nil {
		return nil
	}
	return n.Value()
}

// HasPendingSyncTarget reports whether any outbound entry (in
// progress or merely queued) is marked FLAG_SYNC — used by
// DispatchOnce's global sync gate.
func (c *Connection) HasPendingSyncTarget() bool {
	found := false
	c.Outbound.ForEachHeadToTail(func(n *queue.Node[*event.DispatchEntry]) bool {
		if n.Value().IsSync() {
			found = true
			return false
		}
		return true
	})
	return found
}

// FindQueuedDispatchEntryForEvent scans the outbound queue tail-to-head
// for a dispatch entry whose EventEntry identity matches e.
// O(queue length).
func (c *Connection) FindQueuedDispatchEntryForEvent(e *event.Entry) *event.DispatchEntry {
	var found *event.DispatchEntry
	c.Outbound.ForEachTailToHead(func(n *queue.Node[*event.DispatchEntry]) bool {
		if n.Value().EventEntry == e {
			found = n.Value()
			return false
		}
		return true
	})
	return found
}

// EventLatency returns the time between the event's own timestamp and
// now, in milliseconds.
func EventLatency(eventTime, now time.Time) int64 {
	return now.Sub(eventTime).Milliseconds()
}

// DispatchLatencyMillis returns the time between last_event_time and
// last_dispatch_time, in milliseconds.
func (c *Connection) DispatchLatencyMillis() int64 {
	return c.LastDispatchTime.Sub(c.LastEventTime).Milliseconds()
}

// ANRLatencyMillis returns how long the connection has been
// not-responding as of now, in milliseconds (0 if it never ANR'd).
func (c *Connection) ANRLatencyMillis(now time.Time) int64 {
	if c.LastANRTime.IsZero() {
		return 0
	}
	return now.Sub(c.LastANRTime).Milliseconds()
}
