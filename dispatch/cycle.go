package dispatch

import (
	"fmt"
	"time"

	"github.com/inputcore/dispatch/channel"
	"github.com/inputcore/dispatch/conn"
	"github.com/inputcore/dispatch/event"
	"github.com/inputcore/dispatch/internal/queue"
)

// prepareDispatchCycleLocked prepares one dispatch cycle:
// either streams an appended motion sample into an in-flight dispatch
// entry, or enqueues a brand new one (starting a cycle immediately if
// the connection was idle).
func (d *Dispatcher) prepareDispatchCycleLocked(now time.Time, c *conn.Connection, e *event.Entry, target channel.InputTarget, resumeWithAppendedSample bool) {
	if c.Status != conn.StatusNormal {
		return
	}

	if resumeWithAppendedSample && !c.Outbound.IsEmpty() {
		if existing := c.FindQueuedDispatchEntryForEvent(e); existing != nil {
			if !existing.InProgress {
				// Already queued but not yet started: the append to the
				// shared sample chain upstream is enough, it will be
				// published when this cycle starts.
				return
			}
			if existing.TailMotionSample != nil {
				// A split point is already pending; the new sample rides
				// along on the chain and goes out in a later cycle.
				return
			}
			sample := e.Motion.LastSample()
			status := c.Publisher.AppendMotionSample(sample.EventTime, sample.PointerCoords)
			if status == channel.StatusOK {
				return
			}
			// NO_MEMORY, FAILED_TRANSACTION, or any other status: not an
			// error here, just record the split point.
			existing.TailMotionSample = sample
			return
		}
		// No queued entry: the consumer must have already consumed the
		// prior event. Fall through to the NEW ENTRY branch below, which
		// marks head_motion_sample so the fresh cycle resumes from here.
	}

	de := d.alloc.ObtainDispatchEntry(e)
	de.TargetFlags = target.Flags
	de.XOffset = target.XOffset
	de.YOffset = target.YOffset
	de.Timeout = target.Timeout
	de.InProgress = false
	if resumeWithAppendedSample {
		de.HeadMotionSample = e.Motion.LastSample()
	}

	wasEmpty := c.Outbound.IsEmpty()
	c.Outbound.EnqueueAtTail(queue.NewNode(de))
	if wasEmpty {
		d.activate(c)
		d.startDispatchCycleLocked(now, c)
	}
}

// startDispatchCycleLocked starts one dispatch cycle:
// publishes the connection's head dispatch entry and arms its timeout.
func (d *Dispatcher) startDispatchCycleLocked(now time.Time, c *conn.Connection) {
	node := c.Outbound.PeekHead()
	de := node.Value()
	e := de.EventEntry

	var eventTime time.Time
	switch e.Kind {
	case event.KindKey:
		eventTime = e.Key.EventTime
		origFlags := e.Key.Flags
		if de.TargetFlags&event.TargetFlagCancel != 0 {
			e.Key.Flags |= event.KeyFlagCanceled
		}
		status := c.Publisher.PublishKeyEvent(&e.Key, de.TargetFlags, de.XOffset, de.YOffset)
		e.Key.Flags = origFlags
		if status != channel.StatusOK {
			d.abortDispatchCycleLocked(c, true, fmt.Errorf("publish key event: %s", status))
			return
		}

	case event.KindMotion:
		eventTime = e.Motion.EventTime
		start := de.HeadMotionSample
		if start == nil {
			start = e.Motion.FirstSample()
		}
		origAction := e.Motion.Action
		switch {
		case de.TargetFlags&event.TargetFlagOutside != 0:
			e.Motion.Action = event.MotionActionOutside
		case de.TargetFlags&event.TargetFlagCancel != 0:
			e.Motion.Action = event.MotionActionCancel
		}
		status := c.Publisher.PublishMotionEvent(&e.Motion, start, de.TargetFlags, de.XOffset, de.YOffset)
		e.Motion.Action = origAction
		if status != channel.StatusOK {
			d.abortDispatchCycleLocked(c, true, fmt.Errorf("publish motion event: %s", status))
			return
		}

		for s := start.Next(); s != nil; s = s.Next() {
			st := c.Publisher.AppendMotionSample(s.EventTime, s.PointerCoords)
			if st == channel.StatusNoMemory {
				de.TailMotionSample = s
				break
			}
			if st != channel.StatusOK {
				d.abortDispatchCycleLocked(c, true, fmt.Errorf("append motion sample: %s", st))
				return
			}
		}
	}

	if status := c.Publisher.SendDispatchSignal(); status != channel.StatusOK {
		d.abortDispatchCycleLocked(c, true, fmt.Errorf("send dispatch signal: %s", status))
		return
	}

	de.InProgress = true
	if de.Timeout < 0 {
		c.HasTimeout = false
	} else {
		c.HasTimeout = true
		c.NextTimeoutTime = now.Add(de.Timeout)
	}
	c.LastEventTime = eventTime
	c.LastDispatchTime = now
	d.fireDispatchCycleStarted(c, de)
}

// finishDispatchCycleLocked retires a finished dispatch cycle,
// triggered by the consumer's finish signal.
func (d *Dispatcher) finishDispatchCycleLocked(now time.Time, c *conn.Connection) {
	if c.Status == conn.StatusBroken {
		return // a broken connection has already been drained
	}

	c.HasTimeout = false
	c.NextTimeoutTime = time.Time{}

	recovered := c.Status == conn.StatusNotResponding
	if recovered {
		c.Status = conn.StatusNormal
	}
	d.fireDispatchCycleFinished(c, recovered)

	if err := c.Publisher.Reset(); err != nil {
		d.abortDispatchCycleLocked(c, true, &TransportError{Channel: c.Channel.Name(), Op: "reset", Cause: err})
		return
	}

	for {
		node := c.Outbound.PeekHead()
		if node == nil {
			break
		}
		de := node.Value()
		if de.InProgress {
			if de.TailMotionSample != nil {
				de.InProgress = false
				de.HeadMotionSample = de.TailMotionSample
				de.TailMotionSample = nil
				d.startDispatchCycleLocked(now, c)
				return
			}
			c.Outbound.Remove(node)
			d.alloc.ReleaseDispatchEntry(de)
			continue
		}
		// Head is not in progress: the previous one must already have
		// been removed (or aborted); start the next entry.
		d.startDispatchCycleLocked(now, c)
		return
	}

	d.deactivate(c)
}

// timeoutDispatchCycleLocked handles an ANR timeout for a dispatch cycle,
// called from DispatchOnce when a connection's next_timeout_time has
// passed. Returns whether the connection deactivated.
func (d *Dispatcher) timeoutDispatchCycleLocked(now time.Time, c *conn.Connection) bool {
	if c.Status != conn.StatusNormal {
		return false
	}
	c.Status = conn.StatusNotResponding
	c.LastANRTime = now
	d.abortDispatchCycleLocked(c, false, nil)
	d.fireDispatchCycleANR(c)
	return !c.IsActive()
}

// abortDispatchCycleLocked aborts a dispatch cycle:
// drains the connection's outbound queue and, if broken, transitions it
// to BROKEN and fires the broken hook. Idempotent on an already-broken
// connection.
func (d *Dispatcher) abortDispatchCycleLocked(c *conn.Connection, broken bool, cause error) bool {
	if c.Status == conn.StatusBroken {
		return false
	}
	c.HasTimeout = false
	c.NextTimeoutTime = time.Time{}
	d.drainOutboundLocked(c)
	d.deactivate(c)
	if broken {
		c.Status = conn.StatusBroken
		d.fireDispatchCycleBroken(c, cause)
	}
	return true
}
