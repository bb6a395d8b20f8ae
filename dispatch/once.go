package dispatch

import (
	"time"

	"github.com/inputcore/dispatch/channel"
	"github.com/inputcore/dispatch/conn"
	"github.com/inputcore/dispatch/event"
	"github.com/inputcore/dispatch/policy"
)

// DispatchOnce runs a single iteration of the dispatch thread:
// services timeouts, then either synthesizes a key repeat or dequeues
// and dispatches one inbound entry and returns; only when it did
// neither does it block in the wait loop until there is more to do.
func (d *Dispatcher) DispatchOnce() {
	d.mu.Lock()
	now := d.now()

	if !d.policy.AllowKeyRepeat() {
		d.resetKeyRepeatLocked()
	}

	var nextWakeup time.Time
	foldWakeup := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if nextWakeup.IsZero() || t.Before(nextWakeup) {
			nextWakeup = t
		}
	}

	// Snapshot: abortDispatchCycleLocked/timeoutDispatchCycleLocked
	// mutate d.active in place, so walk a copy.
	snapshot := append([]*conn.Connection(nil), d.active...)
	for _, c := range snapshot {
		if !c.IsActive() {
			continue // deactivated earlier in this walk
		}
		if c.HasTimeout && !c.NextTimeoutTime.After(now) {
			d.timeoutDispatchCycleLocked(now, c)
			continue
		}
		if c.HasTimeout {
			foldWakeup(c.NextTimeoutTime)
		}
	}

	if !d.hasPendingSyncTargetLocked() {
		if d.inbound.IsEmpty() {
			if d.keyRepeat.pending() {
				if !now.Before(d.keyRepeat.nextRepeatTime) {
					d.processKeyRepeatLocked(now)
					d.mu.Unlock()
					return
				}
				foldWakeup(d.keyRepeat.nextRepeatTime)
			}
		} else {
			node := d.inbound.DequeueAtHead()
			e := node.Value()
			d.dispatchInboundEntryLocked(now, e)
			d.alloc.ReleaseEventEntry(e)
			d.mu.Unlock()
			return
		}
	}

	d.mu.Unlock()

	timeoutMillis := -1
	if !nextWakeup.IsZero() {
		timeoutMillis = clampTimeoutMillis(nextWakeup.Sub(now))
	}
	if d.loop != nil {
		_, _ = d.loop.PollOnce(timeoutMillis)
	} else if timeoutMillis > 0 {
		time.Sleep(time.Duration(timeoutMillis) * time.Millisecond)
	}
}

func (d *Dispatcher) dispatchInboundEntryLocked(now time.Time, e *event.Entry) {
	switch e.Kind {
	case event.KindConfigurationChange:
		cc := e.ConfigurationChange
		d.policy.NotifyConfigurationChanged(cc.EventTime, cc.TouchScreenCfg, cc.KeyboardCfg, cc.NavigationCfg)
	case event.KindKey:
		d.processKeyLocked(now, e)
	case event.KindMotion:
		d.processMotionLocked(now, e)
	}
}

// resetKeyRepeatLocked releases the retained last-key-entry (if any)
// and clears KeyRepeatState.
func (d *Dispatcher) resetKeyRepeatLocked() {
	if d.keyRepeat.lastKeyEntry != nil {
		d.alloc.ReleaseEventEntry(d.keyRepeat.lastKeyEntry)
	}
	d.keyRepeat = keyRepeatState{}
}

// processKeyLocked handles key-repeat bookkeeping before dispatch.
func (d *Dispatcher) processKeyLocked(now time.Time, e *event.Entry) {
	if e.Key.Action == event.KeyActionDown {
		if d.keyRepeat.lastKeyEntry != nil && d.keyRepeat.lastKeyEntry.Key.KeyCode == e.Key.KeyCode {
			// The device driver is auto-repeating: note the repeat but
			// disable our own synthetic timer.
			e.Key.RepeatCount = d.keyRepeat.lastKeyEntry.Key.RepeatCount + 1
			d.resetKeyRepeatLocked()
			d.keyRepeat.noRepeat = true
		} else {
			d.resetKeyRepeatLocked()
			d.keyRepeat.nextRepeatTime = now.Add(d.policy.KeyRepeatTimeout())
		}
		e.Retain()
		d.keyRepeat.lastKeyEntry = e
	} else {
		d.resetKeyRepeatLocked()
	}
	d.dispatchKeyLocked(now, e)
}

// processMotionLocked dispatches a fresh motion entry.
func (d *Dispatcher) processMotionLocked(now time.Time, e *event.Entry) {
	d.dispatchMotionLocked(now, e, false)
}

// processKeyRepeatLocked synthesizes (or reuses) a repeat key entry
// and dispatches it.
func (d *Dispatcher) processKeyRepeatLocked(now time.Time) {
	entry := d.keyRepeat.lastKeyEntry

	if _, allowed := d.repeatLimiter.Allow(entry.Key.KeyCode); !allowed {
		// A misbehaving policy returned an unreasonably short repeat
		// timeout; back off rather than flooding targets.
		d.keyRepeat.nextRepeatTime = now.Add(d.policy.KeyRepeatTimeout())
		return
	}

	if entry.RefCount() == 1 {
		entry.Key.RepeatCount++
	} else {
		newEntry := d.alloc.ObtainKey()
		newEntry.Key = entry.Key
		newEntry.Key.RepeatCount = entry.Key.RepeatCount + 1
		d.alloc.ReleaseEventEntry(entry)
		d.keyRepeat.lastKeyEntry = newEntry
		entry = newEntry
	}
	entry.Key.EventTime = now
	entry.Key.DownTime = now
	entry.Key.PolicyFlags = 0

	d.keyRepeat.nextRepeatTime = now.Add(d.policy.KeyRepeatTimeout())
	d.dispatchKeyLocked(now, entry)
}

func (d *Dispatcher) dispatchKeyLocked(now time.Time, e *event.Entry) {
	view := policy.KeyView{
		EventTime: e.Key.EventTime,
		DeviceID:  e.Key.DeviceID,
		Nature:    e.Key.Nature,
		Action:    e.Key.Action,
		Flags:     e.Key.Flags,
		KeyCode:   e.Key.KeyCode,
		ScanCode:  e.Key.ScanCode,
		MetaState: e.Key.MetaState,
		DownTime:  e.Key.DownTime,
	}
	d.targetBuf = d.targetBuf[:0]
	d.targetBuf = d.policy.GetKeyEventTargets(view, e.Key.PolicyFlags, d.targetBuf)
	d.dispatchToCurrentTargetsLocked(now, e, d.targetBuf, false)
}

func (d *Dispatcher) dispatchMotionLocked(now time.Time, e *event.Entry, resumeWithAppendedSample bool) {
	view := policy.MotionView{
		EventTime:    e.Motion.EventTime,
		DeviceID:     e.Motion.DeviceID,
		Nature:       e.Motion.Nature,
		Action:       e.Motion.Action,
		MetaState:    e.Motion.MetaState,
		EdgeFlags:    e.Motion.EdgeFlags,
		DownTime:     e.Motion.DownTime,
		PointerCount: e.Motion.PointerCount,
		PointerIDs:   e.Motion.PointerIDs,
		Samples:      e.Motion.FirstSample(),
	}
	d.targetBuf = d.targetBuf[:0]
	d.targetBuf = d.policy.GetMotionEventTargets(view, e.Motion.PolicyFlags, d.targetBuf)
	d.dispatchToCurrentTargetsLocked(now, e, d.targetBuf, resumeWithAppendedSample)
}

// dispatchToCurrentTargetsLocked routes e to each resolved target,
// preparing (or starting) a dispatch cycle on each one's connection.
func (d *Dispatcher) dispatchToCurrentTargetsLocked(now time.Time, e *event.Entry, targets []channel.InputTarget, resumeWithAppendedSample bool) {
	for _, t := range targets {
		c, ok := d.conns[t.Channel.ReceiveFD()]
		if !ok {
			d.log.Warning().Str(`channel`, t.Channel.Name()).Log(`dispatch target not registered`)
			continue
		}
		d.prepareDispatchCycleLocked(now, c, e, t, resumeWithAppendedSample)
	}
}
