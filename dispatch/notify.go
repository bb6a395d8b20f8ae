package dispatch

import (
	"time"

	"github.com/inputcore/dispatch/event"
	"github.com/inputcore/dispatch/internal/queue"
)

// NotifyConfigurationChanged enqueues a ConfigurationChange entry.
// The dispatcher forwards it to the policy when dequeued; it never
// targets a Connection.
func (d *Dispatcher) NotifyConfigurationChanged(eventTime time.Time, touchScreenCfg, keyboardCfg, navigationCfg int32) {
	d.mu.Lock()
	e := d.alloc.ObtainConfigurationChange()
	e.ConfigurationChange = event.ConfigurationChange{
		EventTime:      eventTime,
		TouchScreenCfg: touchScreenCfg,
		KeyboardCfg:    keyboardCfg,
		NavigationCfg:  navigationCfg,
	}
	wasEmpty := d.inbound.IsEmpty()
	d.inbound.EnqueueAtTail(queue.NewNode(e))
	d.mu.Unlock()
	if wasEmpty {
		d.wake()
	}
}

// NotifyLidSwitchChanged forwards directly to the policy, synchronously
// and without taking the dispatcher lock: it never touches the inbound
// queue or any Connection state.
func (d *Dispatcher) NotifyLidSwitchChanged(eventTime time.Time, open bool) {
	d.policy.NotifyLidSwitchChanged(eventTime, open)
}

// NotifyAppSwitchComing trims trailing queued movement keys from the
// inbound queue.
func (d *Dispatcher) NotifyAppSwitchComing(eventTime time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound.ForEachTailToHead(func(n *queue.Node[*event.Entry]) bool {
		e := n.Value()
		if e.Kind != event.KindKey {
			return true // skipped, not removed; does not stop the scan
		}
		if !event.IsMovementKeyCode(e.Key.KeyCode) {
			return false // first non-movement key: stop
		}
		d.inbound.Remove(n)
		d.alloc.ReleaseEventEntry(e)
		return true
	})
}

// NotifyKey enqueues a Key entry.
func (d *Dispatcher) NotifyKey(eventTime time.Time, deviceID, nature int32, policyFlags uint32, action int32, flags uint32, keyCode, scanCode int32, metaState uint32, downTime time.Time) {
	d.mu.Lock()
	e := d.alloc.ObtainKey()
	e.Key = event.Key{
		EventTime:   eventTime,
		DeviceID:    deviceID,
		Nature:      nature,
		PolicyFlags: policyFlags,
		Action:      action,
		Flags:       flags,
		KeyCode:     keyCode,
		ScanCode:    scanCode,
		MetaState:   metaState,
		DownTime:    downTime,
	}
	wasEmpty := d.inbound.IsEmpty()
	d.inbound.EnqueueAtTail(queue.NewNode(e))
	d.mu.Unlock()
	if wasEmpty {
		d.wake()
	}
}

// NotifyMotion enqueues a Motion entry, first attempting batching (the
// most recent inbound Motion entry for the same device) then streaming
// (tail of some active connection's outbound, if marked SYNC).
func (d *Dispatcher) NotifyMotion(
	eventTime time.Time,
	deviceID, nature int32,
	policyFlags uint32,
	action int32,
	metaState, edgeFlags uint32,
	pointerCount int32,
	pointerIDs [event.MaxPointers]int32,
	coords [event.MaxPointers]event.PointerCoords,
	xPrecision, yPrecision float32,
	downTime time.Time,
) {
	d.mu.Lock()

	if action == event.MotionActionMove {
		if d.tryBatchMotionLocked(eventTime, deviceID, pointerCount, coords) {
			d.mu.Unlock()
			return
		}
		if d.tryStreamMotionLocked(d.now(), eventTime, deviceID, pointerCount, coords) {
			d.mu.Unlock()
			return
		}
	}

	e := d.alloc.ObtainMotion()
	e.Motion.EventTime = eventTime
	e.Motion.DeviceID = deviceID
	e.Motion.Nature = nature
	e.Motion.PolicyFlags = policyFlags
	e.Motion.Action = action
	e.Motion.MetaState = metaState
	e.Motion.EdgeFlags = edgeFlags
	e.Motion.XPrecision = xPrecision
	e.Motion.YPrecision = yPrecision
	e.Motion.DownTime = downTime
	e.Motion.PointerCount = pointerCount
	e.Motion.PointerIDs = pointerIDs
	e.Motion.InitFirstSample(eventTime, coords)

	wasEmpty := d.inbound.IsEmpty()
	d.inbound.EnqueueAtTail(queue.NewNode(e))
	d.mu.Unlock()
	if wasEmpty {
		d.wake()
	}
}

// tryBatchMotionLocked implements the batching case: append to the
// most recent pending Motion entry for this device in the inbound
// queue, if one exists and is compatible.
func (d *Dispatcher) tryBatchMotionLocked(eventTime time.Time, deviceID, pointerCount int32, coords [event.MaxPointers]event.PointerCoords) bool {
	var target *event.Entry
	d.inbound.ForEachTailToHead(func(n *queue.Node[*event.Entry]) bool {
		e := n.Value()
		if e.Kind != event.KindMotion || e.Motion.DeviceID != deviceID {
			return true // keep looking for this device
		}
		if e.Motion.Action == event.MotionActionMove && e.Motion.PointerCount == pointerCount {
			target = e
		}
		// Found the most recent motion entry for this device, whether
		// compatible or not: stop here either way.
		return false
	})
	if target == nil {
		return false
	}
	s := d.alloc.ObtainMotionSample()
	s.EventTime = eventTime
	s.PointerCoords = coords
	target.Motion.AppendSample(s)
	return true
}

// tryStreamMotionLocked implements the streaming case. A mismatched
// SYNC tail on any active connection aborts the whole search: the
// scan does not continue past a SYNC entry that cannot accept the
// sample, falling through to enqueueing a new Motion entry.
func (d *Dispatcher) tryStreamMotionLocked(now, eventTime time.Time, deviceID, pointerCount int32, coords [event.MaxPointers]event.PointerCoords) bool {
	for _, c := range d.active {
		tail := c.Tail()
		if tail == nil || !tail.IsSync() {
			continue
		}
		e := tail.EventEntry
		if e.Kind != event.KindMotion ||
			e.Motion.Action != event.MotionActionMove ||
			e.Motion.DeviceID != deviceID ||
			e.Motion.PointerCount != pointerCount {
			return false
		}
		s := d.alloc.ObtainMotionSample()
		s.EventTime = eventTime
		s.PointerCoords = coords
		e.Motion.AppendSample(s)
		d.dispatchMotionLocked(now, e, true)
		return true
	}
	return false
}
