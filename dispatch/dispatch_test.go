package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inputcore/dispatch/channel"
	"github.com/inputcore/dispatch/channel/loopback"
	"github.com/inputcore/dispatch/conn"
	"github.com/inputcore/dispatch/event"
	"github.com/inputcore/dispatch/internal/queue"
	"github.com/inputcore/dispatch/policy"
)

// fakeClock gives tests full control over now(), for deterministic
// ANR/key-repeat tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubPolicy routes every key/motion event to a fixed target list,
// configurable per test.
type stubPolicy struct {
	mu            sync.Mutex
	keyTargets    []channel.InputTarget
	motionTargets []channel.InputTarget
	allowRepeat   bool
	repeatTimeout time.Duration

	lastKeyView    policy.KeyView
	lastMotionView policy.MotionView
}

func newStubPolicy() *stubPolicy {
	return &stubPolicy{allowRepeat: true, repeatTimeout: 500 * time.Millisecond}
}

func (p *stubPolicy) AllowKeyRepeat() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowRepeat
}

func (p *stubPolicy) KeyRepeatTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.repeatTimeout
}

func (p *stubPolicy) NotifyConfigurationChanged(time.Time, int32, int32, int32) {}
func (p *stubPolicy) NotifyLidSwitchChanged(time.Time, bool)                    {}

func (p *stubPolicy) GetKeyEventTargets(view policy.KeyView, policyFlags uint32, out []channel.InputTarget) []channel.InputTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastKeyView = view
	return append(out, p.keyTargets...)
}

func (p *stubPolicy) GetMotionEventTargets(view policy.MotionView, policyFlags uint32, out []channel.InputTarget) []channel.InputTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastMotionView = view
	return append(out, p.motionTargets...)
}

func (p *stubPolicy) setTarget(t channel.InputTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyTargets = []channel.InputTarget{t}
	p.motionTargets = []channel.InputTarget{t}
}

func newTestDispatcher(t *testing.T, pol *stubPolicy, clock *fakeClock) *Dispatcher {
	t.Helper()
	return New(WithPolicy(pol), WithClock(clock.now))
}

func newTestCoords(x, y float32) [event.MaxPointers]event.PointerCoords {
	var c [event.MaxPointers]event.PointerCoords
	c[0] = event.PointerCoords{X: x, Y: y}
	return c
}

func newTestPointerIDs() [event.MaxPointers]int32 {
	var ids [event.MaxPointers]int32
	return ids
}

func connFor(t *testing.T, d *Dispatcher, ch channel.InputChannel) *conn.Connection {
	t.Helper()
	c, ok := d.conns[ch.ReceiveFD()]
	require.True(t, ok, "connection registered")
	return c
}

// TestSimpleKeyDispatch: a single key down is delivered to
// its one target and the cycle starts.
func TestSimpleKeyDispatch(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.setTarget(channel.InputTarget{Channel: ch, Timeout: 5 * time.Second})

	d := newTestDispatcher(t, pol, clock)
	require.NoError(t, d.RegisterInputChannel(ch))

	d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, event.KeyCodeDPadUp, 0, 0, clock.now())
	d.DispatchOnce()

	keys := ch.PublishedKeys()
	require.Len(t, keys, 1)
	require.Equal(t, int32(event.KeyCodeDPadUp), keys[0].Event.KeyCode)
	require.Equal(t, 1, ch.Signals())

	c := connFor(t, d, ch)
	require.True(t, c.IsActive())
	require.True(t, c.HasTimeout)
}

// TestFinishDispatchCycleRetiresAndDeactivates covers the
// finish-signal path draining an idle connection back out of ACTIVE.
func TestFinishDispatchCycleRetiresAndDeactivates(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.setTarget(channel.InputTarget{Channel: ch, Timeout: 5 * time.Second})

	d := newTestDispatcher(t, pol, clock)
	require.NoError(t, d.RegisterInputChannel(ch))

	d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, event.KeyCodeDPadUp, 0, 0, clock.now())
	d.DispatchOnce()

	c := connFor(t, d, ch)
	require.True(t, c.IsActive())

	d.mu.Lock()
	d.finishDispatchCycleLocked(clock.now(), c)
	d.mu.Unlock()

	require.False(t, c.IsActive())
	require.Equal(t, 1, ch.Resets())
}

// TestANRThenRecovery: a connection that misses its deadline enters
// NOT_RESPONDING with its outbound queue aborted and deactivated, then
// returns to NORMAL when the consumer's finish signal eventually
// arrives, reporting recoveredFromANR to the finish hook.
func TestANRThenRecovery(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.setTarget(channel.InputTarget{Channel: ch, Timeout: 1 * time.Second})

	var anrFired, brokenFired int
	var recoveredFromANR bool
	d := New(
		WithPolicy(pol),
		WithClock(clock.now),
		WithHooks(Hooks{
			OnDispatchCycleANR:      func(*conn.Connection) { anrFired++ },
			OnDispatchCycleBroken:   func(*conn.Connection, error) { brokenFired++ },
			OnDispatchCycleFinished: func(_ *conn.Connection, recovered bool) { recoveredFromANR = recovered },
		}),
	)
	require.NoError(t, d.RegisterInputChannel(ch))

	d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, event.KeyCodeDPadUp, 0, 0, clock.now())
	d.DispatchOnce()

	c := connFor(t, d, ch)
	require.True(t, c.HasTimeout)

	clock.advance(2 * time.Second)
	d.DispatchOnce()

	require.Equal(t, 1, anrFired)
	require.Equal(t, 0, brokenFired)
	require.Equal(t, conn.StatusNotResponding, c.Status)
	require.False(t, c.IsActive(), "abort drains and deactivates even on ANR")

	// The consumer finally signals finish: the connection recovers.
	clock.advance(500 * time.Millisecond)
	d.mu.Lock()
	d.finishDispatchCycleLocked(clock.now(), c)
	d.mu.Unlock()

	require.Equal(t, conn.StatusNormal, c.Status)
	require.True(t, recoveredFromANR)
}

// TestAbortIdempotentOnBroken: aborting an already-BROKEN connection
// is a no-op and does not refire the broken hook.
func TestAbortIdempotentOnBroken(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.setTarget(channel.InputTarget{Channel: ch, Timeout: 5 * time.Second})

	var brokenFired int
	d := New(WithPolicy(pol), WithClock(clock.now), WithHooks(Hooks{
		OnDispatchCycleBroken: func(*conn.Connection, error) { brokenFired++ },
	}))
	require.NoError(t, d.RegisterInputChannel(ch))
	c := connFor(t, d, ch)

	d.mu.Lock()
	ok1 := d.abortDispatchCycleLocked(c, true, assertErr)
	ok2 := d.abortDispatchCycleLocked(c, true, assertErr)
	d.mu.Unlock()

	require.True(t, ok1)
	require.False(t, ok2)
	require.Equal(t, 1, brokenFired)
	require.Equal(t, conn.StatusBroken, c.Status)
}

var assertErr = errTest{}

type errTest struct{}

func (errTest) Error() string { return "test error" }

// TestMotionBatching: successive ACTION_MOVE events for the same
// device, still waiting in the inbound queue (DispatchOnce never runs,
// so nothing dequeues them), coalesce into one inbound entry's sample
// chain, while the preceding DOWN stays a separate entry.
func TestMotionBatching(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	// No targets: nothing drains the inbound queue via DispatchOnce in
	// this test; NotifyMotion alone exercises tryBatchMotionLocked.
	d := newTestDispatcher(t, pol, clock)

	ids := newTestPointerIDs()
	d.NotifyMotion(clock.now(), 1, 0, 0, event.MotionActionDown, 0, 0, 1, ids, newTestCoords(1, 1), 1, 1, clock.now())
	d.NotifyMotion(clock.now(), 1, 0, 0, event.MotionActionMove, 0, 0, 1, ids, newTestCoords(2, 2), 1, 1, clock.now())
	d.NotifyMotion(clock.now(), 1, 0, 0, event.MotionActionMove, 0, 0, 1, ids, newTestCoords(3, 3), 1, 1, clock.now())

	require.Equal(t, 2, d.inbound.Len(), "DOWN stays separate; the two MOVEs batch into one")

	tail := d.inbound.PeekTail().Value()
	require.Equal(t, event.KindMotion, tail.Kind)
	require.Equal(t, int32(event.MotionActionMove), tail.Motion.Action)

	samples := 0
	for s := tail.Motion.FirstSample(); s != nil; s = s.Next() {
		samples++
	}
	require.Equal(t, 2, samples, "both MOVE samples landed on the same batched entry")
}

// TestMotionStreamingAfterDispatchStart: once a SYNC motion target is
// in progress on a connection, a subsequent MOVE streams directly
// into the publisher via AppendMotionSample instead of queuing a new
// inbound entry.
func TestMotionStreamingAfterDispatchStart(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.setTarget(channel.InputTarget{Channel: ch, Flags: event.TargetFlagSync, Timeout: 5 * time.Second})

	d := newTestDispatcher(t, pol, clock)
	require.NoError(t, d.RegisterInputChannel(ch))

	ids := newTestPointerIDs()
	// Streaming only matches against an in-flight SYNC entry whose own
	// action is itself MOVE; a DOWN target never streams, it's
	// batched/queued like any other entry.
	d.NotifyMotion(clock.now(), 1, 0, 0, event.MotionActionMove, 0, 0, 1, ids, newTestCoords(1, 1), 1, 1, clock.now())
	d.DispatchOnce() // starts the cycle, publishing the first MOVE and marking it SYNC+in-progress

	require.Len(t, ch.PublishedMotions(), 1)

	d.NotifyMotion(clock.now(), 1, 0, 0, event.MotionActionMove, 0, 0, 1, ids, newTestCoords(2, 2), 1, 1, clock.now())

	require.True(t, d.inbound.IsEmpty(), "the MOVE streamed directly, it never reached the inbound queue")
	require.Len(t, ch.AppendedSamples(), 2, "the publish's own start sample, plus one streamed AppendMotionSample call")
}

// TestMotionStreamingAbortsOnMismatch: a SYNC tail for a different
// device aborts the whole streaming search rather than only skipping
// that connection, so the new motion is queued as a fresh inbound
// entry instead.
func TestMotionStreamingAbortsOnMismatch(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.setTarget(channel.InputTarget{Channel: ch, Flags: event.TargetFlagSync, Timeout: 5 * time.Second})

	d := newTestDispatcher(t, pol, clock)
	require.NoError(t, d.RegisterInputChannel(ch))

	ids := newTestPointerIDs()
	// Device 1's MOVE starts a SYNC cycle on the connection.
	d.NotifyMotion(clock.now(), 1, 0, 0, event.MotionActionMove, 0, 0, 1, ids, newTestCoords(1, 1), 1, 1, clock.now())
	d.DispatchOnce()

	// Device 2's MOVE cannot stream into device 1's in-flight SYNC
	// entry: the mismatch aborts the search entirely.
	d.NotifyMotion(clock.now(), 2, 0, 0, event.MotionActionMove, 0, 0, 1, ids, newTestCoords(9, 9), 1, 1, clock.now())

	require.False(t, d.inbound.IsEmpty(), "device 2's MOVE fell through to a new inbound entry")
	require.Len(t, ch.AppendedSamples(), 1, "only device 1's own publish start sample, nothing streamed")
}

// TestSyntheticKeyRepeat: a DOWN with no matching follow-up
// DOWN synthesizes repeats at the policy's KeyRepeatTimeout cadence.
func TestSyntheticKeyRepeat(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.repeatTimeout = 100 * time.Millisecond
	pol.setTarget(channel.InputTarget{Channel: ch, Timeout: 5 * time.Second})

	d := newTestDispatcher(t, pol, clock)
	require.NoError(t, d.RegisterInputChannel(ch))

	d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, event.KeyCodeDPadUp, 0, 0, clock.now())
	d.DispatchOnce()
	require.Len(t, ch.PublishedKeys(), 1)

	// Finish the first cycle so the connection goes idle and a repeat
	// can start its own cycle.
	c := connFor(t, d, ch)
	d.mu.Lock()
	d.finishDispatchCycleLocked(clock.now(), c)
	d.mu.Unlock()

	clock.advance(150 * time.Millisecond)
	d.DispatchOnce()

	keys := ch.PublishedKeys()
	require.Len(t, keys, 2)
	require.Equal(t, int32(1), keys[1].Event.RepeatCount)
}

// TestDeviceAutoRepeatSuppressesSynthetic: a second device-originated
// DOWN for the same key code disables the synthetic timer (noRepeat)
// while still tracking the entry.
func TestDeviceAutoRepeatSuppressesSynthetic(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.repeatTimeout = 100 * time.Millisecond
	pol.setTarget(channel.InputTarget{Channel: ch, Timeout: 5 * time.Second})

	d := newTestDispatcher(t, pol, clock)
	require.NoError(t, d.RegisterInputChannel(ch))

	d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, event.KeyCodeDPadUp, 0, 0, clock.now())
	d.DispatchOnce()
	c := connFor(t, d, ch)
	d.mu.Lock()
	d.finishDispatchCycleLocked(clock.now(), c)
	d.mu.Unlock()

	clock.advance(10 * time.Millisecond)
	d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, event.KeyCodeDPadUp, 0, 0, clock.now())
	d.DispatchOnce()

	d.mu.Lock()
	noRepeat := d.keyRepeat.noRepeat
	pending := d.keyRepeat.pending()
	d.mu.Unlock()
	require.True(t, noRepeat)
	require.False(t, pending, "synthetic timer must not also fire after a driver auto-repeat")

	keys := ch.PublishedKeys()
	require.Len(t, keys, 2)
	require.Equal(t, int32(1), keys[1].Event.RepeatCount, "second device DOWN carries repeat_count 1")
}

// TestAppSwitchTrimsTrailingMovementKeys.
func TestAppSwitchTrimsTrailingMovementKeys(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	pol := newStubPolicy()
	d := newTestDispatcher(t, pol, clock)

	enqueue := func(keyCode int32) {
		d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, keyCode, 0, 0, clock.now())
	}
	ids := newTestPointerIDs()
	enqueue(99) // non-movement, stays

	d.mu.Lock()
	e := d.alloc.ObtainMotion()
	e.Motion.InitFirstSample(clock.now(), newTestCoords(0, 0))
	e.Motion.PointerIDs = ids
	d.inbound.EnqueueAtTail(queue.NewNode(e))
	d.mu.Unlock()

	enqueue(event.KeyCodeDPadUp)   // trailing movement key: trimmed
	enqueue(event.KeyCodeDPadDown) // trailing movement key: trimmed

	require.Equal(t, 4, d.inbound.Len())
	d.NotifyAppSwitchComing(clock.now())
	require.Equal(t, 2, d.inbound.Len(), "motion entry skipped, both trailing movement keys removed")

	d.mu.Lock()
	tail := d.inbound.PeekTail().Value()
	d.mu.Unlock()
	require.Equal(t, event.KindMotion, tail.Kind, "the non-movement key and the motion entry remain")
}

func TestANRLogThrottledByRateLimiter(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	ch, err := loopback.New("win")
	require.NoError(t, err)
	defer ch.Close()

	pol := newStubPolicy()
	pol.setTarget(channel.InputTarget{Channel: ch, Timeout: 1 * time.Second})

	d := New(WithPolicy(pol), WithClock(clock.now), WithANRLogRates(map[time.Duration]int{time.Hour: 1}))
	require.NoError(t, d.RegisterInputChannel(ch))

	d.NotifyKey(clock.now(), 1, 0, 0, event.KeyActionDown, 0, event.KeyCodeDPadUp, 0, 0, clock.now())
	d.DispatchOnce()

	c := connFor(t, d, ch)
	_, allowedFirst := d.anrLimiter.Allow(c.Channel.Name())
	require.True(t, allowedFirst)
	_, allowedSecond := d.anrLimiter.Allow(c.Channel.Name())
	require.False(t, allowedSecond, "a second ANR log within the window is throttled")
}
