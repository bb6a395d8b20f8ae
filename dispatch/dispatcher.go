// Package dispatch implements the dispatcher core: the inbound event
// pipeline, the per-connection dispatch-cycle FSM, motion
// batching/streaming, synthetic key repeat, and the dispatch thread's
// wait/poll scheduling (Run loops DispatchOnce, which blocks in a
// waitloop.Loop when it has nothing to dispatch).
package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/inputcore/dispatch/channel"
	"github.com/inputcore/dispatch/conn"
	"github.com/inputcore/dispatch/event"
	"github.com/inputcore/dispatch/internal/pool"
	"github.com/inputcore/dispatch/internal/queue"
	"github.com/inputcore/dispatch/logging"
	"github.com/inputcore/dispatch/policy"
	"github.com/inputcore/dispatch/waitloop"
)

// keyRepeatState is the retained last key entry plus the next
// synthesis deadline.
type keyRepeatState struct {
	lastKeyEntry   *event.Entry
	nextRepeatTime time.Time
	// noRepeat is set once a second device-originated DOWN for the
	// same key_code is observed: the synthetic timer is disabled
	// (next_repeat_time = infinity) but lastKeyEntry is still tracked
	// for the next auto-repeat comparison.
	noRepeat bool
}

func (k keyRepeatState) pending() bool {
	return k.lastKeyEntry != nil && !k.noRepeat
}

// Dispatcher is the single-writer, single-mutex core: every exported
// method that touches dispatcher state takes d.mu, mutates state under
// it, and (for the producer-facing notify_* calls) releases it before
// waking the wait loop. NotifyLidSwitchChanged only forwards to the
// policy and takes no lock; Run takes it through DispatchOnce.
type Dispatcher struct {
	mu sync.Mutex

	alloc  *pool.Allocator
	now    func() time.Time
	policy policy.Policy
	loop   *waitloop.Loop
	log    logging.Logger
	hooks  Hooks

	anrLimiter    *catrate.Limiter
	repeatLimiter *catrate.Limiter

	inbound *queue.Queue[*event.Entry]

	conns  map[int]*conn.Connection
	active []*conn.Connection

	keyRepeat keyRepeatState

	// targetBuf is the reusable InputTargets buffer, cleared and
	// re-filled by the policy on every key or motion dispatch, never
	// retained across calls.
	targetBuf []channel.InputTarget

	closed bool
}

// New constructs a Dispatcher. WithPolicy is required; all other
// options have sensible defaults.
func New(opts ...Option) *Dispatcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.policy == nil {
		panic("dispatch: New requires WithPolicy")
	}
	anr, repeat := newLimiters(cfg)
	return &Dispatcher{
		alloc:         cfg.alloc,
		now:           cfg.now,
		policy:        cfg.policy,
		loop:          cfg.loop,
		log:           cfg.log,
		hooks:         cfg.hooks,
		anrLimiter:    anr,
		repeatLimiter: repeat,
		inbound:       queue.New[*event.Entry](),
		conns:         make(map[int]*conn.Connection),
	}
}

// RegisterInputChannel adds ch to the dispatcher's connection registry,
// keyed by its receive-fd, and initializes its publisher. If a waitloop
// was supplied, the fd is also registered for readiness callbacks that
// drive the consumer's finish-signal path.
func (d *Dispatcher) RegisterInputChannel(ch channel.InputChannel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	fd := ch.ReceiveFD()
	if _, exists := d.conns[fd]; exists {
		d.log.Warning().Str(`channel`, ch.Name()).Log(`register: already registered`)
		return ErrChannelAlreadyRegistered
	}
	c := conn.New(ch)
	if err := c.Initialize(); err != nil {
		return &TransportError{Channel: ch.Name(), Op: "initialize", Cause: err}
	}
	d.conns[fd] = c
	if d.loop != nil {
		if err := d.loop.SetCallback(fd, waitloop.EventRead, d.receiveCallback(c)); err != nil {
			delete(d.conns, fd)
			return &TransportError{Channel: ch.Name(), Op: "register poll fd", Cause: err}
		}
	}
	return nil
}

// UnregisterInputChannel transitions the connection to ZOMBIE, drains
// and releases its outbound queue, removes it from the poll set, and
// forgets it. ZOMBIE is reached only via unregister.
func (d *Dispatcher) UnregisterInputChannel(ch channel.InputChannel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd := ch.ReceiveFD()
	c, ok := d.conns[fd]
	if !ok {
		d.log.Warning().Str(`channel`, ch.Name()).Log(`unregister: not registered`)
		return ErrChannelNotRegistered
	}
	d.drainOutboundLocked(c)
	c.Status = conn.StatusZombie
	d.deactivate(c)
	delete(d.conns, fd)
	if d.loop != nil {
		_ = d.loop.RemoveCallback(fd)
	}
	return nil
}

func (d *Dispatcher) drainOutboundLocked(c *conn.Connection) {
	for {
		n := c.Outbound.DequeueAtHead()
		if n == nil {
			break
		}
		d.alloc.ReleaseDispatchEntry(n.Value())
	}
}

// Close makes later RegisterInputChannel calls fail with ErrClosed.
// Notify* calls and DispatchOnce keep working, and queued state is
// left for inspection (tests call DispatchOnce directly and don't need
// Close to tear down connections).
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Run loops DispatchOnce until ctx is cancelled, giving the dispatcher
// its own dedicated goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	if d.loop != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = d.loop.Wake()
			case <-done:
			}
		}()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.DispatchOnce()
	}
}

func (d *Dispatcher) activate(c *conn.Connection) {
	if c.IsActive() {
		return
	}
	c.SetActive(true)
	d.active = append(d.active, c)
}

func (d *Dispatcher) deactivate(c *conn.Connection) {
	if !c.IsActive() {
		return
	}
	c.SetActive(false)
	for i, cc := range d.active {
		if cc == c {
			d.active = append(d.active[:i], d.active[i+1:]...)
			return
		}
	}
}

// hasPendingSyncTargetLocked is the global sync gate: true if any
// connection has a queued or in-progress FLAG_SYNC dispatch entry.
func (d *Dispatcher) hasPendingSyncTargetLocked() bool {
	for _, c := range d.active {
		if c.HasPendingSyncTarget() {
			return true
		}
	}
	return false
}

// clampTimeoutMillis clamps a next_wakeup - now delay to an epoll
// timeout: overflowing an int32 millisecond count clamps to infinite
// (-1, since nothing meaningful would change by waking early); a
// delay that has already elapsed clamps to 0 (immediate poll).
func clampTimeoutMillis(delay time.Duration) int {
	ms := delay.Milliseconds()
	switch {
	case ms > math.MaxInt32:
		return -1
	case ms > 0:
		return int(ms)
	default:
		return 0
	}
}

func (d *Dispatcher) wake() {
	if d.loop != nil {
		_ = d.loop.Wake()
	}
}
