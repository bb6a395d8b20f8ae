package dispatch

import (
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/inputcore/dispatch/internal/pool"
	"github.com/inputcore/dispatch/logging"
	"github.com/inputcore/dispatch/policy"
	"github.com/inputcore/dispatch/waitloop"
)

// Config holds Dispatcher construction parameters, assembled by Option
// values, using the same functional-options shape as logiface.
type Config struct {
	policy policy.Policy
	loop   *waitloop.Loop
	alloc  *pool.Allocator
	log    logging.Logger
	now    func() time.Time
	hooks  Hooks

	anrLogRates    map[time.Duration]int
	keyRepeatRates map[time.Duration]int
}

// Option configures a Dispatcher at construction time.
type Option func(*Config)

// WithPolicy supplies the target-resolution and key-repeat-timing
// authority. Required.
func WithPolicy(p policy.Policy) Option {
	return func(c *Config) { c.policy = p }
}

// WithWaitLoop supplies the epoll reactor the Dispatcher schedules
// itself on. Required for Run; DispatchOnce alone does not need it.
func WithWaitLoop(l *waitloop.Loop) Option {
	return func(c *Config) { c.loop = l }
}

// WithAllocator overrides the default typed-pool allocator, mainly for
// tests that want to observe pool churn.
func WithAllocator(a *pool.Allocator) Option {
	return func(c *Config) { c.alloc = a }
}

// WithLogger overrides the default stderr logiface/stumpy logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.log = l }
}

// WithClock overrides time.Now, for deterministic ANR/key-repeat tests.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.now = now }
}

// WithHooks installs observer callbacks for the dispatch-cycle FSM.
func WithHooks(h Hooks) Option {
	return func(c *Config) { c.hooks = h }
}

// WithANRLogRates configures the sliding-window rates (per connection
// channel-name category) at which repeated ANR log lines are throttled,
// via github.com/joeycumines/go-catrate. Defaults to at most one ANR
// log line per connection per 10 seconds.
func WithANRLogRates(rates map[time.Duration]int) Option {
	return func(c *Config) { c.anrLogRates = rates }
}

// WithKeyRepeatSanityRates configures a hard cap, via go-catrate, on how
// many synthetic key repeats may be emitted per key-code category per
// window — a defensive backstop against a misbehaving policy returning
// an unreasonably short KeyRepeatTimeout. Defaults to at most 30
// synthetic repeats per key code per second.
func WithKeyRepeatSanityRates(rates map[time.Duration]int) Option {
	return func(c *Config) { c.keyRepeatRates = rates }
}

func defaultConfig() Config {
	return Config{
		alloc: pool.New(),
		log:   logging.Default(),
		now:   time.Now,
		anrLogRates: map[time.Duration]int{
			10 * time.Second: 1,
		},
		keyRepeatRates: map[time.Duration]int{
			time.Second: 30,
		},
	}
}

func newLimiters(cfg Config) (anr, repeat *catrate.Limiter) {
	return catrate.NewLimiter(cfg.anrLogRates), catrate.NewLimiter(cfg.keyRepeatRates)
}
