package dispatch

import (
	"github.com/inputcore/dispatch/conn"
	"github.com/inputcore/dispatch/event"
)

// Hooks lets callers observe dispatch-cycle FSM transitions without
// touching the Dispatcher's internal state. Every method's default
// behaviour is a structured log line; a caller-supplied Hooks field
// runs in addition to, not instead of, that logging.
//
// All fields are invoked synchronously from the dispatcher goroutine,
// under the Dispatcher's lock — they must not block or call back into
// the Dispatcher.
type Hooks struct {
	// OnDispatchCycleStarted fires when a dispatch entry is published
	// to a connection and marked in-progress.
	OnDispatchCycleStarted func(c *conn.Connection, d *event.DispatchEntry)

	// OnDispatchCycleFinished fires on every finish signal, including
	// when recoveredFromANR is true: the finish hook fires in both the
	// ANR-recovery case and the normal case, so callers must tolerate
	// both.
	OnDispatchCycleFinished func(c *conn.Connection, recoveredFromANR bool)

	// OnDispatchCycleANR fires when a connection's in-flight dispatch
	// entry times out.
	OnDispatchCycleANR func(c *conn.Connection)

	// OnDispatchCycleBroken fires when a connection transitions to
	// BROKEN following a transport error.
	OnDispatchCycleBroken func(c *conn.Connection, err error)
}

func (d *Dispatcher) fireDispatchCycleStarted(c *conn.Connection, de *event.DispatchEntry) {
	d.log.Debug().Str(`channel`, c.Channel.Name()).Log(`dispatch cycle started`)
	if d.hooks.OnDispatchCycleStarted != nil {
		d.hooks.OnDispatchCycleStarted(c, de)
	}
}

func (d *Dispatcher) fireDispatchCycleFinished(c *conn.Connection, recoveredFromANR bool) {
	d.log.Debug().Str(`channel`, c.Channel.Name()).Bool(`recovered_from_anr`, recoveredFromANR).Log(`dispatch cycle finished`)
	if d.hooks.OnDispatchCycleFinished != nil {
		d.hooks.OnDispatchCycleFinished(c, recoveredFromANR)
	}
}

func (d *Dispatcher) fireDispatchCycleANR(c *conn.Connection) {
	if _, allowed := d.anrLimiter.Allow(c.Channel.Name()); allowed {
		d.log.Warning().Str(`channel`, c.Channel.Name()).Log(`connection not responding`)
	}
	if d.hooks.OnDispatchCycleANR != nil {
		d.hooks.OnDispatchCycleANR(c)
	}
}

func (d *Dispatcher) fireDispatchCycleBroken(c *conn.Connection, err error) {
	d.log.Err().Str(`channel`, c.Channel.Name()).Err(err).Log(`connection broken`)
	if d.hooks.OnDispatchCycleBroken != nil {
		d.hooks.OnDispatchCycleBroken(c, err)
	}
}
