package dispatch

import (
	"fmt"

	"github.com/inputcore/dispatch/conn"
	"github.com/inputcore/dispatch/waitloop"
)

// receiveCallback builds the waitloop.Callback that drives a
// connection's finish-signal path: invoked by the wait loop when the
// connection's receive-fd becomes readable. A spurious event (neither
// read nor hangup/error) is logged and ignored; unknown fd removal is
// handled by waitloop itself; hangup/error here aborts as broken and
// removes the fd.
func (d *Dispatcher) receiveCallback(c *conn.Connection) waitloop.Callback {
	return func(events waitloop.Events) bool {
		d.mu.Lock()
		defer d.mu.Unlock()

		if events&(waitloop.EventError|waitloop.EventHangup) != 0 {
			d.abortDispatchCycleLocked(c, true, fmt.Errorf("consumer fd closed"))
			return false
		}
		if events&waitloop.EventRead == 0 {
			d.log.Warning().Str(`channel`, c.Channel.Name()).Log(`unexpected poll event, ignoring`)
			return true
		}

		finished, err := c.Publisher.ReceiveFinishedSignal()
		if err != nil {
			d.abortDispatchCycleLocked(c, true, &TransportError{Channel: c.Channel.Name(), Op: "receive finished signal", Cause: err})
			return false
		}
		if finished {
			d.finishDispatchCycleLocked(d.now(), c)
		}
		return true
	}
}
