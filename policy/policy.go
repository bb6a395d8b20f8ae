// Package policy defines the external capability interface consumed
// by the dispatcher: target selection, key-repeat timing, permission
// to repeat, and configuration-change notification. The dispatcher
// never calls back into a producer goroutine through this interface —
// implementations are plugged in once, at construction, the same way
// logiface plugs in its Writer/Modifier capability interfaces.
package policy

import (
	"time"

	"github.com/inputcore/dispatch/channel"
	"github.com/inputcore/dispatch/event"
)

// KeyView is a transient, reusable snapshot of a Key entry passed to
// GetKeyEventTargets. It is an output-parameter-style value: an
// implementation may copy it but must not retain the backing Entry.
type KeyView struct {
	EventTime time.Time
	DeviceID  int32
	Nature    int32
	Action    int32
	Flags     uint32
	KeyCode   int32
	ScanCode  int32
	MetaState uint32
	DownTime  time.Time
}

// MotionView is the motion analogue of KeyView.
type MotionView struct {
	EventTime    time.Time
	DeviceID     int32
	Nature       int32
	Action       int32
	MetaState    uint32
	EdgeFlags    uint32
	DownTime     time.Time
	PointerCount int32
	PointerIDs   [event.MaxPointers]int32
	Samples      *event.MotionSample
}

// Policy is the pluggable target-selection and key-repeat-timing
// authority.
type Policy interface {
	// AllowKeyRepeat reports whether synthetic key repeat is
	// currently permitted (e.g. false while the screen is off).
	AllowKeyRepeat() bool

	// KeyRepeatTimeout returns the interval between synthesized
	// repeats.
	KeyRepeatTimeout() time.Duration

	// NotifyConfigurationChanged informs the policy of a
	// configuration change event, synchronously from the dispatcher
	// goroutine.
	NotifyConfigurationChanged(eventTime time.Time, touchScreenCfg, keyboardCfg, navigationCfg int32)

	// NotifyLidSwitchChanged is invoked synchronously from the
	// producer path (not queued): the lid switch does not participate
	// in the inbound queue.
	NotifyLidSwitchChanged(eventTime time.Time, open bool)

	// GetKeyEventTargets appends the targets that should receive the
	// given key to out and returns the result.
	GetKeyEventTargets(view KeyView, policyFlags uint32, out []channel.InputTarget) []channel.InputTarget

	// GetMotionEventTargets appends the targets that should receive
	// the given motion to out and returns the result.
	GetMotionEventTargets(view MotionView, policyFlags uint32, out []channel.InputTarget) []channel.InputTarget
}
