// Package event defines the tagged Event Entry union, the motion
// sample chain, and the DispatchEntry wrapper that together form the
// data model flowing through the dispatcher.
package event

import (
	"sync/atomic"
	"time"
)

// Kind tags the variant of an Entry.
type Kind int

const (
	KindConfigurationChange Kind = iota
	KindKey
	KindMotion
)

// Key actions.
const (
	KeyActionDown = iota
	KeyActionUp
	KeyActionMultiple
)

// Motion actions.
const (
	MotionActionDown = iota
	MotionActionUp
	MotionActionMove
	MotionActionCancel
	MotionActionOutside
	MotionActionPointerDown
	MotionActionPointerUp
)

// Key flags.
const (
	KeyFlagCanceled = 1 << iota
)

// Target flags, set on InputTargets by the policy and copied onto a
// DispatchEntry at prepare time. Defined here (rather than in channel)
// since DispatchEntry consumes them directly; channel imports event
// for the Entry types and reuses these constants for InputTarget.Flags.
const (
	TargetFlagSync = 1 << iota
	TargetFlagCancel
	TargetFlagOutside
)

// Movement key codes trimmed by NotifyAppSwitchComing.
const (
	KeyCodeDPadUp = iota
	KeyCodeDPadDown
	KeyCodeDPadLeft
	KeyCodeDPadRight
)

func IsMovementKeyCode(code int32) bool {
	switch code {
	case KeyCodeDPadUp, KeyCodeDPadDown, KeyCodeDPadLeft, KeyCodeDPadRight:
		return true
	default:
		return false
	}
}

// MaxPointers bounds the inline pointer arrays on a Motion entry.
const MaxPointers = 16

// PointerCoords holds the per-pointer axis values sampled at one
// instant.
type PointerCoords struct {
	X, Y float32
}

// MotionSample is one link in a Motion entry's sample chain.
type MotionSample struct {
	EventTime     time.Time
	PointerCoords [MaxPointers]PointerCoords
	next          *MotionSample
}

// Next returns the following sample in the chain, or nil at the tail.
func (s *MotionSample) Next() *MotionSample { return s.next }

// ConfigurationChange is the ConfigurationChange Entry variant.
type ConfigurationChange struct {
	EventTime       time.Time
	TouchScreenCfg  int32
	KeyboardCfg     int32
	NavigationCfg   int32
}

// Key is the Key Entry variant.
type Key struct {
	EventTime   time.Time
	DeviceID    int32
	Nature      int32
	PolicyFlags uint32
	Action      int32
	Flags       uint32
	KeyCode     int32
	ScanCode    int32
	MetaState   uint32
	RepeatCount int32
	DownTime    time.Time
}

// Motion is the Motion Entry variant.
type Motion struct {
	EventTime    time.Time
	DeviceID     int32
	Nature       int32
	PolicyFlags  uint32
	Action       int32
	MetaState    uint32
	EdgeFlags    uint32
	XPrecision   float32
	YPrecision   float32
	DownTime     time.Time
	PointerCount int32
	PointerIDs   [MaxPointers]int32

	firstSample MotionSample
	lastSample  *MotionSample
}

// FirstSample returns the inline first sample, always present.
func (m *Motion) FirstSample() *MotionSample { return &m.firstSample }

// LastSample returns the tail of the sample chain.
func (m *Motion) LastSample() *MotionSample { return m.lastSample }

// AppendSample appends a new sample to the tail of the chain; new
// samples are always appended at the tail, never spliced elsewhere.
func (m *Motion) AppendSample(s *MotionSample) {
	m.lastSample.next = s
	m.lastSample = s
}

// InitFirstSample seeds the chain with its inline first sample. Used
// when a fresh Motion entry is populated in NotifyMotion.
func (m *Motion) InitFirstSample(eventTime time.Time, coords [MaxPointers]PointerCoords) {
	m.firstSample = MotionSample{EventTime: eventTime, PointerCoords: coords}
	m.lastSample = &m.firstSample
}

// Entry is a reference-counted tagged union over the three variants.
// Entries are obtained from internal/pool, never constructed
// directly by dispatcher code, so refcount bookkeeping stays
// centralized.
type Entry struct {
	Kind Kind

	ConfigurationChange ConfigurationChange
	Key                 Key
	Motion              Motion

	refs atomic.Int32
}

// Retain increments the reference count. Must only be called while
// the dispatcher's mutex is held: refcounts are only touched under
// that lock.
func (e *Entry) Retain() { e.refs.Add(1) }

// Release decrements the reference count and reports whether it
// reached zero (the caller must then return the entry to its pool).
func (e *Entry) Release() bool {
	return e.refs.Add(-1) == 0
}

// RefCount reports the current reference count, for tests.
func (e *Entry) RefCount() int32 { return e.refs.Load() }

// DispatchEntry wraps one Entry for delivery to one Connection.
type DispatchEntry struct {
	EventEntry *Entry
	TargetFlags uint32
	XOffset, YOffset float32
	Timeout     time.Duration
	InProgress  bool

	// HeadMotionSample marks where to resume publishing motion
	// samples (after a shared-memory-full split, or when resuming a
	// streamed append the consumer hadn't yet seen).
	HeadMotionSample *MotionSample
	// TailMotionSample marks the first sample that could not fit and
	// must be sent in a subsequent cycle.
	TailMotionSample *MotionSample
}

// IsSync reports whether this entry is marked as a synchronous
// target.
func (d *DispatchEntry) IsSync() bool { return d.TargetFlags&TargetFlagSync != 0 }
