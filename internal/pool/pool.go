// Package pool provides ref-counted allocators backed by three pools:
// one sync.Pool shared by all Event Entry kinds (the kind tag is set
// on obtain; there is no separate pool per kind), one for motion
// samples, and one for dispatch entries. Obtaining an entry sets its
// refcount to 1; releasing it to
// zero returns it to the backing sync.Pool (reset on obtain, cleared
// on return to avoid retaining references).
package pool

import (
	"sync"

	"github.com/inputcore/dispatch/event"
)

// Allocator obtains and releases ref-counted Event/Dispatch entries.
type Allocator struct {
	entries  sync.Pool
	samples  sync.Pool
	dispatch sync.Pool
}

// New returns an initialized Allocator.
func New() *Allocator {
	a := &Allocator{}
	a.entries.New = func() any { return &event.Entry{} }
	a.samples.New = func() any { return &event.MotionSample{} }
	a.dispatch.New = func() any { return &event.DispatchEntry{} }
	return a
}

// ObtainConfigurationChange returns a fresh ConfigurationChange entry
// with refcount 1.
func (a *Allocator) ObtainConfigurationChange() *event.Entry {
	e := a.obtainEntry()
	e.Kind = event.KindConfigurationChange
	return e
}

// ObtainKey returns a fresh Key entry with refcount 1.
func (a *Allocator) ObtainKey() *event.Entry {
	e := a.obtainEntry()
	e.Kind = event.KindKey
	return e
}

// ObtainMotion returns a fresh Motion entry with refcount 1.
func (a *Allocator) ObtainMotion() *event.Entry {
	e := a.obtainEntry()
	e.Kind = event.KindMotion
	return e
}

func (a *Allocator) obtainEntry() *event.Entry {
	e := a.entries.Get().(*event.Entry)
	e.Retain()
	return e
}

// ObtainMotionSample returns a fresh, unlinked MotionSample.
func (a *Allocator) ObtainMotionSample() *event.MotionSample {
	s := a.samples.Get().(*event.MotionSample)
	*s = event.MotionSample{}
	return s
}

// ReleaseEventEntry decrements e's refcount; on reaching zero it
// dispatches on e.Kind to free kind-specific resources (the motion
// sample chain, starting after the inline first sample) and returns e
// to its pool.
func (a *Allocator) ReleaseEventEntry(e *event.Entry) {
	if !e.Release() {
		return
	}
	if e.Kind == event.KindMotion {
		a.freeMotionSampleList(e.Motion.FirstSample().Next())
	}
	*e = event.Entry{}
	a.entries.Put(e)
}

func (a *Allocator) freeMotionSampleList(head *event.MotionSample) {
	for s := head; s != nil; {
		next := s.Next()
		*s = event.MotionSample{}
		a.samples.Put(s)
		s = next
	}
}

// ObtainDispatchEntry returns a fresh DispatchEntry referencing e
// (retaining e: the caller must not separately Retain).
func (a *Allocator) ObtainDispatchEntry(e *event.Entry) *event.DispatchEntry {
	d := a.dispatch.Get().(*event.DispatchEntry)
	*d = event.DispatchEntry{}
	e.Retain()
	d.EventEntry = e
	return d
}

// ReleaseDispatchEntry releases the referenced event entry, then
// returns d to its pool.
func (a *Allocator) ReleaseDispatchEntry(d *event.DispatchEntry) {
	a.ReleaseEventEntry(d.EventEntry)
	*d = event.DispatchEntry{}
	a.dispatch.Put(d)
}
