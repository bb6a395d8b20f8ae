//go:build linux

// Package waitloop implements a single-threaded epoll-based poll
// primitive: PollOnce(timeout), Wake (safe from any goroutine),
// SetCallback/RemoveCallback for fd readiness, and an eventfd-backed
// wake signal.
package waitloop

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Events is the set of readiness conditions a callback is invoked
// with.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Callback is invoked with the fd's readiness events. Return false to
// have the loop remove the fd from its interest set (e.g. because the
// fd is no longer valid).
type Callback func(events Events) bool

type fdEntry struct {
	cb     Callback
	events Events
}

// Loop is a single-threaded epoll reactor. All exported methods
// except Wake are intended to be called only from the goroutine that
// calls PollOnce; Wake is explicitly safe from any goroutine.
type Loop struct {
	epfd   int
	wakeFD int

	mu  sync.Mutex
	fds map[int]*fdEntry

	eventBuf [128]unix.EpollEvent
}

// New creates an epoll instance and an eventfd-backed wake signal.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("waitloop: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("waitloop: eventfd: %w", err)
	}
	l := &Loop{
		epfd:   epfd,
		wakeFD: wakeFD,
		fds:    make(map[int]*fdEntry),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, fmt.Errorf("waitloop: register wake fd: %w", err)
	}
	return l, nil
}

// Close releases the epoll instance and wake fd.
func (l *Loop) Close() error {
	err1 := unix.Close(l.epfd)
	err2 := unix.Close(l.wakeFD)
	if err1 != nil {
		return err1
	}
	return err2
}

// SetCallback registers cb to be invoked when fd becomes ready for
// the given events. Replaces any existing registration for fd.
func (l *Loop) SetCallback(fd int, events Events, cb Callback) error {
	l.mu.Lock()
	_, existed := l.fds[fd]
	l.fds[fd] = &fdEntry{cb: cb, events: events}
	l.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if existed {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, ev); err != nil {
		l.mu.Lock()
		delete(l.fds, fd)
		l.mu.Unlock()
		return fmt.Errorf("waitloop: epoll_ctl fd=%d: %w", fd, err)
	}
	return nil
}

// RemoveCallback unregisters fd.
func (l *Loop) RemoveCallback(fd int) error {
	l.mu.Lock()
	_, ok := l.fds[fd]
	delete(l.fds, fd)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("waitloop: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wake interrupts a blocked PollOnce. Safe to call from any goroutine.
func (l *Loop) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("waitloop: write wake fd: %w", err)
	}
	return nil
}

// PollOnce blocks for at most timeoutMillis (negative means forever)
// waiting for a registered fd to become ready or for Wake, then
// invokes the corresponding callbacks. Returns the number of
// callbacks invoked (0 on a timeout or a pure wake-up with no other
// ready fd).
func (l *Loop) PollOnce(timeoutMillis int) (int, error) {
	n, err := unix.EpollWait(l.epfd, l.eventBuf[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("waitloop: epoll_wait: %w", err)
	}

	invoked := 0
	for i := 0; i < n; i++ {
		fd := int(l.eventBuf[i].Fd)
		if fd == l.wakeFD {
			l.drainWake()
			continue
		}

		l.mu.Lock()
		entry, ok := l.fds[fd]
		l.mu.Unlock()
		if !ok {
			// Spurious event for an fd we've since removed: drop it, there
			// is nothing left to remove.
			continue
		}

		events := fromEpoll(l.eventBuf[i].Events)
		keep := entry.cb(events)
		invoked++
		if !keep {
			_ = l.RemoveCallback(fd)
		}
	}
	return invoked, nil
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func toEpoll(e Events) uint32 {
	var out uint32
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(e uint32) Events {
	var out Events
	if e&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		out |= EventHangup
	}
	return out
}
