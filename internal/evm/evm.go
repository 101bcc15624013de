// Package evm implements the single-threaded cooperative event dispatcher
// each snooper and forwarder worker runs its callbacks on. One EVM owns one
// epoll instance and one sorted timer list; nothing here is safe to share
// across goroutines, by design (see spec.md section 5).
package evm

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrSocketCapacity is returned by AddSocket once the descriptor table
// preallocated in New is full. Callers treat this as fatal, per spec.md
// section 7 (resource acquisition errors abort the process).
var ErrSocketCapacity = errors.New("evm: socket capacity exceeded")

// SocketCallback is invoked with the ready descriptor when it becomes
// readable. It must not block.
type SocketCallback func(fd int)

// TimerCallback is invoked when a timer's deadline has passed. It must not
// block.
type TimerCallback func()

// TimerID is an opaque handle returned by AddTimer and accepted by DelTimer.
// Per spec.md section 9's design notes, this replaces the C original's
// (callback, closure) pair identity, which could not distinguish two
// legitimately distinct timers sharing a callback and closure.
type TimerID uint64

type socketSlot struct {
	fd       int
	cb       SocketCallback
	occupied bool
}

type timerSlot struct {
	id       TimerID
	deadline time.Time
	cb       TimerCallback
}

// EVM is a single cooperative dispatcher: a fixed-capacity descriptor table
// polled with epoll, and a fixed-capacity timer list kept in ascending
// deadline order. Construct with New; everything is preallocated there, so
// no heap growth happens once Run is called.
type EVM struct {
	epfd int

	sockets    []socketSlot
	maxSockets int

	timers    []timerSlot // kept sorted ascending by deadline; len <= maxTimers
	maxTimers int
	nextID    TimerID

	clock Clock

	// events is the reusable epoll_wait scratch buffer, owned by this EVM
	// instance (never an ambient per-thread global, per spec.md section 9).
	events []unix.EpollEvent

	log func(format string, args ...interface{})
}

// New preallocates an EVM for up to maxSockets descriptors and maxTimers
// timers. Both capacities are hard ceilings for sockets (AddSocket fails
// past the limit) and soft ceilings for timers (AddTimer logs and drops the
// timer past the limit, per spec.md section 4.1).
func New(maxSockets, maxTimers int, clock Clock, logf func(format string, args ...interface{})) (*EVM, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evm: epoll_create1: %w", err)
	}
	if clock == nil {
		clock = SystemClock
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &EVM{
		epfd:       epfd,
		sockets:    make([]socketSlot, 0, maxSockets),
		maxSockets: maxSockets,
		timers:     make([]timerSlot, 0, maxTimers),
		maxTimers:  maxTimers,
		clock:      clock,
		events:     make([]unix.EpollEvent, maxSockets),
		log:        logf,
	}, nil
}

// Close releases the underlying epoll descriptor.
func (e *EVM) Close() error {
	return unix.Close(e.epfd)
}

// AddSocket registers fd for read-readiness notification. There is no
// removal API, matching spec.md section 4.1 exactly: interfaces and
// sockets live for the process lifetime.
func (e *EVM) AddSocket(fd int, cb SocketCallback) error {
	if len(e.sockets) >= e.maxSockets {
		return ErrSocketCapacity
	}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("evm: epoll_ctl add: %w", err)
	}
	e.sockets = append(e.sockets, socketSlot{fd: fd, cb: cb, occupied: true})
	return nil
}

// AddTimer arms a timer to fire after d against the EVM's clock. Timers are
// kept in ascending deadline order so Run only ever needs to scan from the
// front. A capacity overflow is a warn-and-drop condition, not fatal: the
// protocol may lose a beat and self-corrects on the next tick (spec.md
// section 7).
func (e *EVM) AddTimer(d time.Duration, cb TimerCallback) (TimerID, bool) {
	if len(e.timers) >= e.maxTimers {
		e.log("evm: timer capacity (%d) exceeded, dropping timer", e.maxTimers)
		return 0, false
	}
	e.nextID++
	id := e.nextID
	deadline := e.clock.Now().Add(d)

	i := 0
	for ; i < len(e.timers); i++ {
		if e.timers[i].deadline.After(deadline) {
			break
		}
	}
	e.timers = append(e.timers, timerSlot{})
	copy(e.timers[i+1:], e.timers[i:])
	e.timers[i] = timerSlot{id: id, deadline: deadline, cb: cb}
	return id, true
}

// DelTimer removes the timer identified by id, if still armed. It is a
// silent no-op if id is unknown (already fired, or never armed) — timers
// are one-shot.
func (e *EVM) DelTimer(id TimerID) {
	for i, t := range e.timers {
		if t.id == id {
			e.timers = append(e.timers[:i], e.timers[i+1:]...)
			return
		}
	}
}

// nextTimeout returns the epoll_wait timeout appropriate for the earliest
// pending timer: -1 (infinite) when there are none, at least 1ms when the
// deadline has already passed or is within a millisecond, matching spec.md
// section 4.1.
func (e *EVM) nextTimeout() int {
	if len(e.timers) == 0 {
		return -1
	}
	remaining := e.timers[0].deadline.Sub(e.clock.Now())
	if remaining <= 0 {
		return 1
	}
	ms := remaining.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return int(ms)
}

// RunOnce blocks for at most one epoll_wait call, dispatching every
// descriptor epoll reported ready (in the order epoll_wait returned them)
// and then every timer whose deadline has passed, in non-decreasing
// deadline order. Signal interruptions (EINTR) are ignored and retried.
func (e *EVM) RunOnce() error {
	timeout := e.nextTimeout()

	var n int
	for {
		var err error
		n, err = unix.EpollWait(e.epfd, e.events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("evm: epoll_wait: %w", err)
		}
		break
	}

	for i := 0; i < n; i++ {
		fd := int(e.events[i].Fd)
		for _, s := range e.sockets {
			if s.occupied && s.fd == fd {
				s.cb(fd)
				break
			}
		}
	}

	now := e.clock.Now()
	for len(e.timers) > 0 && !e.timers[0].deadline.After(now) {
		t := e.timers[0]
		e.timers = e.timers[1:]
		t.cb()
	}

	return nil
}

// FireDue fires every timer whose deadline has passed, in non-decreasing
// deadline order, without touching the epoll descriptor. It is the timer
// half of RunOnce, exposed so callers driving an EVM with a fake Clock in
// tests can advance time and dispatch timers without a real epoll_wait.
func (e *EVM) FireDue() int {
	now := e.clock.Now()
	fired := 0
	for len(e.timers) > 0 && !e.timers[0].deadline.After(now) {
		t := e.timers[0]
		e.timers = e.timers[1:]
		t.cb()
		fired++
	}
	return fired
}

// Run calls RunOnce forever until it returns a non-nil error.
func (e *EVM) Run() error {
	for {
		if err := e.RunOnce(); err != nil {
			return err
		}
	}
}
