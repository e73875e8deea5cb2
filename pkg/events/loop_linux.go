//go:build linux

package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 32

// dispatch order for a descriptor that is ready for several interests
var interests = [...]Interest{Except, Read, Write}

type watch struct {
	handlers map[Interest]Handler
}

func (w *watch) mask() uint32 {
	var m uint32
	for i := range w.handlers {
		switch i {
		case Read:
			m |= unix.EPOLLIN
		case Write:
			m |= unix.EPOLLOUT
		case Except:
			m |= unix.EPOLLPRI
		}
	}
	return m
}

// Loop is an epoll based Notifier. Watch and Unwatch may be called from
// handlers; a handler removed during a dispatch round is not called again in
// that round.
type Loop struct {
	epfd   int
	wakefd int

	mu      sync.Mutex
	watches map[int]*watch

	stopped atomic.Bool
	closed  atomic.Bool
}

var _ Notifier = (*Loop)(nil)

// New creates an event loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wakefd: %w", err)
	}
	return &Loop{epfd: epfd, wakefd: wakefd, watches: make(map[int]*watch)}, nil
}

// Watch registers h for each interest in interest on fd.
func (l *Loop) Watch(fd int, interest Interest, h Handler) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.watches[fd]
	if !ok {
		w = &watch{handlers: make(map[Interest]Handler)}
	}
	for _, i := range interests {
		if interest&i != 0 && w.handlers[i] != nil {
			return fmt.Errorf("fd %d %s: %w", fd, i, ErrAlreadyWatched)
		}
	}
	for _, i := range interests {
		if interest&i != 0 {
			w.handlers[i] = h
		}
	}

	op := unix.EPOLL_CTL_MOD
	if !ok {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: w.mask(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		for _, i := range interests {
			if interest&i != 0 {
				delete(w.handlers, i)
			}
		}
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	l.watches[fd] = w
	return nil
}

// Unwatch removes the handlers registered for interest on fd.
func (l *Loop) Unwatch(fd int, interest Interest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.watches[fd]
	if !ok {
		return fmt.Errorf("fd %d %s: %w", fd, interest, ErrNotWatched)
	}
	for _, i := range interests {
		if interest&i != 0 && w.handlers[i] == nil {
			return fmt.Errorf("fd %d %s: %w", fd, i, ErrNotWatched)
		}
	}
	for _, i := range interests {
		if interest&i != 0 {
			delete(w.handlers, i)
		}
	}

	if len(w.handlers) == 0 {
		delete(l.watches, fd)
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
		}
		return nil
	}
	ev := unix.EpollEvent{Events: w.mask(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) handler(fd int, i Interest) Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.watches[fd]; ok {
		return w.handlers[i]
	}
	return nil
}

// RunOnce waits up to timeout for readiness and dispatches every ready
// handler. A negative timeout blocks indefinitely. It returns the number of
// handlers called.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	called := 0
	for _, ev := range events[:n] {
		fd := int(ev.Fd)
		if fd == l.wakefd {
			var buf [8]byte
			unix.Read(l.wakefd, buf[:])
			continue
		}
		for _, i := range interests {
			if !ready(ev.Events, i) {
				continue
			}
			// Look the handler up again: an earlier handler may have
			// unwatched this descriptor.
			if h := l.handler(fd, i); h != nil {
				h.HandleEvent(fd, i)
				called++
			}
		}
	}
	return called, nil
}

func ready(events uint32, i Interest) bool {
	switch i {
	case Read:
		return events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
	case Write:
		return events&(unix.EPOLLOUT|unix.EPOLLERR) != 0
	case Except:
		return events&unix.EPOLLPRI != 0
	}
	return false
}

// Run dispatches events until Stop is called or ctx is done. A Stop that
// comes before Run makes it return at once.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopped.Store(false)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}()

	for !l.stopped.Load() {
		if _, err := l.RunOnce(-1); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Stop makes Run return after the current dispatch round. It is safe to call
// from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	var buf [8]byte
	buf[0] = 1
	unix.Write(l.wakefd, buf[:])
}

// Close releases the loop's descriptors. Watched descriptors are not closed.
func (l *Loop) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.mu.Lock()
	l.watches = make(map[int]*watch)
	l.mu.Unlock()
	unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}
