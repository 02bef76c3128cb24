//go:build darwin

package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// kqueueLoop implements Loop with kqueue(2), the BSD/Darwin counterpart
// to the Linux epollLoop — same Register/Modify/Unregister/Poll shape,
// different syscalls underneath.
type kqueueLoop struct {
	kq       int
	fds      map[int]fdInfo
	eventBuf []unix.Kevent_t
	closed   bool
}

type fdInfo struct {
	events Events
	cb     Callback
}

// New returns a Loop backed by kqueue.
func New() (Loop, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("eventloop: kqueue: %w", err)
	}
	return &kqueueLoop{
		kq:       kq,
		fds:      make(map[int]fdInfo),
		eventBuf: make([]unix.Kevent_t, 256),
	}, nil
}

func (l *kqueueLoop) apply(fd int, events Events, flag uint16) error {
	var changes []unix.Kevent_t
	if events&Read != 0 || flag == unix.EV_DELETE {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flag})
	}
	if events&Write != 0 || flag == unix.EV_DELETE {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag})
	}
	_, err := unix.Kevent(l.kq, changes, nil, nil)
	return err
}

func (l *kqueueLoop) Register(fd int, events Events, cb Callback) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.apply(fd, events, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return fmt.Errorf("eventloop: kevent add fd %d: %w", fd, err)
	}
	l.fds[fd] = fdInfo{events: events, cb: cb}
	return nil
}

func (l *kqueueLoop) Modify(fd int, events Events) error {
	if l.closed {
		return ErrClosed
	}
	info, ok := l.fds[fd]
	if !ok {
		return ErrNotRegistered
	}
	if err := l.apply(fd, info.events, unix.EV_DELETE); err != nil {
		return fmt.Errorf("eventloop: kevent delete fd %d: %w", fd, err)
	}
	if err := l.apply(fd, events, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return fmt.Errorf("eventloop: kevent mod fd %d: %w", fd, err)
	}
	info.events = events
	l.fds[fd] = info
	return nil
}

func (l *kqueueLoop) Unregister(fd int) error {
	if l.closed {
		return ErrClosed
	}
	info, ok := l.fds[fd]
	if !ok {
		return ErrNotRegistered
	}
	if err := l.apply(fd, info.events, unix.EV_DELETE); err != nil {
		return fmt.Errorf("eventloop: kevent delete fd %d: %w", fd, err)
	}
	delete(l.fds, fd)
	return nil
}

func (l *kqueueLoop) Poll(timeoutMs int) error {
	if l.closed {
		return ErrClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1_000_000))
		ts = &t
	}

	n, err := unix.Kevent(l.kq, nil, l.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("eventloop: kevent wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := l.eventBuf[i]
		fd := int(ev.Ident)
		info, ok := l.fds[fd]
		if !ok || info.cb == nil {
			continue
		}

		var events Events
		switch ev.Filter {
		case unix.EVFILT_READ:
			events = Read
		case unix.EVFILT_WRITE:
			events = Write
		}
		if ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0 {
			events |= Error
		}
		info.cb(events)
	}
	return nil
}

func (l *kqueueLoop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if err := unix.Close(l.kq); err != nil {
		return fmt.Errorf("eventloop: close kqueue fd: %w", err)
	}
	return nil
}
