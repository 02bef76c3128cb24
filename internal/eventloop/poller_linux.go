//go:build linux

package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollLoop implements Loop with epoll(7). A single goroutine owns the
// loop end to end, so there are no concurrency guards.
type epollLoop struct {
	epfd     int
	fds      map[int]fdInfo
	eventBuf []unix.EpollEvent
	closed   bool
}

type fdInfo struct {
	events Events
	cb     Callback
}

// New returns a Loop backed by epoll.
func New() (Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &epollLoop{
		epfd:     epfd,
		fds:      make(map[int]fdInfo),
		eventBuf: make([]unix.EpollEvent, 256),
	}, nil
}

func (l *epollLoop) Register(fd int, events Events, cb Callback) error {
	if l.closed {
		return ErrClosed
	}

	ev := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}

	l.fds[fd] = fdInfo{events: events, cb: cb}
	return nil
}

func (l *epollLoop) Modify(fd int, events Events) error {
	if l.closed {
		return ErrClosed
	}
	info, ok := l.fds[fd]
	if !ok {
		return ErrNotRegistered
	}

	ev := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod fd %d: %w", fd, err)
	}

	info.events = events
	l.fds[fd] = info
	return nil
}

func (l *epollLoop) Unregister(fd int) error {
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.fds[fd]; !ok {
		return ErrNotRegistered
	}

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	delete(l.fds, fd)
	return nil
}

func (l *epollLoop) Poll(timeoutMs int) error {
	if l.closed {
		return ErrClosed
	}

	n, err := unix.EpollWait(l.epfd, l.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(l.eventBuf[i].Fd)
		info, ok := l.fds[fd]
		if !ok || info.cb == nil {
			continue
		}
		info.cb(fromEpoll(l.eventBuf[i].Events))
	}
	return nil
}

func (l *epollLoop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if err := unix.Close(l.epfd); err != nil {
		return fmt.Errorf("eventloop: close epoll fd: %w", err)
	}
	return nil
}

func toEpoll(events Events) uint32 {
	var e uint32
	if events&Read != 0 {
		e |= unix.EPOLLIN
	}
	if events&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Write
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= Error
	}
	return events
}
