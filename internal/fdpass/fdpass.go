// Package fdpass hands a raw file descriptor from one process to
// another over an AF_UNIX/SOCK_DGRAM control channel, using SCM_RIGHTS
// ancillary data. The acceptor accepts each connection and hands the
// raw descriptor to a chosen worker this way. Go has no fork(), so the
// control channel itself is created before the worker is spawned and
// threaded through as an inherited file descriptor (see
// internal/acceptor, which re-execs the binary with it in ExtraFiles).
package fdpass

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrNoRights is returned by Recv when a datagram arrives without the
// expected SCM_RIGHTS ancillary data.
var ErrNoRights = errors.New("fdpass: message carried no file descriptor")

// NewChannel creates a connected AF_UNIX/SOCK_DGRAM socket pair, wrapped
// as *os.File so the acceptor can place one end in a child's ExtraFiles
// across a re-exec. Each worker gets its own channel.
func NewChannel() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("fdpass: socketpair: %w", err)
	}

	parent = os.NewFile(uintptr(fds[0]), "fdpass-parent")
	child = os.NewFile(uintptr(fds[1]), "fdpass-child")
	return parent, child, nil
}

// conn adapts a control-channel *os.File to a *net.UnixConn, which
// exposes ReadMsgUnix/WriteMsgUnix for ancillary data.
func conn(f *os.File) (*net.UnixConn, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("fdpass: FileConn: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("fdpass: %T is not a unix socket", c)
	}
	return uc, nil
}

// Send transmits fd's rights across channel, tagged with a single byte
// of payload. A datagram needs at least one regular byte to carry the
// ancillary data; the tag gives that byte a use.
func Send(channel *os.File, fd int, tag byte) error {
	uc, err := conn(channel)
	if err != nil {
		return err
	}
	defer uc.Close()

	rights := syscall.UnixRights(fd)
	if _, _, err := uc.WriteMsgUnix([]byte{tag}, rights, nil); err != nil {
		return fmt.Errorf("fdpass: sendmsg: %w", err)
	}
	return nil
}

// Recv blocks until a descriptor arrives on channel and returns it as an
// *os.File along with the one-byte tag Send was called with.
func Recv(channel *os.File) (*os.File, byte, error) {
	uc, err := conn(channel)
	if err != nil {
		return nil, 0, err
	}
	defer uc.Close()

	buf := make([]byte, 1)
	oob := make([]byte, syscall.CmsgSpace(4))

	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, 0, fmt.Errorf("fdpass: recvmsg: %w", err)
	}
	if n != 1 {
		return nil, 0, fmt.Errorf("fdpass: expected 1 byte payload, got %d", n)
	}

	cmsgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, 0, fmt.Errorf("fdpass: parse control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return nil, 0, ErrNoRights
	}

	fds, err := syscall.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return nil, 0, fmt.Errorf("fdpass: parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		return nil, 0, fmt.Errorf("fdpass: expected 1 descriptor, got %d", len(fds))
	}

	return os.NewFile(uintptr(fds[0]), "fdpass-received"), buf[0], nil
}
