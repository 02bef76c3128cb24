package fdpass

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSendRecvRoundTrip proves a descriptor's rights survive a trip
// across the control channel and that the receiving end can read/write
// through it as if it had opened the file itself. Workers never call
// accept(2); they only ever see descriptors handed to them.
func TestSendRecvRoundTrip(t *testing.T) {
	parent, child, err := NewChannel()
	require.NoError(t, err)
	defer parent.Close()
	defer child.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	const tag = byte(7)

	done := make(chan error, 1)
	go func() {
		done <- Send(parent, int(r.Fd()), tag)
	}()

	received, gotTag, err := Recv(child)
	require.NoError(t, err)
	defer received.Close()

	require.NoError(t, <-done)
	require.Equal(t, tag, gotTag)

	const payload = "hello from the acceptor"
	_, err = w.WriteString(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	buf, err := io.ReadAll(received)
	require.NoError(t, err)
	require.Equal(t, payload, string(buf))
}

func TestRecvWithoutSendFails(t *testing.T) {
	parent, child, err := NewChannel()
	require.NoError(t, err)
	defer parent.Close()

	require.NoError(t, child.Close())

	_, _, err = Recv(child)
	require.Error(t, err)
}
