//go:build linux || darwin

package eventloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollDispatchesReadEvent(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan Events, 1)
	require.NoError(t, loop.Register(int(r.Fd()), Read, func(ev Events) {
		fired <- ev
	}))

	_, err = w.WriteString("x")
	require.NoError(t, err)

	require.NoError(t, loop.Poll(1000))

	select {
	case ev := <-fired:
		require.NotZero(t, ev&Read)
	default:
		t.Fatal("expected the read callback to fire within one Poll call")
	}
}

func TestPollTimesOutWithNoActivity(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	r, _, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	called := false
	require.NoError(t, loop.Register(int(r.Fd()), Read, func(Events) {
		called = true
	}))

	start := time.Now()
	require.NoError(t, loop.Poll(50))
	require.False(t, called)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestUnregisterStopsDispatch(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	called := false
	require.NoError(t, loop.Register(int(r.Fd()), Read, func(Events) {
		called = true
	}))
	require.NoError(t, loop.Unregister(int(r.Fd())))

	_, err = w.WriteString("x")
	require.NoError(t, err)

	require.NoError(t, loop.Poll(50))
	require.False(t, called)
}

func TestModifyUnknownFDFails(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	err = loop.Modify(99, Read)
	require.ErrorIs(t, err, ErrNotRegistered)
}
