package worker

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvcache/internal/eventloop"
	"github.com/calvinalkan/kvcache/internal/fdpass"
	"github.com/calvinalkan/kvcache/internal/ipcsem"
	"github.com/calvinalkan/kvcache/internal/shm"
	"github.com/calvinalkan/kvcache/internal/table"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()

	name := "kvcache_test_worker_" + t.Name()
	region, err := shm.Create(name, int64(table.DefaultRegionSize))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = region.Close()
		_ = region.Unlink()
	})

	tbl, err := table.Open(region.Data, table.DefaultKMax, table.DefaultVMax)
	require.NoError(t, err)

	sem, err := ipcsem.Create(name + "_sem")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sem.Close()
		_ = sem.Unlink()
	})

	loop, err := eventloop.New()
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })

	return &Worker{
		id:      0,
		loop:    loop,
		sem:     sem,
		tbl:     tbl,
		logw:    io.Discard,
		clients: make(map[int]*client),
	}
}

func TestComposeResponseEmptyQuery(t *testing.T) {
	w := newTestWorker(t)
	require.Equal(t, errEmptyQuery, w.composeResponse(""))
}

func TestComposeResponseBadQuery(t *testing.T) {
	w := newTestWorker(t)
	require.Equal(t, errBadQuery, w.composeResponse("blarg"))
}

func TestComposeResponseSetThenGet(t *testing.T) {
	w := newTestWorker(t)

	require.Equal(t, "ok foo bar\n", w.composeResponse("set 5 foo bar"))
	require.Equal(t, "ok foo bar\n", w.composeResponse("get foo"))
}

func TestComposeResponseGetMissingKey(t *testing.T) {
	w := newTestWorker(t)
	require.Equal(t, table.ErrKeyNotExist, w.composeResponse("get nope"))
}

// TestEndToEndConnectionLifecycle drives a real Worker through one full
// request/response cycle over an actual socket pair, proving the
// readiness-loop wiring (registration, line splitting, trailing NUL,
// close-on-EOF) holds end to end.
func TestEndToEndConnectionLifecycle(t *testing.T) {
	w := newTestWorker(t)

	serverConn, clientConn, err := socketPair(t)
	require.NoError(t, err)
	defer clientConn.Close()

	controlParent, controlChild, err := fdpass.NewChannel()
	require.NoError(t, err)
	defer controlParent.Close()

	require.NoError(t, w.loop.Register(int(controlChild.Fd()), eventloop.Read, w.onControlReadable))
	w.control = controlChild

	require.NoError(t, fdpass.Send(controlParent, int(serverFD(t, serverConn)), 0))
	require.NoError(t, w.loop.Poll(1000)) // drains the handed-off descriptor, registers the client

	require.Len(t, w.clients, 1)

	_, err = clientConn.Write([]byte("set 5 foo bar\n"))
	require.NoError(t, err)

	require.NoError(t, w.loop.Poll(1000)) // readable: compose + queue the response
	require.NoError(t, w.loop.Poll(1000)) // writable: flush

	buf := make([]byte, 64)
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ok foo bar\n\x00", string(buf[:n]), "response must carry the trailing NUL byte")
}

// socketPair returns a connected TCP loopback pair: serverConn is the fd
// the worker will be handed (as if the acceptor had just accept(2)'d it),
// clientConn is what the test drives as the far end.
func socketPair(t *testing.T) (server, client net.Conn, err error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}

	select {
	case server = <-acceptedCh:
	case err = <-acceptErrCh:
		return nil, nil, err
	}

	return server, client, nil
}

func serverFD(t *testing.T, conn net.Conn) uintptr {
	t.Helper()
	tc, ok := conn.(*net.TCPConn)
	require.True(t, ok)
	f, err := tc.File()
	require.NoError(t, err)
	return f.Fd()
}
