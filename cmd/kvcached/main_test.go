package main

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRunDefaultsModeToAcceptorWhenOmitted checks that omitting --mode is
// not rejected as a missing/invalid mode. Paired with an invalid port so
// run() still fails fast in config.Validate rather than actually starting
// the acceptor.
func TestRunDefaultsModeToAcceptorWhenOmitted(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	code := run([]string{"--port=0"}, w)
	require.NoError(t, w.Close())
	require.Equal(t, 1, code)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Contains(t, string(out), "port must be in")
	require.NotContains(t, string(out), "--mode must be one of")
}

func TestRunRejectsInvalidMode(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	code := run([]string{"--mode=bogus"}, w)
	require.NoError(t, w.Close())
	require.Equal(t, 1, code)
}

func TestRunRejectsInvalidPort(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	code := run([]string{"--mode=acceptor", "--port=0"}, w)
	require.NoError(t, w.Close())
	require.Equal(t, 1, code)
}

func TestRunRejectsUnreadableConfigFile(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	code := run([]string{"--mode=acceptor", "--config=/nonexistent/kvcached.json"}, w)
	require.NoError(t, w.Close())
	require.Equal(t, 1, code)
}
