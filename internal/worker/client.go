package worker

import (
	"os"
	"strings"
)

// client tracks one accepted connection's pending input and output. A
// worker never blocks on a socket, so partial reads and partial writes
// both have to be remembered between readiness callbacks.
type client struct {
	fd int
	// file owns the descriptor behind fd. It must stay referenced for
	// the connection's lifetime: os.NewFile attaches a finalizer that
	// closes the descriptor once the *os.File is collected, so dropping
	// it would close the socket out from under the event loop.
	file *os.File

	inBuf strings.Builder
	// outBuf is a queued, not-yet-fully-written response. A plain string
	// works here because Go's write path consumes whatever was flushed
	// each call rather than building it incrementally like inBuf.
	outBuf string

	readOpen  bool // still registered for eventloop.Read
	writeOpen bool // still registered for eventloop.Write
}

// takeLines extracts every complete '\n'-terminated line currently
// buffered, leaving any trailing partial line in place. The protocol is
// one command per line; a line is everything up to the next '\n'.
func (c *client) takeLines() []string {
	buffered := c.inBuf.String()

	var lines []string
	for {
		i := strings.IndexByte(buffered, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, buffered[:i])
		buffered = buffered[i+1:]
	}

	c.inBuf.Reset()
	c.inBuf.WriteString(buffered)
	return lines
}
