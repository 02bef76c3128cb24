// Package worker runs one connection-handling process: a single-threaded
// readiness loop that accepts client descriptors over its control
// channel, frames the get/set line protocol, and dispatches each command
// against the shared table under the cross-process lock.
package worker

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/calvinalkan/kvcache/internal/config"
	"github.com/calvinalkan/kvcache/internal/eventloop"
	"github.com/calvinalkan/kvcache/internal/fdpass"
	"github.com/calvinalkan/kvcache/internal/ipcsem"
	"github.com/calvinalkan/kvcache/internal/shm"
	"github.com/calvinalkan/kvcache/internal/table"
	"github.com/calvinalkan/kvcache/internal/wire"
)

const bufSize = 4096

// Wire response literals composeResponse picks between: an empty line
// and any other line that fails to parse get distinct errors.
const (
	errEmptyQuery = "error (empty query)\n"
	errBadQuery   = "error (bad query)\n"
)

// Worker is one connection-handling process.
type Worker struct {
	id      int
	loop    eventloop.Loop
	control *os.File
	sem     *ipcsem.Semaphore
	tbl     *table.Table
	logw    io.Writer

	clients map[int]*client

	// done is set when the control channel breaks: the acceptor is gone,
	// so this worker can never be handed another client.
	done bool
}

// Run opens the shared table and semaphore cfg names, registers the
// control channel for readiness, and drives the event loop until the
// acceptor closes the control channel. A worker never calls accept(2)
// itself; every client arrives over control.
func Run(cfg config.Config, control *os.File, logw io.Writer) error {
	region, err := shm.Open(cfg.ShmName, int64(table.DefaultRegionSize))
	if err != nil {
		return fmt.Errorf("worker #%d: open shared region: %w", cfg.WorkerID, err)
	}
	defer region.Close()

	tbl, err := table.Open(region.Data, cfg.KMax, cfg.VMax)
	if err != nil {
		return fmt.Errorf("worker #%d: %w", cfg.WorkerID, err)
	}

	sem, err := ipcsem.Open(cfg.SemName)
	if err != nil {
		return fmt.Errorf("worker #%d: open semaphore: %w", cfg.WorkerID, err)
	}
	defer sem.Close()

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("worker #%d: %w", cfg.WorkerID, err)
	}
	defer loop.Close()

	w := &Worker{
		id:      cfg.WorkerID,
		loop:    loop,
		control: control,
		sem:     sem,
		tbl:     tbl,
		logw:    logw,
		clients: make(map[int]*client),
	}

	if err := loop.Register(int(control.Fd()), eventloop.Read, w.onControlReadable); err != nil {
		return fmt.Errorf("worker #%d: register control channel: %w", cfg.WorkerID, err)
	}

	fmt.Fprintf(logw, "[worker #%d]\tstarted\n", w.id)

	for !w.done {
		if err := loop.Poll(-1); err != nil {
			return fmt.Errorf("worker #%d: %w", w.id, err)
		}
	}

	fmt.Fprintf(logw, "[worker #%d]\tcontrol channel gone, exiting\n", w.id)
	return nil
}

// onControlReadable receives one handed-off client descriptor and
// registers it for reading.
func (w *Worker) onControlReadable(eventloop.Events) {
	f, _, err := fdpass.Recv(w.control)
	if err != nil {
		fmt.Fprintf(w.logw, "[worker #%d]\tcontrol channel: %s\n", w.id, err)
		_ = w.loop.Unregister(int(w.control.Fd()))
		w.done = true
		return
	}

	fd := int(f.Fd())

	// Fd() switches the descriptor back to blocking mode; the readiness
	// loop must never block on a socket, so undo that before the first
	// read or write.
	if err := syscall.SetNonblock(fd, true); err != nil {
		fmt.Fprintf(w.logw, "[worker #%d]\tset nonblocking: %s\n", w.id, err)
		_ = f.Close()
		return
	}

	c := &client{fd: fd, file: f, readOpen: true}
	w.clients[fd] = c

	if err := w.loop.Register(fd, eventloop.Read, func(ev eventloop.Events) { w.onClientEvent(fd, ev) }); err != nil {
		fmt.Fprintf(w.logw, "[worker #%d]\tregister client %d: %s\n", w.id, fd, err)
		delete(w.clients, fd)
		_ = f.Close()
		return
	}

	fmt.Fprintf(w.logw, "[worker #%d]\tnew client (%d)\n", w.id, fd)
}

// onClientEvent dispatches whichever of read/write readiness fired. Both
// interests share one registration per fd — epoll/kqueue report a single
// event set per descriptor, so Read and Write are toggled with Modify
// rather than ever calling Register twice for the same fd.
func (w *Worker) onClientEvent(fd int, events eventloop.Events) {
	if events&eventloop.Error != 0 {
		w.closeClient(fd)
		return
	}
	if events&eventloop.Read != 0 {
		w.onClientReadable(fd)
	}
	if events&eventloop.Write != 0 {
		if _, ok := w.clients[fd]; ok {
			w.onClientWritable(fd)
		}
	}
}

// onClientReadable does one non-blocking read, handles EOF, and hands
// the bytes to the line splitter.
func (w *Worker) onClientReadable(fd int) {
	c, ok := w.clients[fd]
	if !ok {
		return
	}

	buf := make([]byte, bufSize)
	n, err := syscall.Read(fd, buf)

	switch {
	case err != nil:
		fmt.Fprintf(w.logw, "[worker #%d]\trecv: %s\n", w.id, err)
		w.closeClient(fd)
	case n == 0:
		w.finishReading(fd)
	default:
		c.inBuf.Write(buf[:n])
		for _, line := range c.takeLines() {
			w.addResponse(fd, w.composeResponse(line))
		}
	}
}

// composeResponse turns one request line into its wire response.
func (w *Worker) composeResponse(line string) string {
	if line == "" {
		return errEmptyQuery
	}

	cmd, err := wire.Parse(line)
	if err != nil {
		return errBadQuery
	}

	if err := w.sem.Acquire(); err != nil {
		fmt.Fprintf(w.logw, "[worker #%d]\tacquire: %s\n", w.id, err)
		return ""
	}
	defer w.sem.Release()

	switch cmd.Kind {
	case wire.KindGet:
		return w.tbl.Get(cmd.Key)
	case wire.KindSet:
		return w.tbl.Set(cmd.TTL, cmd.Key, cmd.Value)
	default:
		return errBadQuery
	}
}

// addResponse appends resp to the client's pending output and, if it
// isn't already interested in write-readiness, adds that interest. A
// write-source exists only while there is something to flush.
func (w *Worker) addResponse(fd int, resp string) {
	if resp == "" {
		return
	}
	c, ok := w.clients[fd]
	if !ok {
		return
	}

	c.outBuf += resp
	w.setWriteInterest(fd, c, true)
}

// onClientWritable flushes the pending output. Every send carries a
// trailing NUL byte past the buffered text; existing clients expect the
// reply to be NUL-terminated on the wire.
func (w *Worker) onClientWritable(fd int) {
	c, ok := w.clients[fd]
	if !ok || c.outBuf == "" {
		return
	}

	out := append([]byte(c.outBuf), 0)
	n, err := syscall.Write(fd, out)
	if err != nil {
		fmt.Fprintf(w.logw, "[worker #%d]\tsend: %s\n", w.id, err)
		w.closeClient(fd)
		return
	}

	// n == len(c.outBuf) means the text went out but the NUL did not;
	// that still counts as a drain, so the sentinel for that batch is
	// dropped. The next response's send carries its own NUL.
	if n >= len(c.outBuf) {
		c.outBuf = ""
		w.finishWriting(fd)
		return
	}

	// Partial write: keep the unsent tail. The NUL sentinel is not part
	// of outBuf; the next send appends it again.
	c.outBuf = c.outBuf[n:]
}

// finishReading handles the peer's EOF: stop watching for reads, and
// close the client outright unless a response is still queued to write.
func (w *Worker) finishReading(fd int) {
	c, ok := w.clients[fd]
	if !ok {
		return
	}
	c.readOpen = false

	if !c.writeOpen {
		w.closeClient(fd)
		return
	}
	w.applyInterest(fd, c)
}

// finishWriting drops write interest after a full drain and closes the
// client if its read side is already gone.
func (w *Worker) finishWriting(fd int) {
	c, ok := w.clients[fd]
	if !ok {
		return
	}
	w.setWriteInterest(fd, c, false)

	if !c.readOpen {
		w.closeClient(fd)
	}
}

func (w *Worker) setWriteInterest(fd int, c *client, want bool) {
	if c.writeOpen == want {
		return
	}
	c.writeOpen = want
	w.applyInterest(fd, c)
}

func (w *Worker) applyInterest(fd int, c *client) {
	var events eventloop.Events
	if c.readOpen {
		events |= eventloop.Read
	}
	if c.writeOpen {
		events |= eventloop.Write
	}

	if events == 0 {
		return
	}
	if err := w.loop.Modify(fd, events); err != nil {
		fmt.Fprintf(w.logw, "[worker #%d]\tmodify interest for client %d: %s\n", w.id, fd, err)
	}
}

func (w *Worker) closeClient(fd int) {
	c, ok := w.clients[fd]
	if !ok {
		return
	}
	_ = w.loop.Unregister(fd)
	delete(w.clients, fd)
	// Close through the *os.File, not the raw fd: that disarms its
	// finalizer, which would otherwise close a since-reused fd number.
	_ = c.file.Close()
	fmt.Fprintf(w.logw, "[worker #%d]\tclient (%d) closed\n", w.id, fd)
}
