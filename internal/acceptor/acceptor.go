// Package acceptor owns the TCP listener and the lifecycle of every
// other process in the system: it creates the shared region and
// semaphore, spawns the worker pool and the janitor, fans out accepted
// connections to a randomly chosen worker over a control channel, and
// tears everything down on shutdown.
//
// Go has no fork(2), so the acceptor re-execs its own binary
// (os.Args[0]) with --mode=worker or --mode=janitor. A worker gets its
// control-channel descriptor as the child's first ExtraFiles entry (fd 3
// in the child), which cmd/kvcached's worker entrypoint reads; see
// internal/worker. The janitor has no control channel and inherits no
// extra descriptor.
package acceptor

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/calvinalkan/kvcache/internal/config"
	"github.com/calvinalkan/kvcache/internal/fdpass"
	"github.com/calvinalkan/kvcache/internal/ipcsem"
	"github.com/calvinalkan/kvcache/internal/shm"
	"github.com/calvinalkan/kvcache/internal/table"
)

// childFD is the fd number a re-exec'd worker finds its inherited
// control channel at: 0, 1, 2 are stdio, so the first
// ExtraFiles entry lands at 3.
const childFD = 3

type workerProc struct {
	cmd     *exec.Cmd
	control *os.File
}

// Acceptor is the long-lived process that owns the listener and every
// child process.
type Acceptor struct {
	cfg    config.Config
	logw   io.Writer
	region *shm.Region
	sem    *ipcsem.Semaphore

	workers []workerProc
	janitor *exec.Cmd

	listener *net.TCPListener
}

// Run creates the shared region and semaphore, spawns the worker pool
// and the janitor, accepts connections until ctx is canceled, then tears
// everything down: listener, workers, janitor, semaphore, region. The
// acceptor alone creates and
// removes the region and the semaphore.
func Run(ctx context.Context, cfg config.Config, logw io.Writer) error {
	a := &Acceptor{cfg: cfg, logw: logw}

	if err := a.start(); err != nil {
		a.teardown()
		return err
	}
	defer a.teardown()

	return a.acceptLoop(ctx)
}

func (a *Acceptor) start() error {
	region, err := shm.Create(a.cfg.ShmName, int64(table.DefaultRegionSize))
	if err != nil {
		return fmt.Errorf("acceptor: create shared region: %w", err)
	}
	a.region = region

	// Validate the layout the rest of the fleet will assume before
	// spawning anyone — fail fast on a bad kmax/vmax instead of leaving
	// half a worker pool running against a region nobody can open.
	if _, err := table.Open(region.Data, a.cfg.KMax, a.cfg.VMax); err != nil {
		return fmt.Errorf("acceptor: %w", err)
	}

	sem, err := ipcsem.Create(a.cfg.SemName)
	if err != nil {
		return fmt.Errorf("acceptor: create semaphore: %w", err)
	}
	a.sem = sem

	for i := 0; i < a.cfg.Workers; i++ {
		wp, err := a.spawnWorker(i)
		if err != nil {
			return fmt.Errorf("acceptor: spawn worker #%d: %w", i, err)
		}
		a.workers = append(a.workers, wp)
	}

	janitor, err := a.spawnJanitor()
	if err != nil {
		return fmt.Errorf("acceptor: spawn janitor: %w", err)
	}
	a.janitor = janitor

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP(a.cfg.IP), Port: a.cfg.Port})
	if err != nil {
		return fmt.Errorf("acceptor: listen on %s:%d: %w", a.cfg.IP, a.cfg.Port, err)
	}
	a.listener = ln

	fmt.Fprintf(a.logw, "[acceptor]\tstarted at %s:%d\n", a.cfg.IP, a.cfg.Port)
	return nil
}

func (a *Acceptor) commonArgs() []string {
	return []string{
		"--shm-name=" + a.cfg.ShmName,
		"--sem-name=" + a.cfg.SemName,
		"--kmax=" + strconv.Itoa(a.cfg.KMax),
		"--vmax=" + strconv.Itoa(a.cfg.VMax),
	}
}

func (a *Acceptor) spawnWorker(id int) (workerProc, error) {
	parent, child, err := fdpass.NewChannel()
	if err != nil {
		return workerProc{}, err
	}

	args := append([]string{"--mode=worker", "--worker-id=" + strconv.Itoa(id)}, a.commonArgs()...)
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}

	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = child.Close()
		return workerProc{}, fmt.Errorf("start: %w", err)
	}
	_ = child.Close() // the child's copy lives on in the subprocess

	return workerProc{cmd: cmd, control: parent}, nil
}

func (a *Acceptor) spawnJanitor() (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], append([]string{"--mode=janitor"}, a.commonArgs()...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return cmd, nil
}

// acceptLoop accepts, extracts the raw fd, picks a worker, and hands it
// off. ctx cancellation closes the listener to unblock the in-flight
// Accept call.
func (a *Acceptor) acceptLoop(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = a.listener.Close()
	}()
	defer wg.Wait()

	for {
		conn, err := a.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintf(a.logw, "[acceptor]\tshutting down\n")
				return nil
			}
			return fmt.Errorf("acceptor: accept: %w", err)
		}

		a.dispatch(conn)
	}
}

// dispatch hands conn's descriptor to a uniformly chosen worker. The
// acceptor never inspects the connection beyond accepting it; no load
// tracking, just a uniform pick.
func (a *Acceptor) dispatch(conn *net.TCPConn) {
	idx := rand.IntN(len(a.workers))

	f, err := conn.File()
	if err != nil {
		fmt.Fprintf(a.logw, "[acceptor]\textract fd: %s\n", err)
		_ = conn.Close()
		return
	}
	_ = conn.Close() // File() dup'd the descriptor; the accepted copy is no longer needed

	// Fd() switches the descriptor to blocking mode on every call, so it
	// is read once; the worker's readiness loop needs it non-blocking,
	// and O_NONBLOCK travels with the open file description across the
	// hand-off.
	fd := int(f.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		fmt.Fprintf(a.logw, "[acceptor]\tset nonblocking: %s\n", err)
		_ = f.Close()
		return
	}

	fmt.Fprintf(a.logw, "[acceptor]\tadd client to worker #%d\n", idx)

	if err := fdpass.Send(a.workers[idx].control, fd, byte(idx)); err != nil {
		fmt.Fprintf(a.logw, "[acceptor]\tsend descriptor: %s\n", err)
	}
	_ = f.Close()
}

// teardown signals every child, closes every descriptor, and unlinks
// the region and semaphore. It is safe to call after a partial start().
func (a *Acceptor) teardown() {
	if a.listener != nil {
		_ = a.listener.Close()
	}

	for _, w := range a.workers {
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(os.Interrupt)
		}
		if w.control != nil {
			_ = w.control.Close()
		}
	}
	for _, w := range a.workers {
		if w.cmd != nil && w.cmd.Process != nil {
			_, _ = w.cmd.Process.Wait()
		}
	}

	if a.janitor != nil && a.janitor.Process != nil {
		_ = a.janitor.Process.Signal(os.Interrupt)
		_, _ = a.janitor.Process.Wait()
	}

	if a.sem != nil {
		_ = a.sem.Close()
		_ = a.sem.Unlink()
	}
	if a.region != nil {
		_ = a.region.Close()
		_ = a.region.Unlink()
	}

	fmt.Fprintf(a.logw, "[acceptor]\ttorn down\n")
}
