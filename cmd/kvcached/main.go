// Command kvcached runs one of the cooperating processes that make up
// the cache: the acceptor, a worker, or the janitor, selected with
// --mode. The acceptor spawns the other two by re-executing this same
// binary (see internal/acceptor).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calvinalkan/kvcache/internal/acceptor"
	"github.com/calvinalkan/kvcache/internal/config"
	"github.com/calvinalkan/kvcache/internal/janitor"
	"github.com/calvinalkan/kvcache/internal/worker"
)

// childControlFD is where a re-exec'd worker finds its control channel:
// fd 3, the first entry of exec.Cmd.ExtraFiles (see internal/acceptor).
const childControlFD = 3

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, errOut *os.File) int {
	configPath := config.ConfigFlagValue(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	cfg, err = config.ParseFlags(cfg, args)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- dispatch(ctx, cfg, errOut) }()

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
		return 0
	case <-sigCh:
		cancel()
	}

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
		return 0
	case <-time.After(5 * time.Second):
		fmt.Fprintln(errOut, "shutdown timed out, forcing exit")
		return 1
	}
}

func dispatch(ctx context.Context, cfg config.Config, errOut *os.File) error {
	switch cfg.Mode {
	case config.ModeAcceptor:
		return acceptor.Run(ctx, cfg, errOut)
	case config.ModeJanitor:
		return janitor.Run(ctx, cfg, errOut)
	case config.ModeWorker:
		if cfg.WorkerID < 0 {
			return errors.New("worker mode requires --worker-id (set by the acceptor on re-exec)")
		}
		control := os.NewFile(childControlFD, "control")
		return worker.Run(cfg, control, errOut)
	default:
		return config.ErrModeRequired
	}
}
