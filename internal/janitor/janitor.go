// Package janitor runs the single loop that ages out expired entries:
// lock, tick every slot's TTL down by one, unlock, sleep. It has no
// sockets and no client state.
package janitor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/calvinalkan/kvcache/internal/config"
	"github.com/calvinalkan/kvcache/internal/ipcsem"
	"github.com/calvinalkan/kvcache/internal/shm"
	"github.com/calvinalkan/kvcache/internal/table"
)

// TickInterval is how often the janitor decrements every live TTL. A
// TTL is therefore seconds of remaining life.
const TickInterval = time.Second

// Run opens the shared region and semaphore cfg names, and ticks the
// table once per TickInterval until ctx is canceled. It never creates
// or unlinks the region or semaphore — only the acceptor does that.
func Run(ctx context.Context, cfg config.Config, logw io.Writer) error {
	region, err := shm.Open(cfg.ShmName, int64(table.DefaultRegionSize))
	if err != nil {
		return fmt.Errorf("janitor: open shared region: %w", err)
	}
	defer region.Close()

	tbl, err := table.Open(region.Data, cfg.KMax, cfg.VMax)
	if err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	sem, err := ipcsem.Open(cfg.SemName)
	if err != nil {
		return fmt.Errorf("janitor: open semaphore: %w", err)
	}
	defer sem.Close()

	fmt.Fprintf(logw, "[janitor]\tstarted, ticking every %s\n", TickInterval)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(logw, "[janitor]\tshutting down\n")
			return nil
		case <-ticker.C:
			if err := tick(sem, tbl); err != nil {
				fmt.Fprintf(logw, "[janitor]\t%s\n", err)
				return err
			}
		}
	}
}

func tick(sem *ipcsem.Semaphore, tbl *table.Table) error {
	if err := sem.Acquire(); err != nil {
		return fmt.Errorf("janitor: acquire: %w", err)
	}
	defer sem.Release()

	tbl.Tick()
	return nil
}
