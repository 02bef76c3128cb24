package config

import (
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
)

// ErrModeRequired is returned when --mode is set to something other than
// acceptor/worker/janitor. An omitted --mode defaults to acceptor.
var ErrModeRequired = errors.New("config: --mode must be one of acceptor, worker, janitor")

// ParseFlags registers every CLI flag on a fresh FlagSet, parses args,
// and applies the result on top of cfg (the defaults-then-config-file
// layer built by Load). CLI flags are the highest-precedence layer.
func ParseFlags(cfg Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("kvcached", flag.ContinueOnError)

	mode := fs.String("mode", string(ModeAcceptor), "process role: acceptor, worker, or janitor")
	ip := fs.String("ip", cfg.IP, "TCP listen address (acceptor only)")
	port := fs.Int("port", cfg.Port, "TCP listen port (acceptor only)")
	workers := fs.Int("workers", cfg.Workers, "number of worker processes")
	shmName := fs.String("shm-name", cfg.ShmName, "name of the shared memory region")
	semName := fs.String("sem-name", cfg.SemName, "name of the cross-process semaphore")
	kmax := fs.Int("kmax", cfg.KMax, "maximum key length in bytes")
	vmax := fs.Int("vmax", cfg.VMax, "maximum value length in bytes")
	_ = fs.String("config", "", "path to a HuJSON config file")
	workerID := fs.Int("worker-id", -1, "internal: this worker's 0-based index")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	switch Mode(*mode) {
	case ModeAcceptor, ModeWorker, ModeJanitor:
		cfg.Mode = Mode(*mode)
	default:
		return Config{}, ErrModeRequired
	}

	cfg.IP = *ip
	cfg.Port = *port
	cfg.Workers = *workers
	cfg.ShmName = *shmName
	cfg.SemName = *semName
	cfg.KMax = *kmax
	cfg.VMax = *vmax
	cfg.WorkerID = *workerID

	return cfg, nil
}

// ConfigFlagValue extracts just the --config flag's value from args,
// without requiring --mode to already be known. The caller uses it to
// find the config file to Load before the rest of flag parsing applies
// its overrides.
func ConfigFlagValue(args []string) string {
	fs := flag.NewFlagSet("kvcached-config-probe", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	path := fs.String("config", "", "")
	_ = fs.Parse(args)
	return *path
}
