// Package config loads kvcached's configuration in layers: defaults,
// then an optional HuJSON config file, then CLI flags, each overriding
// the last.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Mode selects which of the cooperating processes a cmd/kvcached
// invocation runs as: the one acceptor, one of the fixed pool of
// workers, or the janitor.
type Mode string

const (
	ModeAcceptor Mode = "acceptor"
	ModeWorker   Mode = "worker"
	ModeJanitor  Mode = "janitor"
)

// Config is the full set of values every process needs, whichever Mode
// it runs as. Not every field is meaningful for every mode — WorkerID
// only matters to a worker, for instance — but keeping one struct lets
// the acceptor build a child's Config once and serialize it across a
// re-exec the same way it threads everything else.
type Config struct {
	Mode Mode `json:"-"`

	IP      string `json:"ip,omitempty"`
	Port    int    `json:"port,omitempty"`
	Workers int    `json:"workers,omitempty"`

	ShmName string `json:"shm_name,omitempty"` //nolint:tagliatelle
	SemName string `json:"sem_name,omitempty"` //nolint:tagliatelle

	KMax int `json:"kmax,omitempty"`
	VMax int `json:"vmax,omitempty"`

	// WorkerID identifies a worker process (0-based) among Workers
	// siblings. It is never read from a config file — only ever set by
	// the acceptor when it re-execs a worker.
	WorkerID int `json:"-"`
}

// Default returns the configuration every process starts from before a
// config file or CLI flags are applied.
func Default() Config {
	return Config{
		IP:      "127.0.0.1",
		Port:    8080,
		Workers: 4,
		ShmName: "shared_ht",
		SemName: "mycache_sem",
		KMax:    32,
		VMax:    256,
	}
}

var (
	// ErrConfigFileRead is returned when an explicitly named config file
	// cannot be read.
	ErrConfigFileRead = errors.New("config: cannot read config file")
	// ErrConfigInvalid is returned when a config file's contents don't
	// parse as HuJSON/JSON.
	ErrConfigInvalid = errors.New("config: invalid config file")
)

// Load reads path (if non-empty) as a HuJSON config file, standardizes it
// to JSON, and overlays it onto Default(). A missing path is not an
// error: an absent --config flag simply means "defaults only, before CLI
// overrides."
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	var overlay Config
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	return merge(cfg, overlay), nil
}

// merge overlays every non-zero field of overlay onto base.
func merge(base, overlay Config) Config {
	if overlay.IP != "" {
		base.IP = overlay.IP
	}
	if overlay.Port != 0 {
		base.Port = overlay.Port
	}
	if overlay.Workers != 0 {
		base.Workers = overlay.Workers
	}
	if overlay.ShmName != "" {
		base.ShmName = overlay.ShmName
	}
	if overlay.SemName != "" {
		base.SemName = overlay.SemName
	}
	if overlay.KMax != 0 {
		base.KMax = overlay.KMax
	}
	if overlay.VMax != 0 {
		base.VMax = overlay.VMax
	}
	return base
}

// ErrInvalid reports a configuration value that CLI flag parsing
// accepted syntactically but that violates an invariant the rest of the
// system assumes.
var ErrInvalid = errors.New("config: invalid value")

// Validate checks invariants that must hold regardless of which layer
// supplied a value.
func Validate(cfg Config) error {
	if cfg.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalid, cfg.Workers)
	}
	if cfg.KMax < 1 {
		return fmt.Errorf("%w: kmax must be >= 1, got %d", ErrInvalid, cfg.KMax)
	}
	if cfg.VMax < 1 {
		return fmt.Errorf("%w: vmax must be >= 1, got %d", ErrInvalid, cfg.VMax)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port must be in [1, 65535], got %d", ErrInvalid, cfg.Port)
	}
	return nil
}
