package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesConcreteCLISurface(t *testing.T) {
	cfg := Default()
	require.Equal(t, "127.0.0.1", cfg.IP)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, "shared_ht", cfg.ShmName)
	require.Equal(t, "mycache_sem", cfg.SemName)
	require.Equal(t, 32, cfg.KMax)
	require.Equal(t, 256, cfg.VMax)
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysConfigFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvcached.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// trailing comments are fine, this is HuJSON
		"port": 9090,
		"workers": 8,
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, "127.0.0.1", cfg.IP, "fields absent from the file keep their default")
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	_, err := Load("/nonexistent/kvcached.json")
	require.ErrorIs(t, err, ErrConfigFileRead)
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestParseFlagsOverridesConfigLayer(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg, err = ParseFlags(cfg, []string{"--mode=acceptor", "--port=9999", "--workers=2"})
	require.NoError(t, err)

	require.Equal(t, ModeAcceptor, cfg.Mode)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, "shared_ht", cfg.ShmName, "flags not passed keep the prior layer's value")
}

func TestParseFlagsDefaultsModeToAcceptor(t *testing.T) {
	cfg := Default()
	got, err := ParseFlags(cfg, []string{"--port=9999"})
	require.NoError(t, err)
	require.Equal(t, ModeAcceptor, got.Mode)
}

func TestParseFlagsRequiresValidMode(t *testing.T) {
	cfg := Default()
	_, err := ParseFlags(cfg, []string{"--mode=bogus"})
	require.ErrorIs(t, err, ErrModeRequired)
}

func TestConfigFlagValueExtractsPathBeforeModeIsKnown(t *testing.T) {
	path := ConfigFlagValue([]string{"--mode=worker", "--config=/etc/kvcached.json", "--worker-id=2"})
	require.Equal(t, "/etc/kvcached.json", path)
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	require.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.Port = 0
	require.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.KMax = 0
	require.ErrorIs(t, Validate(cfg), ErrInvalid)
}
