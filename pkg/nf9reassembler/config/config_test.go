package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("nf9reassembler", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, "netflow://:2055", cfg.ListenAddresses)
	assert.Equal(t, 5000, cfg.Reassembly.TemplatesSize)
	assert.Equal(t, 1<<20, cfg.Reassembly.PendingMaxWeight)
	assert.Equal(t, time.Minute, cfg.Reassembly.PendingMaxAge)
	assert.False(t, cfg.Reassembly.DropReadyOnBuffer)
}

func TestParseFileAndFlags(t *testing.T) {
	path := writeConfig(t, `
listen: netflow://127.0.0.1:9995
loglevel: debug
format: bin
reassembly:
  templates_size: 100
  pending_max_age: 30s
  drop_ready_on_buffer: true
`)
	cfg, err := Parse(newFlagSet(), []string{"-config", path, "-loglevel", "warn"})
	require.NoError(t, err)

	assert.Equal(t, "netflow://127.0.0.1:9995", cfg.ListenAddresses)
	assert.Equal(t, "warn", cfg.LogLevel, "command line wins over the file")
	assert.Equal(t, "bin", cfg.Format)
	assert.Equal(t, 100, cfg.Reassembly.TemplatesSize)
	assert.Equal(t, 30*time.Second, cfg.Reassembly.PendingMaxAge)
	assert.True(t, cfg.Reassembly.DropReadyOnBuffer)
	assert.Equal(t, 1<<20, cfg.Reassembly.PendingMaxWeight, "missing keys keep their default")
}

func TestParseFileErrors(t *testing.T) {
	_, err := Parse(newFlagSet(), []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, "unknown_key: 1\n")
	_, err = Parse(newFlagSet(), []string{"-config", path})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Parse(newFlagSet(), []string{"-reassembly.templates.size", "0", "-reassembly.pending.age", "0s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "templates size")
	assert.Contains(t, err.Error(), "pending age")
	assert.NotNil(t, cfg)
}
