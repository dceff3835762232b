package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tank.yaml")
	data := `
dir: /var/lib/tank
log_level: debug
metrics_addr: ":9100"
cache_size: 1048576
indexer:
  chunk_size: 50
  command_timeout: 2s
`
	assert.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "/var/lib/tank", cfg.Dir)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, 50, cfg.Indexer.ChunkSize)
	assert.Equal(t, 1000, cfg.Indexer.RemoveChunkSize)
	assert.Equal(t, 2*time.Second, cfg.Indexer.CommandTimeout)

	opts := cfg.Options()
	assert.Equal(t, int64(1<<20), opts.CacheSize)
	assert.Equal(t, 50, opts.ChunkSize)
	assert.NotNil(t, opts.Logger)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	assert.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err = Load(empty)
	assert.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("dirr: x\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
