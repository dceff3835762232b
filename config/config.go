// Package config loads tank settings from YAML.
package config

import (
	"io"
	"os"
	"time"

	"github.com/drpcorg/tank"
	"github.com/drpcorg/tank/utils"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Indexer struct {
	ChunkSize       int           `yaml:"chunk_size"`
	RemoveChunkSize int           `yaml:"remove_chunk_size"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	CloseTimeout    time.Duration `yaml:"close_timeout"`
	MailboxSize     int           `yaml:"mailbox_size"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

type Config struct {
	Dir string `yaml:"dir"`
	// metrics label; Dir when empty
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// empty disables the /metrics endpoint
	MetricsAddr string  `yaml:"metrics_addr"`
	CacheSize   int64   `yaml:"cache_size"`
	Indexer     Indexer `yaml:"indexer"`
}

func Default() Config {
	return Config{
		Dir:      "tank",
		LogLevel: "warn",
		Indexer: Indexer{
			ChunkSize:       1000,
			RemoveChunkSize: 1000,
			CommandTimeout:  10 * time.Second,
			CloseTimeout:    10 * time.Second,
			MailboxSize:     64,
			RetryInterval:   time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config")
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c Config) Options() tank.Options {
	return tank.Options{
		Logger:          utils.NewDefaultLogger(utils.ParseLevel(c.LogLevel)),
		Name:            c.Name,
		CacheSize:       c.CacheSize,
		ChunkSize:       c.Indexer.ChunkSize,
		RemoveChunkSize: c.Indexer.RemoveChunkSize,
		CommandTimeout:  c.Indexer.CommandTimeout,
		CloseTimeout:    c.Indexer.CloseTimeout,
		MailboxSize:     c.Indexer.MailboxSize,
		RetryInterval:   c.Indexer.RetryInterval,
	}
}
