// Package config loads the user-level configuration from the store
// root under the home directory. Everything has a working default; the
// file only needs to exist when the defaults are wrong.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/WebFirstLanguage/hivefs/pkg/chunker"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// FileName is the configuration file inside the store root
const FileName = "config.yaml"

// StoreRootName is the per-user store directory under HOME
const StoreRootName = ".hive"

// ChunkerConfig tunes content-defined chunking.
type ChunkerConfig struct {
	Target uint64 `yaml:"target"`
	Min    int    `yaml:"min"`
	Max    int    `yaml:"max"`
}

// ListenConfig names the daemon's listen addresses. Empty entries
// disable the listener.
type ListenConfig struct {
	TCP  string `yaml:"tcp"`
	QUIC string `yaml:"quic"`
	HTTP string `yaml:"http"`
}

// Config is the user-level configuration.
type Config struct {
	// User is the committer name recorded in commits
	User string `yaml:"user"`

	// Compression names the algorithm for stored payloads:
	// none, snappy or zstd
	Compression string `yaml:"compression"`

	// CompressThreshold is the payload size below which objects stay
	// uncompressed
	CompressThreshold int `yaml:"compress_threshold"`

	Chunker ChunkerConfig `yaml:"chunker"`
	Listen  ListenConfig  `yaml:"listen"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	params := chunker.DefaultParams()
	return &Config{
		User:        defaultUser(),
		Compression: "snappy",
		Chunker: ChunkerConfig{
			Target: params.Target,
			Min:    params.Min,
			Max:    params.Max,
		},
		Listen: ListenConfig{
			TCP:  ":27460",
			QUIC: ":27461",
			HTTP: ":8780",
		},
	}
}

// defaultUser picks the committer name from the environment
func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// StoreRoot returns the per-user store root under HOME
func StoreRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, StoreRootName), nil
}

// Load reads the configuration from the store root, falling back to
// defaults when the file is absent
func Load() (*Config, error) {
	root, err := StoreRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(root, FileName))
}

// LoadFrom reads a configuration file at an explicit path
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.User == "" {
		cfg.User = defaultUser()
	}
	return cfg, nil
}

// Save writes the configuration to the store root
func (c *Config) Save() error {
	root, err := StoreRoot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create store root: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, FileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// RepoOptions translates the configuration into repository storage
// options
func (c *Config) RepoOptions() (repo.Options, error) {
	opts := repo.DefaultOptions()

	if c.Chunker.Target != 0 {
		opts.Chunker = chunker.Params{
			Target: c.Chunker.Target,
			Min:    c.Chunker.Min,
			Max:    c.Chunker.Max,
		}
		if err := opts.Chunker.Validate(); err != nil {
			return repo.Options{}, err
		}
		opts.LargeFileThreshold = int64(opts.Chunker.Max)
	}

	switch c.Compression {
	case "", "snappy":
		opts.Compression = stream.CompSnappy
	case "zstd":
		opts.Compression = stream.CompZstd
	case "none":
		opts.Compression = stream.CompNone
	default:
		return repo.Options{}, fmt.Errorf("unknown compression %q", c.Compression)
	}

	if c.CompressThreshold > 0 {
		opts.CompressThreshold = c.CompressThreshold
	}
	return opts, nil
}
