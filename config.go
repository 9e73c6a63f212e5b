package flux

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Config errors.
var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errNegativeThreshold  = errors.New("mmap_threshold cannot be negative")
	errNegativeChunkSize  = errors.New("chunk_size cannot be negative")
	errNegativeCache      = errors.New("cache_capacity cannot be negative")
	errNegativeTimeout    = errors.New("lock_timeout_seconds cannot be negative")
	errNegativeMaxTxns    = errors.New("max_concurrent_transactions cannot be negative")
	errJournalPathEmpty   = errors.New("journal_path cannot be empty")
)

// Config holds all engine configuration. Zero fields take defaults; see
// [DefaultConfig] for the values.
type Config struct {
	// MmapThreshold is the file size in bytes at or above which the read
	// path memory-maps instead of loading fully.
	MmapThreshold int64 `json:"mmap_threshold,omitempty"`

	// ChunkSize is the default chunk length for streaming reads.
	ChunkSize int `json:"chunk_size,omitempty"`

	// CacheCapacity bounds the byte cache.
	CacheCapacity int64 `json:"cache_capacity,omitempty"`

	// LockTimeoutSeconds bounds how long a transaction waits for a
	// path's lock.
	LockTimeoutSeconds float64 `json:"lock_timeout_seconds,omitempty"`

	// MaxConcurrentTransactions caps live transactions across all paths.
	MaxConcurrentTransactions int `json:"max_concurrent_transactions,omitempty"`

	// JournalPath locates the crash-recovery journal.
	JournalPath string `json:"journal_path,omitempty"`
}

// DefaultConfig returns production defaults: 10 MiB mmap threshold,
// 1 MiB chunks, 1 GiB cache, 300 s lock timeout, 50 concurrent
// transactions, and a journal under ~/.flux.
func DefaultConfig() Config {
	journal := ".flux/journal"

	home, err := os.UserHomeDir()
	if err == nil {
		journal = filepath.Join(home, ".flux", "journal")
	}

	return Config{
		MmapThreshold:             10 << 20,
		ChunkSize:                 1 << 20,
		CacheCapacity:             1 << 30,
		LockTimeoutSeconds:        300,
		MaxConcurrentTransactions: 50,
		JournalPath:               journal,
	}
}

// LoadConfig reads a HuJSON config file (JSON with comments and trailing
// commas) and merges it over the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}

		return Config{}, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	cfg := DefaultConfig()

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	err = cfg.validate()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	return cfg, nil
}

// withDefaults fills zero fields so a partially populated Config is
// usable directly.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.MmapThreshold == 0 {
		c.MmapThreshold = def.MmapThreshold
	}

	if c.ChunkSize == 0 {
		c.ChunkSize = def.ChunkSize
	}

	if c.CacheCapacity == 0 {
		c.CacheCapacity = def.CacheCapacity
	}

	if c.LockTimeoutSeconds == 0 {
		c.LockTimeoutSeconds = def.LockTimeoutSeconds
	}

	if c.MaxConcurrentTransactions == 0 {
		c.MaxConcurrentTransactions = def.MaxConcurrentTransactions
	}

	if c.JournalPath == "" {
		c.JournalPath = def.JournalPath
	}

	return c
}

func (c Config) validate() error {
	switch {
	case c.MmapThreshold < 0:
		return errNegativeThreshold
	case c.ChunkSize < 0:
		return errNegativeChunkSize
	case c.CacheCapacity < 0:
		return errNegativeCache
	case c.LockTimeoutSeconds < 0:
		return errNegativeTimeout
	case c.MaxConcurrentTransactions < 0:
		return errNegativeMaxTxns
	case c.JournalPath == "":
		return errJournalPathEmpty
	default:
		return nil
	}
}

func (c Config) lockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds * float64(time.Second))
}
