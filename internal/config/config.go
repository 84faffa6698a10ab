// Package config holds the engine's compile-time defaults
// and an optional on-disk override file, unmarshaled with
// gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/numstore/numstore/internal/hashtable"
)

// LockHashSettings mirrors hashtable.Settings in a form that round-trips
// through YAML without dragging package hashtable into the file format.
type LockHashSettings struct {
	MinSize       uint32  `yaml:"min_size"`
	MaxSize       uint32  `yaml:"max_size"`
	RehashingWork uint32  `yaml:"rehash_work"`
	MinLoadFactor float64 `yaml:"min_load_factor"`
	MaxLoadFactor float64 `yaml:"max_load_factor"`
}

// ToHashtableSettings converts to the type package hashtable and package
// locktable actually consume.
func (s LockHashSettings) ToHashtableSettings() hashtable.Settings {
	return hashtable.Settings{
		MinSize:       s.MinSize,
		MaxSize:       s.MaxSize,
		RehashingWork: s.RehashingWork,
		MinLoadFactor: s.MinLoadFactor,
		MaxLoadFactor: s.MaxLoadFactor,
	}
}

// EngineConfig holds every compile-time tunable the engine exposes, with
// defaults matching the reference values exactly. A deployment can override
// any subset of these from a YAML file via Load.
type EngineConfig struct {
	PageSize       int `yaml:"page_size"`
	MemoryPageLen  int `yaml:"memory_page_len"`
	WALSegmentSize int64 `yaml:"wal_segment_size"`
	MaxNupdSize    int `yaml:"max_nupd_size"`
	MaxOpenFiles   int `yaml:"max_open_files"`

	LockHash LockHashSettings `yaml:"lock_hash"`

	// CheckpointSchedule is a standard five-field cron expression (or a
	// robfig/cron descriptor like "@every 5m") controlling how often the
	// checkpoint daemon fires. The checkpoint procedure itself is fixed;
	// its cadence is left to the embedder, so this field picks it.
	CheckpointSchedule string `yaml:"checkpoint_schedule"`

	// AbortOnFailure panics at the call site of the first error any
	// Engine operation returns, instead of returning it to the caller.
	// Off by default; a debug aid for catching a failure's true origin
	// under a debugger rather than its wrapped, re-wrapped message.
	AbortOnFailure bool `yaml:"abort_on_failure"`
}

// Default returns the engine's compile-time defaults.
func Default() EngineConfig {
	return EngineConfig{
		PageSize:       4096,
		MemoryPageLen:  20,
		WALSegmentSize: 16 << 20,
		MaxNupdSize:    200,
		MaxOpenFiles:   10,
		LockHash: LockHashSettings{
			MinSize:       10,
			MaxSize:       2048,
			RehashingWork: 28,
			MinLoadFactor: 0.1,
			MaxLoadFactor: 0.8,
		},
		CheckpointSchedule: "@every 5m",
	}
}

// Load reads an override file at path and applies it on top of Default.
// A missing file is not an error: it just means the caller runs with
// the compiled-in defaults.
func Load(path string) (EngineConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
