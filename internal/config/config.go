// Package config resolves the environment-variable knobs spec §7 defines,
// with an optional YAML overlay file for settings better expressed as
// structured data (the umbilical allow-list lives in its own file; this
// package covers only the scalar runtime knobs every cell reads).
//
// Grounded on the teacher's DefaultConfig()-then-override shape
// (coordinator/cfg.go: build defaults, then let a loaded file win), adapted
// from "YAML file overrides defaults" to "env vars override defaults, an
// optional YAML file overrides env vars" since spec §7 specifies env vars as
// the primary surface.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config holds every spec §7 knob plus optional overlay fields.
type Config struct {
	// SocketDir is the root directory under which endpoint sockets and the
	// umbilical socket are created ($CELL_SOCKET_DIR, default ~/.cell/run).
	SocketDir string `yaml:"socket_dir"`
	// Organism is this process's organism scope id ($CELL_ORGANISM, default
	// "default").
	Organism string `yaml:"organism"`
	// DisableSHM forces socket-only transport even when both peers could
	// upgrade ($CELL_DISABLE_SHM).
	DisableSHM bool `yaml:"disable_shm"`
	// RingCapacity is the SHM ring capacity in bytes; must be a power of two
	// no smaller than 64 KiB ($CELL_RING_CAPACITY, default 32 MiB).
	RingCapacity uint64 `yaml:"ring_capacity"`
	// MaxConnections bounds concurrent connections per process
	// ($CELL_MAX_CONNECTIONS, default 1024).
	MaxConnections int `yaml:"max_connections"`
	// MaxFrame bounds a single socket frame's payload size
	// ($CELL_MAX_FRAME, default and ceiling 16 MiB).
	MaxFrame int `yaml:"max_frame"`
	// RetryMax bounds Synapse's retry attempts ($CELL_RETRY_MAX, default 5,
	// absolute max 100).
	RetryMax int `yaml:"retry_max"`
}

const (
	defaultRingCapacity   = 32 << 20
	minRingCapacity       = 64 << 10
	defaultMaxConnections = 1024
	defaultMaxFrame       = 16 << 20
	maxFrameCeiling       = 16 << 20
	defaultRetryMax       = 5
	absoluteMaxRetry      = 100
)

// Default returns the baseline configuration before env vars or an overlay
// file are applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		SocketDir:      home + "/.cell/run",
		Organism:       "default",
		DisableSHM:     false,
		RingCapacity:   defaultRingCapacity,
		MaxConnections: defaultMaxConnections,
		MaxFrame:       defaultMaxFrame,
		RetryMax:       defaultRetryMax,
	}
}

// FromEnvironment builds a Config starting from Default(), applying
// $CELL_* environment variables, then applying a YAML overlay file named by
// $CELL_CONFIG if set (the overlay wins over plain env vars, matching the
// "most specific source wins" convention the teacher's LoadConfig follows).
func FromEnvironment() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("CELL_SOCKET_DIR"); ok {
		cfg.SocketDir = v
	}
	if v, ok := os.LookupEnv("CELL_ORGANISM"); ok {
		cfg.Organism = v
	}
	if v, ok := os.LookupEnv("CELL_DISABLE_SHM"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("CELL_DISABLE_SHM: %w", err)
		}
		cfg.DisableSHM = b
	}
	if v, ok := os.LookupEnv("CELL_RING_CAPACITY"); ok {
		n, err := parseByteSize(v)
		if err != nil {
			return Config{}, fmt.Errorf("CELL_RING_CAPACITY: %w", err)
		}
		cfg.RingCapacity = n
	}
	if v, ok := os.LookupEnv("CELL_MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("CELL_MAX_CONNECTIONS: %w", err)
		}
		cfg.MaxConnections = n
	}
	if v, ok := os.LookupEnv("CELL_MAX_FRAME"); ok {
		n, err := parseByteSize(v)
		if err != nil {
			return Config{}, fmt.Errorf("CELL_MAX_FRAME: %w", err)
		}
		cfg.MaxFrame = int(n)
	}
	if v, ok := os.LookupEnv("CELL_RETRY_MAX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("CELL_RETRY_MAX: %w", err)
		}
		cfg.RetryMax = n
	}

	if path, ok := os.LookupEnv("CELL_CONFIG"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config overlay: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config overlay: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// parseByteSize accepts both a plain byte count ("65536") and a
// human-readable size ("32MB", "64KB") the way datasize.ByteSize's
// UnmarshalText does, so operators can write $CELL_RING_CAPACITY and
// $CELL_MAX_FRAME the same way the teacher's own size-valued config fields
// accept units.
func parseByteSize(v string) (uint64, error) {
	var bs datasize.ByteSize
	if err := bs.UnmarshalText([]byte(v)); err != nil {
		return 0, err
	}
	return bs.Bytes(), nil
}

// Validate enforces the bounds spec §7 states for each knob.
func (c Config) Validate() error {
	if c.RingCapacity < minRingCapacity {
		return fmt.Errorf("ring capacity %d below minimum %d", c.RingCapacity, minRingCapacity)
	}
	if c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("ring capacity %d is not a power of two", c.RingCapacity)
	}
	if c.MaxFrame <= 0 || c.MaxFrame > maxFrameCeiling {
		return fmt.Errorf("max frame %d out of range (0, %d]", c.MaxFrame, maxFrameCeiling)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.RetryMax < 0 || c.RetryMax > absoluteMaxRetry {
		return fmt.Errorf("retry max %d out of range [0, %d]", c.RetryMax, absoluteMaxRetry)
	}
	return nil
}

// OrganismSocketPath returns the well-known endpoint path for a cell running
// in this config's organism scope (spec §2, §7: "<runtime_root>/<organism_id>/<cell_name>.sock").
func (c Config) OrganismSocketPath(cellName string) string {
	return c.SocketDir + "/" + c.Organism + "/" + cellName + ".sock"
}

// GlobalSocketPath returns the well-known endpoint path for a cell registered
// in the global scope ("<runtime_root>/global/<cell_name>.sock").
func (c Config) GlobalSocketPath(cellName string) string {
	return c.SocketDir + "/global/" + cellName + ".sock"
}

// UmbilicalSocketPath returns the well-known per-machine supervisor socket
// path ("<runtime_root>/mitosis.sock").
func (c Config) UmbilicalSocketPath() string {
	return c.SocketDir + "/mitosis.sock"
}
