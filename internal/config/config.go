// Package config loads Kimberlite's cluster/process configuration
// from a TOML file (§9 "Configuration"). cmd/kimberlite's CLI flags
// name the file and set up logging; none of them overrides a Config
// field.
package config

import (
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
)

// Peer is one member of the VSR cluster as named in the config file.
type Peer struct {
	ID      uint32 `toml:"id"`
	Address string `toml:"address"`
}

// Config is Kimberlite's full process configuration: everything a
// replica needs to start (own identity, data directory, the cluster
// it belongs to) plus the tunables §4 calls out by name.
type Config struct {
	// ReplicaID is this process's position in Peers; it determines
	// which cluster view makes it the leader (§4.G leaderFor).
	ReplicaID uint32 `toml:"replica_id"`
	DataDir   string `toml:"data_dir"`
	Peers     []Peer `toml:"peers"`

	// MaxSegmentSize bounds a single storage segment file (§4.A),
	// written in config as a human size ("256MB") and parsed through
	// datasize so operators never hand-compute bytes.
	MaxSegmentSize datasize.ByteSize `toml:"max_segment_size"`

	// SessionCacheCapacity bounds the client session cache (§4.I).
	SessionCacheCapacity int `toml:"session_cache_capacity"`

	// ProjectionCacheCapacity sizes the projection store's read cache
	// (§4.C). It is parsed as a byte size like MaxSegmentSize;
	// kimberlite.Open passes that byte count to projection.Open, which
	// uses it as the cache's maximum number of entries.
	ProjectionCacheCapacity datasize.ByteSize `toml:"projection_cache_capacity"`

	// ClockOffsetToleranceMs/ClockSyncWindowMinMs are parsed from the
	// file, but no other package reads them: internal/clock uses its
	// own constants (§4.H).
	ClockOffsetToleranceMs int64 `toml:"clock_offset_tolerance_ms"`
	ClockSyncWindowMinMs   int64 `toml:"clock_sync_window_min_ms"`

	// LogFilePath is parsed from the file but not read anywhere;
	// cmd/kimberlite takes the log file path from its --log-file flag.
	LogFilePath string `toml:"log_file_path"`
}

// Default returns a Config with every tunable at the value named in
// spec.md, before a TOML file or CLI flags are applied.
func Default() Config {
	return Config{
		DataDir:                 "./kimberlite-data",
		MaxSegmentSize:          256 * datasize.MB,
		SessionCacheCapacity:    10_000,
		ProjectionCacheCapacity: 64 * datasize.MB,
		ClockOffsetToleranceMs:  500,
		ClockSyncWindowMinMs:    3_000,
	}
}

// Load reads and parses a TOML config file at path, starting from
// Default() so any field the file omits keeps its spec default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read file")
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse toml")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first structural problem found in cfg, e.g. a
// replica_id that doesn't name one of its own peers.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir must not be empty")
	}
	if len(c.Peers) == 0 {
		return errors.New("config: peers must name at least one cluster member")
	}
	found := false
	for _, p := range c.Peers {
		if p.ID == c.ReplicaID {
			found = true
		}
	}
	if !found {
		return errors.Errorf("config: replica_id %d does not match any entry in peers", c.ReplicaID)
	}
	if c.MaxSegmentSize == 0 {
		return errors.New("config: max_segment_size must be greater than zero")
	}
	return nil
}

// PeerIDs returns every configured peer's ReplicaId, this replica's
// own included, in the order listed: vsr.NewReplica takes the cluster
// size and the view-to-leader mapping from this full list.
func (c Config) PeerIDs() []ids.ReplicaId {
	out := make([]ids.ReplicaId, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, ids.ReplicaId(p.ID))
	}
	return out
}

// Self returns this process's own ReplicaId.
func (c Config) Self() ids.ReplicaId {
	return ids.ReplicaId(c.ReplicaID)
}
