// Package config loads the YAML configuration of a versiondb node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/versiondb/config/certs"
	"github.com/sushant-115/versiondb/core/algebra"
	"github.com/sushant-115/versiondb/core/chunkstore"
	"github.com/sushant-115/versiondb/core/convergence"
	"github.com/sushant-115/versiondb/core/schema"
	"github.com/sushant-115/versiondb/pkg/logger"
	"github.com/sushant-115/versiondb/pkg/telemetry"
)

const (
	CatalogBolt   = "bolt"
	CatalogMemory = "memory"

	ChunksBadger = "badger"
	ChunksRedis  = "redis"
	ChunksMemory = "memory"

	DefaultListenAddr = ":7400"
)

// Config is the full configuration of one node.
type Config struct {
	NodeID     string `yaml:"node_id"`
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	Peers      []Peer `yaml:"peers"`

	WAL          WALConfig                  `yaml:"wal"`
	Catalog      CatalogConfig              `yaml:"catalog"`
	Chunks       ChunksConfig               `yaml:"chunks"`
	Transactions TransactionConfig          `yaml:"transactions"`
	Gossip       convergence.GossiperConfig `yaml:"gossip"`
	TLS          TLSConfig                  `yaml:"tls"`
	Logger       logger.Config              `yaml:"logger"`
	Telemetry    telemetry.Config           `yaml:"telemetry"`
	Schema       []TableConfig              `yaml:"schema"`
}

type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

type WALConfig struct {
	Dir                string        `yaml:"dir"`
	SegmentSizeBytes   int64         `yaml:"segment_size_bytes"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

type CatalogConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type ChunksConfig struct {
	Backend string                 `yaml:"backend"`
	Dir     string                 `yaml:"dir"`
	Redis   chunkstore.RedisConfig `yaml:"redis"`
}

type TransactionConfig struct {
	LedgerPruneEvery int `yaml:"ledger_prune_every"`
	ArchiveSize      int `yaml:"archive_size"`
}

type TLSConfig struct {
	certs.Files `yaml:",inline"`
	// ServerName is checked against peer certificates; empty uses the peer address host.
	ServerName string `yaml:"server_name"`
}

// TableConfig declares a table's column operators and optional owner node.
type TableConfig struct {
	Name    string                    `yaml:"name"`
	Owner   string                    `yaml:"owner"`
	Columns map[string]algebra.OpType `yaml:"columns"`
}

// Load reads, defaults and validates the config at path. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	return ParseWithOverride(data, nil)
}

// ParseWithOverride runs override on the decoded config before defaults
// and validation, so command-line flags take part in both.
func ParseWithOverride(data []byte, override func(*Config)) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if override != nil {
		override(&cfg)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills zero fields. Paths default to locations under DataDir.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join("data", c.NodeID)
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = filepath.Join(c.DataDir, "wal")
	}
	if c.WAL.CheckpointInterval <= 0 {
		c.WAL.CheckpointInterval = time.Minute
	}
	if c.Catalog.Backend == "" {
		c.Catalog.Backend = CatalogBolt
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Chunks.Backend == "" {
		c.Chunks.Backend = ChunksBadger
	}
	if c.Chunks.Dir == "" {
		c.Chunks.Dir = filepath.Join(c.DataDir, "chunks")
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "versiondb"
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs error
	if c.NodeID == "" {
		errs = multierr.Append(errs, errors.New("node_id is required"))
	}
	seen := make(map[string]bool)
	for _, p := range c.Peers {
		switch {
		case p.ID == "" || p.Addr == "":
			errs = multierr.Append(errs, fmt.Errorf("peer %q needs both id and addr", p.ID))
		case p.ID == c.NodeID:
			errs = multierr.Append(errs, fmt.Errorf("peer %q is this node", p.ID))
		case seen[p.ID]:
			errs = multierr.Append(errs, fmt.Errorf("peer %q listed twice", p.ID))
		}
		seen[p.ID] = true
	}
	switch c.Catalog.Backend {
	case CatalogBolt, CatalogMemory:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend))
	}
	switch c.Chunks.Backend {
	case ChunksBadger, ChunksMemory:
	case ChunksRedis:
		if c.Chunks.Redis.Addr == "" {
			errs = multierr.Append(errs, errors.New("chunks.redis.addr is required for the redis backend"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown chunks backend %q", c.Chunks.Backend))
	}
	if c.TLS.Enabled() && (c.TLS.CAFile == "" || c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = multierr.Append(errs, errors.New("tls needs ca_file, cert_file and key_file together"))
	}
	tables := make(map[string]bool)
	for _, t := range c.Schema {
		if t.Name == "" {
			errs = multierr.Append(errs, errors.New("schema table without a name"))
			continue
		}
		if tables[t.Name] {
			errs = multierr.Append(errs, fmt.Errorf("schema table %q declared twice", t.Name))
		}
		tables[t.Name] = true
	}
	return errs
}

// ApplySchema registers the configured tables. Owners are assigned after
// columns, so an owner-only entry still marks the table.
func (c *Config) ApplySchema(reg *schema.Registry) error {
	for _, t := range c.Schema {
		if err := reg.RegisterTable(t.Name, t.Columns); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		if t.Owner != "" {
			if err := reg.AssignOwner(t.Name, t.Owner); err != nil {
				return fmt.Errorf("table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// PeerIDs returns the configured peer ids, sorted.
func (c *Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}
