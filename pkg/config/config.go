package config

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cellmesh/cellmesh/pkg/chain"
	"github.com/cellmesh/cellmesh/pkg/chainsync"
	"github.com/cellmesh/cellmesh/pkg/commitmanager"
	"github.com/cellmesh/cellmesh/pkg/entityindex"
	"github.com/cellmesh/cellmesh/pkg/log"
	"github.com/cellmesh/cellmesh/pkg/pendingsync"
	"github.com/cellmesh/cellmesh/pkg/security"
)

// NodeConfig is one member of a cell: its identity, its role, and the
// address other nodes reach it at.
type NodeConfig struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"`
	Address   string `yaml:"address"`
	ChainRole bool   `yaml:"chain_role"`
}

// CellLocation is a union: exactly one of Inline or External is set.
// Inline embeds the node list directly; External points at a file path
// the node reads once, at startup, to get the cell roster.
type CellLocation struct {
	Inline   []NodeConfig `yaml:"inline,omitempty"`
	External string       `yaml:"external,omitempty"`
}

// CellConfig is the cell-wide configuration: its member nodes plus the
// tunables that govern commit timing, synchronization, and garbage
// collection. Field names mirror spec.md's naming so operators can
// cross-reference the two directly.
type CellConfig struct {
	Nodes CellLocation `yaml:"nodes"`

	CommitMaximumInterval          Duration `yaml:"commit_maximum_interval"`
	CommitMaximumPendingStoreCount int      `yaml:"commit_maximum_pending_store_count"`
	BlockProposalTimeout           Duration `yaml:"block_proposal_timeout"`
	OperationsCleanupAfterBlockDepth uint64 `yaml:"operations_cleanup_after_block_depth"`

	OperationsIndexMaxMemoryItems int    `yaml:"operations_index_max_memory_items"`
	SegmentMaxSize                uint64 `yaml:"segment_max_size"`
	SegmentMaxOpenMmap            int    `yaml:"segment_max_open_mmap"`

	RangesMaxOperations         int    `yaml:"ranges_max_operations"`
	OperationsDepthAfterCleanup uint64 `yaml:"operations_depth_after_cleanup"`

	BlocksMaxSendSize        int      `yaml:"blocks_max_send_size"`
	ResponseFailureThreshold int      `yaml:"response_failure_threshold"`
	MinRequestInterval       Duration `yaml:"min_request_interval"`
	MeaningfulCommitLeeway   uint64   `yaml:"meaningful_commit_leeway"`

	ChainIndexMinDepth  uint64 `yaml:"chain_index_min_depth"`
	DiscontinuityLeeway uint64 `yaml:"discontinuity_leeway"`

	DeletedEntityCollection Duration `yaml:"deleted_entity_collection"`
	DeletedTraitCollection  Duration `yaml:"deleted_trait_collection"`
	TraitVersionsLeeway     int      `yaml:"trait_versions_leeway"`
	TraitVersionsMax        int      `yaml:"trait_versions_max"`
	MinOperationAge         Duration `yaml:"min_operation_age"`
}

// NodeIdentityConfig is the single node's own config file: its
// identity keypair, local data directory, and where to find the cell
// it belongs to.
type NodeIdentityConfig struct {
	NodeID      string       `yaml:"node_id"`
	PublicKey   string       `yaml:"public_key"`
	PrivateKey  string       `yaml:"private_key"`
	DataDir     string       `yaml:"data_dir"`
	ListenAddr  string       `yaml:"listen_addr"`
	HealthAddr  string       `yaml:"health_addr"`
	LogLevel    log.Level    `yaml:"log_level"`
	LogJSON     bool         `yaml:"log_json"`
	Cell        CellLocation `yaml:"cell"`
}

// Duration is a yaml-friendly wrapper so config files can write
// "30s"/"24h" instead of raw nanosecond integers.
type Duration struct {
	Value string
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return value.Decode(&d.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Value, nil
}

// Parse converts the wrapped string to a time.Duration. An empty
// Duration parses to zero rather than erroring, so unset config
// fields fall through to a component's own default.
func (d Duration) Parse() (time.Duration, error) {
	if d.Value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(d.Value)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", d.Value, err)
	}
	return parsed, nil
}

// LoadNodeConfig reads and decodes a node identity file from path.
func LoadNodeConfig(path string) (*NodeIdentityConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node config: %w", err)
	}
	var cfg NodeIdentityConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse node config: %w", err)
	}
	return &cfg, nil
}

// LoadCellConfig resolves loc (inline or external) to its node list
// and cell-wide tunables, reading from disk if loc.External is set.
func LoadCellConfig(loc CellLocation) (*CellConfig, error) {
	if loc.External == "" {
		return &CellConfig{Nodes: loc}, nil
	}
	raw, err := os.ReadFile(loc.External)
	if err != nil {
		return nil, fmt.Errorf("read external cell config %s: %w", loc.External, err)
	}
	var cfg CellConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse cell config %s: %w", loc.External, err)
	}
	return &cfg, nil
}

// WriteNodeConfig persists cfg as YAML at path, creating parent
// directories as needed.
func WriteNodeConfig(path string, cfg *NodeIdentityConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode node config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create node config directory: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// ChainStoreConfig adapts the cell-wide tunables to pkg/chain.Config.
func (c *CellConfig) ChainStoreConfig(dataDir string) chain.Config {
	cfg := chain.DefaultConfig(dataDir)
	if c.OperationsIndexMaxMemoryItems > 0 {
		cfg.OperationsIndexMaxMemoryItems = c.OperationsIndexMaxMemoryItems
	}
	if c.SegmentMaxSize > 0 {
		cfg.SegmentMaxSize = c.SegmentMaxSize
	}
	if c.SegmentMaxOpenMmap > 0 {
		cfg.SegmentMaxOpenMmap = c.SegmentMaxOpenMmap
	}
	return cfg
}

// EntityIndexConfig adapts the cell-wide tunables to
// pkg/entityindex.Config.
func (c *CellConfig) EntityIndexConfig() entityindex.Config {
	return entityindex.Config{
		ChainIndexMinDepth:  c.ChainIndexMinDepth,
		DiscontinuityLeeway: c.DiscontinuityLeeway,
	}
}

// GCConfig adapts the cell-wide tunables to pkg/entityindex.GCConfig.
func (c *CellConfig) GCConfig() (entityindex.GCConfig, error) {
	deletedEntity, err := c.DeletedEntityCollection.Parse()
	if err != nil {
		return entityindex.GCConfig{}, err
	}
	deletedTrait, err := c.DeletedTraitCollection.Parse()
	if err != nil {
		return entityindex.GCConfig{}, err
	}
	minAge, err := c.MinOperationAge.Parse()
	if err != nil {
		return entityindex.GCConfig{}, err
	}
	return entityindex.GCConfig{
		DeletedEntityCollection: deletedEntity,
		DeletedTraitCollection:  deletedTrait,
		TraitVersionsLeeway:     c.TraitVersionsLeeway,
		TraitVersionsMax:        c.TraitVersionsMax,
		MinOperationAge:         minAge,
	}, nil
}

// CommitManagerConfig adapts the cell-wide tunables to
// pkg/commitmanager.Config.
func (c *CellConfig) CommitManagerConfig() (commitmanager.Config, error) {
	commitInterval, err := c.CommitMaximumInterval.Parse()
	if err != nil {
		return commitmanager.Config{}, err
	}
	proposalTimeout, err := c.BlockProposalTimeout.Parse()
	if err != nil {
		return commitmanager.Config{}, err
	}
	return commitmanager.Config{
		CommitMaximumInterval:            commitInterval,
		CommitMaximumPendingStoreCount:   c.CommitMaximumPendingStoreCount,
		BlockProposalTimeout:             proposalTimeout,
		OperationsCleanupAfterBlockDepth: c.OperationsCleanupAfterBlockDepth,
	}, nil
}

// ChainSyncConfig adapts the cell-wide tunables to pkg/chainsync.Config.
func (c *CellConfig) ChainSyncConfig() (chainsync.Config, error) {
	minInterval, err := c.MinRequestInterval.Parse()
	if err != nil {
		return chainsync.Config{}, err
	}
	return chainsync.Config{
		BlocksMaxSendSize:        c.BlocksMaxSendSize,
		ResponseFailureThreshold: c.ResponseFailureThreshold,
		MinRequestInterval:       minInterval,
		MeaningfulCommitLeeway:   c.MeaningfulCommitLeeway,
	}, nil
}

// PendingSyncConfig adapts the cell-wide tunables to
// pkg/pendingsync.Config.
func (c *CellConfig) PendingSyncConfig() pendingsync.Config {
	return pendingsync.Config{
		RangesMaxOperations:         c.RangesMaxOperations,
		OperationsDepthAfterCleanup: c.OperationsDepthAfterCleanup,
	}
}

// cellVerifier resolves a node id to its configured public key, built
// once from a CellConfig's node list.
type cellVerifier map[string]ed25519.PublicKey

func (v cellVerifier) NodePublicKey(nodeID string) (ed25519.PublicKey, bool) {
	pk, ok := v[nodeID]
	return pk, ok
}

// Verifier builds a security.Verifier from every node's configured
// public key, failing if any node carries an unparsable one.
func (c *CellConfig) Verifier() (security.Verifier, error) {
	v := make(cellVerifier, len(c.Nodes.Inline))
	for _, n := range c.Nodes.Inline {
		pk, err := security.ParsePublicKey(n.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("node %s: parse public key: %w", n.ID, err)
		}
		v[n.ID] = pk
	}
	return v, nil
}

// ChainRoleNodeIDs returns the ids of nodes participating in chain
// consensus (proposing, voting, and counting toward quorum).
func (c *CellConfig) ChainRoleNodeIDs() []string {
	var ids []string
	for _, n := range c.Nodes.Inline {
		if n.ChainRole {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// NodeIDs returns every configured node's id, in file order.
func (c *CellConfig) NodeIDs() []string {
	ids := make([]string, 0, len(c.Nodes.Inline))
	for _, n := range c.Nodes.Inline {
		ids = append(ids, n.ID)
	}
	return ids
}
