package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	dbconfig "github.com/lni/dragonboat/v4/config"

	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/util"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig returns the raft configuration of a replicated shard
func (c *HubConfig) ToDragonboatConfig(shardID uint64) dbconfig.Config {
	return dbconfig.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *HubConfig) ToNodeHostConfig() dbconfig.NodeHostConfig {
	return dbconfig.NodeHostConfig{
		WALDir:         c.RaftDir(),
		NodeHostDir:    c.RaftDir(),
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Hub configuration struct
// --------------------------------------------------------------------------

type ShardMode string

const (
	ShardModeLocal      ShardMode = "local" // a WAL on this node only
	ShardModeReplicated ShardMode = "raft"  // a raft group across the cluster members
)

type ShardConfig struct {
	// ID is the shard id, owners are hashed over the configured ids
	ID uint64
	// Mode decides how the shard is run
	Mode ShardMode
}

// HubConfig holds all configuration parameters of a hub node.
type HubConfig struct {
	Shards []ShardConfig

	// Storage
	DataDir       string
	SyncWrites    bool
	SegmentSize   int64
	BlobThreshold int

	// Background work
	CheckpointEvery    uint64
	CheckpointInterval time.Duration
	SubscriberBuffer   int
	ReplicationQueue   int
	SweepInterval      time.Duration
	IndexMaxTries      uint

	// Agent scopes, reloaded on change
	ScopeFile string

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string
	TimeoutSecond      int64

	// Prometheus endpoint, empty disables it
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// Default returns the configuration of a single node with two local shards.
func Default() *HubConfig {
	return &HubConfig{
		Shards:             []ShardConfig{{ID: 1, Mode: ShardModeLocal}, {ID: 2, Mode: ShardModeLocal}},
		DataDir:            "data",
		SegmentSize:        64 << 20,
		BlobThreshold:      64 << 10,
		CheckpointEvery:    10_000,
		CheckpointInterval: 5 * time.Minute,
		SubscriberBuffer:   256,
		ReplicationQueue:   1024,
		SweepInterval:      30 * time.Second,
		IndexMaxTries:      5,
		RTTMillisecond:     100,
		SnapshotEntries:    1000,
		CompactionOverhead: 500,
		TimeoutSecond:      5,
		LogLevel:           "info",
	}
}

// ShardIDs returns the configured shard ids in ascending order.
func (c *HubConfig) ShardIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Shards))
	for _, s := range c.Shards {
		ids = append(ids, s.ID)
	}
	slices.Sort(ids)
	return ids
}

// HasReplicatedShard checks if the configuration contains any replicated shards
func (c *HubConfig) HasReplicatedShard() bool {
	for _, s := range c.Shards {
		if s.Mode == ShardModeReplicated {
			return true
		}
	}
	return false
}

// ShardDir is the WAL directory of a shard.
func (c *HubConfig) ShardDir(id uint64) string {
	return filepath.Join(c.DataDir, "shards", strconv.FormatUint(id, 10), "wal")
}

// BlobDir holds the badger store with blobs and checkpoints.
func (c *HubConfig) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// DirectoryPath is the SQLite database of the shard router.
func (c *HubConfig) DirectoryPath() string { return filepath.Join(c.DataDir, "directory.db") }

// RaftDir holds the dragonboat log and snapshots.
func (c *HubConfig) RaftDir() string { return filepath.Join(c.DataDir, "raft") }

// Validate checks the configuration for contradictions.
func (c *HubConfig) Validate() error {
	if len(c.Shards) == 0 {
		return errs.New(errs.CodeInvalidOperation, "no shards configured")
	}
	seen := make(map[uint64]bool, len(c.Shards))
	for _, s := range c.Shards {
		if s.ID == 0 {
			return errs.New(errs.CodeInvalidOperation, "shard id 0 is reserved")
		}
		if seen[s.ID] {
			return errs.Newf(errs.CodeInvalidOperation, "shard %d configured twice", s.ID)
		}
		seen[s.ID] = true
	}
	if c.DataDir == "" {
		return errs.New(errs.CodeInvalidOperation, "data directory is required")
	}
	if !c.HasReplicatedShard() {
		return nil
	}
	// only cluster mode needs an identity
	if c.ReplicaID == 0 {
		return errs.New(errs.CodeInvalidOperation, "replica id is required for replicated shards")
	}
	if len(c.ClusterMembers) == 0 {
		return errs.New(errs.CodeInvalidOperation, "cluster members are required for replicated shards")
	}
	if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
		return errs.Newf(errs.CodeInvalidOperation, "no address found for replica ID %d in cluster members", c.ReplicaID)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *HubConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Sync Writes", strconv.FormatBool(c.SyncWrites))
	addField("Segment Size", fmt.Sprintf("%d bytes", c.SegmentSize))
	addField("Blob Threshold", fmt.Sprintf("%d bytes", c.BlobThreshold))

	addSection("Background Work")
	addField("Checkpoint Every", fmt.Sprintf("%d commits", c.CheckpointEvery))
	addField("Checkpoint Interval", c.CheckpointInterval.String())
	addField("Replication Queue", strconv.Itoa(c.ReplicationQueue))
	addField("Sweep Interval", c.SweepInterval.String())
	addField("Index Max Tries", strconv.FormatUint(uint64(c.IndexMaxTries), 10))

	addSection("Agent Scopes")
	if c.ScopeFile == "" {
		addField("Scope File", "(none)")
	} else {
		addField("Scope File", c.ScopeFile)
	}

	addSection("Observability")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint == "" {
		addField("Metrics Endpoint", "(disabled)")
	} else {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	addSection("Shards")
	for _, s := range c.Shards {
		addField(strconv.FormatUint(s.ID, 10), string(s.Mode))
	}

	if c.HasReplicatedShard() {
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))

		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
		addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

		addSection("Cluster")
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Parsing helpers (flags and environment)
// --------------------------------------------------------------------------

// ParseShards parses a comma separated list of ID=MODE pairs, e.g.
// "1=local,2=local,3=raft".
func ParseShards(s string) ([]ShardConfig, error) {
	var out []ShardConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, mode, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errs.Newf(errs.CodeInvalidOperation, "invalid shard format: %s (expected ID=MODE)", part)
		}
		shardID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidOperation, err, "invalid shard id "+id)
		}
		switch m := ShardMode(strings.TrimSpace(mode)); m {
		case ShardModeLocal, ShardModeReplicated:
			out = append(out, ShardConfig{ID: shardID, Mode: m})
		default:
			return nil, errs.Newf(errs.CodeInvalidOperation, "invalid shard mode: %s (expected local or raft)", mode)
		}
	}
	return out, nil
}

// ReplicaID turns a node name into the numeric replica id dragonboat uses.
func ReplicaID(name string) uint64 {
	return util.HashString(name, 0)
}

// ParseMembers parses a comma separated list of NAME=ADDRESS pairs, e.g.
// "node-1=localhost:63001,node-2=localhost:63002". Names are hashed with
// ReplicaID.
func ParseMembers(s string) (map[uint64]string, error) {
	out := make(map[uint64]string)
	for _, member := range strings.Split(s, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		name, addr, ok := strings.Cut(member, "=")
		if !ok || name == "" || addr == "" {
			return nil, errs.Newf(errs.CodeInvalidOperation, "invalid cluster member format: %s (expected NAME=ADDRESS)", member)
		}
		out[ReplicaID(name)] = addr
	}
	return out, nil
}
