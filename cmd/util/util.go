package util

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/ctxhub/lib/config"
	"github.com/ValentinKolb/ctxhub/lib/hub"
	"github.com/ValentinKolb/ctxhub/lib/logging"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables with the
// CTXHUB_ prefix (e.g. CTXHUB_DATA_DIR=/var/lib/ctxhub).
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("ctxhub")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// SetupStorageFlags adds the flags every command opening the data
// directory needs.
func SetupStorageFlags(cmd *cobra.Command) {
	def := config.Default()

	key := "data-dir"
	cmd.PersistentFlags().String(key, def.DataDir, WrapString("Directory holding the WAL segments, the blob store, the directory database and the raft logs"))

	key = "shards"
	cmd.PersistentFlags().String(key, "1=local,2=local", WrapString("Comma-separated list of shards. Format: ID=MODE where MODE is local (a WAL on this node) or raft (a raft group across the cluster members)"))

	key = "sync-writes"
	cmd.PersistentFlags().Bool(key, true, WrapString("Fsync the WAL after every commit"))

	key = "segment-size"
	cmd.PersistentFlags().Int64(key, def.SegmentSize, WrapString("Size in bytes at which a new WAL segment is started"))

	key = "blob-threshold"
	cmd.PersistentFlags().Int(key, def.BlobThreshold, WrapString("Payloads larger than this many bytes are stored in the blob store instead of the WAL"))

	key = "scope-file"
	cmd.PersistentFlags().String(key, "", WrapString("YAML file with the agent scopes, reloaded when it changes"))

	key = "log-level"
	cmd.PersistentFlags().String(key, def.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "replica-id"
	cmd.PersistentFlags().String(key, "", WrapString("(raft shards) ReplicaID is the unique name of this node (e.g. 'node-1')"))

	key = "cluster-members"
	cmd.PersistentFlags().String(key, "", WrapString("(raft shards) Comma-separated list of node addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.PersistentFlags())
}

// GetHubConfig reads the configuration from viper. Keys that are not bound
// keep their defaults.
func GetHubConfig() (*config.HubConfig, error) {
	conf := config.Default()

	shards, err := config.ParseShards(viper.GetString("shards"))
	if err != nil {
		return nil, err
	}
	conf.Shards = shards
	conf.DataDir = viper.GetString("data-dir")
	conf.SyncWrites = viper.GetBool("sync-writes")
	if viper.IsSet("segment-size") {
		conf.SegmentSize = viper.GetInt64("segment-size")
	}
	if viper.IsSet("blob-threshold") {
		conf.BlobThreshold = viper.GetInt("blob-threshold")
	}
	conf.ScopeFile = viper.GetString("scope-file")
	if level := viper.GetString("log-level"); level != "" {
		conf.LogLevel = level
	}

	// only used by serve
	if viper.IsSet("checkpoint-every") {
		conf.CheckpointEvery = viper.GetUint64("checkpoint-every")
	}
	if viper.IsSet("checkpoint-interval") {
		conf.CheckpointInterval = viper.GetDuration("checkpoint-interval")
	}
	if viper.IsSet("subscriber-buffer") {
		conf.SubscriberBuffer = viper.GetInt("subscriber-buffer")
	}
	if viper.IsSet("replication-queue") {
		conf.ReplicationQueue = viper.GetInt("replication-queue")
	}
	if viper.IsSet("sweep-interval") {
		conf.SweepInterval = viper.GetDuration("sweep-interval")
	}
	if viper.IsSet("index-max-tries") {
		conf.IndexMaxTries = viper.GetUint("index-max-tries")
	}
	if viper.IsSet("rtt-millisecond") {
		conf.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	}
	if viper.IsSet("snapshot-entries") {
		conf.SnapshotEntries = viper.GetUint64("snapshot-entries")
	}
	if viper.IsSet("compaction-overhead") {
		conf.CompactionOverhead = viper.GetUint64("compaction-overhead")
	}
	if viper.IsSet("timeout") {
		conf.TimeoutSecond = viper.GetInt64("timeout")
	}
	conf.MetricsEndpoint = viper.GetString("metrics-endpoint")

	if id := viper.GetString("replica-id"); id != "" {
		conf.ReplicaID = config.ReplicaID(id)
	}
	if members := viper.GetString("cluster-members"); members != "" {
		if conf.ClusterMembers, err = config.ParseMembers(members); err != nil {
			return nil, err
		}
	}

	return conf, conf.Validate()
}

// OpenHub opens the hub of the configured data directory without starting
// its background work. Used by the maintenance commands, the node must not
// be running.
func OpenHub() (*hub.Hub, error) {
	conf, err := GetHubConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(conf.LogLevel); err != nil {
		return nil, err
	}
	return hub.Open(conf)
}

// PrintJSON writes v as indented JSON to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
