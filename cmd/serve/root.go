package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"

	cmdUtil "github.com/ValentinKolb/ctxhub/cmd/util"
	"github.com/ValentinKolb/ctxhub/lib/config"
	"github.com/ValentinKolb/ctxhub/lib/hub"
	"github.com/ValentinKolb/ctxhub/lib/logging"
)

var (
	log = logger.GetLogger("cmd")

	serveCmdConfig *config.HubConfig
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Run a hub node",
		Long:    `Run a hub node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is CTXHUB_<flag> (e.g. CTXHUB_DATA_DIR=/var/lib/ctxhub)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupStorageFlags(ServeCmd)
	def := config.Default()

	key := "checkpoint-every"
	ServeCmd.Flags().Uint64(key, def.CheckpointEvery, cmdUtil.WrapString("Write a checkpoint of a shard after this many commits (0 disables)"))

	key = "checkpoint-interval"
	ServeCmd.Flags().Duration(key, def.CheckpointInterval, cmdUtil.WrapString("Checkpoint every shard periodically (0 disables)"))

	key = "subscriber-buffer"
	ServeCmd.Flags().Int(key, def.SubscriberBuffer, cmdUtil.WrapString("Buffered changes per subscriber. Subscribers that fall further behind are dropped"))

	key = "replication-queue"
	ServeCmd.Flags().Int(key, def.ReplicationQueue, cmdUtil.WrapString("Size of the replication queue for shared documents. Jobs that do not fit are picked up by the next sweep"))

	key = "sweep-interval"
	ServeCmd.Flags().Duration(key, def.SweepInterval, cmdUtil.WrapString("Interval of the sweep for lagging secondary copies"))

	key = "index-max-tries"
	ServeCmd.Flags().Uint(key, def.IndexMaxTries, cmdUtil.WrapString("Attempts to fetch a document for the search index before the update is dropped"))

	key = "rtt-millisecond"
	ServeCmd.Flags().Uint64(key, def.RTTMillisecond, cmdUtil.WrapString("(raft shards) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances"))

	key = "snapshot-entries"
	ServeCmd.Flags().Uint64(key, def.SnapshotEntries, cmdUtil.WrapString("(raft shards) SnapshotEntries defines how often the state machine should be snapshotted automatically, in applied raft log entries"))

	key = "compaction-overhead"
	ServeCmd.Flags().Uint64(key, def.CompactionOverhead, cmdUtil.WrapString("(raft shards) CompactionOverhead defines the number of raft log entries kept after a snapshot"))

	key = "timeout"
	ServeCmd.Flags().Int64(key, def.TimeoutSecond, cmdUtil.WrapString("(raft shards) Timeout in seconds of a proposal"))

	key = "metrics-endpoint"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Address on which Prometheus metrics are served at /metrics (e.g. 0.0.0.0:9090). Empty disables the endpoint"))
}

// processConfig reads the configuration from the command line flags and
// environment variables.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	conf, err := cmdUtil.GetHubConfig()
	if err != nil {
		return err
	}
	serveCmdConfig = conf
	return nil
}

// run starts the hub and blocks until SIGINT or SIGTERM.
func run(_ *cobra.Command, _ []string) error {
	if err := logging.Init(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	fmt.Print(serveCmdConfig.String())

	h, err := hub.Open(serveCmdConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	h.Start(ctx)

	var srv *http.Server
	if serveCmdConfig.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		srv = &http.Server{Addr: serveCmdConfig.MetricsEndpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics endpoint: %v", err)
			}
		}()
		log.Infof("serving metrics on http://%s/metrics", serveCmdConfig.MetricsEndpoint)
	}

	log.Infof("hub is running")
	<-ctx.Done()
	log.Infof("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return h.Close()
}
