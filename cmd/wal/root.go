package wal

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/ctxhub/cmd/util"
	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/config"
	"github.com/ValentinKolb/ctxhub/lib/logging"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/wal"
)

var (
	conf  *config.HubConfig
	blobs *blob.Store

	// WalCommands represents the WAL command group. The commands read the
	// segment files directly, the node must not be running.
	WalCommands = &cobra.Command{
		Use:                "wal",
		Short:              "Inspect the write-ahead logs of a stopped node",
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify [shard...]",
		Short: "Checks framing, checksums and sequence continuity of the WAL of every (or the given) shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := shardIDs(args)
			if err != nil {
				return err
			}
			failed := 0
			for _, id := range ids {
				rep := wal.Verify(logOptions(id))
				fmt.Print(rep.String())
				if !rep.OK() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d logs failed verification", failed, len(ids))
			}
			return nil
		},
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [shard]",
		Short: "Prints the records of a shard's WAL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("shard must be a number: %w", err)
			}
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")

			l, torn, err := wal.OpenReadOnly(logOptions(id))
			if err != nil {
				return err
			}
			if torn {
				fmt.Println("# the last segment has a torn tail")
			}
			if from < l.First() {
				from = l.First()
			}

			n := 0
			for rec, err := range l.ReadFrom(from) {
				if err != nil {
					return err
				}
				if limit > 0 && n == limit {
					break
				}
				n++
				op, err := shard.DecodeOp(rec.Payload)
				if err != nil {
					fmt.Printf("%8d  %s  %s  <undecodable: %v>\n", rec.Seq, formatTS(rec.TS), rec.Doc, err)
					continue
				}
				fmt.Printf("%8d  %s  %s  %-14s %s\n", rec.Seq, formatTS(rec.TS), rec.Doc, op.Kind, describe(op))
			}
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupStorageFlags(WalCommands)

	inspectCmd.Flags().Uint64("from", 0, util.WrapString("First sequence number to print"))
	inspectCmd.Flags().Int("limit", 0, util.WrapString("Maximum number of records to print (0 prints all)"))

	WalCommands.AddCommand(verifyCmd)
	WalCommands.AddCommand(inspectCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	if conf, err = util.GetHubConfig(); err != nil {
		return err
	}
	if err := logging.Init(viper.GetString("log-level")); err != nil {
		return err
	}
	// offloaded payloads are read from the blob store
	cfg := blob.DefaultConfig(conf.BlobDir())
	cfg.GCInterval = 0
	blobs, err = blob.Open(cfg)
	return err
}

func teardown(_ *cobra.Command, _ []string) error {
	if blobs == nil {
		return nil
	}
	return blobs.Close()
}

func logOptions(id uint64) wal.Options {
	return wal.Options{Dir: conf.ShardDir(id), Shard: id, Blobs: blobs}
}

func shardIDs(args []string) ([]uint64, error) {
	if len(args) == 0 {
		return conf.ShardIDs(), nil
	}
	ids := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("shard must be a number: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatTS(ts int64) string {
	return time.Unix(0, ts).UTC().Format(time.RFC3339Nano)
}

// describe summarizes the fields of op that matter for its kind.
func describe(op *shard.Op) string {
	actor := op.Actor.Principal
	switch {
	case op.Actor.System:
		actor = "system"
	case op.Actor.Agent != "":
		actor += "/" + op.Actor.Agent
	}
	switch op.Kind {
	case shard.OpCreate:
		return fmt.Sprintf("by=%s name=%q type=%s parent=%s ops=%d", actor, op.Name, op.Type, op.Parent, len(op.Ops))
	case shard.OpEdit:
		return fmt.Sprintf("by=%s ops=%d", actor, len(op.Ops))
	case shard.OpMove:
		return fmt.Sprintf("by=%s parent=%s", actor, op.Parent)
	case shard.OpRename:
		return fmt.Sprintf("by=%s name=%q", actor, op.Name)
	case shard.OpGrant:
		return fmt.Sprintf("by=%s principal=%s level=%s", actor, op.Principal, op.Level)
	case shard.OpRevoke:
		return fmt.Sprintf("by=%s principal=%s", actor, op.Principal)
	case shard.OpReplicaSync:
		return fmt.Sprintf("ops=%d", len(op.Ops))
	case shard.OpShareComplete:
		return fmt.Sprintf("target=%d synced=%d", op.Target, op.SyncedVersion)
	case shard.OpPurge:
		return fmt.Sprintf("purged=%d", len(op.Purge))
	default:
		return "by=" + actor
	}
}
