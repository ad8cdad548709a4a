package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/ctxhub/cmd/util"
	"github.com/ValentinKolb/ctxhub/lib/hub"
)

var (
	h *hub.Hub

	// CheckpointCmd checkpoints every shard of a stopped node.
	CheckpointCmd = &cobra.Command{
		Use:                "checkpoint",
		Short:              "Writes a checkpoint of every shard",
		PersistentPreRunE:  open,
		PersistentPostRunE: closeHub,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := h.Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			for id, info := range infos {
				fmt.Printf("shard %d: checkpoint at seq %d (%d bytes)\n", id, info.Seq, info.Size)
			}
			return nil
		},
	}

	// CompactCmd purges deleted documents and truncates the WALs.
	CompactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Purges documents deleted longer ago than --older-than and drops history no checkpoint needs",
		Long: `Purges documents deleted longer ago than --older-than and drops the WAL segments
and checkpoints no longer needed. The history before the retained checkpoint is
lost: the timeline cannot reconstruct states before it afterwards.`,
		PersistentPreRunE:  open,
		PersistentPostRunE: closeHub,
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			reports, err := h.Compact(cmd.Context(), time.Now().Add(-olderThan).UnixNano())
			if err != nil {
				return err
			}
			for id, rep := range reports {
				fmt.Printf("shard %d: purged %d documents, removed %d segments, %d blobs and %d checkpoints, history retained from seq %d\n",
					id, len(rep.Purged), rep.SegmentsRemoved, rep.BlobsRemoved, rep.CheckpointsRemoved, rep.RetainedFrom)
			}
			return nil
		},
	}

	// InfoCmd prints the statistics of every shard.
	InfoCmd = &cobra.Command{
		Use:                "info",
		Short:              "Prints shard and index statistics as JSON",
		PersistentPreRunE:  open,
		PersistentPostRunE: closeHub,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := h.Flush(ctx); err != nil {
				return err
			}
			info, err := h.Info(ctx)
			if err != nil {
				return err
			}
			return util.PrintJSON(info)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	for _, cmd := range []*cobra.Command{CheckpointCmd, CompactCmd, InfoCmd} {
		util.SetupStorageFlags(cmd)
	}
	CompactCmd.Flags().Duration("older-than", 30*24*time.Hour, util.WrapString("Only documents deleted at least this long ago are purged"))
}

func open(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	h, err = util.OpenHub()
	if err != nil {
		return err
	}
	// info needs the index, the other commands only the shards
	h.Start(cmd.Context())
	return nil
}

func closeHub(_ *cobra.Command, _ []string) error {
	if h == nil {
		return nil
	}
	return h.Close()
}
