package timeline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ValentinKolb/ctxhub/cmd/util"
	"github.com/ValentinKolb/ctxhub/lib/hub"
	"github.com/ValentinKolb/ctxhub/lib/timeline"
)

var (
	h *hub.Hub

	// TimelineCommands represents the timeline command group
	TimelineCommands = &cobra.Command{
		Use:                "timeline",
		Short:              "Reconstruct past states and list changes of a stopped node",
		PersistentPreRunE:  open,
		PersistentPostRunE: closeHub,
	}

	stateCmd = &cobra.Command{
		Use:   "state [document|-]",
		Short: "Prints a document (or the whole shard of --principal with -) as it was at --at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := timeline.Scope{}
			if args[0] == "-" {
				scope.Subtree = true
			} else {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid document id: %w", err)
				}
				scope.Doc = id
				scope.Subtree, _ = cmd.Flags().GetBool("subtree")
			}

			at := time.Now()
			if s, _ := cmd.Flags().GetString("at"); s != "" {
				var err error
				if at, err = time.Parse(time.RFC3339Nano, s); err != nil {
					return fmt.Errorf("--at must be an RFC 3339 timestamp: %w", err)
				}
			}

			view, err := h.GetState(cmd.Context(), principal(cmd), scope, at.UnixNano())
			if err != nil {
				return err
			}
			return util.PrintJSON(view)
		},
	}

	changesCmd = &cobra.Command{
		Use:   "changes [shard]",
		Short: "Prints the changes of a shard visible to --principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("shard must be a number: %w", err)
			}
			since, _ := cmd.Flags().GetUint64("since")
			for ch, err := range h.GetChanges(cmd.Context(), principal(cmd), id, since) {
				if err != nil {
					return err
				}
				fmt.Printf("%8d  %s  %s  %-14s %q\n", ch.Seq, time.Unix(0, ch.TS).UTC().Format(time.RFC3339Nano), ch.Doc, ch.Kind, ch.Name)
			}
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupStorageFlags(TimelineCommands)

	TimelineCommands.PersistentFlags().String("principal", "", util.WrapString("Principal whose view is reconstructed"))
	TimelineCommands.PersistentFlags().String("agent", "", util.WrapString("Agent the principal acts through, its scope applies"))
	_ = TimelineCommands.MarkPersistentFlagRequired("principal")

	stateCmd.Flags().String("at", "", util.WrapString("Instant to reconstruct as RFC 3339 timestamp (default now)"))
	stateCmd.Flags().Bool("subtree", false, util.WrapString("Include every descendant of the document"))
	changesCmd.Flags().Uint64("since", 0, util.WrapString("Print changes after this sequence number"))

	TimelineCommands.AddCommand(stateCmd)
	TimelineCommands.AddCommand(changesCmd)
}

func principal(cmd *cobra.Command) hub.Principal {
	id, _ := cmd.Flags().GetString("principal")
	agent, _ := cmd.Flags().GetString("agent")
	return hub.Principal{ID: id, Agent: agent}
}

func open(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	h, err = util.OpenHub()
	return err
}

func closeHub(_ *cobra.Command, _ []string) error {
	if h == nil {
		return nil
	}
	return h.Close()
}
