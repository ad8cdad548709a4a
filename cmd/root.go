package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/ctxhub/cmd/admin"
	"github.com/ValentinKolb/ctxhub/cmd/serve"
	"github.com/ValentinKolb/ctxhub/cmd/timeline"
	"github.com/ValentinKolb/ctxhub/cmd/wal"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ctxhub",
		Short: "sharded document storage for shared context",
		Long: fmt.Sprintf(`ctxhub (v%s)

The storage core of a context hub: owner-sharded, write-ahead logged
documents with CRDT content, access control, cross-shard sharing,
point-in-time history and full text search.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ctxhub",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ctxhub v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(wal.WalCommands)
	RootCmd.AddCommand(timeline.TimelineCommands)
	RootCmd.AddCommand(admin.CheckpointCmd)
	RootCmd.AddCommand(admin.CompactCmd)
	RootCmd.AddCommand(admin.InfoCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
