package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppfuzz/scheduler/internal/campaign"
	"github.com/ppfuzz/scheduler/internal/config"
	"github.com/ppfuzz/scheduler/internal/queue"
	"github.com/ppfuzz/scheduler/internal/workdir"
)

// NewDumpCommand creates the "dump" subcommand: it summarizes the state a
// running (or finished) campaign left in its work directory.
func NewDumpCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Summarize a campaign's work directory.",
		Long: `Print a summary of the queue dump and introspection snapshot a campaign
wrote into its work directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			layout := workdir.New(cfg.WorkDirectory)

			sum, err := campaign.ReadIntrospection(layout.IntrospectionPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "no introspection snapshot: %v\n", err)
			} else {
				fmt.Printf("runtime:           %ds\n", sum.RuntimeSecs)
				fmt.Printf("workers:           %d (%d restarted)\n", sum.NumWorkers, sum.RestartedWorkers)
				fmt.Printf("total execs:       %d (%.2f/s)\n", sum.TotalExecs, sum.TotalExecsPerSec)
			}

			q, err := queue.Load(layout.QueueDumpPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "no queue dump: %v\n", err)
				return nil
			}
			fmt.Printf("queue entries:     %d\n", q.Len())
			for _, e := range q.IterSnapshot() {
				fmt.Printf("  entry %d: %d input bytes, generation %d, %d mutation bytes\n",
					e.ID(), len(e.Input()), e.Generation(), len(e.Mutations()))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the campaign configuration file")
	return cmd
}
