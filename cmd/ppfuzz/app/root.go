package app

import (
	"github.com/spf13/cobra"
)

// NewPPFuzzCommand creates the root command for the ppfuzz scheduler.
func NewPPFuzzCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ppfuzz",
		Short: "A coverage-guided, generator-based fuzzing scheduler.",
		Long: `ppfuzz drives a mutated Source and a coverage-reporting Sink with a
campaign of parallel workers, steering the Source's patch-point mutations
toward Sink inputs that yield new edge coverage.`,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewDumpCommand())
	cmd.AddCommand(NewValidateConfigCommand())

	return cmd
}
