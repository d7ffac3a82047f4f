package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppfuzz/scheduler/internal/config"
)

// NewValidateConfigCommand creates the "validate-config" subcommand.
func NewValidateConfigCommand() *cobra.Command {
	var printResolved bool

	cmd := &cobra.Command{
		Use:   "validate-config <config.yaml>",
		Short: "Validate a campaign configuration file.",
		Long: `Load a configuration file, applying the full schema check (unknown keys
are rejected), and report the result. With --print, the fully-resolved
configuration (defaults inlined, paths absolute) is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if printResolved {
				out, err := cfg.Marshal()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			}
			fmt.Printf("%s: OK\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&printResolved, "print", false, "print the fully-resolved configuration")
	return cmd
}
