// Developer CLI for the spanwire trace stream.
// Drives synthetic workloads through the emission pipeline and decodes the
// resulting sink files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "spanwire",
		Short:        "Span trace stream toolkit",
		SilenceUsage: true,
	}

	root.AddCommand(benchCmd())
	root.AddCommand(decodeCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(versionCmd())

	return root
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <config.yaml>",
		Short: "Parse and validate an emission pipeline configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEmitConfig(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"Configuration valid: sink %s, buffer %d records\n",
				cfg.SinkPath, cfg.BufferSize)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spanwire %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
