package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newWavesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "waves",
		Short: "Print the execution waves without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return &ExitError{Code: ExitUsage, Err: err}
			}
			dag, err := cfg.BuildDAG()
			if err != nil {
				return &ExitError{Code: ExitUsage, Err: err}
			}
			if err := dag.Finalize(); err != nil {
				return &ExitError{Code: ExitUsage, Err: err}
			}
			waves, err := dag.Waves()
			if err != nil {
				return &ExitError{Code: ExitUsage, Err: err}
			}
			out := cmd.OutOrStdout()
			for i, wave := range waves {
				fmt.Fprintf(out, "wave %d: %s\n", i, strings.Join(wave, " "))
			}
			return nil
		},
	}
}
