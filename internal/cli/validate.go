package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chosenoffset/tripwire/pkg/tripwire/config"
)

func ValidateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and list its detectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				for _, e := range config.Problems(err) {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", e)
				}
				return errors.New("invalid config")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config OK: %d detectors\n", len(cfg.Detectors))
			for _, d := range cfg.Detectors {
				resolved := d.Detector()
				mode := "reset"
				if !resolved.ResetOnThreshold {
					mode = "continuous"
				}
				fmt.Fprintf(out, "  %s: %d in %ds (%s)\n", resolved.Name, resolved.Threshold, resolved.WindowSeconds, mode)
			}
			return nil
		},
	}
}
