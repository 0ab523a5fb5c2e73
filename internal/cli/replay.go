package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
	"github.com/chosenoffset/tripwire/pkg/tripwire/ingest"
)

// ReplayCmd feeds a recorded NDJSON or JSON array event file through the
// configured detectors and prints every alert.
func ReplayCmd(load configLoader) *cobra.Command {
	var (
		input   string
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded events through the detectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Detectors) == 0 {
				return errors.New("no detectors configured")
			}

			var in io.Reader = cmd.InOrStdin()
			if input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			logger := zap.NewNop()
			if verbose {
				if logger, err = cfg.NewLogger(); err != nil {
					return err
				}
				defer func() { _ = logger.Sync() }()
			}

			engine, err := cfg.Engine(logger, nil, tripwire.WithoutDashboard())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			dec := ingest.NewDecoder(in, nil)
			var events, rejected, alerts int
			for {
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				ev, err := dec.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				var recErr *ingest.RecordError
				if errors.As(err, &recErr) {
					rejected++
					fmt.Fprintf(cmd.ErrOrStderr(), "skipping %v\n", recErr)
					continue
				}
				if err != nil {
					return fmt.Errorf("read events: %w", err)
				}

				events++
				for _, alert := range engine.Ingest(ev) {
					alerts++
					if asJSON {
						if err := enc.Encode(alert); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(out, "%s ALERT [%s]: %s (count %d, window %ds)\n",
						alert.EventTime.UTC().Format(time.RFC3339), alert.Detector, alert.Message,
						alert.Count, alert.WindowSeconds)
				}
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "replayed %d events (%d rejected), %d alerts\n", events, rejected, alerts)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "event file, - for stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print alerts as JSON lines")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log with the configured logger")
	return cmd
}
