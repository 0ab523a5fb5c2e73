package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
)

func ServeCmd(load configLoader) *cobra.Command {
	var (
		port        int
		noDashboard bool
		attach      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard and ingest endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Dashboard.Port = port
			}
			if noDashboard {
				cfg.Dashboard.Enabled = false
			}

			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			engine, err := cfg.Engine(logger, cmd.OutOrStdout(), tripwire.WithAttachOnStart(attach))
			if err != nil {
				return err
			}
			engine.Start()
			defer engine.Stop()

			if cfg.Dashboard.Enabled {
				fmt.Fprintf(cmd.OutOrStdout(), "tripwire listening on :%d (POST /api/ingest, dashboard /, metrics /metrics)\n", cfg.Dashboard.Port)
			}
			logger.Info("Serving", zap.Int("detectors", len(engine.Detectors())))

			<-cmd.Context().Done()
			logger.Info("Shutting down")
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (overrides config)")
	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "do not listen for HTTP")
	cmd.Flags().BoolVar(&attach, "attach", true, "anchor detector windows at startup")
	return cmd
}
