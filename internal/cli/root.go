package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chosenoffset/tripwire/pkg/tripwire/config"
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRoot().ExecuteContext(ctx)
}

func NewRoot() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "tripwire",
		Short:        "Windowed threshold alerts over event streams",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")

	load := func() (*config.Config, error) {
		if configPath == "" {
			return config.Default(), nil
		}
		return config.Load(configPath)
	}

	root.AddCommand(ServeCmd(load))
	root.AddCommand(ReplayCmd(load))
	root.AddCommand(ValidateCmd(load))
	root.SetOut(os.Stdout)
	return root
}

// configLoader resolves the --config flag at run time.
type configLoader func() (*config.Config, error)
