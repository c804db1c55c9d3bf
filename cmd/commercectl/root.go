package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/app"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/database"
	"github.com/spf13/cobra"
)

// containerFactory builds the service container for commands that touch the
// database. Tests swap it for one backed by SQLite.
type containerFactory func(cfg *config.Config) (*app.Container, func(), error)

func openContainer(cfg *config.Config) (*app.Container, func(), error) {
	if err := database.Connect(cfg); err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(database.DB); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	c, err := app.New(cfg, database.DB, app.Options{})
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return c, func() {
		_ = c.Close()
		_ = database.Close()
	}, nil
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(openContainer)
}

func buildRootCmd(open containerFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "commercectl",
		Short:         "Operate the fitcore commerce engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var withContainer runner = func(run func(cmd *cobra.Command, c *app.Container, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := open(config.Load())
			if err != nil {
				return err
			}
			defer closeFn()
			return run(cmd, c, args)
		}
	}

	root.AddCommand(
		newReconcileCmd(withContainer),
		newEventsCmd(withContainer),
		newAuditCmd(withContainer),
		newCatalogCmd(),
	)
	return root
}

type runner func(run func(cmd *cobra.Command, c *app.Container, args []string) error) func(*cobra.Command, []string) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
