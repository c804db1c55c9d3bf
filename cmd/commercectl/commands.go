package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/app"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/services"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func operator() services.Origin {
	return services.OperatorOrigin("", "commercectl")
}

func newReconcileCmd(with runner) *cobra.Command {
	var sweep string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run reconciler sweeps once",
		Long: `Run one or all reconciler sweeps immediately and print how many rows
each one changed. Sweeps: ` + strings.Join(services.Sweeps, ", ") + `.`,
		RunE: with(func(cmd *cobra.Command, c *app.Container, _ []string) error {
			counts, err := c.Reconciler.RunManual(cmd.Context(), sweep, operator())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		}),
	}
	cmd.Flags().StringVar(&sweep, "sweep", "all", "sweep to run, or all")
	return cmd
}

func newEventsCmd(with runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and redrive provider webhook events",
	}

	var limit int
	listDead := &cobra.Command{
		Use:   "list-dead",
		Short: "List dead-lettered events",
		RunE: with(func(cmd *cobra.Command, c *app.Container, _ []string) error {
			dead, err := c.Webhooks.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range dead {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					e.EventID, e.EventType, e.ReceivedAt.UTC().Format(time.RFC3339), e.Error)
			}
			return nil
		}),
	}
	listDead.Flags().IntVar(&limit, "limit", 50, "maximum events to list")

	redrive := &cobra.Command{
		Use:   "redrive <event-id>",
		Short: "Re-apply a dead-lettered event",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, c *app.Container, args []string) error {
			outcome, err := c.Webhooks.Redrive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
			return nil
		}),
	}

	cmd.AddCommand(listDead, redrive)
	return cmd
}

func newAuditCmd(with runner) *cobra.Command {
	var (
		userID, action, from, to string
		limit                    int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the commerce audit trail",
		Long: `Print audit entries newest first. --from and --to take RFC 3339 times.

Examples:
  commercectl audit --user 7f0c... --limit 20
  commercectl audit --action subscription.cancel_requested --from 2026-01-01T00:00:00Z`,
		RunE: with(func(cmd *cobra.Command, c *app.Container, _ []string) error {
			q := services.AuditQuery{Action: action, Limit: limit}
			if userID != "" {
				id, err := uuid.Parse(userID)
				if err != nil {
					return fmt.Errorf("--user: %w", err)
				}
				q.UserID = &id
			}
			var err error
			if q.From, err = parseTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if q.To, err = parseTime(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			entries, err := c.Audit.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}),
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&action, "action", "", "action name")
	cmd.Flags().StringVar(&from, "from", "", "earliest time (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "latest time (exclusive)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with the plan and program catalog",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a catalog file without starting the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := catalog.ParseFile(file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d plans, %d programs\n", file, len(f.Plans), len(f.Programs))
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "configs/catalog.yaml", "catalog path")

	cmd.AddCommand(validate)
	return cmd
}
