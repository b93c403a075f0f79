package cmd

import (
	"context"
	"fmt"

	"github.com/pilab-dev/civic-session/alert"
	"github.com/pilab-dev/civic-session/domain"
	"github.com/spf13/cobra"
)

var alertCmd = &cobra.Command{
	Use:     "alert",
	Short:   "Handle security alerts",
	Aliases: []string{"alerts"},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List security alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		severity, _ := cmd.Flags().GetString("severity")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		alerts, err := client.Alerts().ListAlerts(cmd.Context(), alert.Filter{
			Status:   domain.AlertStatus(status),
			Severity: domain.AlertSeverity(severity),
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			return fmt.Errorf("failed to list alerts: %w", err)
		}
		if len(alerts) == 0 {
			fmt.Println("No alerts.")
			return nil
		}
		return printYAML(alerts)
	},
}

var alertReadAllCmd = &cobra.Command{
	Use:   "read-all [alert-id...]",
	Short: "Mark all unread alerts, or the given ones, as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			if err := preload(cmd.Context()); err != nil {
				return err
			}
		}
		n, err := client.Alerts().MarkAllRead(cmd.Context(), args...)
		if err != nil {
			return err
		}
		fmt.Printf("%d alert(s) marked read.\n", n)
		return nil
	},
}

// single builds a command that runs one lifecycle step on one alert.
func single(use, short string, run func(*alert.Service, context.Context, string) (domain.SecurityAlert, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := preload(cmd.Context()); err != nil {
				return err
			}
			a, err := run(client.Alerts(), cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(a)
		},
	}
}

// preload fills the local store; lifecycle checks run against it.
func preload(ctx context.Context) error {
	if _, err := client.Alerts().ListAlerts(ctx, alert.Filter{}); err != nil {
		return fmt.Errorf("failed to list alerts: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(alertCmd)
	alertCmd.AddCommand(
		alertListCmd,
		alertReadAllCmd,
		single("read", "Mark an alert as read", (*alert.Service).MarkRead),
		single("ack", "Acknowledge an alert", (*alert.Service).Acknowledge),
		single("resolve", "Resolve (dismiss) an alert", (*alert.Service).Resolve),
	)

	alertListCmd.Flags().String("status", "", "filter by status: unread, read, acknowledged, resolved")
	alertListCmd.Flags().String("severity", "", "filter by severity: low, medium, high, critical")
	alertListCmd.Flags().Int("page", 0, "page number, starting at 1")
	alertListCmd.Flags().Int("limit", 0, "page size")
}
