package cmd

import (
	"fmt"

	"github.com/pilab-dev/civic-session/domain"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Short:   "Review and revoke the sessions logged in to your account",
	Aliases: []string{"sessions"},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := client.Sessions().ListSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		return printYAML(sessions)
	},
}

var sessionRevokeCmd = &cobra.Command{
	Use:   "revoke <session-id>",
	Short: "Sign out one of your other sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// The current-session guard needs the server's view first.
		if _, err := client.Sessions().ListSessions(cmd.Context()); err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if err := client.Sessions().Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s revoked.\n", args[0])
		return nil
	},
}

var sessionRevokeOthersCmd = &cobra.Command{
	Use:   "revoke-others",
	Short: "Sign out every session except this one",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.Sessions().RevokeAllOthers(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%d session(s) revoked.\n", n)
		return nil
	},
}

var sessionReportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Report a session you do not recognise",
	Long: `Reports a session as suspicious. Any alert raised by the report shows up
in 'civicctl alert list' once the server has processed it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		description, _ := cmd.Flags().GetString("description")

		err := client.Sessions().ReportSuspicious(cmd.Context(), args[0], domain.SuspiciousReason(reason), description)
		if err != nil {
			return err
		}
		fmt.Println("Report sent.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionRevokeCmd, sessionRevokeOthersCmd, sessionReportCmd)

	sessionReportCmd.Flags().String("reason", string(domain.ReasonUnrecognizedDevice),
		"one of unrecognized_device, unrecognized_location, unauthorized_access, other")
	sessionReportCmd.Flags().String("description", "", "optional details")
}
