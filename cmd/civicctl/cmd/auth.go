package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Sign in and out",
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the credentials locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		if email == "" {
			fmt.Print("Enter email: ")
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			email = strings.TrimSpace(line)
		}

		fmt.Print("Enter password: ")
		bytePassword, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		if err := client.Login(cmd.Context(), email, string(bytePassword)); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Println("Login successful.")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !client.LoggedIn() {
			fmt.Println("Not logged in.")
			return nil
		}
		if err := client.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Logged out. Local credentials cleared.")
		return nil
	},
}

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Permanently delete your account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			fmt.Print("This deletes your account permanently. Type 'yes' to continue: ")
			reader := bufio.NewReader(os.Stdin)
			confirm, _ := reader.ReadString('\n')
			if strings.TrimSpace(strings.ToLower(confirm)) != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}
		return client.DeleteAccount(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(loginCmd, logoutCmd, deleteAccountCmd)

	loginCmd.Flags().String("email", "", "account email (prompted when empty)")
	deleteAccountCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
}
