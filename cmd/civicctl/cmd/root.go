package cmd

import (
	"context"
	"fmt"
	"os"

	civicsession "github.com/pilab-dev/civic-session"
	"github.com/pilab-dev/civic-session/config"
	"github.com/pilab-dev/civic-session/gateway"
	"github.com/pilab-dev/civic-session/log"
	"github.com/pilab-dev/civic-session/tracing"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile   string
	appLogger log.Logger
	client    *civicsession.Client
	tracer    *sdktrace.TracerProvider
	auditFile *os.File
)

var rootCmd = &cobra.Command{
	Use:           config.AppName,
	Short:         "civicctl manages your account sessions and security alerts",
	Long:          `A command-line client for signing in, reviewing the devices logged in to your account, and handling security alerts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		appLogger = log.NewZerologAdapter(log.ParseLevel(cfg.LogLevel), cfg.LogPretty)

		if cfg.Tracing {
			if tracer, err = tracing.InitTracerProvider("", os.Stderr); err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
		}

		opts := []civicsession.Option{
			civicsession.WithLogger(appLogger),
			civicsession.WithNotifier(gateway.NotifierFunc(routeToLogin)),
		}
		if cfg.AuditLog != "" {
			if auditFile, err = os.OpenFile(cfg.AuditLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600); err != nil {
				return fmt.Errorf("failed to open audit log: %w", err)
			}
			opts = append(opts, civicsession.WithAuditLog(auditFile))
		}

		client, err = civicsession.Open(cmd.Context(), cfg, opts...)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown(cmd.Context())
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_ = shutdown(ctx)
		if appLogger != nil {
			appLogger.Error(ctx, "command failed", err)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is $HOME/.%s/config.yaml)", config.AppName))
}

func shutdown(ctx context.Context) error {
	var err error
	if client != nil {
		err = client.Close()
		client = nil
	}
	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
	if tracer != nil {
		if terr := tracer.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
		tracer = nil
	}
	return err
}

func routeToLogin(_ context.Context, reason gateway.Reason) {
	switch reason {
	case gateway.ReasonSessionExpired:
		fmt.Fprintf(os.Stderr, "Your session has expired. Run '%s auth login' to sign in again.\n", config.AppName)
	case gateway.ReasonAccountDeleted:
		fmt.Fprintln(os.Stderr, "Your account was deleted and local credentials were cleared.")
	}
}

func printYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
