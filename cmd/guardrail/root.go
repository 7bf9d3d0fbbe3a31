package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/onnwee/guardrail/internal/config"
	"github.com/onnwee/guardrail/internal/middleware"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "guardrail",
	Short: "Policy-driven network remediation with a tamper-evident audit ledger",
	Long: `Guardrail discovers network issues, turns them into recommended actions
through declarative rules, checks every action against compliance rules,
executes the approved ones through an actuator and records every intent,
result and denial in a hash-chained audit ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any error. SIGINT and SIGTERM
// cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "config file path (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, scheduleCmd, serveCmd, auditCmd, approveCmd, rulesCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "guardrail", version)
	},
}

// loadConfig reads the config file and environment. A missing actuator URL
// is tolerated here; commands that execute actions check it after applying
// their flags.
func loadConfig() (*config.Config, error) {
	cfg, errs := config.Load(cfgFile)
	var remaining []error
	for _, err := range errs {
		if !errors.Is(err, config.ErrMissingActuatorURL) {
			remaining = append(remaining, err)
		}
	}
	if len(remaining) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(remaining...))
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg *config.Config) *slog.Logger {
	env := cfg.Env
	if verbose && env == "production" {
		env = "development"
	}
	logger := middleware.NewLogger(env)
	slog.SetDefault(logger)
	return logger
}

// currentUser names the operator for manual runs.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	headColor = color.New(color.FgCyan, color.Bold)
)
