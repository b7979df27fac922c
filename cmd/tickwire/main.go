package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/spf13/cobra"

	"github.com/tickwire/tickwire/internal/auth"
	"github.com/tickwire/tickwire/internal/metrics"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "tickwire",
		Short:        "Open API protocol client",
		Long:         "Connect to the Open API over its length-prefixed TLS protocol and manage the OAuth tokens it requires.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(authorizeCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// resolveLogger builds a slog.Logger honoring the --log-level flag.
func resolveLogger(cmd *cobra.Command) *slog.Logger {
	levelName, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or TICKWIRE_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The provided context controls the server's lifetime; when
// cancelled the server shuts down gracefully.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("TICKWIRE_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// addAuthFlags adds the OAuth application credential flags to a command.
// Each flag falls back to a TICKWIRE_* environment variable.
func addAuthFlags(cmd *cobra.Command) {
	cmd.Flags().String("client-id", "", "OAuth application client id (env TICKWIRE_CLIENT_ID)")
	cmd.Flags().String("client-secret", "", "OAuth application client secret (env TICKWIRE_CLIENT_SECRET)")
	cmd.Flags().String("redirect-url", "http://localhost:8080/callback", "registered redirect URL")
	cmd.Flags().String("auth-url", "", "authorization endpoint override")
	cmd.Flags().String("token-url", "", "token endpoint override")
}

func resolveAuthConfig(cmd *cobra.Command, m *metrics.Metrics, logger *slog.Logger) (auth.Config, error) {
	flagOrEnv := func(flag, env string) string {
		v, _ := cmd.Flags().GetString(flag)
		if v == "" {
			v = os.Getenv(env)
		}
		return v
	}
	cfg := auth.Config{
		ClientID:     flagOrEnv("client-id", "TICKWIRE_CLIENT_ID"),
		ClientSecret: flagOrEnv("client-secret", "TICKWIRE_CLIENT_SECRET"),
		Metrics:      m,
		Logger:       logger,
	}
	cfg.RedirectURL, _ = cmd.Flags().GetString("redirect-url")
	cfg.AuthURL, _ = cmd.Flags().GetString("auth-url")
	cfg.TokenURL, _ = cmd.Flags().GetString("token-url")
	if cfg.ClientID == "" {
		return auth.Config{}, fmt.Errorf("client id is required (--client-id or TICKWIRE_CLIENT_ID)")
	}
	return cfg, nil
}
