package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/wesm/wxvault/internal/config"
)

var (
	cfgFile         string
	verbose         bool
	dbPath          string
	authKey         string
	port            int
	bindAddr        string
	refreshInterval string
	cfg             *config.Config
	logger          *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "wxvault",
	Short: "Read-only HTTP API over a decrypted chat export",
	Long: `wxvault serves a decrypted chat export (one contact database plus any
number of message databases) as a read-only, authenticated HTTP API.

Contacts are cached in memory and refreshed in the background; messages are
read on demand and merged across every message database.

Examples:
  wxvault -d ~/exports/wx -k s3cret
  wxvault -d ~/exports/wx -k s3cret -p 9000 -r 60
  WXVAULT_AUTH_KEY=s3cret wxvault -d ~/exports/wx --bind 0.0.0.0`,
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(os.Stderr, verbose)
		slog.SetDefault(logger)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return applyFlags(cmd, cfg)
	},
	RunE: runServe,
}

// newLogger writes human-readable text to terminals and JSON otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// applyFlags copies explicitly set flags over the config file values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("db-path") {
		cfg.Data.DBPath = dbPath
	}
	if flags.Changed("auth-key") {
		cfg.Server.AuthKey = authKey
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("bind") {
		cfg.Server.BindAddr = bindAddr
	}
	if flags.Changed("refresh-interval") {
		d, err := config.ParseDuration(refreshInterval)
		if err != nil {
			return fmt.Errorf("--refresh-interval: %w", err)
		}
		cfg.Cache.RefreshInterval.Duration = d
	}
	return nil
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (TOML)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVarP(&dbPath, "db-path", "d", "", "decrypted export directory (required)")

	f := rootCmd.Flags()
	f.StringVarP(&authKey, "auth-key", "k", "", "API auth key (required; or $"+config.AuthKeyEnv+")")
	f.IntVarP(&port, "port", "p", config.DefaultPort, "HTTP port (1-65535)")
	f.StringVar(&bindAddr, "bind", config.DefaultBindAddr, "address to bind")
	f.StringVarP(&refreshInterval, "refresh-interval", "r", "300", "contact refresh interval in seconds or as a duration (minimum 10s)")
}
