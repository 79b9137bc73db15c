package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openfroyo/enginelink/pkg/config"
	"github.com/openfroyo/enginelink/pkg/engine"
	"github.com/openfroyo/enginelink/pkg/progress"
	"github.com/openfroyo/enginelink/pkg/stores"
	"github.com/openfroyo/enginelink/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	envFile    string
	overrides  []string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "enginelink",
		Short: "enginelink - engine session client",
		Long: `enginelink provisions engine sessions and connects to them.

It reuses an ambient session when ENGINE_SESSION_PORT and
ENGINE_SESSION_TOKEN are set, and otherwise downloads the configured engine
release and starts a session locally or on a remote host over SSH.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file path")
	pf.StringVar(&envFile, "env-file", "", "dotenv file loaded before the config")
	pf.StringArrayVar(&overrides, "set", nil, "config override (key=value), may be repeated")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	pf.BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Config flags, read through config.Load
	pf.String("workdir", "", "engine working directory")
	pf.Duration("timeout", 0, "timeout for each connect attempt")
	pf.Int("retries", 0, "connect retries after the first attempt")
	pf.Duration("backoff", 0, "delay before the first connect retry")
	pf.Bool("isolated", false, "use a dedicated connection instead of the shared one")
	pf.String("engine-version", "", "engine release to provision")
	pf.String("manifest-url", "", "engine release manifest URL")
	pf.String("cache-dir", "", "engine binary cache directory")
	pf.String("store", "", "session ledger database path")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "log format (console, json)")

	rootCmd.AddCommand(newVersionCommand(version))
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}

// app is the loaded configuration and the services built from it.
type app struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
}

// setup loads configuration for cmd and builds telemetry and the store.
// Tweaks run after loading, before anything is built.
func setup(cmd *cobra.Command, tweaks ...func(*config.Config)) (*app, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(config.LoadOptions{
		File:  configPath,
		Flags: cmd.Flags(),
		Set:   overrides,
	})
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	tel, err := telemetry.New(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.Logging.Level))

	a := &app{cfg: cfg, tel: tel}

	if cfg.Store.Path != "" {
		if cfg.Store.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return nil, multierr.Append(fmt.Errorf("failed to create store directory: %w", err), a.close(cmd.Context()))
			}
		}
		store, err := stores.Open(cmd.Context(), cfg.Store.Path)
		if err != nil {
			return nil, multierr.Append(err, a.close(cmd.Context()))
		}
		a.store = store
	}

	return a, nil
}

func (a *app) close(ctx context.Context) error {
	var err error
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return multierr.Append(err, a.tel.Shutdown(ctx))
}

// engineOptions wires the engine to this runtime's telemetry and store.
func (a *app) engineOptions() engine.Options {
	opts := engine.Options{
		Progress: progress.Multi{
			progress.NewLogSink(log.Logger),
			progress.NewEventSink(a.tel.Events),
		},
		Metrics: a.tel.Metrics,
		Events:  a.tel.Events,
	}
	if a.store != nil {
		opts.Ledger = a.store
		opts.BinaryIndex = a.store
	}
	return opts
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
