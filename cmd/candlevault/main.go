package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
)

const (
	appName = "CandleVault"
	version = "v1.0.0"
)

// Exit codes. 1 is the generic failure.
const (
	exitConfigInvalid     = 2
	exitSchemaUnavailable = 3
	exitUnauthorized      = 4
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "candlevault",
		Short:   "Validated OHLCV warehouse with scheduled backfill",
		Version: version,
		Long: `CandleVault ingests OHLCV candles from the upstream market-data
provider, validates every record, repairs gaps, and persists the result
to PostgreSQL. The daemon runs the daily schedule and the ops HTTP
server; the other commands are one-shot automation entry points.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level (trace|debug|info|warn|error)")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler and ops HTTP server",
		Long:  "Starts the daily backfill scheduler and the ops server; runs until interrupted",
		RunE:  runDaemon,
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one backfill job and exit",
		Long:  "Executes a single backfill over the requested symbols, timeframes, and date range",
		RunE:  runBackfill,
	}
	addBackfillFlags(backfillCmd.Flags())

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  runMigrate,
	}

	symbolsCmd := &cobra.Command{
		Use:   "symbols",
		Short: "List the tracked symbol universe",
		RunE:  runSymbols,
	}

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(symbolsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCode(err))
	}
}

// loadConfig reads the config file named by --config, applies the
// --log-level override, and sets the global log level.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	levelName := cfg.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		levelName = override
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return cfg, models.Errorf(models.ErrConfig, "invalid log level %q", levelName)
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("app", appName).Str("version", version).Stringer("config", cfg).Msg("configuration loaded")
	return cfg, nil
}

func exitCode(err error) int {
	switch models.KindOf(err) {
	case models.ErrConfig:
		return exitConfigInvalid
	case models.ErrSchemaMissing:
		return exitSchemaUnavailable
	case models.ErrUpstreamForbidden:
		return exitUnauthorized
	}
	return 1
}
