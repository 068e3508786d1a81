package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/config"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/ingest"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store"
)

var version = "0.1.0"

// Process exit codes
const (
	exitOK               = 0
	exitUsage            = 1
	exitSchema           = 3
	exitStoreUnavailable = 4
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error onto the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, store.ErrSchema):
		return exitSchema
	case errors.Is(err, ingest.ErrStoreUnavailable):
		return exitStoreUnavailable
	default:
		return exitUsage
	}
}

// options holds the values of the persistent flags. Flags left unset keep
// whatever the config file says.
type options struct {
	configPath string
	file       string
	dbPath     string
	auditPath  string
	logLevel   string
	logFormat  string
	metrics    bool
	health     bool
	gateway    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "authtrail",
		Short: "Record failed Wi-Fi authentication attempts from hostapd logs",
		Long: `authtrail follows a hostapd log file, recognizes failed authentication
attempts and records each one in a SQLite database and a CSV audit log.
Recorded attempts can be browsed over HTTP or exported as CSV.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVarP(&opts.file, "file", "f", "", "hostapd log file to follow")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path")
	flags.StringVar(&opts.auditPath, "audit", "", "CSV audit log path")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (json, console)")
	flags.BoolVar(&opts.metrics, "metrics", false, "Serve Prometheus metrics")
	flags.BoolVar(&opts.health, "health", false, "Serve health endpoints")
	flags.BoolVar(&opts.gateway, "gateway", false, "Serve the attempts viewer and query API")

	watch := newWatchCmd(opts)
	root.RunE = watch.RunE

	root.AddCommand(
		watch,
		newRecentCmd(opts),
		newExportCmd(opts),
		newMigrateCmd(opts),
	)

	return root
}

// loadConfig reads the config file, if any, and applies flag overrides
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.file != "" {
		cfg.Input.Path = opts.file
	}
	if opts.dbPath != "" {
		cfg.Store.DBPath = opts.dbPath
	}
	if opts.auditPath != "" {
		cfg.Store.AuditPath = opts.auditPath
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}

	flags := cmd.Flags()
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled = opts.metrics
	}
	if flags.Changed("health") {
		cfg.Health.Enabled = opts.health
	}
	if flags.Changed("gateway") {
		cfg.Gateway.Enabled = opts.gateway
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)
	return logger
}

// openStore opens the database and brings its schema up to date
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger, collector *metrics.Collector) (*store.Store, error) {
	st, err := store.Open(store.Config{
		DBPath:      cfg.Store.DBPath,
		AuditPath:   cfg.Store.AuditPath,
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      logger,
		Metrics:     collector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrSchema, err)
	}

	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return st, nil
}
