package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/config"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store"
)

// loadStoreConfig loads the config for a one-shot command
func loadStoreConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openReadStore opens the store for a query. Nothing on disk is created
// or migrated.
func openReadStore(cmd *cobra.Command, opts *options) (*store.Store, error) {
	cfg, err := loadStoreConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenReadOnly(store.Config{
		DBPath:      cfg.Store.DBPath,
		AuditPath:   cfg.Store.AuditPath,
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      newLogger(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrSchema, err)
	}
	return st, nil
}

func newRecentCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the most recent failed attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}

			st, err := openReadStore(cmd, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.QueryRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tDEVICE\tREASON\tRAW")
			for i := range events {
				e := &events[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.TimestampText(), e.DeviceMAC, e.Reason, e.Raw)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultRecentLimit, "Number of attempts to print")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every recorded attempt as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openReadStore(cmd, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			if out == "" || out == "-" {
				return st.ExportCSV(cmd.Context(), cmd.OutOrStdout())
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			if err := st.ExportCSV(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write export file: %w", err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Exported attempts to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStoreConfig(cmd, opts)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), cfg, newLogger(cfg), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			version, err := st.SchemaVersion()
			if err != nil {
				return fmt.Errorf("%w: %w", store.ErrSchema, err)
			}

			return printSchema(cmd.OutOrStdout(), version, st.AuditPath())
		},
	}
}

func printSchema(w io.Writer, version uint, auditPath string) error {
	_, err := fmt.Fprintf(w, "Schema at version %d\nAudit log: %s\n", version, auditPath)
	return err
}
