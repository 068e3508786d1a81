package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/config"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/ingest"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store"
	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

const failureLine = "Nov 12 15:32:10 host hostapd: wlan0: STA aa:bb:cc:dd:ee:ff WPA: 4-Way Handshake failed"

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func storeArgs(dir string) []string {
	return []string{
		"--db", filepath.Join(dir, "attempts.db"),
		"--audit", filepath.Join(dir, "attempts.csv"),
		"--log-level", "error",
	}
}

func seedStore(t *testing.T, dir string, n int) {
	t.Helper()

	st, err := store.Open(store.Config{
		DBPath:    filepath.Join(dir, "attempts.db"),
		AuditPath: filepath.Join(dir, "attempts.csv"),
		Logger:    logging.Nop(),
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() failed: %v", err)
	}

	for i := 0; i < n; i++ {
		_, err := st.Persist(context.Background(), &types.Event{
			Timestamp: time.Date(2025, 11, 12, 15, 32, i, 0, time.Local),
			DeviceMAC: fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i),
			Reason:    types.ReasonFourWayHandshakeFailed,
			Raw:       fmt.Sprintf("attempt %d", i),
			Interface: "wlan0",
		})
		if err != nil {
			t.Fatalf("Persist() failed: %v", err)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"config", config.ErrNoInput, exitUsage},
		{"schema", fmt.Errorf("open: %w", store.ErrSchema), exitSchema},
		{"store unavailable", fmt.Errorf("%w: locked", ingest.ErrStoreUnavailable), exitStoreUnavailable},
		{"other", errors.New("boom"), exitUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestWatchRequiresInput(t *testing.T) {
	_, err := execute(t, context.Background(), storeArgs(t.TempDir())...)
	if !errors.Is(err, config.ErrNoInput) {
		t.Fatalf("Execute() = %v, want ErrNoInput", err)
	}
	if exitCode(err) != exitUsage {
		t.Errorf("exit code = %d, want %d", exitCode(err), exitUsage)
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "authtrail.yaml")
	content := `
input:
  path: /var/log/hostapd.log
store:
  db_path: /srv/attempts.db
gateway:
  enabled: true
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	root := newRootCmd()
	watch, _, err := root.Find([]string{"watch"})
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}

	opts := &options{configPath: cfgPath, dbPath: filepath.Join(dir, "override.db"), gateway: false}
	if err := watch.ParseFlags([]string{"--gateway=false"}); err != nil {
		t.Fatalf("ParseFlags() failed: %v", err)
	}

	cfg, err := loadConfig(watch, opts)
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}

	if cfg.Input.Path != "/var/log/hostapd.log" {
		t.Errorf("Input.Path = %q", cfg.Input.Path)
	}
	if cfg.Store.DBPath != opts.dbPath {
		t.Errorf("Store.DBPath = %q, want flag value", cfg.Store.DBPath)
	}
	if cfg.Store.AuditPath != store.DefaultAuditPath {
		t.Errorf("Store.AuditPath = %q, want default", cfg.Store.AuditPath)
	}
	if cfg.Gateway.Enabled {
		t.Error("--gateway=false did not override the config file")
	}
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, context.Background(), append([]string{"migrate"}, storeArgs(dir)...)...)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "Schema at version") {
		t.Errorf("output = %q", out)
	}

	if _, err := os.Stat(filepath.Join(dir, "attempts.csv")); err != nil {
		t.Errorf("audit log not created: %v", err)
	}
}

func TestRecentCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, 5)

	out, err := execute(t, context.Background(), append([]string{"recent", "--limit", "2"}, storeArgs(dir)...)...)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "aa:bb:cc:dd:ee:04") {
		t.Errorf("first row = %q, want newest attempt", lines[1])
	}
}

func TestRecentRejectsBadLimit(t *testing.T) {
	_, err := execute(t, context.Background(), append([]string{"recent", "--limit", "0"}, storeArgs(t.TempDir())...)...)
	if err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, 3)
	outPath := filepath.Join(dir, "export.csv")

	if _, err := execute(t, context.Background(), append([]string{"export", "--out", outPath}, storeArgs(dir)...)...); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("Failed to open export: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse export: %v", err)
	}
	if len(records) != 4 {
		t.Errorf("export has %d records, want header + 3", len(records))
	}
}

func TestWatchRecordsAppendedFailures(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "hostapd.log")
	if err := os.WriteFile(logPath, []byte(failureLine+"\n"), 0644); err != nil {
		t.Fatalf("Failed to create log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	args := append([]string{"watch", "--file", logPath}, storeArgs(dir)...)
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, args...)
		done <- err
	}()

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log: %v", err)
	}
	defer f.Close()

	// keep appending until the watcher has started and recorded something
	auditPath := filepath.Join(dir, "attempts.csv")
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := f.WriteString(failureLine + "\n"); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		data, _ := os.ReadFile(auditPath)
		if strings.Count(string(data), "aa:bb:cc:dd:ee:ff") > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no attempt recorded before deadline")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestRecentOnMissingStore(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, context.Background(), append([]string{"recent"}, storeArgs(dir)...)...)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 1 {
		t.Errorf("got %d lines, want header only:\n%s", len(lines), out)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("recent created %d files in an empty directory", len(entries))
	}
}

func TestExportLeavesLegacySchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "attempts.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE attempts (id INTEGER PRIMARY KEY AUTOINCREMENT, ts TEXT, device_mac TEXT, reason TEXT, raw TEXT)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO attempts (ts, device_mac, reason, raw) VALUES ('2025-11-12 15:32:10', 'aa:bb:cc:dd:ee:ff', '4way-handshake-failed', 'WPA: 4-Way Handshake failed')`); err != nil {
		t.Fatalf("Failed to insert row: %v", err)
	}

	out, err := execute(t, context.Background(), append([]string{"export"}, storeArgs(dir)...)...)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(out, "aa:bb:cc:dd:ee:ff") {
		t.Errorf("export output = %q", out)
	}

	var columns int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('attempts')`).Scan(&columns); err != nil {
		t.Fatalf("Failed to inspect columns: %v", err)
	}
	if columns != 5 {
		t.Errorf("attempts has %d columns after export, want 5", columns)
	}

	var tables int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'schema_migrations'`).Scan(&tables); err != nil {
		t.Fatalf("Failed to inspect tables: %v", err)
	}
	if tables != 0 {
		t.Error("export created the migrations table")
	}

	if _, err := os.Stat(filepath.Join(dir, "attempts.csv")); !os.IsNotExist(err) {
		t.Errorf("export created the audit log: %v", err)
	}
}
