package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.opentelemetry.io/otel/attribute"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store/migrations"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/tracing"
	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

var (
	// ErrSchema reports a failed schema bootstrap
	ErrSchema = errors.New("schema bootstrap failed")
	// ErrStoreWrite reports a failed structured store insert
	ErrStoreWrite = errors.New("structured store write failed")
	// ErrInvalidEvent reports an event that violates the data model
	ErrInvalidEvent = errors.New("invalid event")
	// ErrReadOnly is returned by writes to a store opened with OpenReadOnly
	ErrReadOnly = errors.New("store is read-only")
)

// Defaults
const (
	DefaultDBPath      = "data/attempts.db"
	DefaultAuditPath   = "data/attempts.csv"
	DefaultBusyTimeout = 5 * time.Second
	// DefaultRecentLimit matches the number of rows the viewer shows
	DefaultRecentLimit = 500
)

// Config holds store configuration
type Config struct {
	DBPath      string
	AuditPath   string
	BusyTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Collector
}

// Store persists events to a SQLite table (authoritative) and a CSV audit
// log (best effort). Writes are serialized; reads run in their own
// transaction and never observe a partial insert.
type Store struct {
	db       *sql.DB // nil for a read-only store whose database does not exist
	audit    *AuditLog
	logger   *logging.Logger
	metrics  *metrics.Collector
	readOnly bool
	writeMu  sync.Mutex
}

// Open opens the SQLite database at cfg.DBPath. The schema is not touched
// until EnsureSchema is called.
func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	db, err := openConnection(cfg.DBPath, cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		audit:   NewAuditLog(cfg.AuditPath),
		logger:  cfg.Logger.WithComponent("store"),
		metrics: cfg.Metrics,
	}, nil
}

// OpenReadOnly opens an existing database for queries only. Migrations
// are never applied and the audit log is never touched. A database that
// does not exist yet reads as empty and is not created.
func OpenReadOnly(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	s := &Store{
		audit:    NewAuditLog(cfg.AuditPath),
		logger:   cfg.Logger.WithComponent("store"),
		metrics:  cfg.Metrics,
		readOnly: true,
	}

	if _, err := os.Stat(cfg.DBPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug().Str("db", cfg.DBPath).Msg("Database does not exist, reading as empty")
			return s, nil
		}
		return nil, fmt.Errorf("failed to stat database: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", cfg.DBPath, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	return s, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.AuditPath == "" {
		cfg.AuditPath = DefaultAuditPath
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
}

// openConnection opens SQLite with WAL journaling so readers never block
// the writer, and a busy timeout so a locked database is waited on briefly
// before an insert fails.
func openConnection(path string, busyTimeout time.Duration) (*sql.DB, error) {
	var dsn string
	if path == ":memory:" {
		dsn = fmt.Sprintf(":memory:?_busy_timeout=%d", busyTimeout.Milliseconds())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// EnsureSchema applies pending migrations and creates the audit log with
// its header if absent. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.readOnly {
		return fmt.Errorf("%w: %w", ErrSchema, ErrReadOnly)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}

	if err := migrations.MigrateUp(s.db); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}

	if err := s.audit.Ensure(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}

	version, err := migrations.Status(s.db)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Schema version unavailable")
	}
	s.logger.Info().
		Uint("schema_version", version).
		Str("audit_log", s.audit.Path()).
		Msg("Schema ready")

	return nil
}

// Persist writes event to the structured store and then to the audit log,
// returning the sequence number assigned by the structured store. If the
// insert fails nothing is written to the audit log. If only the audit
// append fails, Persist still succeeds and logs a warning.
func (s *Store) Persist(ctx context.Context, event *types.Event) (int64, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}
	if err := event.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	ctx, span := tracing.TracePersist(ctx, event.Reason.String(), event.DeviceMAC)
	defer span.End()

	start := time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	seq, err := s.insert(ctx, event)
	if err != nil {
		s.metrics.PersistFailed()
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	event.Sequence = seq
	tracing.SetAttributes(ctx, attribute.Int64("event.sequence", seq))

	if err := s.audit.Append(event); err != nil {
		s.metrics.AuditFailed()
		tracing.AddEvent(ctx, "audit append failed")
		s.logger.Warn().
			Err(err).
			Int64("sequence", seq).
			Str("audit_log", s.audit.Path()).
			Msg("Event committed to database but missing from audit log")
	}

	s.metrics.Persisted(event.Reason.String(), time.Since(start))

	return seq, nil
}

func (s *Store) insert(ctx context.Context, event *types.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO attempts (ts, device_mac, reason, raw, interface) VALUES (?, ?, ?, ?, ?)`,
		event.TimestampText(), event.DeviceMAC, event.Reason.String(), event.Raw, event.Interface,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing event: %w", err)
	}

	return seq, nil
}

// QueryRecent returns up to limit events, newest first
func (s *Store) QueryRecent(ctx context.Context, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if s.db == nil {
		return []types.Event{}, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("starting read transaction: %w", err)
	}
	defer tx.Rollback()

	columns, ok, err := eventColumns(ctx, tx)
	if err != nil || !ok {
		return []types.Event{}, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+columns+` FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	events := make([]types.Event, 0, min(limit, 64))
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recent events: %w", err)
	}

	return events, nil
}

// ExportCSV writes every stored event, oldest first, as CSV with the audit
// log header
func (s *Store) ExportCSV(ctx context.Context, w io.Writer) error {
	cw := csv.NewWriter(w)
	if s.db == nil {
		return writeEmptyExport(cw)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("starting read transaction: %w", err)
	}
	defer tx.Rollback()

	columns, ok, err := eventColumns(ctx, tx)
	if err != nil {
		return err
	}
	if !ok {
		return writeEmptyExport(cw)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+columns+` FROM attempts ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	if err := cw.Write(AuditHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := cw.Write(auditRecord(&event)); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating events: %w", err)
	}

	cw.Flush()
	return cw.Error()
}

func writeEmptyExport(cw *csv.Writer) error {
	if err := cw.Write(AuditHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// eventColumns returns the select list for attempts rows. Tables created by
// the original tooling have no interface column. ok is false when the table
// does not exist.
func eventColumns(ctx context.Context, tx *sql.Tx) (columns string, ok bool, err error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info('attempts')`)
	if err != nil {
		return "", false, fmt.Errorf("inspecting attempts table: %w", err)
	}
	defer rows.Close()

	var found, hasInterface bool
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", false, fmt.Errorf("inspecting attempts table: %w", err)
		}
		found = true
		if name == "interface" {
			hasInterface = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("inspecting attempts table: %w", err)
	}

	switch {
	case !found:
		return "", false, nil
	case hasInterface:
		return "id, ts, device_mac, reason, raw, interface", true, nil
	default:
		return "id, ts, device_mac, reason, raw, '' AS interface", true, nil
	}
}

// Count returns the number of stored events
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// SchemaVersion reports the applied schema version and fails if it is not
// the latest one embedded in the binary
func (s *Store) SchemaVersion() (uint, error) {
	if s.readOnly {
		// reading the version creates the migrations table
		return 0, ErrReadOnly
	}
	return migrations.Status(s.db)
}

// AuditPath returns the location of the audit log
func (s *Store) AuditPath() string {
	return s.audit.Path()
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (types.Event, error) {
	var (
		event                      types.Event
		ts, mac, reason, raw, intf sql.NullString
	)

	if err := row.Scan(&event.Sequence, &ts, &mac, &reason, &raw, &intf); err != nil {
		return types.Event{}, fmt.Errorf("scanning event: %w", err)
	}

	if ts.Valid {
		// rows written by older tooling may carry fractional seconds, which
		// time.Parse accepts without a layout change
		if parsed, err := time.ParseInLocation(types.TimestampLayout, ts.String, time.Local); err == nil {
			event.Timestamp = parsed
		}
	}
	event.DeviceMAC = mac.String
	event.Reason = types.ReasonCode(reason.String)
	event.Raw = raw.String
	event.Interface = intf.String

	return event, nil
}
