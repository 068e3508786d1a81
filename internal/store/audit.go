package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

// AuditHeader is the first row of the audit log and of CSV exports
var AuditHeader = []string{"timestamp", "device_identifier", "reason", "raw_text"}

// AuditLog is the append-only CSV trail written after each committed insert.
// The file is opened per append so an externally rotated or removed audit
// log is recreated with a header rather than written through a stale handle.
type AuditLog struct {
	path string
	mu   sync.Mutex
}

// NewAuditLog returns an audit log writing to path
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// Path returns the audit log location
func (a *AuditLog) Path() string {
	return a.path
}

// Ensure creates the audit log with its header if it is absent or empty.
// An existing non-empty file is left untouched.
func (a *AuditLog) Ensure() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := a.open()
	if err != nil {
		return err
	}
	return f.Close()
}

// Append writes one record for event and syncs it to disk
func (a *AuditLog) Append(event *types.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := a.open()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(auditRecord(event)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush audit record: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	return f.Close()
}

// open opens the audit log for appending, writing the header first when
// the file is new or empty
func (a *AuditLog) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat audit log: %w", err)
	}

	if info.Size() == 0 {
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, err
		}
	}

	return f, nil
}

func writeHeader(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(AuditHeader); err != nil {
		return fmt.Errorf("failed to write audit header: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func auditRecord(event *types.Event) []string {
	return []string{
		event.TimestampText(),
		event.DeviceMAC,
		event.Reason.String(),
		event.Raw,
	}
}
