package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/classifier"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/tailer"
	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

const handshakeLine = "Nov 12 15:32:10 host hostapd: wlan0: STA aa:bb:cc:dd:ee:ff WPA: 4-Way Handshake failed - reason"

// fakeSource delivers a fixed set of lines, then waits for Stop
type fakeSource struct {
	lines    chan types.Line
	startErr error

	mu      sync.Mutex
	stopped bool
	once    sync.Once
}

func newFakeSource(texts ...string) *fakeSource {
	src := &fakeSource{lines: make(chan types.Line, len(texts))}
	for i, text := range texts {
		src.lines <- types.Line{Text: text, Offset: int64(i * 100), Source: "/var/log/hostapd.log"}
	}
	return src
}

func (f *fakeSource) Start(ctx context.Context) error { return f.startErr }
func (f *fakeSource) Lines() <-chan types.Line     { return f.lines }

func (f *fakeSource) Stop() {
	f.once.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
		close(f.lines)
	})
}

func (f *fakeSource) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeStore fails the first failN calls with err
type fakeStore struct {
	mu     sync.Mutex
	failN  int
	err    error
	calls  int
	events []types.Event
}

func (f *fakeStore) Persist(ctx context.Context, event *types.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls <= f.failN {
		return 0, f.err
	}
	f.events = append(f.events, *event)
	event.Sequence = int64(len(f.events))
	return event.Sequence, nil
}

func (f *fakeStore) persisted() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Event(nil), f.events...)
}

var fastRetry = reliability.RetryConfig{
	MaxRetries:     3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
}

func newTestService(t *testing.T, src LineSource, st EventPersister) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Source:  src,
		Store:   st,
		Retry:   fastRetry,
		Metrics: metrics.NewCollector(),
		Logger:  logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService() failed: %v", err)
	}
	return svc
}

func processed(svc *Service) int64 {
	stats := svc.Stats()
	return stats.Events + stats.Misses + stats.Failures
}

// runUntilIdle runs svc, waits until it has handled n lines, then cancels
func runUntilIdle(t *testing.T, svc *Service, n int64) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for processed(svc) < n {
		select {
		case err := <-errCh:
			return err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("processed %d lines, want %d", processed(svc), n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	return nil
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(Config{Store: &fakeStore{}}); err == nil {
		t.Error("expected error without a source")
	}
	if _, err := NewService(Config{Source: newFakeSource()}); err == nil {
		t.Error("expected error without a store")
	}
}

func TestServicePersistsClassifiedLines(t *testing.T) {
	src := newFakeSource(
		handshakeLine,
		"Nov 12 15:32:11 host hostapd: wlan0: STA aa:bb:cc:dd:ee:ff IEEE 802.11: associated",
		"garbage that is not a log line",
	)
	st := &fakeStore{}
	svc := newTestService(t, src, st)

	if err := runUntilIdle(t, svc, 3); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	events := st.persisted()
	if len(events) != 1 {
		t.Fatalf("persisted %d events, want 1", len(events))
	}
	if events[0].Reason != types.ReasonFourWayHandshakeFailed {
		t.Errorf("Reason = %q", events[0].Reason)
	}

	stats := svc.Stats()
	want := Stats{Lines: 3, Events: 1, Misses: 2}
	if stats != want {
		t.Errorf("Stats() = %+v, want %+v", stats, want)
	}
	if !src.wasStopped() {
		t.Error("source not stopped on cancel")
	}
}

func TestServiceRetriesTransientFailures(t *testing.T) {
	src := newFakeSource(handshakeLine)
	st := &fakeStore{failN: 2, err: errors.New("database is locked")}
	svc := newTestService(t, src, st)

	if err := runUntilIdle(t, svc, 1); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	if len(st.persisted()) != 1 {
		t.Errorf("persisted %d events, want 1", len(st.persisted()))
	}
	if st.calls != 3 {
		t.Errorf("calls = %d, want 3", st.calls)
	}
}

func TestServiceStoreUnavailable(t *testing.T) {
	src := newFakeSource(handshakeLine, handshakeLine)
	cause := errors.New("disk I/O error")
	st := &fakeStore{failN: 100, err: cause}
	svc := newTestService(t, src, st)

	err := svc.Run(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Run() = %v, want ErrStoreUnavailable", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Run() = %v, want it to wrap the cause", err)
	}
	if !errors.Is(err, reliability.ErrMaxRetriesExceeded) {
		t.Errorf("Run() = %v, want ErrMaxRetriesExceeded", err)
	}

	if st.calls != fastRetry.MaxRetries+1 {
		t.Errorf("calls = %d, want %d", st.calls, fastRetry.MaxRetries+1)
	}
	if !src.wasStopped() {
		t.Error("source not stopped after store failure")
	}
	if svc.Stats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", svc.Stats().Failures)
	}
}

func TestServiceSkipsInvalidEvent(t *testing.T) {
	src := newFakeSource(handshakeLine, handshakeLine)
	st := &fakeStore{failN: 1, err: fmt.Errorf("%w: empty raw text", store.ErrInvalidEvent)}
	svc := newTestService(t, src, st)

	if err := runUntilIdle(t, svc, 2); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	// the invalid event is not retried, the next one goes through
	if st.calls != 2 {
		t.Errorf("calls = %d, want 2", st.calls)
	}
	if svc.Stats().Failures != 1 || svc.Stats().Events != 1 {
		t.Errorf("Stats() = %+v", svc.Stats())
	}
}

func TestServiceStartFailure(t *testing.T) {
	src := newFakeSource()
	src.startErr = os.ErrNotExist
	svc := newTestService(t, src, &fakeStore{})

	if err := svc.Run(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Run() = %v, want not exist", err)
	}
}

// The following exercise the real tailer and store together

func newPipeline(t *testing.T) (*Service, *store.Store, *tailer.Tailer, string) {
	t.Helper()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "hostapd.log")
	if err := os.WriteFile(logPath, []byte("Nov 12 15:00:00 host hostapd: wlan0: STA 11:22:33:44:55:66 WPA: 4-Way Handshake failed\n"), 0644); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}

	st, err := store.Open(store.Config{
		DBPath:    filepath.Join(dir, "attempts.db"),
		AuditPath: filepath.Join(dir, "attempts.csv"),
		Logger:    logging.Nop(),
	})
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() failed: %v", err)
	}

	tl, err := tailer.New(logPath, logging.Nop(), tailer.WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("tailer.New() failed: %v", err)
	}

	svc, err := NewService(Config{
		Source: tl,
		Classifier: classifier.New(classifier.WithClock(fixedClock{
			now: time.Date(2025, 11, 20, 8, 0, 0, 0, time.Local),
		})),
		Store:  st,
		Retry:  fastRetry,
		Logger: logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService() failed: %v", err)
	}

	return svc, st, tl, logPath
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
}

func startPipeline(t *testing.T, svc *Service, tl *tailer.Tailer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	// lines appended before the tailer reaches end of file count as history
	deadline := time.Now().Add(5 * time.Second)
	for tl.State() != tailer.StateTailing {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("tailer state = %v, want %v", tl.State(), tailer.StateTailing)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cancel, errCh
}

func waitForCount(t *testing.T, st *store.Store, want int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		n, err := st.Count(context.Background())
		if err != nil {
			t.Fatalf("Count() failed: %v", err)
		}
		if n == want {
			return
		}
		if n > want {
			t.Fatalf("Count() = %d, want %d", n, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Count() = %d, want %d", n, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func stopPipeline(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPipelineSingleFailure(t *testing.T) {
	svc, st, tl, logPath := newPipeline(t)
	cancel, errCh := startPipeline(t, svc, tl)

	appendLines(t, logPath, handshakeLine)
	waitForCount(t, st, 1)
	stopPipeline(t, cancel, errCh)

	events, err := st.QueryRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("QueryRecent() failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("QueryRecent() returned %d events, want 1", len(events))
	}

	got := events[0]
	if got.DeviceMAC != "aa:bb:cc:dd:ee:ff" || got.Reason != types.ReasonFourWayHandshakeFailed {
		t.Errorf("event = %+v", got)
	}
	if got.TimestampText() != "2025-11-12 15:32:10" {
		t.Errorf("timestamp = %q", got.TimestampText())
	}
}

func TestPipelineIgnoresNonFailures(t *testing.T) {
	svc, st, tl, logPath := newPipeline(t)
	cancel, errCh := startPipeline(t, svc, tl)

	appendLines(t, logPath,
		"Nov 12 15:32:11 host hostapd: wlan0: STA aa:bb:cc:dd:ee:ff IEEE 802.11: associated",
		"Nov 12 15:32:12 host hostapd: wlan0: STA aa:bb:cc:dd:ee:ff RADIUS: starting accounting session",
		handshakeLine,
	)
	waitForCount(t, st, 1)
	stopPipeline(t, cancel, errCh)

	if svc.Stats().Misses != 2 {
		t.Errorf("Misses = %d, want 2", svc.Stats().Misses)
	}
}

func TestPipelinePreservesOrder(t *testing.T) {
	svc, st, tl, logPath := newPipeline(t)
	cancel, errCh := startPipeline(t, svc, tl)

	const n = 1000
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("Nov 12 15:%02d:%02d host hostapd: wlan0: STA aa:bb:cc:dd:%02x:%02x WPA: 4-Way Handshake failed",
			(i/60)%60, i%60, i/256, i%256)
	}
	appendLines(t, logPath, lines...)

	waitForCount(t, st, n)
	stopPipeline(t, cancel, errCh)

	events, err := st.QueryRecent(context.Background(), n)
	if err != nil {
		t.Fatalf("QueryRecent() failed: %v", err)
	}
	if len(events) != n {
		t.Fatalf("QueryRecent() returned %d events, want %d", len(events), n)
	}

	// newest first; sequence order must match file order
	for i, event := range events {
		idx := n - 1 - i
		wantMAC := fmt.Sprintf("aa:bb:cc:dd:%02x:%02x", idx/256, idx%256)
		if event.DeviceMAC != wantMAC {
			t.Fatalf("events[%d].DeviceMAC = %q, want %q", i, event.DeviceMAC, wantMAC)
		}
		if i > 0 && event.Sequence >= events[i-1].Sequence {
			t.Fatalf("sequence not decreasing at %d", i)
		}
	}
}

func TestPipelineSkipsHistory(t *testing.T) {
	svc, st, tl, _ := newPipeline(t)
	cancel, errCh := startPipeline(t, svc, tl)

	time.Sleep(100 * time.Millisecond)
	stopPipeline(t, cancel, errCh)

	n, err := st.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d, want 0 for lines written before start", n)
	}
}
