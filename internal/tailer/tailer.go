package tailer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

// State is the lifecycle state of a Tailer
type State int32

const (
	StateInitializing State = iota
	StateTailing
	StateRotationDetected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateTailing:
		return "tailing"
	case StateRotationDetected:
		return "rotation_detected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Defaults
const (
	DefaultPollInterval = 1 * time.Second
	DefaultBufferSize   = 1000
	DefaultStopTimeout  = 5 * time.Second

	readChunkSize = 32 * 1024
	maxBatchBytes = 1 << 20
	maxLineBytes  = 64 * 1024
)

var ErrAlreadyStarted = errors.New("tailer already started")

// Tailer follows one growing file and emits each appended line once, in
// file order. Rotation (the path now names a different file) and in-place
// truncation restart reading at the beginning of the current file.
//
// Filesystem notifications only wake the read loop; every read happens on
// that single goroutine, so batches never overlap.
type Tailer struct {
	path         string
	logger       *logging.Logger
	metrics      *metrics.Collector
	pollInterval time.Duration
	stopTimeout  time.Duration

	watcher *fsnotify.Watcher
	cursor  *Cursor // read loop only
	buf     []byte

	state  atomic.Int32
	offset atomic.Int64

	signals chan struct{}
	lines   chan types.Line
	abort   chan struct{}

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// Option configures a Tailer
type Option func(*Tailer)

// WithPollInterval sets how often the file is checked without a notification
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithBufferSize sets the capacity of the Lines channel
func WithBufferSize(n int) Option {
	return func(t *Tailer) {
		if n > 0 {
			t.lines = make(chan types.Line, n)
		}
	}
}

// WithStopTimeout bounds how long Stop waits for an in-progress batch to be
// consumed before abandoning it
func WithStopTimeout(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.stopTimeout = d
		}
	}
}

// WithMetrics records tailer metrics into c
func WithMetrics(c *metrics.Collector) Option {
	return func(t *Tailer) {
		t.metrics = c
	}
}

// New creates a Tailer for path. Nothing is opened until Start.
func New(path string, logger *logging.Logger, opts ...Option) (*Tailer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	if logger == nil {
		logger = logging.Global()
	}

	t := &Tailer{
		path:         abs,
		logger:       logger.WithComponent("tailer").WithField("path", abs),
		pollInterval: DefaultPollInterval,
		stopTimeout:  DefaultStopTimeout,
		buf:          make([]byte, readChunkSize),
		signals:      make(chan struct{}, 1),
		lines:        make(chan types.Line, DefaultBufferSize),
		abort:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Start opens the file at its current end and begins watching it. History
// already in the file is never emitted.
func (t *Tailer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}

	t.setState(StateInitializing)

	cursor, err := openCursor(t.path, true)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cursor.close()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// The directory is watched so a file created by rotation is noticed
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		cursor.close()
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	t.cursor = cursor
	t.watcher = watcher
	t.offset.Store(cursor.Offset())
	t.started = true

	ctx, t.cancel = context.WithCancel(ctx)

	t.setState(StateTailing)
	t.logger.Info().Int64("offset", cursor.Offset()).Msg("Starting from end of file")

	t.wg.Add(2)
	go t.watchLoop(ctx)
	go t.readLoop(ctx)

	// catch anything appended between the seek and the watch
	t.notify()

	return nil
}

// Stop closes the file and the watcher. The batch being delivered when Stop
// is called is finished first, unless the consumer stops draining Lines for
// longer than the stop timeout. Safe to call more than once.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()

		if !started {
			t.setState(StateStopped)
			close(t.lines)
			return
		}

		t.cancel()
		t.watcher.Close()

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(t.stopTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			t.logger.Warn().Dur("timeout", t.stopTimeout).Msg("Lines not drained, abandoning batch")
			close(t.abort)
			<-done
		}
	})
}

// Lines returns the channel of emitted lines. It is closed after Stop.
func (t *Tailer) Lines() <-chan types.Line {
	return t.lines
}

// State returns the current lifecycle state
func (t *Tailer) State() State {
	return State(t.state.Load())
}

// Offset returns the number of bytes consumed from the current file
func (t *Tailer) Offset() int64 {
	return t.offset.Load()
}

// Path returns the absolute path being tailed
func (t *Tailer) Path() string {
	return t.path
}

func (t *Tailer) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev != s {
		t.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State change")
	}
}

// notify queues a wake-up for the read loop. Signals arriving while one is
// already queued are coalesced.
func (t *Tailer) notify() {
	select {
	case t.signals <- struct{}{}:
	default:
	}
}

// watchLoop forwards filesystem events for the tailed path to the read loop
func (t *Tailer) watchLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			t.logger.Debug().Str("op", event.Op.String()).Msg("File event")
			t.notify()

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("File watcher error")

		case <-ctx.Done():
			return
		}
	}
}

// readLoop is the only goroutine that touches the cursor
func (t *Tailer) readLoop(ctx context.Context) {
	defer t.wg.Done()
	defer func() {
		if err := t.cursor.close(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to close file")
		}
		t.setState(StateStopped)
		close(t.lines)
		t.logger.Info().Int64("offset", t.Offset()).Msg("Tailer stopped")
	}()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.signals:
		case <-ticker.C:
		}

		if !t.drain() {
			return
		}
	}
}

// drain reads and delivers everything currently available. It returns
// false if delivery was abandoned by Stop.
func (t *Tailer) drain() bool {
	for {
		lines, more, err := t.readAvailable()
		for _, line := range lines {
			select {
			case t.lines <- line:
				t.metrics.LineRead(t.path, line.Offset)
			case <-t.abort:
				return false
			}
		}
		if err != nil {
			t.logger.Error().Err(err).Msg("Error reading file")
			return true
		}
		if !more {
			return true
		}
	}
}

// readAvailable checks the path for rotation or truncation and then reads
// up to maxBatchBytes from the cursor
func (t *Tailer) readAvailable() ([]types.Line, bool, error) {
	var lines []types.Line

	if t.cursor.file == nil {
		if err := t.reopen(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, false, nil
			}
			return nil, false, err
		}
		t.metrics.Rotation(t.path, "rotated")
	}

	stat, err := os.Stat(t.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Moved away and not yet recreated. Whatever reached the old file
		// before the move is still delivered.
		lines, err = t.drainOld()
		t.setState(StateRotationDetected)
		t.logger.Info().Msg("File removed, waiting for it to reappear")
		if cerr := t.cursor.close(); cerr != nil {
			t.logger.Warn().Err(cerr).Msg("Failed to close rotated file")
		}
		return lines, false, err

	case err != nil:
		return nil, false, fmt.Errorf("failed to stat file: %w", err)

	case !t.cursor.Identity().SameFile(fingerprintOf(stat)):
		old, err := t.drainOld()
		if err != nil {
			t.logger.Warn().Err(err).Msg("Failed to drain rotated file")
		}
		lines = append(lines, old...)

		t.setState(StateRotationDetected)
		t.logger.Info().Int64("old_offset", t.cursor.Offset()).Msg("File rotation detected")
		if cerr := t.cursor.close(); cerr != nil {
			t.logger.Warn().Err(cerr).Msg("Failed to close rotated file")
		}
		if err := t.reopen(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return lines, false, nil
			}
			return lines, false, err
		}
		t.metrics.Rotation(t.path, "rotated")

	case stat.Size() < t.cursor.Offset():
		t.setState(StateRotationDetected)
		t.logger.Info().
			Int64("size", stat.Size()).
			Int64("old_offset", t.cursor.Offset()).
			Msg("File truncation detected")
		if err := t.cursor.rewind(); err != nil {
			return nil, false, err
		}
		t.offset.Store(0)
		t.metrics.Rotation(t.path, "truncated")
		t.setState(StateTailing)
	}

	newLines, more, err := t.readCursor()
	t.offset.Store(t.cursor.Offset())
	return append(lines, newLines...), more, err
}

// drainOld delivers the remaining complete lines of a file that no longer
// sits at the tailed path. A trailing partial line is dropped.
func (t *Tailer) drainOld() ([]types.Line, error) {
	var lines []types.Line
	for {
		batch, more, err := t.readCursor()
		lines = append(lines, batch...)
		if err != nil || !more {
			return lines, err
		}
	}
}

func (t *Tailer) readCursor() ([]types.Line, bool, error) {
	lines, more, err := t.cursor.readLines(t.path, t.buf, maxBatchBytes)
	if n := t.cursor.takeDropped(); n > 0 {
		t.logger.Warn().
			Int64("bytes", n).
			Int("max_line_bytes", maxLineBytes).
			Msg("Dropped oversized line")
	}
	return lines, more, err
}

// reopen opens the file now at the path from its beginning
func (t *Tailer) reopen() error {
	cursor, err := openCursor(t.path, false)
	if err != nil {
		return err
	}
	t.cursor = cursor
	t.offset.Store(0)
	t.setState(StateTailing)
	t.logger.Info().Msg("Reopened file from start")
	return nil
}
