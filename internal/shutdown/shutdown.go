package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
)

// DefaultTimeout bounds the whole cleanup sequence
const DefaultTimeout = 10 * time.Second

// Manager turns a stop signal into a cancelled context and then runs the
// registered cleanup functions, most recently registered first
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	mu           sync.Mutex
	funcs        []namedFunc
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	err          error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type namedFunc struct {
	name string
	fn   ShutdownFunc
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc registers a cleanup function. Functions run in reverse
// registration order, so a resource registered before its users is
// released after them.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("name", name).Msg("Registered shutdown function")
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// Context returns a child of parent that is cancelled when SIGINT or
// SIGTERM arrives or Shutdown is called
func (m *Manager) Context(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			m.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			cancel()
		case <-m.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Shutdown runs the registered cleanup functions once and returns the
// joined errors. Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.err = m.performShutdown()
		close(m.gracefulDone)
	})
	<-m.gracefulDone
	return m.err
}

func (m *Manager) performShutdown() error {
	m.mu.Lock()
	funcs := append([]namedFunc(nil), m.funcs...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		f := funcs[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped, shutdown timed out", f.name))
			continue
		}

		if err := f.fn(ctx); err != nil {
			m.logger.Error().Err(err).Str("name", f.name).Msg("Shutdown function failed")
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		m.logger.Debug().Str("name", f.name).Msg("Shutdown function completed")
	}

	if len(errs) > 0 {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
		return errors.Join(errs...)
	}

	m.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// HandlePanic recovers from panics, runs cleanup, and re-panics
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		panic(r)
	}
}
