package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/classifier"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/tracing"
	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

// ErrStoreUnavailable is returned by Run when an event could not be
// persisted within the retry bound
var ErrStoreUnavailable = errors.New("event store unavailable")

// LineSource emits lines appended to a watched file
type LineSource interface {
	Start(ctx context.Context) error
	Lines() <-chan types.Line
	Stop()
}

// EventPersister durably records a classified event
type EventPersister interface {
	Persist(ctx context.Context, event *types.Event) (int64, error)
}

// Stats counts what the service has processed since it started
type Stats struct {
	Lines    int64
	Events   int64
	Misses   int64
	Failures int64
}

// Service wires a LineSource through a Classifier into an EventPersister.
// Lines are handled one at a time on the goroutine calling Run, so events
// are persisted in file order.
type Service struct {
	source     LineSource
	classifier *classifier.Classifier
	store      EventPersister
	retry      reliability.RetryConfig
	metrics    *metrics.Collector
	logger     *logging.Logger

	lines    atomic.Int64
	events   atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// Config holds the service collaborators
type Config struct {
	Source     LineSource
	Classifier *classifier.Classifier
	Store      EventPersister
	Retry      reliability.RetryConfig
	Metrics    *metrics.Collector
	Logger     *logging.Logger
}

// NewService creates an ingestion service
func NewService(cfg Config) (*Service, error) {
	if cfg.Source == nil {
		return nil, errors.New("line source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("event store is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	return &Service{
		source:     cfg.Source,
		classifier: cfg.Classifier,
		store:      cfg.Store,
		retry:      cfg.Retry,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.WithComponent("ingest"),
	}, nil
}

// Run starts the source and processes lines until ctx is cancelled or the
// store stays unavailable past the retry bound. Cancellation stops the
// source; lines it had already delivered are still persisted and Run
// returns nil. Store exhaustion returns an error wrapping
// ErrStoreUnavailable.
func (s *Service) Run(ctx context.Context) error {
	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tailing: %w", err)
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.source.Stop()
		case <-stopped:
		}
	}()

	s.logger.Info().Msg("Ingestion started")

	for line := range s.source.Lines() {
		if err := s.handle(ctx, line); err != nil {
			s.abandon()
			return err
		}
	}

	s.logger.Info().
		Int64("lines", s.lines.Load()).
		Int64("events", s.events.Load()).
		Msg("Ingestion stopped")

	return nil
}

func (s *Service) handle(ctx context.Context, line types.Line) error {
	s.lines.Add(1)

	event, ok := s.classifier.Classify(line.Text)
	if !ok {
		s.misses.Add(1)
		s.metrics.ClassificationMiss(line.Source)
		s.logger.Debug().Int64("offset", line.Offset).Str("line", line.Text).Msg("No reason matched")
		return nil
	}

	ctx, span := tracing.TraceLine(ctx, line.Source, line.Offset)
	defer span.End()

	err := s.persist(ctx, event)
	if err != nil {
		tracing.RecordError(ctx, err)
	}

	switch {
	case err == nil:
		s.events.Add(1)
		s.logger.Debug().
			Int64("sequence", event.Sequence).
			Str("device_mac", event.DeviceMAC).
			Str("reason", event.Reason.String()).
			Msg("Event persisted")
		return nil

	case errors.Is(err, store.ErrInvalidEvent):
		s.failures.Add(1)
		s.logger.Error().Err(err).Str("line", line.Text).Msg("Dropping invalid event")
		return nil

	case errors.Is(err, reliability.ErrRetryAborted):
		// shutting down mid-backoff; nothing was written
		s.failures.Add(1)
		s.logger.Warn().Err(err).Int64("offset", line.Offset).Msg("Persist abandoned on shutdown")
		return nil

	default:
		s.failures.Add(1)
		s.logger.Error().Err(err).Int64("offset", line.Offset).Msg("Failed to persist event")
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

// persist writes event, retrying transient failures. Individual writes run
// detached from ctx so a shutdown never interrupts an insert halfway; ctx
// only cuts the wait between attempts short.
func (s *Service) persist(ctx context.Context, event *types.Event) error {
	cfg := s.retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		s.metrics.PersistRetried()
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Persist failed, retrying")
	}

	return reliability.Retry(ctx, cfg, func(ctx context.Context) error {
		_, err := s.store.Persist(context.WithoutCancel(ctx), event)
		if errors.Is(err, store.ErrInvalidEvent) {
			return reliability.Permanent(err)
		}
		return err
	})
}

// abandon stops the source after a fatal store error. The source may be
// blocked delivering a batch, so its remaining lines are discarded.
func (s *Service) abandon() {
	done := make(chan struct{})
	go func() {
		for range s.source.Lines() {
		}
		close(done)
	}()
	s.source.Stop()
	<-done
}

// Stats returns a snapshot of the service counters
func (s *Service) Stats() Stats {
	return Stats{
		Lines:    s.lines.Load(),
		Events:   s.events.Load(),
		Misses:   s.misses.Load(),
		Failures: s.failures.Load(),
	}
}
