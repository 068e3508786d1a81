package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "authtrail"

// Collector provides a central place for all application metrics.
// All recording helpers are safe to call on a nil *Collector.
type Collector struct {
	// Tailer metrics
	TailerLinesRead *prometheus.CounterVec
	TailerRotations *prometheus.CounterVec
	TailerOffset    *prometheus.GaugeVec

	// Classifier metrics
	ClassifierMisses *prometheus.CounterVec

	// Store metrics
	StoreEventsPersisted *prometheus.CounterVec
	StorePersistFailures prometheus.Counter
	StorePersistRetries  prometheus.Counter
	StoreAuditFailures   prometheus.Counter
	StorePersistDuration prometheus.Histogram

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initTailerMetrics()
	c.initClassifierMetrics()
	c.initStoreMetrics()
	c.initSystemMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initTailerMetrics() {
	c.TailerLinesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "lines_read_total",
			Help:      "Total number of complete lines read from the watched file",
		},
		[]string{"source"},
	)

	c.TailerRotations = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "rotations_total",
			Help:      "Total number of detected rotations and truncations",
		},
		[]string{"source", "kind"},
	)

	c.TailerOffset = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "offset_bytes",
			Help:      "Current read offset in the watched file",
		},
		[]string{"source"},
	)
}

func (c *Collector) initClassifierMetrics() {
	c.ClassifierMisses = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "misses_total",
			Help:      "Total number of lines that did not classify into an event",
		},
		[]string{"source"},
	)
}

func (c *Collector) initStoreMetrics() {
	c.StoreEventsPersisted = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "events_persisted_total",
			Help:      "Total number of events committed to the structured store",
		},
		[]string{"reason"},
	)

	c.StorePersistFailures = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Total number of failed structured store writes",
		},
	)

	c.StorePersistRetries = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_retries_total",
			Help:      "Total number of persist retries",
		},
	)

	c.StoreAuditFailures = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "audit_failures_total",
			Help:      "Total number of audit log appends that failed after a committed insert",
		},
	)

	c.StorePersistDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_duration_seconds",
			Help:      "Time taken to persist an event to both sinks",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~800ms
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "mem_alloc_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// LineRead records one complete line read from source at offset
func (c *Collector) LineRead(source string, offset int64) {
	if c == nil {
		return
	}
	c.TailerLinesRead.WithLabelValues(source).Inc()
	c.TailerOffset.WithLabelValues(source).Set(float64(offset))
}

// Rotation records a rotation ("rotated") or truncation ("truncated")
func (c *Collector) Rotation(source, kind string) {
	if c == nil {
		return
	}
	c.TailerRotations.WithLabelValues(source, kind).Inc()
	c.TailerOffset.WithLabelValues(source).Set(0)
}

// ClassificationMiss records a line that produced no event
func (c *Collector) ClassificationMiss(source string) {
	if c == nil {
		return
	}
	c.ClassifierMisses.WithLabelValues(source).Inc()
}

// Persisted records a committed event and the time both sinks took
func (c *Collector) Persisted(reason string, d time.Duration) {
	if c == nil {
		return
	}
	c.StoreEventsPersisted.WithLabelValues(reason).Inc()
	c.StorePersistDuration.Observe(d.Seconds())
}

// PersistFailed records a failed structured store write
func (c *Collector) PersistFailed() {
	if c == nil {
		return
	}
	c.StorePersistFailures.Inc()
}

// PersistRetried records a persist retry
func (c *Collector) PersistRetried() {
	if c == nil {
		return
	}
	c.StorePersistRetries.Inc()
}

// AuditFailed records an audit log append failure
func (c *Collector) AuditFailed() {
	if c == nil {
		return
	}
	c.StoreAuditFailures.Inc()
}

// SetHealth records the health of a component
func (c *Collector) SetHealth(component string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.HealthStatus.WithLabelValues(component).Set(v)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}

	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.collectSystemMetrics()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the system metrics loop
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
