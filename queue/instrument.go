package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atsora/cncqueue/exchange"
)

// TracerName is the instrumentation scope of queue spans.
const TracerName = "github.com/atsora/cncqueue/queue"

// Metrics holds the Prometheus collectors shared by instrumented queues.
type Metrics struct {
	mu sync.Mutex

	operationsTotal  *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
	recordsCurrent   *prometheus.GaugeVec
	vacuumsTotal     *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates the collectors. A nil registerer means
// prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cncqueue",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queue operations by backend, operation and result",
		}, []string{"queue", "backend", "operation", "result"}),
		operationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cncqueue",
			Subsystem: "queue",
			Name:      "operation_duration_seconds",
			Help:      "Duration of queue operations",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"backend", "operation"}),
		recordsCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cncqueue",
			Subsystem: "queue",
			Name:      "records",
			Help:      "Last counted number of queued records",
		}, []string{"queue"}),
		vacuumsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cncqueue",
			Subsystem: "queue",
			Name:      "vacuums_total",
			Help:      "Housekeeping runs triggered by VacuumIfNeeded",
		}, []string{"queue"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	var err error
	if m.operationsTotal, err = register(m.registerer, m.operationsTotal); err != nil {
		return err
	}
	if m.operationSeconds, err = register(m.registerer, m.operationSeconds); err != nil {
		return err
	}
	if m.recordsCurrent, err = register(m.registerer, m.recordsCurrent); err != nil {
		return err
	}
	if m.vacuumsTotal, err = register(m.registerer, m.vacuumsTotal); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// register adopts the collector already registered under the same
// descriptor, so several Metrics share one set of series.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	err := r.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *Metrics) observe(queueName, backend, op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrQueueEmpty):
		result = "empty"
	case err != nil:
		result = "error"
	}
	m.operationsTotal.WithLabelValues(queueName, backend, op, result).Inc()
	m.operationSeconds.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

type instrumented struct {
	Backend
	queueName   string
	backendType string
	metrics     *Metrics
	tracer      trace.Tracer
}

// Instrument wraps b so that every operation is counted in metrics and
// traced with tracer. Either may be nil; a nil tracer uses the global
// provider.
func Instrument(b Backend, queueName, backendType string, metrics *Metrics, tracer trace.Tracer) Backend {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return &instrumented{
		Backend:     b,
		queueName:   queueName,
		backendType: backendType,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Unwrap returns the instrumented backend.
func (q *instrumented) Unwrap() Backend { return q.Backend }

func (q *instrumented) start(ctx context.Context, op string) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := q.tracer.Start(ctx, "queue."+op, trace.WithAttributes(
		attribute.String("queue.name", q.queueName),
		attribute.String("queue.backend", q.backendType),
	))
	return ctx, func(err error) {
		if err != nil && !errors.Is(err, ErrQueueEmpty) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if q.metrics != nil {
			q.metrics.observe(q.queueName, q.backendType, op, begin, err)
		}
	}
}

func (q *instrumented) Enqueue(ctx context.Context, r exchange.Record) error {
	ctx, done := q.start(ctx, "enqueue")
	err := q.Backend.Enqueue(ctx, r)
	done(err)
	return err
}

func (q *instrumented) Peek(ctx context.Context, n int) ([]exchange.Record, error) {
	ctx, done := q.start(ctx, "peek")
	records, err := q.Backend.Peek(ctx, n)
	done(err)
	return records, err
}

func (q *instrumented) Dequeue(ctx context.Context) (exchange.Record, error) {
	ctx, done := q.start(ctx, "dequeue")
	r, err := q.Backend.Dequeue(ctx)
	done(err)
	return r, err
}

func (q *instrumented) UnsafeDequeue(ctx context.Context, n int) error {
	ctx, done := q.start(ctx, "unsafe_dequeue")
	err := q.Backend.UnsafeDequeue(ctx, n)
	done(err)
	return err
}

func (q *instrumented) Count(ctx context.Context) (int, error) {
	ctx, done := q.start(ctx, "count")
	n, err := q.Backend.Count(ctx)
	done(err)
	if err == nil && q.metrics != nil {
		q.metrics.recordsCurrent.WithLabelValues(q.queueName).Set(float64(n))
	}
	return n, err
}

func (q *instrumented) VacuumIfNeeded(ctx context.Context) (bool, error) {
	ctx, done := q.start(ctx, "vacuum")
	ran, err := q.Backend.VacuumIfNeeded(ctx)
	done(err)
	if ran && q.metrics != nil {
		q.metrics.vacuumsTotal.WithLabelValues(q.queueName).Inc()
	}
	return ran, err
}

func (q *instrumented) Clear(ctx context.Context) error {
	ctx, done := q.start(ctx, "clear")
	err := q.Backend.Clear(ctx)
	done(err)
	return err
}
