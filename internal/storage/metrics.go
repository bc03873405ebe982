package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradejournal/internal/models"
)

// Observer captures telemetry for image store operations.
type Observer interface {
	RecordSave(duration time.Duration, outcome SaveOutcome, sizeBytes int64, err error)
	RecordGet(duration time.Duration, found bool, err error)
	RecordDelete(duration time.Duration, err error)
}

// PrometheusObserver exports image store metrics to Prometheus.
type PrometheusObserver struct {
	duration     *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	saveOutcomes *prometheus.CounterVec
	lookups      *prometheus.CounterVec
	storedBytes  prometheus.Counter
}

// NewPrometheusObserver registers the store metrics with reg, reusing collectors
// that are already registered.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "trade_images"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of image store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed image store operations.",
		}, []string{"operation"}),
		saveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_outcomes_total",
			Help:      "Successful saves by outcome.",
		}, []string{"outcome"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Successful reads by result.",
		}, []string{"result"}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_bytes_total",
			Help:      "Cumulative payload size written by created or overwritten saves.",
		}),
	}

	var err error
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, o.errors); err != nil {
		return nil, err
	}
	if o.saveOutcomes, err = register(reg, o.saveOutcomes); err != nil {
		return nil, err
	}
	if o.lookups, err = register(reg, o.lookups); err != nil {
		return nil, err
	}
	if o.storedBytes, err = register(reg, o.storedBytes); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register image store metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) RecordSave(duration time.Duration, outcome SaveOutcome, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("save").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("save").Inc()
		return
	}
	o.saveOutcomes.WithLabelValues(outcome.String()).Inc()
	if outcome != OutcomeUnchanged {
		o.storedBytes.Add(float64(sizeBytes))
	}
}

func (o *PrometheusObserver) RecordGet(duration time.Duration, found bool, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("get").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("get").Inc()
		return
	}
	result := "absent"
	if found {
		result = "found"
	}
	o.lookups.WithLabelValues(result).Inc()
}

func (o *PrometheusObserver) RecordDelete(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("delete").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("delete").Inc()
	}
}

var _ ImageStore = (*InstrumentedStore)(nil)

// InstrumentedStore reports every call on the wrapped store to an Observer.
type InstrumentedStore struct {
	next     ImageStore
	observer Observer
}

func NewInstrumentedStore(next ImageStore, observer Observer) *InstrumentedStore {
	return &InstrumentedStore{next: next, observer: observer}
}

func (s *InstrumentedStore) Save(ctx context.Context, ownerID string, kind models.Kind, data []byte, mime string) (SaveResult, error) {
	start := time.Now()
	res, err := s.next.Save(ctx, ownerID, kind, data, mime)
	s.observer.RecordSave(time.Since(start), res.Outcome, res.ByteSize, err)
	return res, err
}

func (s *InstrumentedStore) Get(ctx context.Context, ownerID string, kind models.Kind) (models.StoredImageData, bool, error) {
	start := time.Now()
	data, found, err := s.next.Get(ctx, ownerID, kind)
	s.observer.RecordGet(time.Since(start), found, err)
	return data, found, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, ownerID string, kind models.Kind) error {
	start := time.Now()
	err := s.next.Delete(ctx, ownerID, kind)
	s.observer.RecordDelete(time.Since(start), err)
	return err
}
