package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/progress"
)

// PrometheusSink exports batch lifecycle and window timing metrics.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	windowDuration *prometheus.HistogramVec
	windowStubs    *prometheus.CounterVec
	recordStates   *prometheus.CounterVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrest_batches_started_total",
			Help: "Batches claimed by discovery workers.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrest_batches_finished_total",
			Help: "Batch attempts finished partitioned by result.",
		}, []string{"result"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrest_batches_running",
			Help: "Batches currently held by a worker in this process.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arrest_batch_runtime_seconds",
			Help:    "Wall time per batch attempt.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		windowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arrest_window_duration_seconds",
			Help:    "Time to scan one (target, category, day) window.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"site"}),
		windowStubs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrest_window_stubs_total",
			Help: "Stubs collected per completed window.",
		}, []string{"site"}),
		recordStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrest_record_states_total",
			Help: "Enrichment state transitions.",
		}, []string{"state"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesCompleted,
		s.batchesRunning,
		s.batchRuntime,
		s.windowDuration,
		s.windowStubs,
		s.recordStates,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	metrics.ObserveProgress(string(evt.Stage))
	switch evt.Stage {
	case progress.StageBatchClaimed:
		s.batchesStarted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
	case progress.StageBatchDone:
		s.finishBatch(evt, "success")
	case progress.StageBatchError:
		s.finishBatch(evt, "error")
	case progress.StageWindowDone:
		site := metrics.SanitizeSite(evt.Site)
		if evt.Dur > 0 {
			s.windowDuration.WithLabelValues(site).Observe(evt.Dur.Seconds())
		}
		if evt.Stubs > 0 {
			s.windowStubs.WithLabelValues(site).Add(float64(evt.Stubs))
		}
	case progress.StageRecordState:
		s.recordStates.WithLabelValues(string(evt.State)).Inc()
	case progress.StageRecordError:
		s.recordStates.WithLabelValues("error").Inc()
	}
}

func (s *PrometheusSink) finishBatch(evt progress.Event, result string) {
	s.batchesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.BatchID) {
		s.batchesRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[int64]struct{})}
}

func (t *batchTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
