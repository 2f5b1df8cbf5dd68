package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Spinner metrics
	runsPoppedTotal     prometheus.Counter
	runsDispatchedTotal prometheus.Counter
	staleEntriesTotal   prometheus.Counter
	backpressureTotal   prometheus.Counter
	heapSize            prometheus.Gauge

	// Dispatcher metrics
	attemptsTotal  *prometheus.CounterVec
	attemptLatency prometheus.Histogram
	outcomesTotal  *prometheus.CounterVec
	runsInFlight   prometheus.Gauge
	queueDepth     prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink registered on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		runsPoppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronback_spinner_runs_popped_total",
			Help: "Total number of due heap entries popped by the spinner.",
		}),
		runsDispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronback_spinner_runs_dispatched_total",
			Help: "Total number of runs handed to the dispatcher.",
		}),
		staleEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronback_spinner_stale_entries_total",
			Help: "Total number of heap entries dropped due to stale generations.",
		}),
		backpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronback_spinner_backpressure_total",
			Help: "Total number of backpressure signals from the dispatcher.",
		}),
		heapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cronback_spinner_heap_size",
			Help: "Current number of entries in the spinner heap.",
		}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronback_dispatcher_attempts_total",
			Help: "Total number of webhook attempts.",
		}, []string{"attempt", "status_class"}),
		attemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cronback_dispatcher_attempt_latency_seconds",
			Help:    "Webhook attempt latency in seconds (excludes retry waits).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronback_dispatcher_run_outcomes_total",
			Help: "Total number of terminal run outcomes.",
		}, []string{"outcome"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cronback_dispatcher_runs_in_flight",
			Help: "Number of runs currently being executed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cronback_dispatcher_queue_depth",
			Help: "Current depth of the dispatcher execution queue.",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"cronback_spinner_runs_popped_total":          s.runsPoppedTotal,
		"cronback_spinner_runs_dispatched_total":      s.runsDispatchedTotal,
		"cronback_spinner_stale_entries_total":        s.staleEntriesTotal,
		"cronback_spinner_backpressure_total":         s.backpressureTotal,
		"cronback_spinner_heap_size":                  s.heapSize,
		"cronback_dispatcher_attempts_total":          s.attemptsTotal,
		"cronback_dispatcher_attempt_latency_seconds": s.attemptLatency,
		"cronback_dispatcher_run_outcomes_total":      s.outcomesTotal,
		"cronback_dispatcher_runs_in_flight":          s.runsInFlight,
		"cronback_dispatcher_queue_depth":             s.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			log.Printf("metrics: failed to register %s: %v", name, err)
		}
	}
	return s
}

func (s *PrometheusSink) RunPopped()            { s.runsPoppedTotal.Inc() }
func (s *PrometheusSink) RunDispatched()        { s.runsDispatchedTotal.Inc() }
func (s *PrometheusSink) StaleEntryDropped()    { s.staleEntriesTotal.Inc() }
func (s *PrometheusSink) BackpressureSignaled() { s.backpressureTotal.Inc() }
func (s *PrometheusSink) HeapSizeUpdate(n int)  { s.heapSize.Set(float64(n)) }

func (s *PrometheusSink) AttemptCompleted(attemptNum int, statusClass string, latency time.Duration) {
	s.attemptsTotal.WithLabelValues(strconv.Itoa(attemptNum), statusClass).Inc()
	s.attemptLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) RunOutcome(outcome string) {
	s.outcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RunsInFlightIncr()      { s.runsInFlight.Inc() }
func (s *PrometheusSink) RunsInFlightDecr()      { s.runsInFlight.Dec() }
func (s *PrometheusSink) QueueDepthUpdate(n int) { s.queueDepth.Set(float64(n)) }
