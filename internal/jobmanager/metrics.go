package jobmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nixpig/fpar/internal/jobmanager/output"
)

const metricsNamespace = "fpar"

// Metrics are the Prometheus collectors updated during a run.
type Metrics struct {
	jobsQueued    prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	inFlight      prometheus.Gauge
	outputBytes   *prometheus.CounterVec
	spills        *prometheus.CounterVec
	skippedLines  prometheus.Counter
	workersLost   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		jobsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_queued_total",
			Help:      "Number of jobs handed to a worker queue.",
		}),
		jobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_completed_total",
			Help:      "Number of job results received, split by outcome.",
		}, []string{"outcome"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Time from writing a command to the shell until both streams completed.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_in_flight",
			Help:      "Number of jobs queued or running.",
		}),
		outputBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "output_bytes_total",
			Help:      "Bytes of job output captured, split by stream.",
		}, []string{"stream"}),
		spills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "output_spills_total",
			Help:      "Number of job streams spilled to a temporary file.",
		}, []string{"stream"}),
		skippedLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "input_lines_skipped_total",
			Help:      "Number of malformed input lines skipped.",
		}),
		workersLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workers_lost_total",
			Help:      "Number of workers whose shell failed.",
		}),
	}
}

func (m *Metrics) queued() {
	m.jobsQueued.Inc()
	m.inFlight.Inc()
}

func (m *Metrics) completed(res *Result) {
	m.inFlight.Dec()

	outcome := "ok"
	if res.Err != nil {
		outcome = "failed"
	}

	m.jobsCompleted.WithLabelValues(outcome).Inc()

	if res.Runtime > 0 {
		m.jobDuration.Observe(res.Runtime.Seconds())
	}

	for stream, acc := range map[string]*output.Accumulator{
		"stdout": res.Stdout,
		"stderr": res.Stderr,
	} {
		if acc == nil {
			continue
		}

		m.outputBytes.WithLabelValues(stream).Add(float64(acc.Len()))

		if acc.Kind() == output.KindSpilled {
			m.spills.WithLabelValues(stream).Inc()
		}
	}
}
