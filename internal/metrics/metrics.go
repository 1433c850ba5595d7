package metrics

import (
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "pulsewatch"

// Cycle outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one scheduler cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	cyclesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Ticks that did not start a cycle, partitioned by reason.",
		},
		[]string{"reason"},
	)

	staleLockRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_lock_recoveries_total",
			Help:      "Cycle locks force-cleared after exceeding the stale timeout.",
		},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Completed probe lifecycles, partitioned by result and error type.",
		},
		[]string{"result", "error_type"},
	)

	probeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Response time of the final probe attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13),
		},
	)

	analyzerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_failures_total",
			Help:      "Analyzer invocations that returned an error or panicked.",
		},
		[]string{"analyzer"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies recorded, partitioned by type and severity.",
		},
		[]string{"type", "severity"},
	)

	regressionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regressions_total",
			Help:      "Performance regressions recorded.",
		},
	)

	predictiveAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictive_alerts_total",
			Help:      "Predictive alerts written, partitioned by created or updated.",
		},
		[]string{"action"},
	)
)

// Register attaches pulsewatch collectors to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		cyclesSkippedTotal,
		staleLockRecoveries,
		probesTotal,
		probeDurationSeconds,
		analyzerFailuresTotal,
		anomaliesTotal,
		regressionsTotal,
		predictiveAlertsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records the duration and outcome of one scheduler cycle.
func ObserveCycle(d time.Duration, outcome string) {
	if outcome != OutcomeFailed {
		outcome = OutcomeCompleted
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	if d < 0 {
		d = 0
	}
	cycleDurationSeconds.Observe(d.Seconds())
}

// CycleSkipped counts a tick that found a cycle already running.
func CycleSkipped(reason string) { cyclesSkippedTotal.WithLabelValues(reason).Inc() }

// StaleLockRecovered counts a force-cleared cycle lock.
func StaleLockRecovered() { staleLockRecoveries.Inc() }

// ObserveProbe records one completed probe lifecycle.
func ObserveProbe(success bool, errorType string, responseTime time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	if errorType == "" {
		errorType = "none"
	}
	probesTotal.WithLabelValues(result, errorType).Inc()
	probeDurationSeconds.Observe(responseTime.Seconds())
}

// AnalyzerFailed counts a failed analyzer invocation.
func AnalyzerFailed(analyzer string) { analyzerFailuresTotal.WithLabelValues(analyzer).Inc() }

// AnomalyRecorded counts one persisted anomaly.
func AnomalyRecorded(kind, severity string) { anomaliesTotal.WithLabelValues(kind, severity).Inc() }

// RegressionRecorded counts one newly persisted regression.
func RegressionRecorded() { regressionsTotal.Inc() }

// PredictiveAlertWritten counts a created or updated predictive alert.
func PredictiveAlertWritten(created bool) {
	action := "updated"
	if created {
		action = "created"
	}
	predictiveAlertsTotal.WithLabelValues(action).Inc()
}

// Totals gathers g and returns the summed value of every counter family,
// keyed by fully-qualified metric name.
func Totals(g prometheus.Gatherer) (map[string]float64, error) {
	mfs, err := g.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(mfs))
	for _, mf := range mfs {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		out[mf.GetName()] = sumFamily(mf)
	}
	return out, nil
}

// WriteText encodes everything in g to w in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
