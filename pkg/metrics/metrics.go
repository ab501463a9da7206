// Package metrics holds the Prometheus collectors for one examination run.
// Every method is safe on a nil *Metrics so callers can run without metrics.
package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics tracks session lifecycle counters
type Metrics struct {
	registry *prometheus.Registry

	sessions       *prometheus.CounterVec
	teardowns      *prometheus.CounterVec
	signals        *prometheus.CounterVec
	stateDuration  *prometheus.HistogramVec
	provisionTime  prometheus.Histogram
	score          prometheus.Gauge
	sessionStarted prometheus.Gauge
}

// New creates collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskexam_sessions_total",
				Help: "Examination sessions by outcome",
			},
			[]string{"outcome"},
		),
		teardowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskexam_teardowns_total",
				Help: "Environment teardowns by initiator and result",
			},
			[]string{"initiator", "result"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskexam_signals_total",
				Help: "Termination signals received",
			},
			[]string{"signal"},
		),
		stateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskexam_state_duration_seconds",
				Help:    "Time spent in each session state",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"state"},
		),
		provisionTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "deskexam_provision_duration_seconds",
				Help:    "Time to provision the desktop environment",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		score: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deskexam_evaluation_score",
				Help: "Score returned by the evaluator for the last session",
			},
		),
		sessionStarted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deskexam_session_start_timestamp_seconds",
				Help: "Unix time the current session started",
			},
		),
	}

	m.registry.MustRegister(
		m.sessions,
		m.teardowns,
		m.signals,
		m.stateDuration,
		m.provisionTime,
		m.score,
		m.sessionStarted,
	)
	return m
}

// Registry exposes the registry for HTTP export
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionStarted records the session start time
func (m *Metrics) SessionStarted(t time.Time) {
	if m == nil {
		return
	}
	m.sessionStarted.Set(float64(t.Unix()))
}

// SessionFinished counts a session outcome
func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

// ObserveState records how long a state lasted
func (m *Metrics) ObserveState(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.stateDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveProvision records provisioning time
func (m *Metrics) ObserveProvision(d time.Duration) {
	if m == nil {
		return
	}
	m.provisionTime.Observe(d.Seconds())
}

// Teardown counts one teardown attempt that actually ran
func (m *Metrics) Teardown(initiator string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.teardowns.WithLabelValues(initiator, result).Inc()
}

// Signal counts a received termination signal
func (m *Metrics) Signal(name string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(name).Inc()
}

// Score records the evaluation score
func (m *Metrics) Score(v float64) {
	if m == nil {
		return
	}
	m.score.Set(v)
}

// Text renders every collected family in Prometheus text format
func (m *Metrics) Text() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile writes the metrics in node_exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	data, err := m.Text()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
