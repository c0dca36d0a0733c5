package topocorrection

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of correction runs. A nil *Metrics
// records nothing.
type Metrics struct {
	Runs          *prometheus.CounterVec
	BandDuration  *prometheus.HistogramVec
	RowsRead      prometheus.Counter
	ActiveRuns    prometheus.Gauge
	RegressionFit *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "topocorrect_runs_total",
			Help: "Correction runs by algorithm and outcome.",
		}, []string{"algorithm", "outcome"}),
		BandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "topocorrect_band_duration_seconds",
			Help:    "Time spent correcting one band.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"algorithm"}),
		RowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topocorrect_rows_read_total",
			Help: "Raster rows read by the raster calculator.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "topocorrect_active_runs",
			Help: "Correction runs in progress.",
		}),
		RegressionFit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "topocorrect_regressions_total",
			Help: "Per band regressions by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.BandDuration, m.RowsRead, m.ActiveRuns, m.RegressionFit)
	}
	return m
}

func (m *Metrics) run(alg, outcome string) {
	if m != nil {
		m.Runs.WithLabelValues(alg, outcome).Inc()
	}
}

func (m *Metrics) band(alg string, seconds float64) {
	if m != nil {
		m.BandDuration.WithLabelValues(alg).Observe(seconds)
	}
}

func (m *Metrics) regression(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RegressionFit.WithLabelValues(outcome).Inc()
}

func (m *Metrics) active(delta float64) {
	if m != nil {
		m.ActiveRuns.Add(delta)
	}
}

func (m *Metrics) rowsCounter() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.RowsRead
}
