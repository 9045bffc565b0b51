package meter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/quotagate"
)

// PromMeter exports routing events as Prometheus metrics.
type PromMeter struct {
	selections *prometheus.CounterVec
	results    *prometheus.CounterVec
	releases   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inflight   *prometheus.GaugeVec
}

var _ quotagate.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
func NewPromMeter(reg prometheus.Registerer) (*PromMeter, error) {
	m := &PromMeter{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_selections_total",
			Help: "Profile selection attempts by outcome.",
		}, []string{"route", "provider", "outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_results_total",
			Help: "Finished dispatches by upstream status code.",
		}, []string{"route", "provider", "code"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_releases_total",
			Help: "Capacity releases by result.",
		}, []string{"route", "provider", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotagate_upstream_duration_seconds",
			Help:    "Time from dispatch to the end of the upstream response.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"route", "provider"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotagate_inflight",
			Help: "Dispatches holding a reservation.",
		}, []string{"route", "provider"}),
	}
	for _, c := range []prometheus.Collector{m.selections, m.results, m.releases, m.duration, m.inflight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) OnSelect(e quotagate.SelectEvent) {
	m.selections.WithLabelValues(e.Route, e.Decision.Provider, string(e.Outcome)).Inc()
	if e.Outcome == quotagate.SelectChosen {
		m.inflight.WithLabelValues(e.Route, e.Decision.Provider).Inc()
	}
}

// OnResult closes the inflight window opened by OnSelect. Every chosen
// selection produces exactly one result.
func (m *PromMeter) OnResult(e quotagate.ResultEvent) {
	m.inflight.WithLabelValues(e.Route, e.Provider).Dec()
	m.duration.WithLabelValues(e.Route, e.Provider).Observe(e.Duration.Seconds())
	m.results.WithLabelValues(e.Route, e.Provider, resultCode(e)).Inc()
}

func (m *PromMeter) OnRelease(e quotagate.ReleaseEvent) {
	result := "ok"
	if e.Error != nil {
		result = "error"
	}
	m.releases.WithLabelValues(e.Route, e.Provider, result).Inc()
}

func resultCode(e quotagate.ResultEvent) string {
	switch {
	case e.StatusCode != 0 && (e.Error == nil || !quotagate.IsCancellation(e.Error)):
		return strconv.Itoa(e.StatusCode)
	case e.Error != nil && quotagate.IsCancellation(e.Error):
		return "cancelled"
	default:
		return "error"
	}
}
