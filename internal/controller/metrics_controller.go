package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsController exports published rates as prometheus metrics.
type MetricsController struct {
	rate    prometheus.Gauge
	updates prometheus.Counter
}

func NewMetricsController(registerer prometheus.Registerer) (*MetricsController, error) {
	controller := &MetricsController{
		rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backpressure",
			Name:      "recommended_rate",
			Help:      "Latest recommended ingestion rate in elements per second.",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backpressure",
			Name:      "rate_updates_total",
			Help:      "Number of rate recommendations published.",
		}),
	}

	for _, collector := range []prometheus.Collector{controller.rate, controller.updates} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return controller, nil
}

func (m *MetricsController) Publish(rate float64) error {
	m.rate.Set(rate)
	m.updates.Inc()
	return nil
}
