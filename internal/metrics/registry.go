package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// register adds c to registry, returning the collector already registered
// under the same descriptor when there is one.
func register[T prometheus.Collector](c T, registry *prometheus.Registry) T {
	err := registry.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		panic(err)
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		panic("different metric type registration")
	}
	return existing
}

func newGauge(opts prometheus.GaugeOpts, registry *prometheus.Registry) prometheus.Gauge {
	return register(prometheus.NewGauge(opts), registry)
}

func newCounterVec(opts prometheus.CounterOpts, labels []string, registry *prometheus.Registry) *prometheus.CounterVec {
	return register(prometheus.NewCounterVec(opts, labels), registry)
}

func newHistogram(opts prometheus.HistogramOpts, registry *prometheus.Registry) prometheus.Histogram {
	return register(prometheus.NewHistogram(opts), registry)
}

func newGaugeFunc(opts prometheus.GaugeOpts, function func() float64, registry *prometheus.Registry) prometheus.GaugeFunc {
	return register(prometheus.NewGaugeFunc(opts, function), registry)
}
