package server

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketrails/internal/escrow"
	"marketrails/internal/events"
	"marketrails/internal/market"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	operationsTotal   *prometheus.CounterVec
	idempotencyTotal  *prometheus.CounterVec
	eventStreamsGauge prometheus.Gauge
}

func newMetricsRegistry(registry *market.Registry, book *escrow.Book, hub *events.Hub) *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketrails_operations_total",
		Help: "Settlement operations by name and result kind",
	}, []string{"op", "result"})

	idem := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketrails_idempotency_total",
		Help: "Idempotency key outcomes on signed writes",
	}, []string{"outcome"})

	streams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketrails_event_streams",
		Help: "Open websocket event streams",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, idem, streams)

	if book != nil {
		r.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "marketrails_open_escrows",
				Help: "Escrows still holding or able to hold funds",
			}, func() float64 { return float64(book.Stats().Open) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "marketrails_escrow_held_value",
				Help: "Total value in escrow custody, in base units",
			}, func() float64 {
				f, _ := new(big.Float).SetInt(book.Stats().Held).Float64()
				return f
			}),
		)
	}
	if registry != nil {
		r.MustRegister(newListingCollector(registry))
	}
	if hub != nil {
		r.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "marketrails_event_subscribers",
			Help: "Live event hub subscribers",
		}, func() float64 { return float64(hub.Subscribers()) }))
	}

	return &metricsRegistry{
		registry:          r,
		operationsTotal:   ops,
		idempotencyTotal:  idem,
		eventStreamsGauge: streams,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOp(op, result string) {
	m.operationsTotal.WithLabelValues(op, result).Inc()
}

func (m *metricsRegistry) incIdempotency(outcome string) {
	m.idempotencyTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) streamOpened() { m.eventStreamsGauge.Inc() }

func (m *metricsRegistry) streamClosed() { m.eventStreamsGauge.Dec() }

// listingCollector reports listing counts per status at scrape time.
type listingCollector struct {
	registry *market.Registry
	desc     *prometheus.Desc
}

func newListingCollector(registry *market.Registry) *listingCollector {
	return &listingCollector{
		registry: registry,
		desc: prometheus.NewDesc(
			"marketrails_listings",
			"Listings by status",
			[]string{"status"}, nil,
		),
	}
}

func (c *listingCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *listingCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.registry.Stats()
	for _, status := range []market.Status{market.StatusAvailable, market.StatusPending, market.StatusSold, market.StatusCancelled} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(stats[status]), status.String())
	}
}
