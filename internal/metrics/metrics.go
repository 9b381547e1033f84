// Package metrics exposes prometheus counters for order fulfillment.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is safe to use as a nil pointer; every method is then a no-op.
type Recorder struct {
	registry           *prometheus.Registry
	ordersCreated      *prometheus.CounterVec
	orderTransitions   *prometheus.CounterVec
	stockMovements     *prometheus.CounterVec
	financialDocuments *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ordersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_orders_created_total",
			Help: "Orders created, by kind.",
		}, []string{"kind"}),
		orderTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_order_transitions_total",
			Help: "Order status transitions, by kind and target status.",
		}, []string{"kind", "status"}),
		stockMovements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_stock_movements_total",
			Help: "Stock movements posted by order fulfillment, by type.",
		}, []string{"type"}),
		financialDocuments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_financial_documents_total",
			Help: "Payables and receivables issued, by kind.",
		}, []string{"kind"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_http_requests_total",
			Help: "HTTP requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erp_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (r *Recorder) OrderCreated(kind string) {
	if r == nil {
		return
	}
	r.ordersCreated.WithLabelValues(kind).Inc()
}

func (r *Recorder) OrderTransition(kind string, status string) {
	if r == nil {
		return
	}
	r.orderTransitions.WithLabelValues(kind, status).Inc()
}

func (r *Recorder) StockMovements(movementType string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.stockMovements.WithLabelValues(movementType).Add(float64(n))
}

func (r *Recorder) FinancialDocument(kind string) {
	if r == nil {
		return
	}
	r.financialDocuments.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObserveHTTP(method string, route string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
