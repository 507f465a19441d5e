// Package metrics exposes Prometheus collectors for the invoice pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the service updates.
type Metrics struct {
	listenerHealthy prometheus.Gauge
	reconnects      prometheus.Counter
	streamMessages  *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	invoicesCreated prometheus.Counter
	invoicesClosed  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		listenerHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "invoicehook_listener_healthy",
			Help: "1 while the settlement subscription is connected and not in an error state",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoicehook_listener_reconnects_total",
			Help: "Number of times the settlement subscription was (re)opened",
		}),
		streamMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicehook_stream_messages_total",
			Help: "Messages read from the settlement stream by kind",
		}, []string{"kind"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicehook_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		invoicesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoicehook_invoices_created_total",
			Help: "Invoices created and recorded in the ledger",
		}),
		invoicesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicehook_invoices_closed_total",
			Help: "Ledger rows removed by reason",
		}, []string{"reason"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicehook_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
	}
}

func (m *Metrics) SetListenerHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.listenerHealthy.Set(1)
	} else {
		m.listenerHealthy.Set(0)
	}
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ObserveStreamMessage(kind string) {
	if m == nil {
		return
	}
	m.streamMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDelivery(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncInvoicesCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}

// AddInvoicesClosed counts ledger rows removed for reason ("settled" or "expired").
func (m *Metrics) AddInvoicesClosed(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.invoicesClosed.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveHTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
