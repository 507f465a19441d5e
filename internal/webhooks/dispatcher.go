package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"invoicehook/internal/logging"
	"invoicehook/internal/metrics"
)

const (
	DeliveryIDHeader = "X-Delivery-Id"
	userAgent        = "invoicehook/1.0"
)

// Notification is the JSON body posted to a callback URI.
type Notification struct {
	RemittanceInfo string          `json:"remittance_info"`
	AmountMsat     int64           `json:"amount_msat"`
	MagicCode      string          `json:"magic_code"`
	Timestamp      int64           `json:"timestamp"` // Invoice creation time, unix seconds
	Settled        bool            `json:"settled"`
	LNDInvoiceData json.RawMessage `json:"lnd_invoice_data"`
}

// DeadLetter records a delivery that could not be completed.
type DeadLetter struct {
	ID           string        `json:"id"`
	CallbackURI  string        `json:"callback_uri"`
	Notification *Notification `json:"notification"`
	StatusCode   int           `json:"status_code,omitempty"`
	Error        string        `json:"error"`
	FailedAt     time.Time     `json:"failed_at"`
}

// DeadLetterSink persists failed deliveries for later inspection.
type DeadLetterSink interface {
	Store(ctx context.Context, letter *DeadLetter) error
}

// Dispatcher posts notifications to callback URIs. Each call makes exactly
// one attempt; failures are logged and dead-lettered but never retried.
type Dispatcher struct {
	client  *http.Client
	sink    DeadLetterSink
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. A nil client gets a 30 second timeout.
func NewDispatcher(client *http.Client, m *metrics.Metrics) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{
		client:  client,
		metrics: m,
		now:     time.Now,
	}
}

// SetDeadLetterSink sets where failed deliveries are recorded.
func (d *Dispatcher) SetDeadLetterSink(sink DeadLetterSink) {
	d.sink = sink
}

// Notify delivers n to callbackURI and reports whether the endpoint answered
// with a 2xx status.
func (d *Dispatcher) Notify(ctx context.Context, callbackURI string, n *Notification) bool {
	deliveryID := uuid.NewString()

	body, err := json.Marshal(n)
	if err != nil {
		d.fail(ctx, deliveryID, callbackURI, n, 0, errors.Wrap(err, "marshal notification"))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURI, bytes.NewReader(body))
	if err != nil {
		d.fail(ctx, deliveryID, callbackURI, n, 0, errors.Wrap(err, "create request"))
		return false
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(DeliveryIDHeader, deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.fail(ctx, deliveryID, callbackURI, n, 0, errors.Wrapf(err, "error calling callback URI %s", callbackURI))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		d.fail(ctx, deliveryID, callbackURI, n, resp.StatusCode,
			errors.Errorf("callback returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	logging.Webhook.Infof("delivered %s to %s (status %d)", deliveryID, callbackURI, resp.StatusCode)
	d.metrics.ObserveDelivery(true)
	return true
}

func (d *Dispatcher) fail(ctx context.Context, deliveryID, callbackURI string, n *Notification, status int, cause error) {
	logging.Webhook.Errorf("delivery %s failed: %v", deliveryID, cause)
	d.metrics.ObserveDelivery(false)

	if d.sink == nil {
		return
	}

	letter := &DeadLetter{
		ID:           deliveryID,
		CallbackURI:  callbackURI,
		Notification: n,
		StatusCode:   status,
		Error:        cause.Error(),
		FailedAt:     d.now().UTC(),
	}
	if err := d.sink.Store(ctx, letter); err != nil {
		logging.Webhook.Errorf("failed to record dead letter %s: %v", deliveryID, err)
	}
}
