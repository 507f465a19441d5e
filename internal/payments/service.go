package payments

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"invoicehook/internal/logging"
	"invoicehook/internal/metrics"
	"invoicehook/internal/store"
	"invoicehook/internal/webhooks"
)

const (
	DefaultExpirySeconds = 86400
	MaxRemittanceBytes   = 600
)

// ValidationError describes an invoice request that was rejected before the
// node was contacted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvoiceRequest is a caller's request for a new invoice.
type InvoiceRequest struct {
	AmountMsat     int64
	CallbackURI    string
	RemittanceInfo string
	MagicCode      string
	ExpirySeconds  int64 // 0 means DefaultExpirySeconds
}

// Validate checks the request and fills in defaults.
func (r *InvoiceRequest) Validate() error {
	if r.ExpirySeconds == 0 {
		r.ExpirySeconds = DefaultExpirySeconds
	}
	if r.ExpirySeconds < 0 {
		return &ValidationError{Field: "expiry", Reason: "must be positive"}
	}
	if r.AmountMsat <= 0 {
		return &ValidationError{Field: "amount_msat", Reason: "must be positive"}
	}
	if len(r.RemittanceInfo) > MaxRemittanceBytes {
		return &ValidationError{Field: "remittance_info", Reason: fmt.Sprintf("longer than %d bytes", MaxRemittanceBytes)}
	}
	u, err := url.Parse(r.CallbackURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: "callback_uri", Reason: "not an absolute URI"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "callback_uri", Reason: "scheme must be http or https"}
	}
	return nil
}

// CreatedInvoice is returned to the caller after a successful submission.
type CreatedInvoice struct {
	Index          uint64
	PaymentRequest string
	ExpiresAt      time.Time
}

// Notifier delivers a settlement notification to a callback URI.
type Notifier interface {
	Notify(ctx context.Context, callbackURI string, n *webhooks.Notification) bool
}

// InvoiceClosedCallback is called after a settled invoice leaves the ledger.
type InvoiceClosedCallback func(index uint64)

// Service coordinates invoice creation, settlement handling and expiry.
//
// mu serializes HandleEvent (lookup, dispatch, delete) against the ledger
// insert in SubmitInvoiceRequest and the bulk delete in SweepExpired. It is
// held across dispatch, so the listener reads no further events until the
// callback has been answered.
type Service struct {
	node     NodeClient
	ledger   store.Ledger
	notifier Notifier
	metrics  *metrics.Metrics

	mu       sync.Mutex
	onClosed InvoiceClosedCallback

	now func() time.Time
}

// NewService creates a new coordinator. m may be nil.
func NewService(node NodeClient, ledger store.Ledger, notifier Notifier, m *metrics.Metrics) *Service {
	return &Service{
		node:     node,
		ledger:   ledger,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
	}
}

// SetInvoiceClosedCallback registers cb to be told when an invoice settles.
func (s *Service) SetInvoiceClosedCallback(cb InvoiceClosedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = cb
}

// SubmitInvoiceRequest validates req, asks the node for an invoice and
// records it in the ledger. If either step fails nothing is recorded.
func (s *Service) SubmitInvoiceRequest(ctx context.Context, req InvoiceRequest) (*CreatedInvoice, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	inv, err := s.node.CreateInvoice(ctx, req.AmountMsat, req.RemittanceInfo, req.ExpirySeconds)
	if err != nil {
		return nil, errors.Wrap(err, "create invoice")
	}

	created := s.now()
	row := &store.Invoice{
		Index:          inv.Index,
		RemittanceInfo: req.RemittanceInfo,
		AmountMsat:     req.AmountMsat,
		MagicCode:      req.MagicCode,
		CallbackURI:    req.CallbackURI,
		CreatedAt:      created,
		ExpiresAt:      created.Add(time.Duration(req.ExpirySeconds) * time.Second),
	}

	s.mu.Lock()
	err = s.ledger.Insert(ctx, row)
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "record invoice %d", inv.Index)
	}

	logging.Internal.Infof("created invoice %d for %d msat", inv.Index, req.AmountMsat)
	s.metrics.IncInvoicesCreated()

	return &CreatedInvoice{
		Index:          inv.Index,
		PaymentRequest: inv.PaymentRequest,
		ExpiresAt:      row.ExpiresAt,
	}, nil
}

// HandleEvent processes one settlement event. Events for unknown indexes
// are ignored. A settled invoice is removed from the ledger whether or not
// the callback succeeded.
func (s *Service) HandleEvent(ctx context.Context, event *SettlementEvent) {
	if err := event.Validate(); err != nil {
		logging.LND.Warnf("dropping event: %v", err)
		return
	}
	index, settled := *event.Index, *event.Settled

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.ledger.Get(ctx, index)
	if errors.Is(err, store.ErrNotFound) {
		logging.Internal.Infof("no pending invoice with index %d", index)
		return
	}
	if err != nil {
		logging.Internal.Errorf("failed to look up invoice %d: %v", index, err)
		return
	}

	n := &webhooks.Notification{
		RemittanceInfo: inv.RemittanceInfo,
		AmountMsat:     inv.AmountMsat,
		MagicCode:      inv.MagicCode,
		Timestamp:      inv.CreatedAt.Unix(),
		Settled:        settled,
		LNDInvoiceData: event.Payload,
	}
	if !s.notifier.Notify(ctx, inv.CallbackURI, n) {
		logging.Webhook.Warnf("callback for invoice %d was not accepted", index)
	}

	if !settled {
		return
	}

	if err := s.ledger.Delete(ctx, index); err != nil {
		logging.Internal.Errorf("CRITICAL: failed to remove settled invoice %d: %v", index, err)
		return
	}
	s.metrics.AddInvoicesClosed("settled", 1)

	if s.onClosed != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Internal.Errorf("invoice closed callback panic for %d: %v", index, r)
				}
			}()
			s.onClosed(index)
		}()
	}
}

// SweepExpired removes every invoice whose deadline is before now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.ledger.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired invoices")
	}
	s.metrics.AddInvoicesClosed("expired", n)
	return n, nil
}
