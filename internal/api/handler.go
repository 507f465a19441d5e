package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"invoicehook/internal/logging"
	"invoicehook/internal/payments"
)

// maxBodySize bounds the invoice request body.
const maxBodySize = 64 << 10

// InvoiceCreator creates invoices on behalf of callers.
type InvoiceCreator interface {
	SubmitInvoiceRequest(ctx context.Context, req payments.InvoiceRequest) (*payments.CreatedInvoice, error)
}

// HealthChecker reports whether settlements are currently being observed.
type HealthChecker interface {
	Healthy() bool
}

// Handler handles HTTP requests.
type Handler struct {
	invoices       InvoiceCreator
	health         HealthChecker
	secret         []byte
	pendingLimiter *PendingInvoiceLimiter
	mux            *http.ServeMux
}

// NewHandler creates a new HTTP handler.
// If pendingLimiter is nil, no per-IP limit is enforced.
func NewHandler(invoices InvoiceCreator, health HealthChecker, secret string, pendingLimiter *PendingInvoiceLimiter) *Handler {
	h := &Handler{
		invoices:       invoices,
		health:         health,
		secret:         []byte(secret),
		pendingLimiter: pendingLimiter,
		mux:            http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /v1/invoice", h.handleCreateInvoice)
	h.mux.HandleFunc("GET /v1/health", h.handleHealth)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CreateInvoiceRequest is the request body for creating an invoice.
// Pointer fields distinguish missing values from zero values.
type CreateInvoiceRequest struct {
	AmountMsat     *int64  `json:"amount_msat"`
	CallbackURI    *string `json:"callback_uri"`
	RemittanceInfo *string `json:"remittance_info"`
	MagicCode      *string `json:"magic_code"`
	Secret         *string `json:"secret"`
	Expiry         *int64  `json:"expiry,omitempty"`
}

func (r *CreateInvoiceRequest) complete() bool {
	return r.AmountMsat != nil && r.CallbackURI != nil && r.RemittanceInfo != nil &&
		r.MagicCode != nil && r.Secret != nil
}

// CreateInvoiceResponse is returned after an invoice was created.
type CreateInvoiceResponse struct {
	AddIndex       uint64 `json:"add_index"`
	PaymentRequest string `json:"payment_request"`
}

// ErrorResponse is the body of a 500 answer.
type ErrorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Healthy bool `json:"healthy"`
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logging.HTTP.Debugf("illegal request body: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.complete() {
		logging.HTTP.Debug("illegal request body: missing fields")
		http.Error(w, "Missing fields in body", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(*req.Secret), h.secret) != 1 {
		http.Error(w, "Missing or wrong auth-secret", http.StatusUnauthorized)
		return
	}

	// An explicit expiry must be positive; only an absent one gets the default
	var expiry int64
	if req.Expiry != nil {
		if *req.Expiry <= 0 {
			http.Error(w, "Invalid expiry", http.StatusBadRequest)
			return
		}
		expiry = *req.Expiry
	}

	ip := extractIP(r)
	if h.pendingLimiter != nil && !h.pendingLimiter.CanCreate(ip) {
		msg := fmt.Sprintf("pending invoice limit reached: %d open invoice(s) (max %d)",
			h.pendingLimiter.PendingCount(ip), h.pendingLimiter.MaxPending())
		http.Error(w, msg, http.StatusTooManyRequests)
		return
	}

	logging.HTTP.Debugf("got invoice request: remittance_info=%s, amount_msat=%d, callback_uri=%s, magic_code=%s",
		*req.RemittanceInfo, *req.AmountMsat, *req.CallbackURI, *req.MagicCode)

	created, err := h.invoices.SubmitInvoiceRequest(r.Context(), payments.InvoiceRequest{
		AmountMsat:     *req.AmountMsat,
		CallbackURI:    *req.CallbackURI,
		RemittanceInfo: *req.RemittanceInfo,
		MagicCode:      *req.MagicCode,
		ExpirySeconds:  expiry,
	})
	var verr *payments.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logging.Internal.Errorf("failed to create invoice: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Status: "ERROR",
			Reason: "LND did not provide an invoice",
		})
		return
	}

	// The invoice may already have settled; the limiter remembers early closes
	if h.pendingLimiter != nil && ip != "" {
		h.pendingLimiter.Track(ip, created.Index, created.ExpiresAt)
	}

	writeJSON(w, http.StatusOK, CreateInvoiceResponse{
		AddIndex:       created.Index,
		PaymentRequest: created.PaymentRequest,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := h.health.Healthy()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{Healthy: healthy})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTP.Errorf("failed to encode response: %v", err)
	}
}
