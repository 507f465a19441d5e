package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicehook/internal/metrics"
)

type memorySink struct {
	mu      sync.Mutex
	letters []*DeadLetter
	err     error
}

func (s *memorySink) Store(ctx context.Context, letter *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return s.err
}

func coffeeNotification() *Notification {
	return &Notification{
		RemittanceInfo: "coffee",
		AmountMsat:     50000,
		MagicCode:      "abc",
		Timestamp:      1700000000,
		Settled:        true,
		LNDInvoiceData: json.RawMessage(`{"add_index":"42"}`),
	}
}

func TestDispatcher_Delivers(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client(), nil)
	ok := d.Notify(context.Background(), srv.URL+"/cb", coffeeNotification())
	require.True(t, ok)

	assert.Equal(t, "application/json; charset=utf-8", gotHeader.Get("Content-Type"))
	_, err := uuid.Parse(gotHeader.Get(DeliveryIDHeader))
	assert.NoError(t, err, "delivery id should be a uuid")

	assert.Equal(t, "coffee", gotBody["remittance_info"])
	assert.Equal(t, float64(50000), gotBody["amount_msat"])
	assert.Equal(t, "abc", gotBody["magic_code"])
	assert.Equal(t, float64(1700000000), gotBody["timestamp"])
	assert.Equal(t, true, gotBody["settled"])
	assert.Equal(t, map[string]any{"add_index": "42"}, gotBody["lnd_invoice_data"])
}

func TestDispatcher_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, true},
		{http.StatusCreated, true},
		{http.StatusAccepted, true},
		{http.StatusMovedPermanently, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, false},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.status >= 300 && tc.status < 400 {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := srv.Client()
			client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

			d := NewDispatcher(client, nil)
			assert.Equal(t, tc.want, d.Notify(context.Background(), srv.URL, coffeeNotification()))
		})
	}
}

func TestDispatcher_DeadLettersFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	sink := &memorySink{}
	d := NewDispatcher(srv.Client(), nil)
	d.SetDeadLetterSink(sink)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	n := coffeeNotification()
	require.False(t, d.Notify(context.Background(), srv.URL+"/cb", n))

	require.Len(t, sink.letters, 1)
	letter := sink.letters[0]
	assert.Equal(t, srv.URL+"/cb", letter.CallbackURI)
	assert.Equal(t, http.StatusBadGateway, letter.StatusCode)
	assert.Contains(t, letter.Error, "upstream down")
	assert.Same(t, n, letter.Notification)
	assert.Equal(t, fixed, letter.FailedAt)
	_, err := uuid.Parse(letter.ID)
	assert.NoError(t, err)
}

func TestDispatcher_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	sink := &memorySink{err: errors.New("disk full")}
	d := NewDispatcher(&http.Client{Timeout: time.Second}, nil)
	d.SetDeadLetterSink(sink)

	assert.False(t, d.Notify(context.Background(), url, coffeeNotification()))
	require.Len(t, sink.letters, 1)
	assert.Zero(t, sink.letters[0].StatusCode)
}

func TestDispatcher_InvalidURI(t *testing.T) {
	d := NewDispatcher(nil, nil)
	assert.False(t, d.Notify(context.Background(), "://bad", coffeeNotification()))
}

func TestDispatcher_Metrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	d := NewDispatcher(srv.Client(), metrics.New(reg))

	d.Notify(context.Background(), srv.URL+"/ok", coffeeNotification())
	d.Notify(context.Background(), srv.URL+"/fail", coffeeNotification())
	d.Notify(context.Background(), srv.URL+"/fail", coffeeNotification())

	count, err := testutil.GatherAndCount(reg, "invoicehook_webhook_deliveries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per outcome")
}
