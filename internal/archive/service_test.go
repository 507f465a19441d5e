package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicehook/internal/webhooks"
)

func TestService_StoreAndLoad(t *testing.T) {
	storage, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	svc := NewService(storage)
	ctx := context.Background()

	letter := &webhooks.DeadLetter{
		ID:          "5b1e2c3d-0000-4000-8000-000000000001",
		CallbackURI: "https://ex.com/cb",
		Notification: &webhooks.Notification{
			RemittanceInfo: "coffee",
			AmountMsat:     50000,
			MagicCode:      "abc",
			Timestamp:      1700000000,
			Settled:        true,
			LNDInvoiceData: json.RawMessage(`{"add_index":"42"}`),
		},
		StatusCode: 500,
		Error:      "callback returned status 500",
		FailedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	require.NoError(t, svc.Store(ctx, letter))

	got, err := svc.Load(ctx, letter.ID)
	require.NoError(t, err)
	assert.Equal(t, letter.CallbackURI, got.CallbackURI)
	assert.Equal(t, letter.StatusCode, got.StatusCode)
	assert.Equal(t, "coffee", got.Notification.RemittanceInfo)
	assert.JSONEq(t, `{"add_index":"42"}`, string(got.Notification.LNDInvoiceData))
	assert.True(t, letter.FailedAt.Equal(got.FailedAt))

	require.NoError(t, svc.Delete(ctx, letter.ID))
	_, err = svc.Load(ctx, letter.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_StoreRejectsBadID(t *testing.T) {
	storage, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	svc := NewService(storage)

	err = svc.Store(context.Background(), &webhooks.DeadLetter{ID: "../../etc/passwd"})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestService_IsDeadLetterSink(t *testing.T) {
	var _ webhooks.DeadLetterSink = (*Service)(nil)
}
