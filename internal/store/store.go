package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("invoice index already exists")
)

// Invoice is a pending invoice awaiting settlement or expiry.
// Rows are inserted once and only ever deleted afterwards.
type Invoice struct {
	Index          uint64 // Node-assigned add index
	RemittanceInfo string
	AmountMsat     int64
	MagicCode      string
	CallbackURI    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Stats contains aggregate statistics about pending invoices.
type Stats struct {
	PendingInvoices int
	ExpiredInvoices int // Past their deadline but not yet reaped
	PendingMsat     int64
	OldestInvoice   time.Time
	NewestInvoice   time.Time
}

// Ledger is the durable store of invoices awaiting settlement or expiry.
// Every method is atomic with respect to the others.
type Ledger interface {
	// Insert fails with ErrConflict if the index is already present.
	Insert(ctx context.Context, inv *Invoice) error
	// Get returns ErrNotFound if the index is absent.
	Get(ctx context.Context, index uint64) (*Invoice, error)
	// Delete is idempotent; deleting an absent index is not an error.
	Delete(ctx context.Context, index uint64) error
	// DeleteExpiredBefore removes every invoice with ExpiresAt < t.
	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
