package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		now := time.Now()
		inv := &Invoice{
			Index:          42,
			RemittanceInfo: "coffee",
			AmountMsat:     50000,
			MagicCode:      "abc",
			CallbackURI:    "https://ex.com/cb",
			CreatedAt:      now,
			ExpiresAt:      now.Add(60 * time.Second),
		}

		if err := store.Insert(ctx, inv); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		got, err := store.Get(ctx, 42)
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}

		if got.Index != inv.Index || got.RemittanceInfo != inv.RemittanceInfo || got.AmountMsat != inv.AmountMsat {
			t.Errorf("got %+v, want %+v", got, inv)
		}
		if got.MagicCode != inv.MagicCode || got.CallbackURI != inv.CallbackURI {
			t.Errorf("got %+v, want %+v", got, inv)
		}
		if got.CreatedAt.Unix() != now.Unix() || got.ExpiresAt.Unix() != now.Add(60*time.Second).Unix() {
			t.Errorf("timestamps not preserved: got %v / %v", got.CreatedAt, got.ExpiresAt)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, 9999)
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InsertConflict", func(t *testing.T) {
		first := &Invoice{Index: 7, RemittanceInfo: "first", AmountMsat: 1, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
		if err := store.Insert(ctx, first); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		dup := &Invoice{Index: 7, RemittanceInfo: "second", AmountMsat: 2, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
		err := store.Insert(ctx, dup)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		got, _ := store.Get(ctx, 7)
		if got.RemittanceInfo != "first" {
			t.Errorf("existing row was modified: %+v", got)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		inv := &Invoice{Index: 3, AmountMsat: 10, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
		store.Insert(ctx, inv)

		for i := 0; i < 2; i++ {
			if err := store.Delete(ctx, 3); err != nil {
				t.Fatalf("delete #%d failed: %v", i+1, err)
			}
		}

		_, err := store.Get(ctx, 3)
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.GetStats(ctx)
		if err != nil {
			t.Fatalf("failed to get stats: %v", err)
		}
		if stats.PendingInvoices != 2 {
			t.Errorf("expected 2 pending invoices, got %d", stats.PendingInvoices)
		}
		if stats.PendingMsat != 50001 {
			t.Errorf("expected 50001 pending msat, got %d", stats.PendingMsat)
		}
		if stats.OldestInvoice.IsZero() || stats.NewestInvoice.IsZero() {
			t.Error("expected oldest and newest timestamps")
		}
	})
}

func TestSQLiteStore_MigratesLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE invoices (idx INTEGER PRIMARY KEY, remittance_info TEXT,
		amount_msat INTEGER, magic_code TEXT, callback_uri TEXT, timestamp INTEGER)`)
	if err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	_, err = db.Exec(`INSERT INTO invoices VALUES (5, 'old', 1000, 'm', 'https://ex.com', 1700000000)`)
	if err != nil {
		t.Fatalf("failed to insert legacy row: %v", err)
	}
	db.Close()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	got, err := store.Get(context.Background(), 5)
	if err != nil {
		t.Fatalf("failed to get legacy row: %v", err)
	}
	if got.ExpiresAt.Unix() != 1700000000+legacyExpiry {
		t.Errorf("expected legacy expiry %d, got %d", 1700000000+legacyExpiry, got.ExpiresAt.Unix())
	}
}

func TestSQLiteStore_ExecErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	store := NewSQLiteStoreWithDB(db)
	ctx := context.Background()
	boom := errors.New("disk I/O error")

	mock.ExpectExec("INSERT INTO invoices").WillReturnError(boom)
	err = store.Insert(ctx, &Invoice{Index: 1, CreatedAt: time.Now(), ExpiresAt: time.Now()})
	if !errors.Is(err, boom) {
		t.Errorf("expected underlying error from insert, got %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Error("a generic exec failure must not be reported as a conflict")
	}

	mock.ExpectExec("DELETE FROM invoices WHERE expires").WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := store.DeleteExpiredBefore(ctx, time.Now())
	if err != nil || n != 4 {
		t.Errorf("expected 4 rows removed, got %d (%v)", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
