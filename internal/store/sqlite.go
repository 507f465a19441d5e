package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
)

// legacyExpiry is applied to rows written before the expires column existed.
const legacyExpiry = 86400

// SQLiteStore implements Ledger using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed ledger.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreWithDB wraps an already opened database without migrating it.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invoices (
			idx INTEGER PRIMARY KEY,
			remittance_info TEXT,
			amount_msat INTEGER,
			magic_code TEXT,
			callback_uri TEXT,
			timestamp INTEGER
		)
	`)
	if err != nil {
		return err
	}

	// Databases created before expiry tracking lack the expires column.
	if _, err := db.Exec(`ALTER TABLE invoices ADD COLUMN expires INTEGER`); err == nil {
		if _, err := db.Exec(`UPDATE invoices SET expires = timestamp + ? WHERE expires IS NULL`, legacyExpiry); err != nil {
			return err
		}
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS invoices_expires ON invoices (expires)`)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, inv *Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (idx, remittance_info, amount_msat, magic_code, callback_uri, timestamp, expires)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, int64(inv.Index), inv.RemittanceInfo, inv.AmountMsat, inv.MagicCode, inv.CallbackURI,
		inv.CreatedAt.Unix(), inv.ExpiresAt.Unix())

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return pkgerrors.Wrapf(ErrConflict, "index %d", inv.Index)
	}
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, index uint64) (*Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idx, remittance_info, amount_msat, magic_code, callback_uri, timestamp, expires
		FROM invoices WHERE idx = ?
	`, int64(index))

	var (
		inv              Invoice
		idx              int64
		created, expires int64
	)
	err := row.Scan(&idx, &inv.RemittanceInfo, &inv.AmountMsat, &inv.MagicCode, &inv.CallbackURI, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Index = uint64(idx)
	inv.CreatedAt = time.Unix(created, 0)
	inv.ExpiresAt = time.Unix(expires, 0)
	return &inv, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, index uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE idx = ?`, int64(index))
	return err
}

func (s *SQLiteStore) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE expires < ?`, t.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as pending,
			COALESCE(SUM(CASE WHEN expires < ? THEN 1 ELSE 0 END), 0) as expired,
			COALESCE(SUM(amount_msat), 0) as pending_msat,
			COALESCE(MIN(timestamp), 0) as oldest,
			COALESCE(MAX(timestamp), 0) as newest
		FROM invoices
	`, time.Now().Unix())

	var oldest, newest int64
	err := row.Scan(
		&stats.PendingInvoices,
		&stats.ExpiredInvoices,
		&stats.PendingMsat,
		&oldest,
		&newest,
	)
	if err != nil {
		return nil, err
	}

	if stats.PendingInvoices > 0 {
		stats.OldestInvoice = time.Unix(oldest, 0)
		stats.NewestInvoice = time.Unix(newest, 0)
	}

	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
