package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"invoicehook/internal/logging"
)

var invoicesBucket = []byte("invoices")

// BoltStore implements Ledger on a bbolt key/value file.
// Keys are big-endian invoice indexes, values are JSON records.
type BoltStore struct {
	db *bbolt.DB
}

type boltRecord struct {
	RemittanceInfo string `json:"remittance_info"`
	AmountMsat     int64  `json:"amount_msat"`
	MagicCode      string `json:"magic_code"`
	CallbackURI    string `json:"callback_uri"`
	Timestamp      int64  `json:"timestamp"`
	Expires        int64  `json:"expires"`
}

// NewBoltStore opens (or creates) a bbolt-backed ledger at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(invoicesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create invoices bucket")
	}

	return &BoltStore{db: db}, nil
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func decodeRecord(key, value []byte) (*Invoice, error) {
	var rec boltRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, errors.Errorf("could not unmarshal invoice %x: %v", key, err)
	}
	return &Invoice{
		Index:          binary.BigEndian.Uint64(key),
		RemittanceInfo: rec.RemittanceInfo,
		AmountMsat:     rec.AmountMsat,
		MagicCode:      rec.MagicCode,
		CallbackURI:    rec.CallbackURI,
		CreatedAt:      time.Unix(rec.Timestamp, 0),
		ExpiresAt:      time.Unix(rec.Expires, 0),
	}, nil
}

func (s *BoltStore) Insert(ctx context.Context, inv *Invoice) error {
	payload, err := json.Marshal(boltRecord{
		RemittanceInfo: inv.RemittanceInfo,
		AmountMsat:     inv.AmountMsat,
		MagicCode:      inv.MagicCode,
		CallbackURI:    inv.CallbackURI,
		Timestamp:      inv.CreatedAt.Unix(),
		Expires:        inv.ExpiresAt.Unix(),
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(invoicesBucket)
		key := indexKey(inv.Index)
		if bucket.Get(key) != nil {
			return errors.Wrapf(ErrConflict, "index %d", inv.Index)
		}
		return bucket.Put(key, payload)
	})
}

func (s *BoltStore) Get(ctx context.Context, index uint64) (*Invoice, error) {
	var inv *Invoice
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := indexKey(index)
		value := tx.Bucket(invoicesBucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		var err error
		inv, err = decodeRecord(key, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *BoltStore) Delete(ctx context.Context, index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(invoicesBucket).Delete(indexKey(index))
	})
}

func (s *BoltStore) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	cutoff := t.Unix()
	var removed int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(invoicesBucket)

		// Collect first: deleting under a live cursor skips entries.
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Unreadable rows can never be settled either
				logging.Internal.Errorf("removing unreadable invoice %x: %v (value %q)", k, err, v)
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if rec.Expires < cutoff {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = int64(len(expired))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *BoltStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	now := time.Now().Unix()

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(invoicesBucket).ForEach(func(k, v []byte) error {
			inv, err := decodeRecord(k, v)
			if err != nil {
				logging.Internal.Warnf("skipping unreadable invoice %x: %v", k, err)
				return nil
			}
			stats.PendingInvoices++
			stats.PendingMsat += inv.AmountMsat
			if inv.ExpiresAt.Unix() < now {
				stats.ExpiredInvoices++
			}
			if stats.OldestInvoice.IsZero() || inv.CreatedAt.Before(stats.OldestInvoice) {
				stats.OldestInvoice = inv.CreatedAt
			}
			if inv.CreatedAt.After(stats.NewestInvoice) {
				stats.NewestInvoice = inv.CreatedAt
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
