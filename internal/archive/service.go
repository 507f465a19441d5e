// Package archive keeps dead-letter records of webhook deliveries that were
// not accepted by their callback endpoint.
package archive

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"invoicehook/internal/logging"
	"invoicehook/internal/webhooks"
)

// Service stores and loads dead letters. It implements webhooks.DeadLetterSink.
type Service struct {
	storage Storage
}

// NewService creates a new archive service.
func NewService(storage Storage) *Service {
	return &Service{storage: storage}
}

// Store writes letter under its delivery ID.
func (s *Service) Store(ctx context.Context, letter *webhooks.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}

	if _, err := s.storage.Save(ctx, letter.ID, bytes.NewReader(data), int64(len(data))); err != nil {
		return errors.Wrapf(err, "save dead letter %s", letter.ID)
	}

	logging.Archive.Infof("archived failed delivery %s for %s", letter.ID, letter.CallbackURI)
	return nil
}

// Load returns the dead letter with the given delivery ID.
func (s *Service) Load(ctx context.Context, id string) (*webhooks.DeadLetter, error) {
	r, err := s.storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var letter webhooks.DeadLetter
	if err := json.NewDecoder(r).Decode(&letter); err != nil {
		return nil, errors.Wrapf(err, "decode dead letter %s", id)
	}
	return &letter, nil
}

// Delete removes a dead letter once it has been handled.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.storage.Delete(ctx, id)
}
