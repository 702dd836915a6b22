package stores

import (
	"context"
	"errors"
	"fmt"

	"whiteboard-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type validatingStore struct {
	next core.DocumentStore
}

// Validating wraps a backend so that malformed payloads and ids never reach
// it, and so that every error it returns belongs to the core taxonomy:
// ErrValidation, ErrNotFound, ErrAuthentication or ErrStorage.
func Validating(next core.DocumentStore) core.DocumentStore {
	if v, ok := next.(*validatingStore); ok {
		return v
	}
	return &validatingStore{next: next}
}

// Close releases the backend's resources when it holds any.
func (s *validatingStore) Close() error {
	if closer, ok := s.next.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *validatingStore) Create(ctx context.Context, ownerID string, in core.DocumentInput) (*core.Document, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	doc, err := s.next.Create(ctx, ownerID, in)
	return doc, classify(err)
}

func (s *validatingStore) List(ctx context.Context, ownerID string) ([]core.DocumentSummary, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	list, err := s.next.List(ctx, ownerID)
	if err != nil {
		return nil, classify(err)
	}
	if list == nil {
		list = []core.DocumentSummary{}
	}
	return list, nil
}

func (s *validatingStore) Get(ctx context.Context, id, ownerID string) (*core.Document, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	doc, err := s.next.Get(ctx, id, ownerID)
	return doc, classify(err)
}

func (s *validatingStore) Update(ctx context.Context, id, ownerID string, in core.DocumentInput) (*core.Document, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	doc, err := s.next.Update(ctx, id, ownerID, in)
	return doc, classify(err)
}

func (s *validatingStore) Delete(ctx context.Context, id, ownerID string) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	return classify(s.next.Delete(ctx, id, ownerID))
}

func checkOwner(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("missing owner: %w", core.ErrAuthentication)
	}
	return nil
}

// checkID rejects anything that is not a ULID. No backend can hold such a
// document, so it is simply not found.
func checkID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		logrus.WithField("document_id", id).Debug("Rejected malformed document id")
		return core.NotFound(id)
	}
	return nil
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrAuthentication),
		errors.Is(err, core.ErrStorage):
		return err
	default:
		return fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
}
