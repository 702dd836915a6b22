package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"whiteboard-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// memStore keeps documents in process memory. A single mutex serializes
// writers, which also serializes concurrent updates of one document.
type memStore struct {
	mu        sync.RWMutex
	documents map[string]*core.Document
	now       func() time.Time
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{
		documents: make(map[string]*core.Document),
		now:       time.Now,
	}
}

func (s *memStore) Create(ctx context.Context, ownerID string, in core.DocumentInput) (*core.Document, error) {
	now := s.now().UTC()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in.Apply(doc)

	s.mu.Lock()
	s.documents[doc.ID] = doc
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"owner_id":    ownerID,
		"data_length": len(doc.VectorData),
	}).Info("Document created successfully")

	copied := *doc
	return &copied, nil
}

func (s *memStore) List(ctx context.Context, ownerID string) ([]core.DocumentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]core.DocumentSummary, 0)
	for _, doc := range s.documents {
		if doc.OwnerID == ownerID {
			summaries = append(summaries, doc.Summary())
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	logrus.WithField("owner_id", ownerID).Debugf("Listed %d documents", len(summaries))
	return summaries, nil
}

func (s *memStore) Get(ctx context.Context, id, ownerID string) (*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}
	copied := *doc
	return &copied, nil
}

func (s *memStore) Update(ctx context.Context, id, ownerID string, in core.DocumentInput) (*core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}

	updated := *doc
	in.Apply(&updated)
	updated.UpdatedAt = s.now().UTC()
	s.documents[id] = &updated

	logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID}).Info("Document updated successfully")
	copied := updated
	return &copied, nil
}

func (s *memStore) Delete(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(id, ownerID); err != nil {
		return err
	}
	delete(s.documents, id)

	logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID}).Info("Document deleted successfully")
	return nil
}

// owned must be called with s.mu held.
func (s *memStore) owned(id, ownerID string) (*core.Document, error) {
	doc, ok := s.documents[id]
	if !ok || doc.OwnerID != ownerID {
		logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID}).Warn("Document with specified ID not found")
		return nil, core.NotFound(id)
	}
	return doc, nil
}
