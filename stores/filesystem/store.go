package filesystem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"whiteboard-server/core"
	"whiteboard-server/stores/keylock"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const fileExt = ".json"

// fsStore keeps one JSON file per document under a directory per owner.
// Files are replaced with a rename, so readers never observe a half-written
// document.
type fsStore struct {
	basePath string
	locks    *keylock.Locker
	now      func() time.Time
}

// NewStore creates a new filesystem-based store rooted at basePath.
func NewStore(basePath string) (*fsStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &fsStore{
		basePath: basePath,
		locks:    keylock.New(),
		now:      time.Now,
	}, nil
}

// ownerPath maps an owner id to a directory name that cannot escape basePath.
func (s *fsStore) ownerPath(ownerID string) string {
	return filepath.Join(s.basePath, base64.RawURLEncoding.EncodeToString([]byte(ownerID)))
}

func (s *fsStore) documentPath(id, ownerID string) (string, error) {
	if id == "" || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", core.NotFound(id)
	}
	return filepath.Join(s.ownerPath(ownerID), id+fileExt), nil
}

func (s *fsStore) Create(ctx context.Context, ownerID string, in core.DocumentInput) (*core.Document, error) {
	now := s.now().UTC()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in.Apply(doc)

	filePath, err := s.documentPath(doc.ID, ownerID)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"document_id": doc.ID, "owner_id": ownerID, "file_path": filePath})

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		log.WithError(err).Error("Failed to create owner directory")
		return nil, err
	}
	if err := writeDocument(filePath, doc); err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, err
	}

	log.Info("Document created successfully")
	return doc, nil
}

func (s *fsStore) List(ctx context.Context, ownerID string) ([]core.DocumentSummary, error) {
	ownerPath := s.ownerPath(ownerID)
	log := logrus.WithFields(logrus.Fields{"owner_id": ownerID, "path": ownerPath})

	files, err := os.ReadDir(ownerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []core.DocumentSummary{}, nil
		}
		log.WithError(err).Error("Failed to read owner directory")
		return nil, err
	}

	summaries := make([]core.DocumentSummary, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), fileExt) {
			continue
		}
		doc, err := readDocument(filepath.Join(ownerPath, file.Name()))
		if err != nil {
			log.WithError(err).Warnf("Failed to read document file %s, skipping", file.Name())
			continue
		}
		summaries = append(summaries, doc.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	log.Debugf("Listed %d documents", len(summaries))
	return summaries, nil
}

func (s *fsStore) Get(ctx context.Context, id, ownerID string) (*core.Document, error) {
	filePath, err := s.documentPath(id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.load(filePath, id, ownerID)
}

func (s *fsStore) Update(ctx context.Context, id, ownerID string, in core.DocumentInput) (*core.Document, error) {
	filePath, err := s.documentPath(id, ownerID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	doc, err := s.load(filePath, id, ownerID)
	if err != nil {
		return nil, err
	}
	in.Apply(doc)
	doc.UpdatedAt = s.now().UTC()

	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})
	if err := writeDocument(filePath, doc); err != nil {
		log.WithError(err).Error("Failed to write document file")
		return nil, err
	}

	log.Info("Document updated successfully")
	return doc, nil
}

func (s *fsStore) Delete(ctx context.Context, id, ownerID string) error {
	filePath, err := s.documentPath(id, ownerID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			log.Warn("Document with specified ID not found")
			return core.NotFound(id)
		}
		log.WithError(err).Error("Failed to delete document file")
		return err
	}

	log.Info("Document deleted successfully")
	return nil
}

func (s *fsStore) load(filePath, id, ownerID string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})

	doc, err := readDocument(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Document with specified ID not found")
			return nil, core.NotFound(id)
		}
		log.WithError(err).Error("Failed to read document file")
		return nil, err
	}
	if doc.ID != id || doc.OwnerID != ownerID {
		log.Warn("Document file does not match its path")
		return nil, core.NotFound(id)
	}
	return doc, nil
}

func readDocument(filePath string) (*core.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(filePath), err)
	}
	return &doc, nil
}

// writeDocument replaces filePath atomically via a temp file in the same
// directory.
func writeDocument(filePath string, doc *core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}
