package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"whiteboard-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	vector_data TEXT NOT NULL,
	snapshot_image TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_owner_updated ON documents (owner_id, updated_at DESC);`

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) the sqlite database at dataSourceName.
func NewStore(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// sqlite allows a single writer; one connection keeps concurrent
	// updates queued instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &sqliteStore{db: db, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *sqliteStore) Create(ctx context.Context, ownerID string, in core.DocumentInput) (*core.Document, error) {
	now := s.timestamp()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in.Apply(doc)

	log := logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"owner_id":    ownerID,
		"data_length": len(doc.VectorData),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, owner_id, name, vector_data, snapshot_image, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		doc.ID, doc.OwnerID, doc.Name, doc.VectorData, doc.SnapshotImage, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, err
	}

	log.Info("Document created successfully")
	return doc, nil
}

func (s *sqliteStore) List(ctx context.Context, ownerID string) ([]core.DocumentSummary, error) {
	log := logrus.WithField("owner_id", ownerID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at, updated_at FROM documents WHERE owner_id = ? ORDER BY updated_at DESC, id DESC",
		ownerID)
	if err != nil {
		log.WithError(err).Error("Failed to list documents")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close document rows")
		}
	}()

	summaries := make([]core.DocumentSummary, 0)
	for rows.Next() {
		var (
			summary          core.DocumentSummary
			created, updated int64
		)
		if err := rows.Scan(&summary.ID, &summary.Name, &created, &updated); err != nil {
			log.WithError(err).Error("Failed to scan document")
			return nil, err
		}
		summary.CreatedAt = time.UnixMilli(created).UTC()
		summary.UpdatedAt = time.UnixMilli(updated).UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.Debugf("Listed %d documents", len(summaries))
	return summaries, nil
}

func (s *sqliteStore) Get(ctx context.Context, id, ownerID string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})
	log.Debug("Retrieving document by ID")

	doc, err := getDocument(ctx, s.db, id, ownerID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Warn("Document with specified ID not found")
		} else {
			log.WithError(err).Error("Failed to retrieve document")
		}
		return nil, err
	}
	return doc, nil
}

func (s *sqliteStore) Update(ctx context.Context, id, ownerID string, in core.DocumentInput) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Rollback on any error

	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		"UPDATE documents SET name = ?, vector_data = ?, snapshot_image = ?, updated_at = ? WHERE id = ? AND owner_id = ?",
		*in.Name, *in.VectorData, *in.SnapshotImage, now.UnixMilli(), id, ownerID)
	if err != nil {
		log.WithError(err).Error("Failed to update document")
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		log.Warn("Document with specified ID not found")
		return nil, core.NotFound(id)
	}

	doc, err := getDocument(ctx, tx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("Failed to commit document update")
		return nil, err
	}

	log.Info("Document updated successfully")
	return doc, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id, ownerID string) error {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})

	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ? AND owner_id = ?", id, ownerID)
	if err != nil {
		log.WithError(err).Error("Failed to delete document")
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		log.Warn("Document with specified ID not found")
		return core.NotFound(id)
	}

	log.Info("Document deleted successfully")
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q queryer, id, ownerID string) (*core.Document, error) {
	var (
		doc              core.Document
		created, updated int64
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, owner_id, name, vector_data, snapshot_image, created_at, updated_at FROM documents WHERE id = ? AND owner_id = ?",
		id, ownerID).Scan(&doc.ID, &doc.OwnerID, &doc.Name, &doc.VectorData, &doc.SnapshotImage, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound(id)
		}
		return nil, err
	}
	doc.CreatedAt = time.UnixMilli(created).UTC()
	doc.UpdatedAt = time.UnixMilli(updated).UTC()
	return &doc, nil
}
