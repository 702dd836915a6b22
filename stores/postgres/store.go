package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whiteboard-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// documentRecord is the table row for a document. Timestamps are assigned
// by the store, never by gorm.
type documentRecord struct {
	ID            string    `gorm:"primaryKey;type:varchar(26)"`
	OwnerID       string    `gorm:"not null;index:idx_documents_owner_updated,priority:1"`
	Name          string    `gorm:"type:text;not null"`
	VectorData    string    `gorm:"type:text;not null"`
	SnapshotImage string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false;index:idx_documents_owner_updated,priority:2,sort:desc"`
}

func (documentRecord) TableName() string { return "documents" }

func (r *documentRecord) toDocument() *core.Document {
	return &core.Document{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Name:          r.Name,
		VectorData:    r.VectorData,
		SnapshotImage: r.SnapshotImage,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

type pgStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore connects to PostgreSQL and migrates the documents table.
func NewStore(dsn string) (*pgStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&documentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate documents table: %w", err)
	}
	return &pgStore{db: db, now: time.Now}, nil
}

func (s *pgStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// timestamp matches the precision kept by every other backend.
func (s *pgStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *pgStore) Create(ctx context.Context, ownerID string, in core.DocumentInput) (*core.Document, error) {
	now := s.timestamp()
	rec := documentRecord{
		ID:            ulid.Make().String(),
		OwnerID:       ownerID,
		Name:          *in.Name,
		VectorData:    *in.VectorData,
		SnapshotImage: *in.SnapshotImage,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	log := logrus.WithFields(logrus.Fields{"document_id": rec.ID, "owner_id": ownerID})
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.WithError(err).Error("Failed to insert document")
		return nil, err
	}

	log.Info("Document created successfully")
	return rec.toDocument(), nil
}

func (s *pgStore) List(ctx context.Context, ownerID string) ([]core.DocumentSummary, error) {
	var records []documentRecord
	err := s.db.WithContext(ctx).
		Select("id", "name", "created_at", "updated_at").
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&records).Error
	if err != nil {
		logrus.WithField("owner_id", ownerID).WithError(err).Error("Failed to list documents")
		return nil, err
	}

	summaries := make([]core.DocumentSummary, 0, len(records))
	for i := range records {
		summaries = append(summaries, records[i].toDocument().Summary())
	}
	return summaries, nil
}

func (s *pgStore) Get(ctx context.Context, id, ownerID string) (*core.Document, error) {
	var rec documentRecord
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Take(&rec).Error
	if err != nil {
		return nil, s.notFoundOr(err, id, ownerID)
	}
	return rec.toDocument(), nil
}

func (s *pgStore) Update(ctx context.Context, id, ownerID string, in core.DocumentInput) (*core.Document, error) {
	var rec documentRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND owner_id = ?", id, ownerID).
			Take(&rec).Error
		if err != nil {
			return err
		}
		rec.Name = *in.Name
		rec.VectorData = *in.VectorData
		rec.SnapshotImage = *in.SnapshotImage
		rec.UpdatedAt = s.timestamp()
		return tx.Save(&rec).Error
	})
	if err != nil {
		return nil, s.notFoundOr(err, id, ownerID)
	}

	logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID}).Info("Document updated successfully")
	return rec.toDocument(), nil
}

func (s *pgStore) Delete(ctx context.Context, id, ownerID string) error {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})

	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&documentRecord{})
	if res.Error != nil {
		log.WithError(res.Error).Error("Failed to delete document")
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Warn("Document with specified ID not found")
		return core.NotFound(id)
	}

	log.Info("Document deleted successfully")
	return nil
}

func (s *pgStore) notFoundOr(err error, id, ownerID string) error {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("Document with specified ID not found")
		return core.NotFound(id)
	}
	log.WithError(err).Error("Failed to query document")
	return err
}
