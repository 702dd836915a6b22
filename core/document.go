package core

import (
	"context"
	"time"
)

type (
	// Document is the durable, authoritative record of one whiteboard.
	// VectorData and SnapshotImage are opaque to the server and are always
	// written together.
	Document struct {
		ID            string    `json:"id"`
		OwnerID       string    `json:"owner_id"`
		Name          string    `json:"name"`
		VectorData    string    `json:"vector_data"`
		SnapshotImage string    `json:"snapshot_image"`
		CreatedAt     time.Time `json:"created_at"`
		UpdatedAt     time.Time `json:"updated_at"`
	}

	// DocumentSummary is the list view of a document, without the
	// potentially large vector and image payloads.
	DocumentSummary struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// DocumentInput is the payload of a create or update call.
	// Fields are pointers so that an absent or null field can be told apart
	// from an empty string.
	DocumentInput struct {
		Name          *string `json:"name" validate:"required"`
		VectorData    *string `json:"vector_data" validate:"required"`
		SnapshotImage *string `json:"snapshot_image" validate:"required"`

		// UpdatedAt is informational only. The store always assigns its own
		// timestamp.
		UpdatedAt *time.Time `json:"updated_at,omitempty" validate:"-"`
	}

	// DocumentStore persists whiteboard documents. Every operation is scoped
	// to an owner; a document owned by someone else is reported exactly like
	// a missing one.
	DocumentStore interface {
		// Create stores a new document and assigns its id and timestamps.
		Create(ctx context.Context, ownerID string, in DocumentInput) (*Document, error)

		// List returns the owner's documents, most recently updated first.
		List(ctx context.Context, ownerID string) ([]DocumentSummary, error)

		// Get returns a document if it exists and belongs to ownerID.
		Get(ctx context.Context, id, ownerID string) (*Document, error)

		// Update replaces name, vector data and snapshot wholesale.
		Update(ctx context.Context, id, ownerID string, in DocumentInput) (*Document, error)

		// Delete removes a document. Deleting it a second time fails.
		Delete(ctx context.Context, id, ownerID string) error
	}
)

// Summary returns the list view of d.
func (d *Document) Summary() DocumentSummary {
	return DocumentSummary{
		ID:        d.ID,
		Name:      d.Name,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// NewDocumentInput builds an input with every field present.
func NewDocumentInput(name, vectorData, snapshotImage string) DocumentInput {
	return DocumentInput{
		Name:          &name,
		VectorData:    &vectorData,
		SnapshotImage: &snapshotImage,
	}
}

// Apply copies the input fields onto d. The input must have been validated.
func (in DocumentInput) Apply(d *Document) {
	d.Name = *in.Name
	d.VectorData = *in.VectorData
	d.SnapshotImage = *in.SnapshotImage
}
