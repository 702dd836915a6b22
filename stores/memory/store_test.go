package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"whiteboard-server/core"
	"whiteboard-server/stores/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.DocumentStore {
		return NewStore()
	})
}

func TestCreate_AssignsULID(t *testing.T) {
	store := NewStore()

	doc, err := store.Create(context.Background(), "user-1", core.NewDocumentInput("a", "[]", "img"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// ULIDs are 26 characters
	if len(doc.ID) != 26 {
		t.Errorf("Create() returned invalid ID length: got %d, want 26", len(doc.ID))
	}
}

func TestUpdate_UsesServerClock(t *testing.T) {
	store := NewStore()
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", core.NewDocumentInput("a", "[]", "img"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	store.now = func() time.Time { return fixed }
	in := core.NewDocumentInput("b", "[1]", "img2")
	clientTime := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	in.UpdatedAt = &clientTime

	updated, err := store.Update(ctx, doc.ID, "user-1", in)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if !updated.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt mismatch: got %v, want %v", updated.UpdatedAt, fixed)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", core.NewDocumentInput("a", "[]", "img"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, doc.ID, "user-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	got.Name = "mutated"

	again, err := store.Get(ctx, doc.ID, "user-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if again.Name != "a" {
		t.Errorf("caller mutation leaked into the store: %q", again.Name)
	}
}

func TestStoreIsolation(t *testing.T) {
	ctx := context.Background()
	first := NewStore()
	second := NewStore()

	doc, err := first.Create(ctx, "user-1", core.NewDocumentInput("a", "[]", "img"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if _, err := second.Get(ctx, doc.ID, "user-1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("separate stores share state: %v", err)
	}
}
