// Package storetest holds the behaviour every core.DocumentStore backend
// must share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"whiteboard-server/core"
)

// Factory returns a fresh, empty store for a single test.
type Factory func(t *testing.T) core.DocumentStore

// Run exercises the owner-scoped document contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateThenGet", func(t *testing.T) { testCreateThenGet(t, newStore(t)) })
	t.Run("ListOwnerOnly", func(t *testing.T) { testListOwnerOnly(t, newStore(t)) })
	t.Run("ListOrder", func(t *testing.T) { testListOrder(t, newStore(t)) })
	t.Run("OtherOwnerNotFound", func(t *testing.T) { testOtherOwnerNotFound(t, newStore(t)) })
	t.Run("UpdateReplaces", func(t *testing.T) { testUpdateReplaces(t, newStore(t)) })
	t.Run("DeleteTwice", func(t *testing.T) { testDeleteTwice(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("DataIntegrity", func(t *testing.T) { testDataIntegrity(t, newStore(t)) })
}

func mustCreate(t *testing.T, store core.DocumentStore, owner, name string) *core.Document {
	t.Helper()
	doc, err := store.Create(context.Background(), owner, core.NewDocumentInput(name, "[]", "data:image/png;base64,"+name))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return doc
}

func testCreateThenGet(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	created, err := store.Create(ctx, "user-a", core.NewDocumentInput("sketch", `[{"x":1,"y":2}]`, "iVBORw0KGgo="))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create() returned empty ID")
	}
	if created.UpdatedAt.IsZero() {
		t.Error("Create() did not set UpdatedAt")
	}
	if created.OwnerID != "user-a" {
		t.Errorf("OwnerID mismatch: got %q, want %q", created.OwnerID, "user-a")
	}

	got, err := store.Get(ctx, created.ID, "user-a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "sketch" || got.VectorData != `[{"x":1,"y":2}]` || got.SnapshotImage != "iVBORw0KGgo=" {
		t.Errorf("Get() returned different fields: %+v", got)
	}
}

func testListOwnerOnly(t *testing.T, store core.DocumentStore) {
	mine := mustCreate(t, store, "user-a", "mine")
	mustCreate(t, store, "user-b", "theirs")

	list, err := store.List(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() returned %d documents, want 1", len(list))
	}
	if list[0].ID != mine.ID {
		t.Errorf("List() returned %q, want %q", list[0].ID, mine.ID)
	}

	empty, err := store.List(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("List() failed for owner without documents: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("List() returned %d documents for owner without documents", len(empty))
	}
}

func testListOrder(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	first := mustCreate(t, store, "user-a", "first")
	time.Sleep(5 * time.Millisecond)
	second := mustCreate(t, store, "user-a", "second")
	time.Sleep(5 * time.Millisecond)

	if _, err := store.Update(ctx, first.ID, "user-a", core.NewDocumentInput("first-edited", "[1]", "img")); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	list, err := store.List(ctx, "user-a")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d documents, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("List() order mismatch: got [%s %s], want [%s %s]", list[0].ID, list[1].ID, first.ID, second.ID)
	}
}

func testOtherOwnerNotFound(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "user-a", "private")

	if _, err := store.Get(ctx, doc.ID, "user-b"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() by other owner: got %v, want ErrNotFound", err)
	}
	if _, err := store.Update(ctx, doc.ID, "user-b", core.NewDocumentInput("x", "y", "z")); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Update() by other owner: got %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, doc.ID, "user-b"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Delete() by other owner: got %v, want ErrNotFound", err)
	}

	got, err := store.Get(ctx, doc.ID, "user-a")
	if err != nil {
		t.Fatalf("owner lost access after foreign calls: %v", err)
	}
	if got.Name != "private" {
		t.Errorf("foreign Update() changed the document: %+v", got)
	}
}

func testUpdateReplaces(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "user-a", "before")

	updated, err := store.Update(ctx, doc.ID, "user-a", core.NewDocumentInput("after", "[2]", "img-2"))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.UpdatedAt.Before(doc.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v < %v", updated.UpdatedAt, doc.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(doc.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v != %v", updated.CreatedAt, doc.CreatedAt)
	}

	got, err := store.Get(ctx, doc.ID, "user-a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "after" || got.VectorData != "[2]" || got.SnapshotImage != "img-2" {
		t.Errorf("Get() after Update() mismatch: %+v", got)
	}
}

func testDeleteTwice(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "user-a", "doomed")

	if err := store.Delete(ctx, doc.ID, "user-a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := store.Delete(ctx, doc.ID, "user-a"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second Delete(): got %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, doc.ID, "user-a"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() after Delete(): got %v, want ErrNotFound", err)
	}
}

// testConcurrentUpdates checks that concurrent saves never interleave: the
// stored vector data and snapshot always come from the same update call.
func testConcurrentUpdates(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "user-a", "shared")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tag := fmt.Sprintf("writer-%d", n)
			if _, err := store.Update(ctx, doc.ID, "user-a", core.NewDocumentInput(tag, "vector-"+tag, "image-"+tag)); err != nil {
				t.Errorf("concurrent Update() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, doc.ID, "user-a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.VectorData != "vector-"+got.Name || got.SnapshotImage != "image-"+got.Name {
		t.Errorf("mixed fields from different updates: %+v", got)
	}
}

func testDataIntegrity(t *testing.T, store core.DocumentStore) {
	testCases := []struct {
		name string
		data string
	}{
		{"ASCII", "Hello World"},
		{"UTF-8", "Hello 世界 🌍"},
		{"JSON", `{"elements":[],"appState":{}}`},
		{"Special chars", "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"Newlines", "line1\nline2\nline3"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			doc, err := store.Create(ctx, "user-a", core.NewDocumentInput(tc.name, tc.data, tc.data))
			if err != nil {
				t.Fatalf("Create() failed: %v", err)
			}
			got, err := store.Get(ctx, doc.ID, "user-a")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if got.VectorData != tc.data || got.SnapshotImage != tc.data {
				t.Errorf("Data integrity failed: got %q, want %q", got.VectorData, tc.data)
			}
		})
	}
}
