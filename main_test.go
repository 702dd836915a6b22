package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whiteboard-server/config"
	"whiteboard-server/handlers/websocket"
	"whiteboard-server/rooms"
	"whiteboard-server/router"
	"whiteboard-server/session"
	"whiteboard-server/stores"
	"whiteboard-server/stores/memory"
)

type stubConn struct {
	id, user string
}

func (c stubConn) ID() string                           { return c.id }
func (c stubConn) UserID() string                       { return c.user }
func (c stubConn) Emit(event string, payload any) error { return nil }

func newTestServer(t *testing.T) (*server, *rooms.Registry) {
	t.Helper()
	cfg, err := config.FromEnv(func(key string) string {
		if key == "JWT_SECRET" {
			return "test-secret"
		}
		return ""
	})
	if err != nil {
		t.Fatalf("FromEnv() failed: %v", err)
	}

	registry := rooms.NewRegistry()
	resolver := session.NewResolver(cfg.JWTSecret)
	store := stores.Validating(memory.NewStore())
	hub := websocket.NewHub(registry, router.New(registry), resolver, store, websocket.HubOptions{})
	return &server{cfg: cfg, store: store, resolver: resolver, hub: hub}, registry
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.setupRouter().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Status code mismatch: got %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRooms_SortedByMembers(t *testing.T) {
	s, registry := newTestServer(t)
	registry.Join("doc-quiet", stubConn{id: "c1", user: "alice"})
	registry.Join("doc-busy", stubConn{id: "c2", user: "bob"})
	registry.Join("doc-busy", stubConn{id: "c3", user: "carol"})

	w := httptest.NewRecorder()
	s.setupRouter().ServeHTTP(w, httptest.NewRequest("GET", "/api/rooms", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", w.Code, http.StatusOK)
	}
	var got []rooms.RoomInfo
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Room count mismatch: got %d, want 2", len(got))
	}
	if got[0].DocumentID != "doc-busy" || got[0].Members != 2 {
		t.Errorf("First room = %+v, want doc-busy with 2 members", got[0])
	}
}

func TestRooms_EmptyIsArray(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.setupRouter().ServeHTTP(w, httptest.NewRequest("GET", "/api/rooms", nil))

	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("Body mismatch: got %s, want []", body)
	}
}

func TestDocuments_RequireToken(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.setupRouter().ServeHTTP(w, httptest.NewRequest("GET", "/documents", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status code mismatch: got %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestDocuments_CreateAndList(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.setupRouter()
	token, err := s.resolver.Sign("alice", time.Hour)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/documents", strings.NewReader(`{"name":"a","vector_data":"[]","snapshot_image":"img"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create status mismatch: got %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(list) != 1 || list[0]["name"] != "a" {
		t.Errorf("List() = %v, want one document named a", list)
	}
}

func TestCorsOptions(t *testing.T) {
	opts := corsOptions(nil)
	if opts.AllowOriginFunc == nil {
		t.Fatal("default CORS options should use an origin function")
	}
	req := httptest.NewRequest("GET", "/", nil)
	for origin, want := range map[string]bool{
		"http://localhost:5173":    true,
		"https://127.0.0.1":        true,
		"https://evil.example.com": false,
		"":                         false,
	} {
		if got := opts.AllowOriginFunc(req, origin); got != want {
			t.Errorf("AllowOriginFunc(%q) = %v, want %v", origin, got, want)
		}
	}

	opts = corsOptions([]string{"https://board.example.com"})
	if opts.AllowOriginFunc != nil || len(opts.AllowedOrigins) != 1 {
		t.Errorf("configured origins not applied: %+v", opts)
	}
}
