package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"whiteboard-server/rooms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload any
}

// recordingConn records every event emitted to it.
type recordingConn struct {
	id     string
	userID string
	fail   error

	mu   sync.Mutex
	sent []sent
}

func newConn(id string) *recordingConn {
	return &recordingConn{id: id, userID: "user-" + id}
}

func (c *recordingConn) ID() string     { return c.id }
func (c *recordingConn) UserID() string { return c.userID }

func (c *recordingConn) Emit(event string, payload any) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{event: event, payload: payload})
	return nil
}

func (c *recordingConn) events(name string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, s := range c.sent {
		if s.event == name {
			out = append(out, s.payload)
		}
	}
	return out
}

type fakeRelay struct {
	mu        sync.Mutex
	published map[string][]json.RawMessage
}

func (f *fakeRelay) Publish(documentID string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][]json.RawMessage)
	}
	f.published[documentID] = append(f.published[documentID], payload)
}

func TestRouteDraw_FanOutExcludesSender(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	a, b := newConn("a"), newConn("b")
	registry.Join("doc-D", a)
	registry.Join("doc-D", b)

	payload := json.RawMessage(`{"x":1,"y":2}`)
	rt.RouteDraw(a, payload)

	require.Len(t, b.events(EventDraw), 1)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(b.events(EventDraw)[0].(json.RawMessage)))
	assert.Empty(t, a.events(EventDraw))
}

func TestRouteDraw_SenderOutsideRoomIsDropped(t *testing.T) {
	registry := rooms.NewRegistry()
	relay := &fakeRelay{}
	rt := New(registry, WithRelay(relay))
	a, b := newConn("a"), newConn("b")
	registry.Join("doc-D", b)

	rt.RouteDraw(a, json.RawMessage(`{}`))

	assert.Empty(t, b.events(EventDraw))
	assert.Empty(t, relay.published)
}

func TestRouteDraw_Isolation(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	a, b, other := newConn("a"), newConn("b"), newConn("other")
	registry.Join("doc-1", a)
	registry.Join("doc-1", b)
	registry.Join("doc-2", other)

	rt.RouteDraw(a, json.RawMessage(`"stroke"`))

	assert.Len(t, b.events(EventDraw), 1)
	assert.Empty(t, other.events(EventDraw))
}

func TestRouteDraw_DisconnectedMemberNotAttempted(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	a, b := newConn("a"), newConn("b")
	registry.Join("doc-D", a)
	registry.Join("doc-D", b)

	// A disconnects; C joins the same document.
	registry.Leave(a)
	c := newConn("c")
	registry.Join("doc-D", c)

	rt.RouteDraw(b, json.RawMessage(`{"x":3}`))

	assert.Len(t, c.events(EventDraw), 1)
	assert.Empty(t, a.events(EventDraw))
	_, inRoom := registry.RoomOf(a)
	assert.False(t, inRoom)
	for _, info := range registry.Rooms() {
		for _, m := range registry.MembersOf(info.DocumentID, nil) {
			assert.NotEqual(t, "a", m.ID())
		}
	}
}

func TestRouteDraw_FailedSendIsSkipped(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	a, broken, c := newConn("a"), newConn("broken"), newConn("c")
	broken.fail = errors.New("connection closed")
	registry.Join("doc-D", a)
	registry.Join("doc-D", broken)
	registry.Join("doc-D", c)

	assert.NotPanics(t, func() { rt.RouteDraw(a, json.RawMessage(`1`)) })
	assert.Len(t, c.events(EventDraw), 1)
}

func TestRouteDraw_PerSenderOrder(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	a, b := newConn("a"), newConn("b")
	registry.Join("doc-D", a)
	registry.Join("doc-D", b)

	for _, p := range []string{`1`, `2`, `3`} {
		rt.RouteDraw(a, json.RawMessage(p))
	}

	got := b.events(EventDraw)
	require.Len(t, got, 3)
	for i, want := range []string{`1`, `2`, `3`} {
		assert.Equal(t, want, string(got[i].(json.RawMessage)))
	}
}

func TestRouteDraw_PublishesToRelay(t *testing.T) {
	registry := rooms.NewRegistry()
	relay := &fakeRelay{}
	rt := New(registry, WithRelay(relay))
	a := newConn("a")
	registry.Join("doc-D", a)

	rt.RouteDraw(a, json.RawMessage(`{"x":1}`))

	require.Len(t, relay.published["doc-D"], 1)
	assert.Equal(t, `{"x":1}`, string(relay.published["doc-D"][0]))
}

func TestDeliverRemote_ReachesAllLocalMembers(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	a, b := newConn("a"), newConn("b")
	registry.Join("doc-D", a)
	registry.Join("doc-D", b)

	rt.DeliverRemote("doc-D", json.RawMessage(`{}`))
	rt.DeliverRemote("doc-unknown", json.RawMessage(`{}`))

	assert.Len(t, a.events(EventDraw), 1)
	assert.Len(t, b.events(EventDraw), 1)
}

func TestNotifyMembers(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	a, b := newConn("a"), newConn("b")
	registry.Join("doc-D", a)
	registry.Join("doc-D", b)

	rt.NotifyMembers("doc-D")

	for _, c := range []*recordingConn{a, b} {
		got := c.events(EventRoomUserChange)
		require.Len(t, got, 1)
		assert.Equal(t, []string{"user-a", "user-b"}, got[0])
	}
}

func TestRequestSaves_AsksEarliestMember(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry)
	first, second, solo := newConn("first"), newConn("second"), newConn("solo")
	registry.Join("doc-1", first)
	registry.Join("doc-1", second)
	registry.Join("doc-2", solo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.RequestSaves(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		return len(first.events(EventRequestSave)) > 0 && len(solo.events(EventRequestSave)) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, second.events(EventRequestSave))
	assert.Equal(t, map[string]string{"document_id": "doc-1"}, first.events(EventRequestSave)[0])
}

func TestRequestSaves_DisabledInterval(t *testing.T) {
	rt := New(rooms.NewRegistry())
	assert.NoError(t, rt.RequestSaves(context.Background(), 0))
}

func TestRequestSaves_SkipsMembersWhoCannotSave(t *testing.T) {
	registry := rooms.NewRegistry()
	var mu sync.Mutex
	lookups := make(map[string]int)
	rt := New(registry, WithOwnerCheck(func(_ context.Context, documentID, userID string) bool {
		mu.Lock()
		defer mu.Unlock()
		lookups[userID]++
		return documentID == "doc-1" && userID == "user-owner"
	}))
	guest, owner := newConn("guest"), newConn("owner")
	registry.Join("doc-1", guest)
	registry.Join("doc-1", owner)

	rt.requestSaves(context.Background())
	rt.requestSaves(context.Background())

	assert.Empty(t, guest.events(EventRequestSave))
	assert.Len(t, owner.events(EventRequestSave), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, lookups["user-owner"], "owner should be looked up once and cached")
}

func TestRequestSaves_NoMemberCanSave(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry, WithOwnerCheck(func(context.Context, string, string) bool { return false }))
	guest := newConn("guest")
	registry.Join("doc-1", guest)

	rt.requestSaves(context.Background())

	assert.Empty(t, guest.events(EventRequestSave))
}

func TestRequestSaves_ForgetsClosedRooms(t *testing.T) {
	registry := rooms.NewRegistry()
	rt := New(registry, WithOwnerCheck(func(context.Context, string, string) bool { return true }))
	owner := newConn("owner")
	registry.Join("doc-1", owner)

	rt.requestSaves(context.Background())
	require.Contains(t, rt.owners, "doc-1")

	registry.Leave(owner)
	rt.requestSaves(context.Background())
	assert.NotContains(t, rt.owners, "doc-1")
}
