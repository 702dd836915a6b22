package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"whiteboard-server/core"
	"whiteboard-server/router"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	eiotypes "github.com/zishang520/engine.io-go-parser/types"
)

// sioClient speaks raw engine.io v4 frames over a websocket.
type sioClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func newSocketIOServer(t *testing.T, f *hubFixture) *httptest.Server {
	t.Helper()
	ioo := SetupSocketIO(f.hub, SocketIOOptions{MaxPayloadBytes: 1 << 20})
	t.Cleanup(func() { ioo.Close(nil) })
	srv := httptest.NewServer(ioo.ServeHandler(nil))
	t.Cleanup(srv.Close)
	return srv
}

func dialSocketIO(t *testing.T, srv *httptest.Server) *sioClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &sioClient{t: t, conn: conn}
	c.readUntil(func(frame string) bool { return strings.HasPrefix(frame, "0") })
	c.write("40")
	c.readUntil(func(frame string) bool { return strings.HasPrefix(frame, "40") })
	return c
}

func (c *sioClient) write(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *sioClient) emit(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal([]any{event, data})
	require.NoError(c.t, err)
	c.write("42" + string(raw))
}

func (c *sioClient) emitWithAck(id int, event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal([]any{event, data})
	require.NoError(c.t, err)
	c.write(fmt.Sprintf("42%d%s", id, raw))
}

// readUntil reads frames, answering pings, until match accepts one.
func (c *sioClient) readUntil(match func(frame string) bool) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		frame := string(msg)
		if frame == "2" {
			c.write("3")
			continue
		}
		if match(frame) {
			return frame
		}
	}
}

// next returns the payload of the next event named event.
func (c *sioClient) next(event string) json.RawMessage {
	c.t.Helper()
	var payload json.RawMessage
	c.readUntil(func(frame string) bool {
		if !strings.HasPrefix(frame, "42") {
			return false
		}
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(frame[2:]), &args); err != nil || len(args) == 0 {
			return false
		}
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil || name != event {
			return false
		}
		if len(args) > 1 {
			payload = args[1]
		}
		return true
	})
	return payload
}

func (c *sioClient) ack(id int) json.RawMessage {
	c.t.Helper()
	prefix := fmt.Sprintf("43%d[", id)
	frame := c.readUntil(func(frame string) bool { return strings.HasPrefix(frame, prefix) })

	var args []json.RawMessage
	require.NoError(c.t, json.Unmarshal([]byte(frame[len(prefix)-1:]), &args))
	require.NotEmpty(c.t, args)
	return args[0]
}

func TestSocketIO_DrawOrderPerSender(t *testing.T) {
	f := newHubFixture(t, HubOptions{})
	srv := newSocketIOServer(t, f)
	a := dialSocketIO(t, srv)
	b := dialSocketIO(t, srv)

	a.emit(EventJoin, JoinRequest{Token: f.token(t, "alice"), DocumentID: "doc-D"})
	a.next(EventJoined)
	b.emit(EventJoin, JoinRequest{Token: f.token(t, "bob"), DocumentID: "doc-D"})
	b.next(EventJoined)

	const draws = 500
	for i := 0; i < draws; i++ {
		a.emit(EventDraw, map[string]int{"seq": i})
	}
	for i := 0; i < draws; i++ {
		var got struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(b.next(EventDraw), &got))
		require.Equal(t, i, got.Seq, "draws arrived out of order")
	}

	// The sender never hears its own draws; the first draw it sees is B's.
	b.emit(EventDraw, map[string]string{"from": "bob"})
	assert.JSONEq(t, `{"from":"bob"}`, string(a.next(EventDraw)))
}

func TestSocketIO_JoinAck(t *testing.T) {
	f := newHubFixture(t, HubOptions{})
	srv := newSocketIOServer(t, f)
	c := dialSocketIO(t, srv)

	c.emitWithAck(3, EventJoin, JoinRequest{Token: f.token(t, "alice"), DocumentID: "doc-D"})

	var ack map[string]any
	require.NoError(t, json.Unmarshal(c.ack(3), &ack))
	assert.Equal(t, "ok", ack["status"])
	assert.Equal(t, []any{"alice"}, ack["members"])
}

func TestSocketIO_SaveAck(t *testing.T) {
	f := newHubFixture(t, HubOptions{})
	srv := newSocketIOServer(t, f)
	doc, err := f.store.Create(context.Background(), "alice", core.NewDocumentInput("board", "[]", "img"))
	require.NoError(t, err)

	c := dialSocketIO(t, srv)
	c.emit(EventJoin, JoinRequest{Token: f.token(t, "alice"), DocumentID: doc.ID})
	c.next(EventJoined)

	c.emitWithAck(7, EventSave, map[string]string{"name": "renamed", "vector_data": `[{"id":1}]`, "snapshot_image": "img2"})

	var ack struct {
		Status   string        `json:"status"`
		Document core.Document `json:"document"`
	}
	require.NoError(t, json.Unmarshal(c.ack(7), &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "renamed", ack.Document.Name)

	saved, err := f.store.Get(context.Background(), doc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1}]`, saved.VectorData)
}

func TestSocketIO_SaveWithoutJoin(t *testing.T) {
	f := newHubFixture(t, HubOptions{})
	srv := newSocketIOServer(t, f)
	c := dialSocketIO(t, srv)

	c.emit(EventSave, map[string]string{"name": "a", "vector_data": "[]", "snapshot_image": ""})

	var ack map[string]any
	require.NoError(t, json.Unmarshal(c.next(EventSaveAck), &ack))
	assert.Equal(t, "error", ack["status"])
	assert.Equal(t, codeNotJoined, ack["code"])
}

func TestSocketIO_LeaveNotifiesMembers(t *testing.T) {
	f := newHubFixture(t, HubOptions{})
	srv := newSocketIOServer(t, f)
	a := dialSocketIO(t, srv)
	b := dialSocketIO(t, srv)

	a.emit(EventJoin, JoinRequest{Token: f.token(t, "alice"), DocumentID: "doc-D"})
	a.next(EventJoined)
	b.emit(EventJoin, JoinRequest{Token: f.token(t, "bob"), DocumentID: "doc-D"})
	b.next(EventJoined)

	a.emit(EventLeave, nil)

	for {
		var members []string
		require.NoError(t, json.Unmarshal(b.next(router.EventRoomUserChange), &members))
		if len(members) == 1 {
			assert.Equal(t, []string{"bob"}, members)
			break
		}
	}
}

func TestSocketIO_DisconnectLeavesRoom(t *testing.T) {
	f := newHubFixture(t, HubOptions{})
	srv := newSocketIOServer(t, f)
	c := dialSocketIO(t, srv)

	c.emit(EventJoin, JoinRequest{Token: f.token(t, "alice"), DocumentID: "doc-D"})
	c.next(EventJoined)
	require.Equal(t, 1, f.registry.Len())

	c.conn.Close()

	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestInbox_RunsInOrder(t *testing.T) {
	box := newInbox(4)
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, box.push(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		}))
	}

	finished := make(chan struct{})
	box.close(func() { close(finished) })
	<-finished

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestInbox_DropsAfterClose(t *testing.T) {
	box := newInbox(1)
	box.close(func() {})
	<-box.done

	assert.False(t, box.push(func() { t.Error("ran after close") }))

	// A second close is a no-op.
	box.close(func() { t.Error("close ran twice") })
}

func TestPeekFrame_DoesNotConsume(t *testing.T) {
	buf := eiotypes.NewStringBufferString(`2["draw",{}]`)

	assert.Equal(t, `2["draw",{}]`, peekFrame(buf))
	assert.Equal(t, `2["draw",{}]`, buf.String())
	assert.Nil(t, peekFrame(strings.NewReader("x")))
}

func TestDecodeArg(t *testing.T) {
	var req JoinRequest
	require.NoError(t, decodeArg([]any{map[string]any{"token": "t", "document_id": "d"}}, &req))
	assert.Equal(t, JoinRequest{Token: "t", DocumentID: "d"}, req)

	var in core.DocumentInput
	require.NoError(t, decodeArg([]any{map[string]any{"name": "n", "vector_data": "[]"}}, &in))
	assert.ErrorIs(t, in.Validate(), core.ErrValidation)

	assert.ErrorIs(t, decodeArg(nil, &req), errBadRequest)
	assert.ErrorIs(t, decodeArg([]any{"not an object"}, &req), errBadRequest)
}

func TestCorsOrigins(t *testing.T) {
	assert.Equal(t, "*", corsOrigins(nil))
	assert.Equal(t, []any{"https://a.example"}, corsOrigins([]string{"https://a.example"}))
}
