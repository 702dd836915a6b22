package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"whiteboard-server/core"
	"whiteboard-server/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendQueueLen = 256
)

var errSendQueueFull = errors.New("send queue full")

// Frame is the envelope of every message on the plain websocket endpoint.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// wsConn is the send side of a gorilla connection. Frames are queued and
// written by a single writer goroutine.
type wsConn struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsConn) ID() string { return c.id }

// Emit never blocks. A peer too slow to drain its queue misses the event.
func (c *wsConn) Emit(event string, payload any) error {
	msg, err := json.Marshal(outFrame{Event: event, Data: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type WSHandler struct {
	hub            *Hub
	upgrader       websocket.Upgrader
	allowedOrigins []string
	maxMessageSize int64
}

// NewWSHandler serves the whiteboard protocol over plain websockets. An
// empty allowedOrigins list accepts any origin.
func NewWSHandler(hub *Hub, allowedOrigins []string, maxMessageSize int64) *WSHandler {
	h := &WSHandler{
		hub:            hub,
		allowedOrigins: allowedOrigins,
		maxMessageSize: maxMessageSize,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	originURL, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		return false
	}
	normalized := strings.ToLower(originURL.Scheme + "://" + originURL.Host)
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(strings.TrimSpace(allowed), "/"), normalized) {
			return true
		}
	}
	return false
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.TokenFromRequest(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("WebSocket upgrade error")
		return
	}

	wc := &wsConn{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendQueueLen),
	}
	c := h.hub.newClient(wc, token)
	logrus.WithField("conn_id", wc.id).Info("WebSocket connected")

	go h.writePump(wc)
	h.readPump(c, wc)
}

func (h *WSHandler) readPump(c *client, wc *wsConn) {
	defer func() {
		h.hub.Disconnect(c)
		wc.close()
		wc.conn.Close()
		logrus.WithFields(logrus.Fields{"conn_id": wc.id, "user_id": c.UserID()}).Info("WebSocket disconnected")
	}()

	if h.maxMessageSize > 0 {
		wc.conn.SetReadLimit(h.maxMessageSize)
	}
	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithField("conn_id", wc.id).WithError(err).Debug("WebSocket read failed")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.hub.sendError(c, badRequest("invalid frame: %v", err))
			continue
		}
		if !h.dispatch(c, frame) {
			return
		}
	}
}

// dispatch handles one inbound frame and reports whether the connection
// should stay open.
func (h *WSHandler) dispatch(c *client, frame Frame) bool {
	switch frame.Event {
	case EventJoin:
		var req JoinRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			h.hub.sendError(c, badRequest("invalid join payload: %v", err))
			return true
		}
		h.hub.Join(c, req)

	case EventDraw:
		if len(frame.Data) == 0 {
			return true
		}
		h.hub.Draw(c, frame.Data)

	case EventSave:
		var in core.DocumentInput
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			err = badRequest("invalid save payload: %v", err)
			if emitErr := c.Emit(EventSaveAck, saveAckPayload(nil, err)); emitErr != nil {
				logrus.WithField("conn_id", c.ID()).WithError(emitErr).Warn("Failed to acknowledge save")
			}
			return true
		}
		doc, err := h.hub.Save(context.Background(), c, in)
		if emitErr := c.Emit(EventSaveAck, saveAckPayload(doc, err)); emitErr != nil {
			logrus.WithField("conn_id", c.ID()).WithError(emitErr).Warn("Failed to acknowledge save")
		}

	case EventLeave:
		h.hub.Leave(c)

	case EventDisconnect:
		return false

	default:
		h.hub.sendError(c, badRequest("unknown event %q", frame.Event))
	}
	return true
}

func (h *WSHandler) writePump(wc *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wc.conn.Close()
	}()

	for {
		select {
		case message, ok := <-wc.send:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := wc.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				logrus.WithField("conn_id", wc.id).WithError(err).Debug("WebSocket write failed")
				return
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
