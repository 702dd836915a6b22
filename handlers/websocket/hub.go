package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"whiteboard-server/core"
	"whiteboard-server/rooms"
	"whiteboard-server/router"
	"whiteboard-server/session"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Client to server event names.
const (
	EventJoin       = "join"
	EventDraw       = "draw"
	EventSave       = "save"
	EventLeave      = "leave"
	EventDisconnect = "disconnect"
)

// Server to client event names not owned by the router.
const (
	EventJoined  = "joined"
	EventSaveAck = "save-ack"
	EventError   = "error"
)

// Error codes sent in error events.
const (
	codeUnauthenticated = "unauthenticated"
	codeValidation      = "validation"
	codeNotFound        = "not_found"
	codeStorage         = "storage"
	codeNotJoined       = "not_joined"
	codeBadRequest      = "bad_request"
)

const defaultSaveTimeout = 10 * time.Second

var (
	errNotJoined    = errors.New("join a document before saving")
	errDisconnected = errors.New("connection closed")
)

type (
	// JoinRequest is the payload of a join event.
	JoinRequest struct {
		Token      string `json:"token"`
		DocumentID string `json:"document_id"`
	}

	// JoinedPayload answers a successful join.
	JoinedPayload struct {
		DocumentID string   `json:"document_id"`
		Members    []string `json:"members"`
	}

	// ErrorPayload is sent with an error event.
	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// transport is the send side of one client connection.
	transport interface {
		ID() string
		Emit(event string, payload any) error
	}
)

// HubOptions tunes per-connection behaviour.
type HubOptions struct {
	DrawRateLimit float64
	DrawBurst     int
	SaveTimeout   time.Duration
}

// Hub holds the transport-independent connection logic shared by the
// socket.io and plain websocket endpoints.
type Hub struct {
	registry *rooms.Registry
	router   *router.Router
	resolver *session.Resolver
	store    core.DocumentStore
	opts     HubOptions
}

func NewHub(registry *rooms.Registry, rt *router.Router, resolver *session.Resolver, store core.DocumentStore, opts HubOptions) *Hub {
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	return &Hub{
		registry: registry,
		router:   rt,
		resolver: resolver,
		store:    store,
		opts:     opts,
	}
}

// client is one live connection. It satisfies rooms.Conn once a user has
// been resolved for it.
type client struct {
	transport
	limiter *rate.Limiter

	// defaultToken is used when a join carries no token, e.g. when the
	// websocket handshake already presented one.
	defaultToken string

	mu     sync.RWMutex
	userID string

	// lifecycle orders joins against disconnect so a closed client never
	// re-enters a room.
	lifecycle sync.Mutex
	closed    bool
}

func (c *client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *client) setUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (h *Hub) newClient(t transport, defaultToken string) *client {
	var limiter *rate.Limiter
	if h.opts.DrawRateLimit > 0 && h.opts.DrawBurst > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.DrawRateLimit), h.opts.DrawBurst)
	}
	return &client{transport: t, limiter: limiter, defaultToken: defaultToken}
}

// Join resolves the client's identity and moves it into the document's
// room. A client whose identity cannot be resolved is never admitted.
func (h *Hub) Join(c *client, req JoinRequest) (*JoinedPayload, error) {
	log := logrus.WithFields(logrus.Fields{"conn_id": c.ID(), "document_id": req.DocumentID})

	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		log.Debug("Ignored join on closed connection")
		return nil, errDisconnected
	}

	token := req.Token
	if token == "" {
		token = c.defaultToken
	}
	userID, err := h.resolver.Resolve(c.ID(), token)
	if err == nil && req.DocumentID == "" {
		err = &core.ValidationError{Field: "document_id", Reason: "is required"}
	}
	if err != nil {
		c.lifecycle.Unlock()
		log.WithError(err).Info("Rejected join")
		h.sendError(c, err)
		return nil, err
	}
	c.setUserID(userID)
	left := h.registry.Join(req.DocumentID, c)
	c.lifecycle.Unlock()

	if left != "" {
		h.router.NotifyMembers(left)
	}

	joined := &JoinedPayload{
		DocumentID: req.DocumentID,
		Members:    h.registry.UserIDs(req.DocumentID),
	}
	if err := c.Emit(EventJoined, joined); err != nil {
		log.WithError(err).Warn("Failed to confirm join")
	}
	h.router.NotifyMembers(req.DocumentID)
	return joined, nil
}

// Draw relays a draw event, dropping it when the client exceeds its rate.
func (h *Hub) Draw(c *client, payload json.RawMessage) {
	if c.limiter != nil && !c.limiter.Allow() {
		logrus.WithField("conn_id", c.ID()).Debug("Draw rate exceeded, dropping event")
		return
	}
	h.router.RouteDraw(c, payload)
}

// Save writes a full snapshot of the joined document on behalf of the
// client's user. The usual owner rules apply.
func (h *Hub) Save(ctx context.Context, c *client, in core.DocumentInput) (*core.Document, error) {
	documentID, ok := h.registry.RoomOf(c)
	if !ok {
		h.sendError(c, errNotJoined)
		return nil, errNotJoined
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.SaveTimeout)
	defer cancel()

	doc, err := h.store.Update(ctx, documentID, c.UserID(), in)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"conn_id":     c.ID(),
			"document_id": documentID,
			"user_id":     c.UserID(),
		}).WithError(err).Info("Save over connection failed")
		return nil, err
	}
	return doc, nil
}

// Leave takes the client out of its room and tells the remaining members.
func (h *Hub) Leave(c *client) {
	if left := h.registry.Leave(c); left != "" {
		h.router.NotifyMembers(left)
	}
}

// Disconnect cleans up after a transport has gone away.
func (h *Hub) Disconnect(c *client) {
	c.lifecycle.Lock()
	c.closed = true
	c.lifecycle.Unlock()

	h.Leave(c)
	h.resolver.Release(c.ID())
	logrus.WithFields(logrus.Fields{"conn_id": c.ID(), "user_id": c.UserID()}).Debug("Client disconnected")
}

// ActiveRooms reports the rooms currently open on this instance.
func (h *Hub) ActiveRooms() []rooms.RoomInfo {
	return h.registry.Rooms()
}

func (h *Hub) sendError(c *client, err error) {
	payload := errorPayload(err)
	if emitErr := c.Emit(EventError, payload); emitErr != nil {
		logrus.WithField("conn_id", c.ID()).WithError(emitErr).Debug("Failed to send error event")
	}
}

func errorPayload(err error) ErrorPayload {
	code := codeStorage
	switch {
	case errors.Is(err, core.ErrAuthentication):
		code = codeUnauthenticated
	case errors.Is(err, core.ErrValidation):
		code = codeValidation
	case errors.Is(err, core.ErrNotFound):
		code = codeNotFound
	case errors.Is(err, errNotJoined):
		code = codeNotJoined
	case errors.Is(err, errBadRequest):
		code = codeBadRequest
	}
	return ErrorPayload{Code: code, Message: err.Error()}
}

func saveAckPayload(doc *core.Document, err error) map[string]any {
	if err != nil {
		p := errorPayload(err)
		return map[string]any{
			"status": "error",
			"code":   p.Code,
			"error":  p.Message,
		}
	}
	return map[string]any{
		"status":   "ok",
		"document": doc,
	}
}

var errBadRequest = errors.New("malformed event payload")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}
