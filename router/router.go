// Package router relays transient draw events between members of a room.
// Events are never persisted and never interpreted.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"whiteboard-server/core"
	"whiteboard-server/rooms"

	"github.com/sirupsen/logrus"
)

// Server to client event names.
const (
	EventDraw           = "draw"
	EventRoomUserChange = "room-user-change"
	EventRequestSave    = "request-save"
)

// Relay forwards draw events to other server instances. Publish must not
// block the caller.
type Relay interface {
	Publish(documentID string, payload json.RawMessage)
}

// OwnerCheck reports whether userID may save documentID.
type OwnerCheck func(ctx context.Context, documentID, userID string) bool

type Router struct {
	registry *rooms.Registry
	relay    Relay
	canSave  OwnerCheck

	// owners caches the saving user found for each active room.
	ownersMu sync.Mutex
	owners   map[string]string
}

type Option func(*Router)

// WithRelay enables cross-instance fan-out.
func WithRelay(relay Relay) Option {
	return func(rt *Router) { rt.relay = relay }
}

// WithOwnerCheck makes save requests go to the earliest member that can
// save the document rather than the earliest member overall.
func WithOwnerCheck(check OwnerCheck) Option {
	return func(rt *Router) { rt.canSave = check }
}

func New(registry *rooms.Registry, opts ...Option) *Router {
	rt := &Router{registry: registry, owners: make(map[string]string)}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// RouteDraw forwards payload unmodified to every other member of the
// sender's room. A sender outside any room is ignored.
func (rt *Router) RouteDraw(sender rooms.Conn, payload json.RawMessage) {
	documentID, ok := rt.registry.RoomOf(sender)
	if !ok {
		logrus.WithField("conn_id", sender.ID()).Debug("Dropped draw event from connection outside any room")
		return
	}
	rt.registry.Touch(documentID)
	rt.Broadcast(documentID, EventDraw, payload, sender)

	if rt.relay != nil {
		rt.relay.Publish(documentID, payload)
	}
}

// DeliverRemote hands a draw event received from another instance to every
// local member of the room.
func (rt *Router) DeliverRemote(documentID string, payload json.RawMessage) {
	rt.Broadcast(documentID, EventDraw, payload, nil)
}

// Broadcast emits an event to the members of a room except exclude and
// returns how many sends succeeded. A failed send only affects its
// recipient.
func (rt *Router) Broadcast(documentID, event string, payload any, exclude rooms.Conn) int {
	delivered := 0
	for _, member := range rt.registry.MembersOf(documentID, exclude) {
		if err := member.Emit(event, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"document_id": documentID,
				"conn_id":     member.ID(),
				"event":       event,
			}).WithError(fmt.Errorf("%w: %w", core.ErrDelivery, err)).Warn("Skipped room member")
			continue
		}
		delivered++
	}
	return delivered
}

// NotifyMembers sends the current member list of a room to everyone in it.
func (rt *Router) NotifyMembers(documentID string) {
	userIDs := rt.registry.UserIDs(documentID)
	if len(userIDs) == 0 {
		return
	}
	rt.Broadcast(documentID, EventRoomUserChange, userIDs, nil)
}

// RequestSaves periodically asks one member of every room to push a full
// snapshot: the earliest-joined member that can save it. It returns when
// ctx is done. A non-positive interval disables it.
func (rt *Router) RequestSaves(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rt.requestSaves(ctx)
		}
	}
}

func (rt *Router) requestSaves(ctx context.Context) {
	rt.ownersMu.Lock()
	defer rt.ownersMu.Unlock()

	active := make(map[string]struct{})
	for _, info := range rt.registry.Rooms() {
		active[info.DocumentID] = struct{}{}
		members := rt.registry.MembersOf(info.DocumentID, nil)
		if len(members) == 0 {
			continue
		}
		log := logrus.WithFields(logrus.Fields{
			"document_id": info.DocumentID,
			"members":     len(members),
		})

		target := rt.saveTarget(ctx, info.DocumentID, members)
		if target == nil {
			log.Debug("No member can save document, skipping snapshot request")
			continue
		}
		log.WithField("conn_id", target.ID()).Debug("Requesting snapshot from client")
		if err := target.Emit(EventRequestSave, map[string]string{"document_id": info.DocumentID}); err != nil {
			logrus.WithField("conn_id", target.ID()).WithError(err).Warn("Failed to request save")
		}
	}

	for documentID := range rt.owners {
		if _, ok := active[documentID]; !ok {
			delete(rt.owners, documentID)
		}
	}
}

// saveTarget picks the earliest member whose user can save documentID.
// Callers hold ownersMu.
func (rt *Router) saveTarget(ctx context.Context, documentID string, members []rooms.Conn) rooms.Conn {
	if rt.canSave == nil {
		return members[0]
	}
	if owner, ok := rt.owners[documentID]; ok {
		for _, m := range members {
			if m.UserID() == owner {
				return m
			}
		}
	}

	checked := make(map[string]bool, len(members))
	for _, m := range members {
		userID := m.UserID()
		if userID == "" || checked[userID] {
			continue
		}
		checked[userID] = true
		if rt.canSave(ctx, documentID, userID) {
			rt.owners[documentID] = userID
			return m
		}
	}
	return nil
}
