// Package rooms tracks which live connections are viewing which document.
//
// A room exists only while it has members. Each connection is in at most one
// room; joining another room moves it.
package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn is a live client connection as seen by the registry and the router.
type Conn interface {
	// ID is unique per transport connection.
	ID() string
	// UserID is the identity bound to the connection.
	UserID() string
	// Emit queues a named event for the client. It must not block on a slow
	// peer.
	Emit(event string, payload any) error
}

type member struct {
	conn Conn
	seq  uint64
}

type room struct {
	members    map[string]member
	lastActive time.Time
}

// RoomInfo is a point-in-time view of one room.
type RoomInfo struct {
	DocumentID string    `json:"document_id"`
	Members    int       `json:"members"`
	LastActive time.Time `json:"last_active"`
}

type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	connRoom map[string]string // connection id -> document id
	seq      uint64
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*room),
		connRoom: make(map[string]string),
		now:      time.Now,
	}
}

// Join adds c to the room of documentID. Joining the current room again is a
// no-op. If c was in another room it leaves that room first, and the id of
// that room is returned so callers can notify its remaining members.
func (r *Registry) Join(documentID string, c Conn) (left string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.connRoom[c.ID()]; ok {
		if current == documentID {
			return ""
		}
		r.removeLocked(current, c.ID())
		left = current
	}

	rm, ok := r.rooms[documentID]
	if !ok {
		rm = &room{members: make(map[string]member)}
		r.rooms[documentID] = rm
		logrus.WithField("document_id", documentID).Debug("Created room")
	}
	r.seq++
	rm.members[c.ID()] = member{conn: c, seq: r.seq}
	rm.lastActive = r.now()
	r.connRoom[c.ID()] = documentID

	logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"conn_id":     c.ID(),
		"user_id":     c.UserID(),
		"members":     len(rm.members),
	}).Info("Connection joined room")
	return left
}

// Leave removes c from its room and returns that room's id, or "" if c was
// not in a room.
func (r *Registry) Leave(c Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	documentID, ok := r.connRoom[c.ID()]
	if !ok {
		return ""
	}
	r.removeLocked(documentID, c.ID())

	logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"conn_id":     c.ID(),
		"user_id":     c.UserID(),
	}).Info("Connection left room")
	return documentID
}

func (r *Registry) removeLocked(documentID, connID string) {
	delete(r.connRoom, connID)
	rm, ok := r.rooms[documentID]
	if !ok {
		return
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		delete(r.rooms, documentID)
		logrus.WithField("document_id", documentID).Debug("Removed empty room")
	}
}

// MembersOf returns the members of a room in join order, leaving out exclude
// (which may be nil). The slice is a snapshot; sends to it happen outside the
// registry lock.
func (r *Registry) MembersOf(documentID string, exclude Conn) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[documentID]
	if !ok {
		return nil
	}
	members := make([]member, 0, len(rm.members))
	for id, m := range rm.members {
		if exclude != nil && id == exclude.ID() {
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })

	conns := make([]Conn, len(members))
	for i, m := range members {
		conns[i] = m.conn
	}
	return conns
}

// UserIDs lists the user ids of a room's members in join order. A user with
// several connections appears once per connection.
func (r *Registry) UserIDs(documentID string) []string {
	members := r.MembersOf(documentID, nil)
	ids := make([]string, len(members))
	for i, c := range members {
		ids[i] = c.UserID()
	}
	return ids
}

// RoomOf returns the room c is in.
func (r *Registry) RoomOf(c Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	documentID, ok := r.connRoom[c.ID()]
	return documentID, ok
}

// Touch records activity in a room.
func (r *Registry) Touch(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[documentID]; ok {
		rm.lastActive = r.now()
	}
}

// Rooms returns every active room.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(r.rooms))
	for documentID, rm := range r.rooms {
		infos = append(infos, RoomInfo{
			DocumentID: documentID,
			Members:    len(rm.members),
			LastActive: rm.lastActive,
		})
	}
	return infos
}

// Len is the number of active rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
