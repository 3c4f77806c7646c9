// Package hub keeps the server's view of who is connected: connections per
// user, room membership per connection and user presence. It fans
// notifications out to the connections selected by user and room.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Subscription is one authenticated connection.
type Subscription struct {
	ID       string // connection id
	UserID   string
	Notifier Notifier
}

type Hub struct {
	now func() time.Time

	mu        sync.RWMutex
	conns     map[string]*Subscription
	byUser    map[string]map[string]*Subscription
	rooms     map[string]map[string]struct{} // conversation → conn ids
	connRooms map[string]map[string]struct{} // conn id → conversations
	lastSeen  map[string]time.Time
}

func New() *Hub {
	return &Hub{
		now:       time.Now,
		conns:     make(map[string]*Subscription),
		byUser:    make(map[string]map[string]*Subscription),
		rooms:     make(map[string]map[string]struct{}),
		connRooms: make(map[string]map[string]struct{}),
		lastSeen:  make(map[string]time.Time),
	}
}

// Register adds a connection. It reports whether this is the user's first
// live connection, i.e. whether the user just came online.
func (h *Hub) Register(sub *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[sub.ID] = sub
	userConns, ok := h.byUser[sub.UserID]
	if !ok {
		userConns = make(map[string]*Subscription)
		h.byUser[sub.UserID] = userConns
	}
	userConns[sub.ID] = sub
	h.lastSeen[sub.UserID] = h.now()
	return len(userConns) == 1
}

// Unregister removes a connection and every room it joined. wentOffline
// is true when it was the user's last connection.
func (h *Hub) Unregister(connID string) (userID string, wentOffline bool, lastSeen time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.conns[connID]
	if !ok {
		return "", false, time.Time{}
	}
	delete(h.conns, connID)

	for conv := range h.connRooms[connID] {
		h.removeFromRoom(conv, connID)
	}
	delete(h.connRooms, connID)

	userConns := h.byUser[sub.UserID]
	delete(userConns, connID)
	now := h.now()
	h.lastSeen[sub.UserID] = now
	if len(userConns) > 0 {
		return sub.UserID, false, now
	}
	delete(h.byUser, sub.UserID)
	return sub.UserID, true, now
}

// Join adds the connection to a conversation room. Idempotent; returns
// false if it was already a member.
func (h *Hub) Join(connID, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return false
	}
	joined, ok := h.connRooms[connID]
	if !ok {
		joined = make(map[string]struct{})
		h.connRooms[connID] = joined
	}
	if _, ok := joined[conversationID]; ok {
		return false
	}
	joined[conversationID] = struct{}{}

	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[conversationID] = members
	}
	members[connID] = struct{}{}
	return true
}

// Leave removes the connection from a room. Idempotent.
func (h *Hub) Leave(connID, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined := h.connRooms[connID]
	if _, ok := joined[conversationID]; !ok {
		return false
	}
	delete(joined, conversationID)
	h.removeFromRoom(conversationID, connID)
	return true
}

func (h *Hub) removeFromRoom(conversationID, connID string) {
	members := h.rooms[conversationID]
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, conversationID)
	}
}

// Touch records activity for presence.
func (h *Hub) Touch(userID string) {
	h.mu.Lock()
	h.lastSeen[userID] = h.now()
	h.mu.Unlock()
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) LastSeen(userID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.lastSeen[userID]
	return t, ok
}

// Online returns the ids of every connected user, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.byUser))
	for u := range h.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (h *Hub) RoomMembers(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[conversationID]))
	for id := range h.rooms[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Target selects recipients. Connections matched by several fields get
// the notification once.
type Target struct {
	Users  []string
	Room   string
	All    bool
	Except string // connection id excluded from delivery
}

// Notify delivers a notification to every connection selected by t and
// returns how many were attempted. Delivery errors are logged.
func (h *Hub) Notify(ctx context.Context, t Target, method string, params any) int {
	subs := h.resolve(t)
	n := Notification{Method: method, Params: params}
	for _, sub := range subs {
		if err := sub.Notifier.Notify(ctx, n); err != nil {
			slog.Debug("failed to notify connection",
				"connId", sub.ID,
				"method", method,
				"error", err)
		}
	}
	return len(subs)
}

func (h *Hub) resolve(t Target) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var subs []*Subscription
	add := func(sub *Subscription) {
		if sub == nil || sub.ID == t.Except {
			return
		}
		if _, dup := seen[sub.ID]; dup {
			return
		}
		seen[sub.ID] = struct{}{}
		subs = append(subs, sub)
	}

	if t.All {
		for _, sub := range h.conns {
			add(sub)
		}
	}
	for _, u := range t.Users {
		for _, sub := range h.byUser[u] {
			add(sub)
		}
	}
	if t.Room != "" {
		for id := range h.rooms[t.Room] {
			add(h.conns[id])
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}
