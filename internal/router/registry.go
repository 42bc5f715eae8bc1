package router

import (
	"sort"
	"sync"

	"github.com/real-rm/chatroom/internal/constants"
)

// Client is a connection that can be admitted to rooms
type Client interface {
	ID() string
	UserID() string
	Name() string
	// Send queues a frame without blocking, reporting false when it was dropped
	Send(frame []byte) bool
}

// RoomKey names the room of a session
func RoomKey(sessionID string) string {
	return constants.RoomPrefix + sessionID
}

// Registry tracks room membership. The forward and reverse indexes are
// kept under one lock so a disconnect leaves no stale membership behind.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Client
	memberships map[string]map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]map[string]Client),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Add admits c to room, reporting whether it was not already a member
func (r *Registry) Add(room string, c Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]Client)
		r.rooms[room] = members
	}
	if _, ok := members[c.ID()]; ok {
		return false
	}
	members[c.ID()] = c

	rooms := r.memberships[c.ID()]
	if rooms == nil {
		rooms = make(map[string]struct{})
		r.memberships[c.ID()] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// Remove takes connID out of room, reporting whether it was a member
func (r *Registry) Remove(room, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(room, connID)
}

func (r *Registry) remove(room, connID string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if rooms, ok := r.memberships[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.memberships, connID)
		}
	}
	return true
}

// RemoveAll evicts connID from every room in one step and returns the rooms it left
func (r *Registry) RemoveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.memberships[connID]))
	for room := range r.memberships[connID] {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		r.remove(room, connID)
	}
	sort.Strings(rooms)
	return rooms
}

// Members returns a snapshot of room ordered by connection id
func (r *Registry) Members(room string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// isMember reports whether connID is in room
func (r *Registry) isMember(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// roomsOf returns the rooms connID belongs to
func (r *Registry) roomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.memberships[connID]))
	for room := range r.memberships[connID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// RoomCount returns the number of non-empty rooms
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
