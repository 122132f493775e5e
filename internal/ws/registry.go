package ws

import (
	"encoding/json"
	"sort"
	"sync"
)

type room map[*Connection]struct{}

// ConnectionRegistry groups live connections by document.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	rooms map[string]room
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{rooms: make(map[string]room)}
}

// Register adds c to the document's room. Registering twice is a no-op.
func (r *ConnectionRegistry) Register(documentID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[documentID]
	if !ok {
		members = make(room)
		r.rooms[documentID] = members
	}
	if _, dup := members[c]; dup {
		return
	}
	members[c] = struct{}{}
	wsConnections.Inc()
}

// Unregister removes c; empty rooms are dropped.
func (r *ConnectionRegistry) Unregister(documentID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[documentID]
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	wsConnections.Dec()
	if len(members) == 0 {
		delete(r.rooms, documentID)
	}
}

// Count is the number of connections on documentID.
func (r *ConnectionRegistry) Count(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[documentID])
}

// Documents returns the documents with at least one connection, sorted.
func (r *ConnectionRegistry) Documents() []string {
	r.mu.RLock()
	docs := make([]string, 0, len(r.rooms))
	for doc := range r.rooms {
		docs = append(docs, doc)
	}
	r.mu.RUnlock()
	sort.Strings(docs)
	return docs
}

func (r *ConnectionRegistry) members(documentID string, skip *Connection) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.rooms[documentID]))
	for c := range r.rooms[documentID] {
		if c != skip {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast queues payload on every connection of documentID except skip and
// returns how many accepted it. Sends happen outside the registry lock.
func (r *ConnectionRegistry) Broadcast(documentID string, payload []byte, skip *Connection) int {
	targets := r.members(documentID, skip)
	if len(targets) == 0 {
		return 0
	}
	sent := 0
	for _, c := range targets {
		if c.SendText(payload) == nil {
			sent++
		}
	}
	wsFanout.Observe(float64(sent))
	return sent
}

// BroadcastJSON encodes msg once and broadcasts it.
func (r *ConnectionRegistry) BroadcastJSON(documentID string, msg any, skip *Connection) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return r.Broadcast(documentID, data, skip)
}
