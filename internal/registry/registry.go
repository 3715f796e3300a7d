package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned when routing to a client that has no live
// connection.
var ErrNotConnected = errors.New("client not connected")

// Client is a read-only snapshot of one directory entry.
type Client struct {
	ClientID string         `json:"clientId"`
	LastSeen time.Time      `json:"lastSeen"`
	Meta     map[string]any `json:"meta"`
}

type entry struct {
	gen      uint64
	lastSeen time.Time
	meta     map[string]any
	send     func(msg any) error
}

// Registry is the directory of currently connected clients, keyed by client
// id. It is mutated only by connection lifecycle and control-dispatch events.
// A duplicate client id replaces the previous entry (last write wins); each
// Add hands out a generation token so a replaced session's teardown cannot
// evict its successor.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*entry
	nextGen uint64
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]*entry),
		now:     time.Now,
	}
}

// Add registers a connected client and returns the session's generation
// token for Remove. send is the connection's serialized control-message
// writer and must be safe to call from any goroutine.
func (r *Registry) Add(clientID string, send func(msg any) error) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	r.clients[clientID] = &entry{
		gen:      r.nextGen,
		lastSeen: r.now(),
		meta:     map[string]any{},
		send:     send,
	}
	return r.nextGen
}

// Remove drops a client from the directory, but only while the entry still
// belongs to the session identified by token. It reports whether an entry
// was removed; false means a newer connection already replaced this session
// (or the client is unknown) and the directory was left alone.
func (r *Registry) Remove(clientID string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[clientID]
	if !ok || e.gen != token {
		return false
	}
	delete(r.clients, clientID)
	return true
}

// Touch refreshes a client's liveness timestamp. Returns false if the client
// is unknown.
func (r *Registry) Touch(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[clientID]
	if !ok {
		return false
	}
	e.lastSeen = r.now()
	return true
}

// SetMeta replaces a client's metadata and refreshes its liveness timestamp.
// Returns false if the client is unknown.
func (r *Registry) SetMeta(clientID string, meta map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[clientID]
	if !ok {
		return false
	}
	if meta == nil {
		meta = map[string]any{}
	}
	e.meta = meta
	e.lastSeen = r.now()
	return true
}

// Get returns a snapshot of one entry.
func (r *Registry) Get(clientID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[clientID]
	if !ok {
		return Client{}, false
	}
	return snapshot(clientID, e), true
}

// List returns snapshots of every connected client.
func (r *Registry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.clients))
	for id, e := range r.clients {
		out = append(out, snapshot(id, e))
	}
	return out
}

// Send routes a control message to a connected client.
func (r *Registry) Send(clientID string, msg any) error {
	r.mu.RLock()
	e, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return e.send(msg)
}

func snapshot(id string, e *entry) Client {
	meta := make(map[string]any, len(e.meta))
	for k, v := range e.meta {
		meta[k] = v
	}
	return Client{ClientID: id, LastSeen: e.lastSeen, Meta: meta}
}
