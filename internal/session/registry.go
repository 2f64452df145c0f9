package session

import (
	"context"
	"sync"

	"github.com/adred-codev/wschat/internal/metrics"
)

// Sink is the minimal interface a registered connection exposes to the
// registry for best-effort frame delivery, displacement, and graceful
// shutdown (spec.md §4.2, §4.6).
type Sink interface {
	// TryDeliver enqueues a frame without blocking. It returns false if the
	// connection's outgoing queue was full and the frame was dropped.
	TryDeliver(frame []byte) bool
	// Cancel tells the connection's owning task to stop and close the socket.
	Cancel()
	// Drain asks the connection to run its Draining sequence (bye frame,
	// flush, final persistence write, close) and blocks until it finishes or
	// ctx is done.
	Drain(ctx context.Context)
}

// Registry is the process-local set of active connections keyed by session
// ID (C2). At most one entry per session ID is kept; registering a second
// connection for the same ID displaces the first, whose sink observes
// Cancel() and closes on its own task.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Sink
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Sink)}
}

// Add registers sink under id, displacing and cancelling any previous
// occupant of that id.
func (r *Registry) Add(id string, sink Sink) {
	r.mu.Lock()
	old, existed := r.entries[id]
	r.entries[id] = sink
	size := len(r.entries)
	r.mu.Unlock()

	if existed && old != sink {
		old.Cancel()
	}
	metrics.SessionsTracked.Set(float64(size))
}

// Remove deletes the entry for id iff it is still sink (a later Add for the
// same id must not be undone by a stale Remove from a displaced connection).
func (r *Registry) Remove(id string, sink Sink) {
	r.mu.Lock()
	current, ok := r.entries[id]
	if ok && current == sink {
		delete(r.entries, id)
	}
	size := len(r.entries)
	r.mu.Unlock()
	metrics.SessionsTracked.Set(float64(size))
}

// Contains reports whether id currently has a registered connection.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Entry pairs a session ID with its sink for a registry snapshot.
type Entry struct {
	ID   string
	Sink Sink
}

// Snapshot returns a point-in-time copy of the registry so that iteration
// during fan-out never blocks concurrent Add/Remove calls.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for id, sink := range r.entries {
		out = append(out, Entry{ID: id, Sink: sink})
	}
	return out
}

// Len returns the current registry size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
