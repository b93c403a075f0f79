// Package session mirrors the server's login sessions for the current user
// and exposes the session actions.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
)

// ErrReset is returned for mutations that were issued before the registry
// was reset, typically by a teardown.
var ErrReset = errors.New("session registry was reset")

type entry struct {
	session domain.Session
	version time.Time // Server time of the last write
}

// Listener receives the full session list after every change.
type Listener func(sessions []domain.Session)

// Registry is the local projection of the user's sessions.
//
// Writes are versioned by server time rather than by completion order. A
// snapshot older than the last applied one is dropped, and an entry written
// locally after the snapshot was taken keeps its status. Expired and revoked
// sessions never return to active.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]entry
	order      []string
	snapshotAt time.Time
	generation uint64

	notifyMu  sync.Mutex // Keeps notifications in mutation order
	listeners map[int]Listener
	nextID    int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]entry),
		listeners: make(map[int]Listener),
	}
}

// Generation is captured before a request whose result will be written
// back, and passed to the write.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Sessions returns the sessions in server order.
func (r *Registry) Sessions() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list()
}

// Get returns one session.
func (r *Registry) Get(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.session, ok
}

// Current returns the session flagged current by the server, if any.
func (r *Registry) Current() (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if s := r.entries[id].session; s.IsCurrent {
			return s, true
		}
	}
	return domain.Session{}, false
}

// Replace installs a server snapshot observed at observedAt. Sessions not in
// the snapshot are dropped. The current flag is always taken from the
// snapshot.
func (r *Registry) Replace(gen uint64, sessions []domain.Session, observedAt time.Time) error {
	if err := domain.CheckCurrent(sessions); err != nil {
		return fmt.Errorf("%w: %w", serrors.ErrInvalidResponse, err)
	}

	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return ErrReset
	}
	if observedAt.Before(r.snapshotAt) {
		r.mu.Unlock()
		return nil
	}

	entries := make(map[string]entry, len(sessions))
	order := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if _, dup := entries[s.ID]; dup {
			continue
		}
		next := entry{session: s, version: observedAt}
		if old, ok := r.entries[s.ID]; ok {
			next = reconcile(old, next)
		}
		entries[s.ID] = next
		order = append(order, s.ID)
	}
	r.entries = entries
	r.order = order
	r.snapshotAt = observedAt

	r.publish()
	return nil
}

// reconcile merges an incoming server entry into the local one.
func reconcile(local, incoming entry) entry {
	status := incoming.session.Status
	switch {
	case local.session.Status.Terminal() && !status.Terminal():
		status = local.session.Status
	case local.version.After(incoming.version):
		status = local.session.Status
	case local.version.Equal(incoming.version) && status == domain.SessionActive:
		status = local.session.Status
	}

	merged := incoming
	merged.session.Status = status
	if local.version.After(merged.version) {
		merged.version = local.version
	}
	return merged
}

// MarkRevoked flips one session to revoked. It reports whether anything changed.
func (r *Registry) MarkRevoked(gen uint64, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return false, ErrReset
	}
	e, ok := r.entries[id]
	if !ok || e.session.Status == domain.SessionRevoked {
		r.mu.Unlock()
		return false, nil
	}
	r.entries[id] = revoked(e, at)

	r.publish()
	return true, nil
}

// MarkOthersRevoked revokes every active session except the current one
// and returns how many were changed.
func (r *Registry) MarkOthersRevoked(gen uint64, at time.Time) (int, error) {
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return 0, ErrReset
	}

	n := 0
	for id, e := range r.entries {
		if e.session.IsCurrent || e.session.Status != domain.SessionActive {
			continue
		}
		r.entries[id] = revoked(e, at)
		n++
	}
	if n == 0 {
		r.mu.Unlock()
		return 0, nil
	}

	r.publish()
	return n, nil
}

func revoked(e entry, at time.Time) entry {
	e.session.Status = domain.SessionRevoked
	if at.After(e.version) {
		e.version = at
	}
	return e
}

// Reset empties the registry and invalidates all outstanding generations.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.invalidate()
	r.publish()
}

// Invalidate is Reset without the notification. Callers holding their own
// locks use it and call Notify once those are released.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidate()
}

// Notify sends the current session list to every listener.
func (r *Registry) Notify() {
	r.mu.Lock()
	r.publish()
}

// invalidate must be called with mu held.
func (r *Registry) invalidate() {
	r.generation++
	r.entries = make(map[string]entry)
	r.order = nil
	r.snapshotAt = time.Time{}
}

// Subscribe registers fn for change notifications. The returned function
// removes it.
func (r *Registry) Subscribe(fn Listener) func() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = fn

	return func() {
		r.notifyMu.Lock()
		defer r.notifyMu.Unlock()
		delete(r.listeners, id)
	}
}

// publish must be called with mu held; it releases mu.
func (r *Registry) publish() {
	sessions := r.list()
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	for _, fn := range r.listeners {
		fn(sessions)
	}
}

func (r *Registry) list() []domain.Session {
	out := make([]domain.Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].session)
	}
	return out
}
