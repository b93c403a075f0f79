// Package alert holds the security alerts raised about the user's sessions
// and drives their read/acknowledge/resolve lifecycle.
package alert

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
)

// ErrReset is returned for writes issued before the store was reset.
var ErrReset = errors.New("alert store was reset")

// Snapshot is what listeners receive: the alerts and the unread badge count,
// taken together.
type Snapshot struct {
	Alerts []domain.SecurityAlert
	Unread int
}

// Listener is called after every change.
type Listener func(Snapshot)

type entry struct {
	alert   domain.SecurityAlert
	version time.Time
}

// Store is the local projection of the alert feed. Severity is fixed by the
// first write of an alert and status only moves forward.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]entry
	generation uint64

	notifyMu  sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries:   make(map[string]entry),
		listeners: make(map[int]Listener),
	}
}

// Generation identifies the current identity's view of the store.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Alerts returns all alerts, newest first.
func (s *Store) Alerts() []domain.SecurityAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list()
}

// Get returns one alert.
func (s *Store) Get(id string) (domain.SecurityAlert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.alert, ok
}

// UnreadCount returns the number of unread alerts.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread()
}

// Merge folds server alerts observed at observedAt into the store. Alerts
// missing from the batch are kept, since listings are filtered and paged.
func (s *Store) Merge(gen uint64, alerts []domain.SecurityAlert, observedAt time.Time) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return ErrReset
	}

	for _, a := range alerts {
		incoming := entry{alert: a, version: observedAt}
		if local, ok := s.entries[a.ID]; ok {
			incoming = merge(local, incoming)
		}
		s.entries[a.ID] = incoming
	}

	s.publish()
	return nil
}

func merge(local, incoming entry) entry {
	out := incoming
	if local.version.After(incoming.version) {
		out = local
	}
	out.alert.Severity = local.alert.Severity
	if local.alert.Status.Rank() > incoming.alert.Status.Rank() {
		out.alert.Status = local.alert.Status
	} else {
		out.alert.Status = incoming.alert.Status
	}
	if incoming.version.After(local.version) {
		out.version = incoming.version
	} else {
		out.version = local.version
	}
	return out
}

// Apply runs op on one alert. changed is false for no-ops. Unknown ids
// return errors.ErrNotFound; forbidden transitions return a
// *errors.TransitionError.
func (s *Store) Apply(gen uint64, id string, op domain.AlertOp, at time.Time) (domain.SecurityAlert, bool, error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return domain.SecurityAlert{}, false, ErrReset
	}

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return domain.SecurityAlert{}, false, fmt.Errorf("alert %s: %w", id, serrors.ErrNotFound)
	}
	next, changed, err := e.alert.Status.Apply(id, op)
	if err != nil || !changed {
		s.mu.Unlock()
		return e.alert, false, err
	}

	e.alert.Status = next
	if at.After(e.version) {
		e.version = at
	}
	s.entries[id] = e

	s.publish()
	return e.alert, true, nil
}

// ApplyBatch runs op on every listed alert, or on every alert when ids is
// nil, as one change with a single notification. Alerts for which op is a
// no-op or forbidden are skipped. It returns the ids that changed.
func (s *Store) ApplyBatch(gen uint64, ids []string, op domain.AlertOp, at time.Time) ([]string, error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil, ErrReset
	}

	if ids == nil {
		ids = s.ids()
	}

	var changed []string
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		next, ok, err := e.alert.Status.Apply(id, op)
		if err != nil || !ok {
			continue
		}
		e.alert.Status = next
		if at.After(e.version) {
			e.version = at
		}
		s.entries[id] = e
		changed = append(changed, id)
	}
	if len(changed) == 0 {
		s.mu.Unlock()
		return nil, nil
	}

	s.publish()
	return changed, nil
}

// Targets returns the ids op would change, or nil for none. A nil ids
// selects every alert.
func (s *Store) Targets(ids []string, op domain.AlertOp) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ids == nil {
		ids = s.ids()
	}
	var out []string
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		if _, changed, err := e.alert.Status.Apply(id, op); err == nil && changed {
			out = append(out, id)
		}
	}
	return out
}

// Reset empties the store and invalidates outstanding generations.
func (s *Store) Reset() {
	s.mu.Lock()
	s.generation++
	s.entries = make(map[string]entry)

	s.publish()
}

// Invalidate empties the store like Reset but leaves listeners to a later
// Notify.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.entries = make(map[string]entry)
}

// Notify sends the current snapshot to every listener.
func (s *Store) Notify() {
	s.mu.Lock()
	s.publish()
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.listeners, id)
	}
}

// publish must be called with mu held; it releases mu.
func (s *Store) publish() {
	snap := Snapshot{Alerts: s.list(), Unread: s.unread()}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range s.listeners {
		fn(snap)
	}
}

func (s *Store) list() []domain.SecurityAlert {
	out := make([]domain.SecurityAlert, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.alert)
	}
	slices.SortFunc(out, func(a, b domain.SecurityAlert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) ids() []string {
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Store) unread() int {
	n := 0
	for _, e := range s.entries {
		if e.alert.Status == domain.AlertUnread {
			n++
		}
	}
	return n
}
