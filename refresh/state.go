package refresh

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned when the identity ended (logout, teardown or a new
// login) while work started under it was still running.
var ErrSuperseded = errors.New("identity changed while the operation was in flight")

// Snapshot is a consistent view of the State.
type Snapshot struct {
	Epoch  uint64
	Active bool
	Ctx    context.Context // Cancelled when the epoch ends
}

// State is the process wide, in-memory refresh state. It is owned by the
// client and injected into the coordinator, gateway and teardown; nothing is
// kept in package variables.
//
// Every login and every teardown advances the epoch. Work captures the epoch
// when it starts and may only commit side effects through Commit, which
// rejects stale epochs. The in-flight exchange itself lives in the
// Coordinator, the only writer of it.
type State struct {
	mu     sync.Mutex
	epoch  uint64
	active bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewState returns an inactive state.
func NewState() *State {
	s := &State{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Snapshot returns the current epoch, activity and epoch context.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Epoch: s.epoch, Active: s.active, Ctx: s.ctx}
}

// Epoch returns the current epoch.
func (s *State) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Active reports whether an identity is logged in.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Resume marks the current epoch active, used at startup when credentials
// are already stored.
func (s *State) Resume() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	return s.epoch
}

// Begin starts a new identity. Work of the previous epoch is cancelled, then
// fn runs under the lock. The new epoch is active only if fn succeeds.
func (s *State) Begin(fn func() error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()
	if err := fn(); err != nil {
		return s.epoch, err
	}
	s.active = true
	return s.epoch, nil
}

// End finishes epoch if it is still current and active. fn runs under the
// lock before the epoch context is cancelled. ended is false when there was
// nothing to end, which makes End idempotent. The epoch ends even if fn fails.
func (s *State) End(epoch uint64, fn func() error) (ended bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || !s.active {
		return false, nil
	}
	if fn != nil {
		err = fn()
	}
	s.advance()
	return true, err
}

// Commit runs fn under the lock if epoch is still current and active.
func (s *State) Commit(epoch uint64, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || !s.active {
		return ErrSuperseded
	}
	return fn()
}

// locked runs fn with the lock held and the current view.
func (s *State) locked(fn func(Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(Snapshot{Epoch: s.epoch, Active: s.active, Ctx: s.ctx})
}

// advance must be called with mu held.
func (s *State) advance() {
	s.cancel()
	s.epoch++
	s.active = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
}
