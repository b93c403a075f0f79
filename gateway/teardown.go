package gateway

import (
	"context"
	"sync"

	"github.com/pilab-dev/civic-session/internal/metrics"
	"github.com/pilab-dev/civic-session/log"
	"github.com/pilab-dev/civic-session/refresh"
)

// Reason explains why a session was torn down.
type Reason string

const (
	ReasonSessionExpired Reason = "session_expired"
	ReasonLogout         Reason = "logout"
	ReasonAccountDeleted Reason = "account_deleted"
)

// Notifier is the UI channel used only to ask for the login flow.
type Notifier interface {
	RouteToLogin(ctx context.Context, reason Reason)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, reason Reason)

// RouteToLogin implements Notifier.
func (f NotifierFunc) RouteToLogin(ctx context.Context, reason Reason) { f(ctx, reason) }

// Clearer removes stored credentials.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Teardown ends the current identity: credentials are cleared, local
// projections are reset and the UI is routed to login. Running it more than
// once for the same epoch has no further effect.
type Teardown struct {
	state    *refresh.State
	store    Clearer
	notifier Notifier
	logger   log.Logger
	metrics  *metrics.Metrics

	hooksMu sync.Mutex
	hooks   []func()
	after   []func()
}

// NewTeardown creates a Teardown. A nil notifier is allowed.
func NewTeardown(state *refresh.State, store Clearer, notifier Notifier, logger log.Logger, m *metrics.Metrics) *Teardown {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Teardown{state: state, store: store, notifier: notifier, logger: logger, metrics: m}
}

// OnTeardown registers a reset hook. Hooks run while the refresh state is
// locked, so they must be quick and must not call back into the state.
func (t *Teardown) OnTeardown(fn func()) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// AfterTeardown registers fn to run once a teardown has released the refresh
// state, before the notifier. It may read client state.
func (t *Teardown) AfterTeardown(fn func()) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.after = append(t.after, fn)
}

// Run tears down epoch. It reports whether this call performed the teardown.
func (t *Teardown) Run(ctx context.Context, epoch uint64, reason Reason) bool {
	// The caller's context usually dies with the epoch being ended.
	ctx = context.WithoutCancel(ctx)

	t.hooksMu.Lock()
	hooks := append([]func(){}, t.hooks...)
	after := append([]func(){}, t.after...)
	t.hooksMu.Unlock()

	ended, err := t.state.End(epoch, func() error {
		err := t.store.Clear(ctx)
		for _, h := range hooks {
			h()
		}
		return err
	})
	if !ended {
		return false
	}
	if err != nil {
		t.logger.Error(ctx, "failed to clear credentials during teardown", err, log.Fields{"epoch": epoch})
	}

	t.metrics.TeardownsTotal.WithLabelValues(string(reason)).Inc()
	t.logger.Warn(ctx, "session torn down", log.Fields{"epoch": epoch, "reason": string(reason)})

	for _, fn := range after {
		fn()
	}

	if t.notifier != nil {
		t.notifier.RouteToLogin(ctx, reason)
	}
	return true
}

// RunCurrent tears down whatever identity is current.
func (t *Teardown) RunCurrent(ctx context.Context, reason Reason) bool {
	return t.Run(ctx, t.state.Epoch(), reason)
}
