package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pilab-dev/civic-session/credstore"
	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/refresh"
	"github.com/pilab-dev/civic-session/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDoer answers through handle and records the bearer token of every call.
type fakeDoer struct {
	mu     sync.Mutex
	tokens []string
	handle func(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

func (f *fakeDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, req.Header.Get("Authorization"))
	f.mu.Unlock()
	return f.handle(ctx, req)
}

func (f *fakeDoer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// acceptOnly answers 200 for the given bearer token and 401 otherwise.
func acceptOnly(token string) func(context.Context, *transport.Request) (*transport.Response, error) {
	return func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Header.Get("Authorization") == "Bearer "+token {
			return &transport.Response{Status: http.StatusOK, Body: []byte(`{}`)}, nil
		}
		return &transport.Response{Status: http.StatusUnauthorized}, nil
	}
}

type countingExchanger struct {
	calls  atomic.Int32
	result domain.Credentials
	err    error
	delay  time.Duration
}

func (c *countingExchanger) Exchange(ctx context.Context, _ string) (domain.Credentials, error) {
	c.calls.Add(1)
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return domain.Credentials{}, ctx.Err()
	}
	return c.result, c.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []Reason
}

func (r *recordingNotifier) RouteToLogin(_ context.Context, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

type fixture struct {
	gw       *Gateway
	doer     *fakeDoer
	ex       *countingExchanger
	store    *credstore.Store
	state    *refresh.State
	notifier *recordingNotifier
	teardown *Teardown
}

func newFixture(t *testing.T, access string, ex *countingExchanger, opts ...Option) *fixture {
	t.Helper()
	store := credstore.New(credstore.NewMemory())
	state := refresh.NewState()
	_, err := state.Begin(func() error {
		return store.Save(context.Background(), domain.Credentials{AccessToken: access, RefreshToken: "R1"})
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	td := NewTeardown(state, store, notifier, nil, nil)
	coord := refresh.NewCoordinator(state, store, ex, refresh.WithTimeout(2*time.Second))
	doer := &fakeDoer{}

	return &fixture{
		gw:       New(doer, state, store, coord, td, opts...),
		doer:     doer,
		ex:       ex,
		store:    store,
		state:    state,
		notifier: notifier,
		teardown: td,
	}
}

func TestGateway_ConcurrentRejectionsShareOneRefresh(t *testing.T) {
	ex := &countingExchanger{result: domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}, delay: 20 * time.Millisecond}
	f := newFixture(t, "A1", ex)

	// Hold the A1 requests until all three are in flight.
	var arrived sync.WaitGroup
	arrived.Add(3)
	ok := acceptOnly("A2")
	f.doer.handle = func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Header.Get("Authorization") == "Bearer A1" {
			arrived.Done()
			arrived.Wait()
		}
		return ok(ctx, req)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/sessions/my-sessions", nil))
			if err == nil && resp.Status != http.StatusOK {
				err = errors.New("unexpected status")
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), ex.calls.Load())

	var a1, a2 int
	for _, tok := range f.doer.calls() {
		switch tok {
		case "Bearer A1":
			a1++
		case "Bearer A2":
			a2++
		}
	}
	assert.Equal(t, 3, a1)
	assert.Equal(t, 3, a2)

	creds, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}, *creds)
	assert.Zero(t, f.notifier.count())
}

func TestGateway_RetriesAtMostOnce(t *testing.T) {
	ex := &countingExchanger{result: domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}}
	f := newFixture(t, "A1", ex)
	f.doer.handle = acceptOnly("never")

	_, err := f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/sessions/my-sessions", nil))
	require.ErrorIs(t, err, serrors.ErrSessionExpired)
	assert.ErrorIs(t, err, serrors.ErrAuthorizationExpired)

	assert.Equal(t, []string{"Bearer A1", "Bearer A2"}, f.doer.calls())
	assert.Equal(t, 1, f.notifier.count())
	assert.False(t, f.state.Active())

	creds, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestGateway_RefreshFailureTearsDownOnce(t *testing.T) {
	ex := &countingExchanger{err: errors.New("invalid_grant"), delay: 20 * time.Millisecond}
	f := newFixture(t, "A1", ex)
	f.doer.handle = acceptOnly("A2")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/x", nil))
			// A caller arriving after teardown sees the ended session.
			assert.True(t, errors.Is(err, serrors.ErrSessionExpired) || errors.Is(err, serrors.ErrNotAuthenticated), "got %v", err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, ex.calls.Load(), int32(1))
	assert.Equal(t, 1, f.notifier.count())

	_, err := f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/x", nil))
	assert.ErrorIs(t, err, serrors.ErrNotAuthenticated)
}

func TestGateway_PassesThroughUnrelatedFailures(t *testing.T) {
	ex := &countingExchanger{}
	f := newFixture(t, "A1", ex)

	f.doer.handle = func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: http.StatusServiceUnavailable, Body: []byte("maintenance")}, nil
	}
	resp, err := f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "maintenance", string(resp.Body))

	netErr := &serrors.NetworkError{Op: "GET /x", Err: errors.New("connection reset")}
	f.doer.handle = func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, netErr
	}
	_, err = f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/x", nil))
	assert.ErrorIs(t, err, netErr)

	assert.Len(t, f.doer.calls(), 2, "no retries for non-auth failures")
	assert.Zero(t, ex.calls.Load())
	assert.Zero(t, f.notifier.count())
}

func TestGateway_DoesNotMutateCallerRequest(t *testing.T) {
	ex := &countingExchanger{result: domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}}
	f := newFixture(t, "A1", ex)
	f.doer.handle = acceptOnly("A2")

	req := transport.NewRequest(http.MethodPost, "/sessions/report-suspicious", []byte(`{}`))
	_, err := f.gw.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get(requestIDHeader))
}

func TestGateway_NotAuthenticated(t *testing.T) {
	doer := &fakeDoer{handle: acceptOnly("A1")}
	state := refresh.NewState()
	store := credstore.New(credstore.NewMemory())
	gw := New(doer, state, store, refresh.NewCoordinator(state, store, &countingExchanger{}), nil)

	_, err := gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/x", nil))
	assert.ErrorIs(t, err, serrors.ErrNotAuthenticated)
	assert.Empty(t, doer.calls())
}

func TestGateway_RefreshesExpiredJWTBeforeSending(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}).SignedString([]byte("test"))
	require.NoError(t, err)

	ex := &countingExchanger{result: domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}}
	f := newFixture(t, stale, ex, WithClock(func() time.Time { return now }))
	f.doer.handle = acceptOnly("A2")

	_, err = f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer A2"}, f.doer.calls(), "the stale token is never sent")
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestGateway_DropsResponsesAfterTeardown(t *testing.T) {
	ex := &countingExchanger{}
	f := newFixture(t, "A1", ex)

	inFlight := make(chan struct{})
	f.doer.handle = func(ctx context.Context, _ *transport.Request) (*transport.Response, error) {
		close(inFlight)
		<-ctx.Done() // The epoch context cancels the call on teardown
		return &transport.Response{Status: http.StatusOK}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.gw.Do(context.Background(), transport.NewRequest(http.MethodGet, "/sessions/my-sessions", nil))
		done <- err
	}()

	<-inFlight
	require.True(t, f.teardown.RunCurrent(context.Background(), ReasonLogout))

	err := <-done
	assert.ErrorIs(t, err, serrors.ErrSessionExpired)
	assert.Equal(t, 1, f.notifier.count(), "late response does not trigger a second teardown")
}

func TestTeardown_Idempotent(t *testing.T) {
	f := newFixture(t, "A1", &countingExchanger{})
	resets := 0
	f.teardown.OnTeardown(func() { resets++ })

	epoch := f.state.Epoch()
	assert.True(t, f.teardown.Run(context.Background(), epoch, ReasonLogout))
	assert.False(t, f.teardown.Run(context.Background(), epoch, ReasonLogout))
	assert.False(t, f.teardown.RunCurrent(context.Background(), ReasonLogout))

	assert.Equal(t, 1, resets)
	assert.Equal(t, []Reason{ReasonLogout}, f.notifier.reasons)

	creds, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestTeardown_AfterHooksRunUnlocked(t *testing.T) {
	f := newFixture(t, "A1", &countingExchanger{})

	var seen []bool
	f.teardown.AfterTeardown(func() {
		seen = append(seen, f.state.Active(), f.notifier.count() == 0)
	})

	assert.True(t, f.teardown.RunCurrent(context.Background(), ReasonSessionExpired))
	assert.False(t, f.teardown.RunCurrent(context.Background(), ReasonSessionExpired))

	// Inactive and not yet notified.
	assert.Equal(t, []bool{false, true}, seen)
	assert.Equal(t, []Reason{ReasonSessionExpired}, f.notifier.reasons)
}
