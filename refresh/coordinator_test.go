package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilab-dev/civic-session/credstore"
	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedExchanger blocks every exchange until release is closed.
type gatedExchanger struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	result  domain.Credentials
	err     error
	seen    chan string
}

func newGatedExchanger(result domain.Credentials, err error) *gatedExchanger {
	return &gatedExchanger{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		result:  result,
		err:     err,
		seen:    make(chan string, 16),
	}
}

func (g *gatedExchanger) Exchange(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	g.calls.Add(1)
	g.seen <- refreshToken
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return domain.Credentials{}, ctx.Err()
	}
	return g.result, g.err
}

func setup(t *testing.T, ex Exchanger) (*Coordinator, *State, *credstore.Store) {
	t.Helper()
	store := credstore.New(credstore.NewMemory())
	state := NewState()
	_, err := state.Begin(func() error {
		return store.Save(context.Background(), domain.Credentials{AccessToken: "A1", RefreshToken: "R1"})
	})
	require.NoError(t, err)
	return NewCoordinator(state, store, ex, WithTimeout(5*time.Second)), state, store
}

type outcome struct {
	creds domain.Credentials
	err   error
}

func runConcurrent(c *Coordinator, n int, stale string) <-chan outcome {
	out := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			creds, err := c.EnsureFreshToken(context.Background(), stale)
			out <- outcome{creds, err}
		}()
	}
	return out
}

func TestEnsureFreshToken_SingleFlight(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}, nil)
	c, _, store := setup(t, ex)

	const n = 12
	results := runConcurrent(c, n, "A1")

	<-ex.started
	time.Sleep(20 * time.Millisecond) // Let the remaining callers join the flight
	close(ex.release)

	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "A2", r.creds.AccessToken)
	}
	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, "R1", <-ex.seen)

	creds, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}, *creds)
}

func TestEnsureFreshToken_FailureReachesEveryWaiter(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{}, errors.New("invalid_grant"))
	c, _, store := setup(t, ex)

	const n = 8
	results := runConcurrent(c, n, "A1")

	<-ex.started
	time.Sleep(20 * time.Millisecond)
	close(ex.release)

	for i := 0; i < n; i++ {
		r := <-results
		assert.ErrorIs(t, r.err, serrors.ErrSessionExpired)
	}
	assert.Equal(t, int32(1), ex.calls.Load())

	creds, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, creds, "failed refresh clears credentials")
}

func TestEnsureFreshToken_AlreadyRefreshed(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{}, nil)
	c, _, store := setup(t, ex)
	require.NoError(t, store.Save(context.Background(), domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}))

	creds, err := c.EnsureFreshToken(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, "A2", creds.AccessToken)
	assert.Zero(t, ex.calls.Load())
}

func TestEnsureFreshToken_SequentialFlightsAfterCompletion(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}, nil)
	close(ex.release)
	c, _, _ := setup(t, ex)

	_, err := c.EnsureFreshToken(context.Background(), "A1")
	require.NoError(t, err)
	// A late caller that still holds A1 gets A2 without a second exchange.
	creds, err := c.EnsureFreshToken(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, "A2", creds.AccessToken)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestEnsureFreshToken_InactiveState(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{}, nil)
	store := credstore.New(credstore.NewMemory())
	c := NewCoordinator(NewState(), store, ex)

	_, err := c.EnsureFreshToken(context.Background(), "A1")
	assert.ErrorIs(t, err, serrors.ErrSessionExpired)
	assert.Zero(t, ex.calls.Load())
}

func TestEnsureFreshToken_EndedEpochDoesNotResurrectCredentials(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}, nil)
	c, state, store := setup(t, ex)

	results := runConcurrent(c, 1, "A1")
	<-ex.started

	// Teardown while the exchange is in flight.
	ended, err := state.End(state.Epoch(), func() error { return store.Clear(context.Background()) })
	require.NoError(t, err)
	require.True(t, ended)

	r := <-results
	assert.ErrorIs(t, r.err, serrors.ErrSessionExpired)

	creds, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestEnsureFreshToken_WaiterCancellation(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{AccessToken: "A2", RefreshToken: "R2"}, nil)
	c, _, _ := setup(t, ex)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var cancelledErr error
	go func() {
		defer wg.Done()
		_, cancelledErr = c.EnsureFreshToken(ctx, "A1")
	}()
	<-ex.started

	others := runConcurrent(c, 2, "A1")
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()
	assert.ErrorIs(t, cancelledErr, context.Canceled)

	close(ex.release)
	for i := 0; i < 2; i++ {
		r := <-others
		require.NoError(t, r.err)
		assert.Equal(t, "A2", r.creds.AccessToken)
	}
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestEnsureFreshToken_IncompleteResponse(t *testing.T) {
	ex := newGatedExchanger(domain.Credentials{AccessToken: "A2"}, nil)
	close(ex.release)
	c, _, store := setup(t, ex)

	_, err := c.EnsureFreshToken(context.Background(), "A1")
	assert.ErrorIs(t, err, serrors.ErrSessionExpired)
	assert.ErrorIs(t, err, serrors.ErrInvalidResponse)

	creds, _ := store.Load(context.Background())
	assert.Nil(t, creds)
}

// pausingLogger holds the flight after its result is committed.
type pausingLogger struct {
	log.Logger
	committed chan struct{}
	resume    chan struct{}
}

func (p *pausingLogger) Info(ctx context.Context, msg string, fields ...log.Fields) {
	if msg == "access token refreshed" {
		p.committed <- struct{}{}
		<-p.resume
	}
}

// rotatingExchanger hands out A2/R2, A3/R3 and so on.
type rotatingExchanger struct {
	calls atomic.Int32
}

func (r *rotatingExchanger) Exchange(context.Context, string) (domain.Credentials, error) {
	n := r.calls.Add(1) + 1
	return domain.Credentials{AccessToken: fmt.Sprintf("A%d", n), RefreshToken: fmt.Sprintf("R%d", n)}, nil
}

func TestEnsureFreshToken_CommittedFlightIsNotJoined(t *testing.T) {
	ex := &rotatingExchanger{}
	logger := &pausingLogger{Logger: log.Nop(), committed: make(chan struct{}, 2), resume: make(chan struct{})}
	store := credstore.New(credstore.NewMemory())
	state := NewState()
	_, err := state.Begin(func() error {
		return store.Save(context.Background(), domain.Credentials{AccessToken: "A1", RefreshToken: "R1"})
	})
	require.NoError(t, err)
	c := NewCoordinator(state, store, ex, WithLogger(logger))

	first := runConcurrent(c, 1, "A1")
	<-logger.committed

	// A2 is stored and already rejected, so this caller needs its own flight.
	second := runConcurrent(c, 1, "A2")
	select {
	case <-logger.committed:
		close(logger.resume)
	case <-time.After(2 * time.Second):
		close(logger.resume)
		t.Fatal("second caller joined the committed flight")
	}

	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, "A2", r.creds.AccessToken)
	r = <-second
	require.NoError(t, r.err)
	assert.Equal(t, "A3", r.creds.AccessToken)
	assert.Equal(t, int32(2), ex.calls.Load())
}
