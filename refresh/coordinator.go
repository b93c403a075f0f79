// Package refresh implements single-flight renewal of the access token.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/internal/metrics"
	"github.com/pilab-dev/civic-session/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/pilab-dev/civic-session/refresh"

// Exchanger trades a refresh token for a new credential pair.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (domain.Credentials, error)
}

// CredentialStore is the subset of credstore.Store the coordinator needs.
type CredentialStore interface {
	Load(ctx context.Context) (*domain.Credentials, error)
	Save(ctx context.Context, creds domain.Credentials) error
	Clear(ctx context.Context) error
}

// Coordinator guarantees at most one refresh exchange per epoch is in flight.
// Concurrent callers observing the same stale token share its outcome.
type Coordinator struct {
	state     *State
	store     CredentialStore
	exchanger Exchanger
	timeout   time.Duration

	flights singleflight.Group // Only touched by EnsureFreshToken

	logger  log.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithTimeout bounds a single exchange. It is independent of any waiter's context.
func WithTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

// NewCoordinator creates a Coordinator over state and store.
func NewCoordinator(state *State, store CredentialStore, exchanger Exchanger, opts ...Option) *Coordinator {
	c := &Coordinator{
		state:     state,
		store:     store,
		exchanger: exchanger,
		timeout:   10 * time.Second,
		logger:    log.Nop(),
		metrics:   metrics.Noop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureFreshToken returns credentials whose access token differs from stale.
//
// If the stored access token already differs from stale, a refresh completed
// in the meantime and the stored pair is returned without a network call.
// Otherwise the caller joins the in-flight exchange, starting one if needed.
// A failed exchange clears the store and yields an error matching
// errors.ErrSessionExpired for every waiter. Cancelling ctx only abandons
// the wait; the exchange itself keeps running.
func (c *Coordinator) EnsureFreshToken(ctx context.Context, stale string) (domain.Credentials, error) {
	var (
		fresh *domain.Credentials
		ch    <-chan singleflight.Result
	)

	err := c.state.locked(func(snap Snapshot) error {
		if !snap.Active {
			return serrors.ErrSessionExpired
		}
		creds, err := c.store.Load(ctx)
		if err != nil {
			return err
		}
		if creds == nil {
			return serrors.SessionExpired(errors.New("no stored refresh token"))
		}
		if stale != "" && creds.AccessToken != stale {
			fresh = creds
			return nil
		}

		epoch, epochCtx, refreshToken := snap.Epoch, snap.Ctx, creds.RefreshToken
		key := strconv.FormatUint(epoch, 10)
		ch = c.flights.DoChan(key, func() (interface{}, error) {
			return c.exchange(epochCtx, key, epoch, refreshToken)
		})
		return nil
	})
	if err != nil {
		return domain.Credentials{}, err
	}
	if fresh != nil {
		return *fresh, nil
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Credentials{}, res.Err
		}
		return res.Val.(domain.Credentials), nil
	case <-ctx.Done():
		return domain.Credentials{}, ctx.Err()
	}
}

// exchange runs once per flight. Its result is committed only if the epoch
// it started in is still current. The flight is forgotten in the same
// critical section, so a caller that sees the committed pair starts a new
// flight instead of joining this one.
func (c *Coordinator) exchange(epochCtx context.Context, key string, epoch uint64, refreshToken string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(epochCtx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "refresh.exchange", trace.WithAttributes(
		attribute.Int64("civic.epoch", int64(epoch)),
	))
	defer span.End()

	fields := log.Fields{"epoch": epoch, "refresh_token": domain.Fingerprint(refreshToken)}
	c.logger.Debug(ctx, "refreshing access token", fields)

	creds, err := c.exchanger.Exchange(ctx, refreshToken)
	if err == nil && !creds.Complete() {
		err = fmt.Errorf("%w: refresh response is missing a token", serrors.ErrInvalidResponse)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")

		clearErr := c.state.Commit(epoch, func() error {
			c.flights.Forget(key)
			return c.store.Clear(context.WithoutCancel(ctx))
		})
		if errors.Is(clearErr, ErrSuperseded) {
			c.metrics.RefreshTotal.WithLabelValues("superseded").Inc()
			return nil, serrors.SessionExpired(fmt.Errorf("%w: %w", ErrSuperseded, err))
		}
		if clearErr != nil {
			c.logger.Error(ctx, "failed to clear credentials after refresh failure", clearErr, fields)
		}
		c.metrics.RefreshTotal.WithLabelValues("failure").Inc()
		c.logger.Warn(ctx, "refresh exchange failed", fields, log.Fields{"error": err.Error()})
		return nil, serrors.SessionExpired(err)
	}

	err = c.state.Commit(epoch, func() error {
		c.flights.Forget(key)
		return c.store.Save(context.WithoutCancel(ctx), creds)
	})
	if errors.Is(err, ErrSuperseded) {
		c.metrics.RefreshTotal.WithLabelValues("superseded").Inc()
		c.logger.Info(ctx, "discarding refresh result of an ended session", fields)
		return nil, serrors.SessionExpired(err)
	}
	if err != nil {
		span.RecordError(err)
		c.metrics.RefreshTotal.WithLabelValues("failure").Inc()
		c.logger.Error(ctx, "failed to persist refreshed credentials", err, fields)
		return nil, serrors.SessionExpired(err)
	}

	c.metrics.RefreshTotal.WithLabelValues("success").Inc()
	c.logger.Info(ctx, "access token refreshed", log.Fields{
		"epoch":        epoch,
		"access_token": domain.Fingerprint(creds.AccessToken),
	})
	return creds, nil
}
