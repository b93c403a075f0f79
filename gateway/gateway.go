// Package gateway makes outbound calls authorization aware: it attaches the
// bearer token, recovers from a rejected access token with one refresh and
// one retry, and tears the session down when recovery is impossible.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/internal/metrics"
	"github.com/pilab-dev/civic-session/log"
	"github.com/pilab-dev/civic-session/refresh"
	"github.com/pilab-dev/civic-session/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "github.com/pilab-dev/civic-session/gateway"
	requestIDHeader = "X-Request-ID"
)

// TokenSource is what the gateway needs from the refresh coordinator.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context, stale string) (domain.Credentials, error)
}

// CredentialLoader reads the stored credentials.
type CredentialLoader interface {
	Load(ctx context.Context) (*domain.Credentials, error)
}

// Gateway wraps a transport.Doer. It implements transport.Doer itself.
type Gateway struct {
	doer     transport.Doer
	state    *refresh.State
	store    CredentialLoader
	tokens   TokenSource
	teardown *Teardown

	skew    time.Duration
	now     func() time.Time
	logger  log.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClockSkew sets how early a JWT counts as expired before sending.
func WithClockSkew(d time.Duration) Option { return func(g *Gateway) { g.skew = d } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// New creates a Gateway.
func New(doer transport.Doer, state *refresh.State, store CredentialLoader, tokens TokenSource, teardown *Teardown, opts ...Option) *Gateway {
	g := &Gateway{
		doer:     doer,
		state:    state,
		store:    store,
		tokens:   tokens,
		teardown: teardown,
		skew:     5 * time.Second,
		now:      time.Now,
		logger:   log.Nop(),
		metrics:  metrics.Noop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// attempt is one send of a logical call. The caller's request is never
// mutated; each attempt carries its own clone.
type attempt struct {
	req     *transport.Request
	token   string
	retried bool
}

type decision int

const (
	deliver decision = iota
	retry
	expire
)

// decide maps a response to the next step of the call.
func decide(resp *transport.Response, a attempt) decision {
	if resp.Status != http.StatusUnauthorized {
		return deliver
	}
	if a.retried {
		return expire
	}
	return retry
}

// Do sends req with the current access token. A 401 triggers one refresh
// and one resend; a second 401 or a failed refresh tears the session down
// and returns an error matching errors.ErrSessionExpired. Any other status
// is returned as is, without an error.
func (g *Gateway) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	snap := g.state.Snapshot()
	if !snap.Active {
		return nil, serrors.ErrNotAuthenticated
	}

	ctx, span := g.tracer.Start(ctx, "gateway "+req.Method+" "+req.Path, trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("civic.path", req.Path),
	))
	defer span.End()

	// Work of this call dies with the epoch it started in.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(snap.Ctx, cancel)
	defer stop()

	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := g.logger.With(log.Fields{"request_id": requestID, "method": req.Method, "path": req.Path})

	creds, err := g.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, g.fail(ctx, snap, serrors.SessionExpired(errors.New("no stored credentials")))
	}

	token := creds.AccessToken
	if expired(token, g.now(), g.skew) {
		logger.Debug(ctx, "access token expired before send, refreshing")
		fresh, err := g.tokens.EnsureFreshToken(ctx, token)
		if err != nil {
			return nil, g.fail(ctx, snap, err)
		}
		token = fresh.AccessToken
	}

	a := attempt{req: prepare(req, token, requestID), token: token}
	for {
		resp, err := g.send(ctx, snap, a)
		if err != nil {
			g.metrics.RequestsTotal.WithLabelValues(classify(nil, err)).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		switch decide(resp, a) {
		case deliver:
			g.metrics.RequestsTotal.WithLabelValues(classify(resp, nil)).Inc()
			span.SetAttributes(attribute.Int("http.status_code", resp.Status))
			return resp, nil

		case retry:
			logger.Debug(ctx, "access token rejected, refreshing", log.Fields{"access_token": domain.Fingerprint(a.token)})
			fresh, err := g.tokens.EnsureFreshToken(ctx, a.token)
			if err != nil {
				return nil, g.fail(ctx, snap, err)
			}
			g.metrics.RetriesTotal.Inc()
			a = attempt{req: prepare(req, fresh.AccessToken, requestID), token: fresh.AccessToken, retried: true}

		case expire:
			logger.Warn(ctx, "access token rejected after refresh")
			g.metrics.RequestsTotal.WithLabelValues("auth").Inc()
			return nil, g.fail(ctx, snap, serrors.SessionExpired(serrors.ErrAuthorizationExpired))
		}
	}
}

// send performs one attempt and drops responses that outlived their epoch.
func (g *Gateway) send(ctx context.Context, snap refresh.Snapshot, a attempt) (*transport.Response, error) {
	resp, err := g.doer.Do(ctx, a.req)
	if snap.Ctx.Err() != nil || g.state.Epoch() != snap.Epoch {
		return nil, serrors.SessionExpired(refresh.ErrSuperseded)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// fail escalates session expiry to teardown and passes other errors through.
func (g *Gateway) fail(ctx context.Context, snap refresh.Snapshot, err error) error {
	if snap.Ctx.Err() != nil {
		// Someone else already ended this epoch.
		return serrors.SessionExpired(refresh.ErrSuperseded)
	}
	if errors.Is(err, serrors.ErrSessionExpired) {
		if g.teardown != nil && !errors.Is(err, refresh.ErrSuperseded) {
			g.teardown.Run(ctx, snap.Epoch, ReasonSessionExpired)
		}
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("authenticated request failed: %w", err)
}

func prepare(req *transport.Request, token, requestID string) *transport.Request {
	c := req.Clone()
	c.Header.Set("Authorization", "Bearer "+token)
	c.Header.Set(requestIDHeader, requestID)
	return c
}

func classify(resp *transport.Response, err error) string {
	switch {
	case err != nil && serrors.IsNetworkFailure(err):
		return "network"
	case err != nil && errors.Is(err, serrors.ErrSessionExpired):
		return "auth"
	case err != nil:
		return "error"
	case resp.Status >= 500:
		return "server"
	case resp.Status >= 400:
		return "client"
	}
	return "ok"
}
