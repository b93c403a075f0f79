// Package civicsession is a client-side session manager. It keeps the
// user's credentials, renews the access token transparently, mirrors the
// user's login sessions and drives the security alert lifecycle.
package civicsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pilab-dev/civic-session/alert"
	"github.com/pilab-dev/civic-session/api"
	"github.com/pilab-dev/civic-session/config"
	"github.com/pilab-dev/civic-session/credstore"
	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/gateway"
	"github.com/pilab-dev/civic-session/internal/audit"
	"github.com/pilab-dev/civic-session/internal/metrics"
	"github.com/pilab-dev/civic-session/log"
	"github.com/pilab-dev/civic-session/refresh"
	"github.com/pilab-dev/civic-session/session"
	"github.com/pilab-dev/civic-session/transport"
	"github.com/prometheus/client_golang/prometheus"
)

const logoutTimeout = 3 * time.Second

// Client wires the credential store, refresh coordinator, gateway and the
// session and alert services together.
type Client struct {
	logger  log.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger

	store    *credstore.Store
	state    *refresh.State
	raw      transport.Doer // Unauthenticated
	gateway  *gateway.Gateway
	teardown *gateway.Teardown

	sessions *session.Service
	alerts   *alert.Service
}

type options struct {
	logger     log.Logger
	registerer prometheus.Registerer
	notifier   gateway.Notifier
	httpClient *http.Client
	kv         credstore.KeyValue
	now        func() time.Time
	auditLog   io.Writer
}

// Option customises Open.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers the client's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithNotifier sets the channel told to route the UI to login on teardown.
func WithNotifier(n gateway.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithHTTPClient replaces the HTTP client used for every call.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithKeyValue bypasses the configured credential backend.
func WithKeyValue(kv credstore.KeyValue) Option { return func(o *options) { o.kv = kv } }

// WithAuditLog writes a JSON line per login, logout, account deletion and
// teardown to w.
func WithAuditLog(w io.Writer) Option { return func(o *options) { o.auditLog = w } }

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Open assembles a Client from cfg. When credentials are already stored the
// previous identity is resumed.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	o := options{logger: log.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	kv := o.kv
	if kv == nil {
		if kv, err = openKeyValue(ctx, cfg); err != nil {
			return nil, err
		}
	}
	store := credstore.New(kv)

	state := refresh.NewState()
	creds, err := store.Load(ctx)
	if errors.Is(err, credstore.ErrUnseal) {
		// Sealed under another key. Start over with a full login.
		o.logger.Warn(ctx, "discarding stored credentials that cannot be unsealed", log.Fields{"error": err.Error()})
		creds, err = nil, store.Clear(ctx)
	}
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load stored credentials: %w", err)
	}
	if creds != nil {
		state.Resume()
		o.logger.Debug(ctx, "resumed stored session", log.Fields{"access_token": domain.Fingerprint(creds.AccessToken)})
	}

	raw := transport.NewHTTPTransport(cfg.ServerURL, o.httpClient, cfg.RequestTimeout)

	coordinator := refresh.NewCoordinator(state, store, refresh.NewHTTPExchanger(raw),
		refresh.WithLogger(o.logger),
		refresh.WithMetrics(m),
		refresh.WithTimeout(cfg.RefreshTimeout),
	)
	trail := audit.New(o.auditLog)
	notifier := gateway.NotifierFunc(func(ctx context.Context, reason gateway.Reason) {
		trail.Log(audit.ActionTeardown, "", string(reason), nil)
		if o.notifier != nil {
			o.notifier.RouteToLogin(ctx, reason)
		}
	})
	teardown := gateway.NewTeardown(state, store, notifier, o.logger, m)

	gwOpts := []gateway.Option{
		gateway.WithClockSkew(cfg.ClockSkew),
		gateway.WithLogger(o.logger),
		gateway.WithMetrics(m),
	}
	if o.now != nil {
		gwOpts = append(gwOpts, gateway.WithClock(o.now))
	}
	gw := gateway.New(raw, state, store, coordinator, teardown, gwOpts...)

	registry := session.NewRegistry()
	alerts := alert.NewStore()
	teardown.OnTeardown(registry.Invalidate)
	teardown.OnTeardown(alerts.Invalidate)
	teardown.AfterTeardown(registry.Notify)
	teardown.AfterTeardown(alerts.Notify)
	teardown.OnTeardown(func() {
		m.ActiveSessions.Set(0)
		m.UnreadAlerts.Set(0)
	})

	return &Client{
		logger:   o.logger,
		metrics:  m,
		audit:    trail,
		store:    store,
		state:    state,
		raw:      raw,
		gateway:  gw,
		teardown: teardown,
		sessions: session.NewService(gw, registry, o.logger, m),
		alerts:   alert.NewService(gw, alerts, o.logger, m),
	}, nil
}

func openKeyValue(ctx context.Context, cfg *config.Config) (credstore.KeyValue, error) {
	var (
		kv  credstore.KeyValue
		err error
	)
	switch cfg.CredentialStore {
	case config.StoreBolt:
		kv, err = credstore.OpenBolt(cfg.CredentialPath)
	case config.StoreRedis:
		kv, err = credstore.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
	case config.StoreMemory:
		kv = credstore.NewMemory()
	default:
		err = fmt.Errorf("unknown credential_store %q", cfg.CredentialStore)
	}
	if err != nil {
		return nil, err
	}

	key, err := cfg.SealKeyBytes()
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	if key == nil {
		return kv, nil
	}
	sealed, err := credstore.NewSealed(kv, key)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return sealed, nil
}

// Sessions returns the session actions and registry.
func (c *Client) Sessions() *session.Service { return c.sessions }

// Alerts returns the alert actions and store.
func (c *Client) Alerts() *alert.Service { return c.alerts }

// Gateway returns the authenticated Doer, for calls not covered by the services.
func (c *Client) Gateway() transport.Doer { return c.gateway }

// Metrics returns the client's collectors.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// LoggedIn reports whether an identity is active.
func (c *Client) LoggedIn() bool { return c.state.Active() }

// Login exchanges email and password for credentials and starts a new
// identity. Any previous identity's in-flight work is abandoned.
func (c *Client) Login(ctx context.Context, email, password string) error {
	err := c.login(ctx, email, password)
	c.audit.Log(audit.ActionLogin, email, "", err)
	return err
}

func (c *Client) login(ctx context.Context, email, password string) error {
	body, err := api.Encode(api.LoginRequest{Email: email, Password: password})
	if err != nil {
		return err
	}
	resp, err := c.raw.Do(ctx, transport.NewRequest(http.MethodPost, api.PathLogin, body))
	if err != nil {
		return err
	}

	var tokens api.TokenResponse
	if err := api.Decode(resp, &tokens); err != nil {
		return err
	}
	creds := tokens.Credentials()
	if !creds.Complete() {
		return fmt.Errorf("%w: login response is missing a token", serrors.ErrInvalidResponse)
	}

	registry, alerts := c.sessions.Registry(), c.alerts.Store()
	epoch, err := c.state.Begin(func() error {
		registry.Invalidate()
		alerts.Invalidate()
		return c.store.Save(ctx, creds)
	})
	registry.Notify()
	alerts.Notify()
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	c.logger.Info(ctx, "logged in", log.Fields{"epoch": epoch, "access_token": domain.Fingerprint(creds.AccessToken)})
	return nil
}

// Logout revokes the refresh token on the server, best effort, and tears the
// session down. Logging out without a session is a no-op.
func (c *Client) Logout(ctx context.Context) error {
	snap := c.state.Snapshot()
	if !snap.Active {
		return nil
	}

	if creds, err := c.store.Load(ctx); err == nil && creds != nil {
		c.revokeRefreshToken(ctx, creds.RefreshToken)
	}

	c.teardown.Run(ctx, snap.Epoch, gateway.ReasonLogout)
	c.audit.Log(audit.ActionLogout, "", "", nil)
	return nil
}

func (c *Client) revokeRefreshToken(ctx context.Context, refreshToken string) {
	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	body, err := api.Encode(api.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return
	}
	resp, err := c.raw.Do(ctx, transport.NewRequest(http.MethodPost, api.PathLogout, body))
	if err == nil {
		err = api.StatusError(resp)
	}
	if err != nil {
		c.logger.Warn(ctx, "server side logout failed, clearing local session anyway", log.Fields{"error": err.Error()})
	}
}

// DeleteAccount deletes the user on the server and tears the session down.
func (c *Client) DeleteAccount(ctx context.Context) error {
	err := c.deleteAccount(ctx)
	c.audit.Log(audit.ActionDeleteAccount, "", "", err)
	return err
}

func (c *Client) deleteAccount(ctx context.Context) error {
	snap := c.state.Snapshot()

	resp, err := c.gateway.Do(ctx, transport.NewRequest(http.MethodDelete, api.PathMe, nil))
	if err != nil {
		return err
	}
	if err := api.StatusError(resp); err != nil {
		return err
	}

	c.teardown.Run(ctx, snap.Epoch, gateway.ReasonAccountDeleted)
	return nil
}

// Close releases the credential backend.
func (c *Client) Close() error {
	return c.store.Close()
}
