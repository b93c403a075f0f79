package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pilab-dev/civic-session/api"
	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/internal/metrics"
	"github.com/pilab-dev/civic-session/log"
	"github.com/pilab-dev/civic-session/transport"
)

// Service performs the session actions against the server and keeps the
// Registry in sync. The doer is expected to be the authenticated gateway.
type Service struct {
	doer     transport.Doer
	registry *Registry
	logger   log.Logger
	metrics  *metrics.Metrics
}

// NewService creates a Service. Nil logger and metrics are replaced by no-ops.
func NewService(doer transport.Doer, registry *Registry, logger log.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Service{doer: doer, registry: registry, logger: logger, metrics: m}
}

// Registry returns the projection kept by the service.
func (s *Service) Registry() *Registry { return s.registry }

// ListSessions fetches the user's sessions and replaces the projection.
func (s *Service) ListSessions(ctx context.Context) ([]domain.Session, error) {
	gen := s.registry.Generation()

	resp, err := s.doer.Do(ctx, transport.NewRequest(http.MethodGet, api.PathMySessions, nil))
	if err != nil {
		return nil, err
	}

	var body api.SessionsResponse
	if err := api.Decode(resp, &body); err != nil {
		return nil, err
	}
	for _, sess := range body.Sessions {
		if sess.ID == "" || !sess.Status.Valid() {
			return nil, fmt.Errorf("%w: malformed session %q with status %q", serrors.ErrInvalidResponse, sess.ID, sess.Status)
		}
	}

	if err := s.registry.Replace(gen, body.Sessions, resp.ServerTime); err != nil {
		return nil, s.wrap(err)
	}

	sessions := s.registry.Sessions()
	s.metrics.ActiveSessions.Set(float64(countActive(sessions)))
	return sessions, nil
}

// Revoke ends another session. The current session cannot be revoked; that
// is refused without contacting the server.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if cur, ok := s.registry.Current(); ok && cur.ID == id {
		return serrors.ErrCannotRevokeCurrent
	}
	gen := s.registry.Generation()

	path := fmt.Sprintf(api.PathSession, url.PathEscape(id))
	resp, err := s.doer.Do(ctx, transport.NewRequest(http.MethodDelete, path, nil))
	if err != nil {
		return err
	}
	if err := api.StatusError(resp); err != nil {
		return err
	}

	if _, err := s.registry.MarkRevoked(gen, id, resp.ServerTime); err != nil {
		return s.wrap(err)
	}
	s.logger.Info(ctx, "session revoked", log.Fields{"session_id": id})
	s.metrics.ActiveSessions.Set(float64(countActive(s.registry.Sessions())))
	return nil
}

// RevokeAllOthers ends every session except the current one. It returns the
// count reported by the server.
func (s *Service) RevokeAllOthers(ctx context.Context) (int, error) {
	gen := s.registry.Generation()

	resp, err := s.doer.Do(ctx, transport.NewRequest(http.MethodPost, api.PathRevokeAll, nil))
	if err != nil {
		return 0, err
	}

	var body api.RevokeAllResponse
	if err := api.Decode(resp, &body); err != nil {
		return 0, err
	}

	local, err := s.registry.MarkOthersRevoked(gen, resp.ServerTime)
	if err != nil {
		return 0, s.wrap(err)
	}
	if local != body.RevokedCount {
		s.logger.Debug(ctx, "revoked count differs from local projection", log.Fields{"server": body.RevokedCount, "local": local})
	}
	s.metrics.ActiveSessions.Set(float64(countActive(s.registry.Sessions())))
	return body.RevokedCount, nil
}

// ReportSuspicious flags a session to the server. The session status is left
// alone, and any alert the server raises must be fetched separately.
func (s *Service) ReportSuspicious(ctx context.Context, id string, reason domain.SuspiciousReason, description string) error {
	if !reason.Valid() {
		return fmt.Errorf("unknown suspicious activity reason %q", reason)
	}

	body, err := api.Encode(api.ReportSuspiciousRequest{SessionID: id, Reason: reason, Description: description})
	if err != nil {
		return err
	}
	resp, err := s.doer.Do(ctx, transport.NewRequest(http.MethodPost, api.PathReportSuspicious, body))
	if err != nil {
		return err
	}
	if err := api.StatusError(resp); err != nil {
		return err
	}

	s.logger.Info(ctx, "suspicious session reported", log.Fields{"session_id": id, "reason": string(reason)})
	return nil
}

// wrap turns a write against a reset registry into a session expiry; the
// identity that issued the request is gone.
func (s *Service) wrap(err error) error {
	if errors.Is(err, ErrReset) {
		return serrors.SessionExpired(err)
	}
	return err
}

func countActive(sessions []domain.Session) int {
	n := 0
	for _, s := range sessions {
		if s.Status == domain.SessionActive {
			n++
		}
	}
	return n
}
