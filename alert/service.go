package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pilab-dev/civic-session/api"
	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/internal/metrics"
	"github.com/pilab-dev/civic-session/log"
	"github.com/pilab-dev/civic-session/transport"
)

// Filter narrows ListAlerts. Zero values are omitted from the query.
type Filter struct {
	Status   domain.AlertStatus
	Severity domain.AlertSeverity
	Page     int
	Limit    int
}

func (f Filter) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Severity != "" {
		q.Set("severity", string(f.Severity))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// Service performs the alert lifecycle operations against the server and
// folds the results into the Store.
type Service struct {
	doer    transport.Doer
	store   *Store
	logger  log.Logger
	metrics *metrics.Metrics
}

// NewService creates a Service. Nil logger and metrics are replaced by no-ops.
func NewService(doer transport.Doer, store *Store, logger log.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Service{doer: doer, store: store, logger: logger, metrics: m}
}

// Store returns the projection kept by the service.
func (s *Service) Store() *Store { return s.store }

// ListAlerts fetches alerts matching f and merges them into the store. It
// returns the alerts as held locally after the merge.
func (s *Service) ListAlerts(ctx context.Context, f Filter) ([]domain.SecurityAlert, error) {
	gen := s.store.Generation()

	req := transport.NewRequest(http.MethodGet, api.PathAlerts, nil)
	req.Query = f.query()
	resp, err := s.doer.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	var body api.AlertsResponse
	if err := api.Decode(resp, &body); err != nil {
		return nil, err
	}
	for _, a := range body.Alerts {
		if err := validate(a); err != nil {
			return nil, err
		}
	}

	if err := s.store.Merge(gen, body.Alerts, resp.ServerTime); err != nil {
		return nil, s.wrap(err)
	}
	s.observe()

	out := make([]domain.SecurityAlert, 0, len(body.Alerts))
	for _, a := range body.Alerts {
		if local, ok := s.store.Get(a.ID); ok {
			out = append(out, local)
		}
	}
	return out, nil
}

// MarkRead marks one alert read. It is a no-op unless the alert is unread.
func (s *Service) MarkRead(ctx context.Context, id string) (domain.SecurityAlert, error) {
	a, changed, err := s.check(id, domain.OpMarkRead)
	if err != nil || !changed {
		return a, err
	}

	gen := s.store.Generation()
	resp, err := s.markRead(ctx, []string{id})
	if err != nil {
		return a, err
	}
	if _, err := s.store.ApplyBatch(gen, []string{id}, domain.OpMarkRead, resp.ServerTime); err != nil {
		return a, s.wrap(err)
	}
	s.observe()

	a, _ = s.store.Get(id)
	return a, nil
}

// Acknowledge moves an unread or read alert to acknowledged. Acknowledging
// an acknowledged alert is a no-op; a resolved alert is rejected.
func (s *Service) Acknowledge(ctx context.Context, id string) (domain.SecurityAlert, error) {
	return s.transition(ctx, id, domain.OpAcknowledge, api.PathAlertAcknowledge)
}

// Resolve dismisses an alert for good.
func (s *Service) Resolve(ctx context.Context, id string) (domain.SecurityAlert, error) {
	return s.transition(ctx, id, domain.OpResolve, api.PathAlertDismiss)
}

// MarkAllRead marks every unread alert read, or only those in ids when
// given. Alerts that are not unread are skipped. The store changes once, so
// the unread count never passes through intermediate values. It returns the
// count reported by the server.
func (s *Service) MarkAllRead(ctx context.Context, ids ...string) (int, error) {
	gen := s.store.Generation()

	var targets []string
	if len(ids) > 0 {
		targets = s.store.Targets(ids, domain.OpMarkRead)
		if len(targets) == 0 {
			return 0, nil
		}
	}

	resp, err := s.markRead(ctx, targets)
	if err != nil {
		return 0, err
	}
	var body api.MarkAllReadResponse
	if err := api.Decode(resp, &body); err != nil {
		return 0, err
	}

	changed, err := s.store.ApplyBatch(gen, targets, domain.OpMarkRead, resp.ServerTime)
	if err != nil {
		return 0, s.wrap(err)
	}
	s.observe()
	s.logger.Debug(ctx, "alerts marked read", log.Fields{"server": body.Count, "local": len(changed)})
	return body.Count, nil
}

func (s *Service) markRead(ctx context.Context, ids []string) (*transport.Response, error) {
	body, err := api.Encode(api.MarkAllReadRequest{AlertIDs: ids})
	if err != nil {
		return nil, err
	}
	resp, err := s.doer.Do(ctx, transport.NewRequest(http.MethodPatch, api.PathAlertsMarkAllRead, body))
	if err != nil {
		return nil, err
	}
	if err := api.StatusError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) transition(ctx context.Context, id string, op domain.AlertOp, pathFmt string) (domain.SecurityAlert, error) {
	a, changed, err := s.check(id, op)
	if err != nil || !changed {
		return a, err
	}

	gen := s.store.Generation()
	path := fmt.Sprintf(pathFmt, url.PathEscape(id))
	resp, err := s.doer.Do(ctx, transport.NewRequest(http.MethodPatch, path, nil))
	if err != nil {
		return a, err
	}

	var updated domain.SecurityAlert
	if err := api.Decode(resp, &updated); err != nil {
		return a, err
	}

	// The server accepted the change; a concurrent local resolve may already
	// have moved the alert further, which is fine.
	if _, _, err := s.store.Apply(gen, id, op, resp.ServerTime); err != nil && !errors.Is(err, serrors.ErrInvalidTransition) {
		return a, s.wrap(err)
	}
	if updated.ID == id && validate(updated) == nil {
		if err := s.store.Merge(gen, []domain.SecurityAlert{updated}, resp.ServerTime); err != nil {
			return a, s.wrap(err)
		}
	}
	s.observe()

	s.logger.Info(ctx, "alert updated", log.Fields{"alert_id": id, "op": string(op)})
	a, _ = s.store.Get(id)
	return a, nil
}

// check validates op against the local copy of the alert.
func (s *Service) check(id string, op domain.AlertOp) (domain.SecurityAlert, bool, error) {
	a, ok := s.store.Get(id)
	if !ok {
		return domain.SecurityAlert{}, false, fmt.Errorf("alert %s: %w", id, serrors.ErrNotFound)
	}
	_, changed, err := a.Status.Apply(id, op)
	return a, changed, err
}

func (s *Service) observe() {
	s.metrics.UnreadAlerts.Set(float64(s.store.UnreadCount()))
}

func (s *Service) wrap(err error) error {
	if errors.Is(err, ErrReset) {
		return serrors.SessionExpired(err)
	}
	return err
}

func validate(a domain.SecurityAlert) error {
	if a.ID == "" || !a.Status.Valid() {
		return fmt.Errorf("%w: malformed alert %q with status %q", serrors.ErrInvalidResponse, a.ID, a.Status)
	}
	return nil
}
