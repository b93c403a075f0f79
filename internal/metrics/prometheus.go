package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the session layer counters. A zero registry still yields
// usable, unregistered collectors.
type Metrics struct {
	RefreshTotal   *prometheus.CounterVec // label outcome: success|failure|superseded
	RetriesTotal   prometheus.Counter
	TeardownsTotal *prometheus.CounterVec // label reason
	RequestsTotal  *prometheus.CounterVec // label class: ok|auth|client|server|network
	UnreadAlerts   prometheus.Gauge
	ActiveSessions prometheus.Gauge
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_session_refresh_total",
			Help: "Token refresh exchanges by outcome.",
		}, []string{"outcome"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civic_session_retries_total",
			Help: "Requests resent after a successful refresh.",
		}),
		TeardownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_session_teardowns_total",
			Help: "Session teardowns by reason.",
		}, []string{"reason"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_session_requests_total",
			Help: "Authenticated requests by result class.",
		}, []string{"class"}),
		UnreadAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "civic_session_unread_alerts",
			Help: "Unread security alerts in the local store.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "civic_session_active_sessions",
			Help: "Active sessions in the local registry.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.RefreshTotal, err = register(reg, m.RefreshTotal); err != nil {
		return nil, err
	}
	if m.RetriesTotal, err = register(reg, m.RetriesTotal); err != nil {
		return nil, err
	}
	if m.TeardownsTotal, err = register(reg, m.TeardownsTotal); err != nil {
		return nil, err
	}
	if m.RequestsTotal, err = register(reg, m.RequestsTotal); err != nil {
		return nil, err
	}
	if m.UnreadAlerts, err = register(reg, m.UnreadAlerts); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = register(reg, m.ActiveSessions); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg. When an equal collector is already registered,
// that one is returned so updates reach the exported series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return c, fmt.Errorf("collector registered with a different type: %w", err)
	}
	return existing, nil
}

// Noop returns unregistered collectors, handy for tests.
func Noop() *Metrics {
	m, _ := New(nil)
	return m
}
