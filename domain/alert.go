package domain

import (
	"time"

	serrors "github.com/pilab-dev/civic-session/errors"
)

// AlertSeverity is fixed when the server raises the alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus is the position of an alert in its lifecycle.
type AlertStatus string

const (
	AlertUnread       AlertStatus = "unread"
	AlertRead         AlertStatus = "read"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank below unread.
func (s AlertStatus) Rank() int {
	switch s {
	case AlertUnread:
		return 1
	case AlertRead:
		return 2
	case AlertAcknowledged:
		return 3
	case AlertResolved:
		return 4
	}
	return 0
}

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool { return s.Rank() > 0 }

// AlertOp is a user facing lifecycle operation.
type AlertOp string

const (
	OpMarkRead    AlertOp = "mark_read"
	OpAcknowledge AlertOp = "acknowledge"
	OpResolve     AlertOp = "resolve"
)

// Apply computes the status reached by op from s. changed is false for
// no-ops. Resolved is terminal: acknowledge and resolve from it fail with a
// TransitionError, mark-read is a no-op.
func (s AlertStatus) Apply(alertID string, op AlertOp) (next AlertStatus, changed bool, err error) {
	fail := func() (AlertStatus, bool, error) {
		return s, false, &serrors.TransitionError{AlertID: alertID, From: string(s), Op: string(op)}
	}

	switch op {
	case OpMarkRead:
		if s == AlertUnread {
			return AlertRead, true, nil
		}
		if !s.Valid() {
			return fail()
		}
		return s, false, nil

	case OpAcknowledge:
		switch s {
		case AlertUnread, AlertRead:
			return AlertAcknowledged, true, nil
		case AlertAcknowledged:
			return s, false, nil
		}
		return fail()

	case OpResolve:
		switch s {
		case AlertUnread, AlertRead, AlertAcknowledged:
			return AlertResolved, true, nil
		}
		return fail()
	}

	return fail()
}

// Alert types raised by the server's risk heuristics. The set is open; the
// client displays unknown types verbatim.
const (
	AlertNewDevice          = "new_device"
	AlertSuspiciousLocation = "suspicious_location"
	AlertFailedLogins       = "failed_logins"
	AlertConcurrentSessions = "concurrent_sessions"
	AlertSessionRevoked     = "session_revoked"
)

// SecurityAlert is a server raised notice about risky account activity.
type SecurityAlert struct {
	ID         string        `json:"id"                   yaml:"id"`
	Type       string        `json:"type"                 yaml:"type"`
	Severity   AlertSeverity `json:"severity"             yaml:"severity"`
	Status     AlertStatus   `json:"status"               yaml:"status"`
	SessionRef string        `json:"sessionId,omitempty"  yaml:"session,omitempty"`
	Title      string        `json:"title,omitempty"      yaml:"title,omitempty"`
	Message    string        `json:"message,omitempty"    yaml:"message,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"            yaml:"created_at"`
}
