package api

import "github.com/pilab-dev/civic-session/domain"

// Endpoint paths relative to the server base URL.
const (
	PathLogin             = "/auth/login"
	PathLogout            = "/auth/logout"
	PathRefresh           = "/auth/refresh"
	PathMySessions        = "/sessions/my-sessions"
	PathSession           = "/sessions/%s"
	PathRevokeAll         = "/sessions/revoke-all"
	PathReportSuspicious  = "/sessions/report-suspicious"
	PathAlerts            = "/sessions/security/alerts"
	PathAlertAcknowledge  = "/sessions/security/alerts/%s/acknowledge"
	PathAlertDismiss      = "/sessions/security/alerts/%s/dismiss"
	PathAlertsMarkAllRead = "/sessions/security/alerts/mark-all-read"
	PathMe                = "/users/me"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /auth/refresh and POST /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Credentials converts the response into domain credentials.
func (t TokenResponse) Credentials() domain.Credentials {
	return domain.Credentials{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
}

// SessionsResponse is returned by GET /sessions/my-sessions.
type SessionsResponse struct {
	Sessions []domain.Session `json:"sessions"`
}

// RevokeAllResponse is returned by POST /sessions/revoke-all.
type RevokeAllResponse struct {
	RevokedCount int `json:"revokedCount"`
}

// ReportSuspiciousRequest is the body of POST /sessions/report-suspicious.
type ReportSuspiciousRequest struct {
	SessionID   string                  `json:"sessionId"`
	Reason      domain.SuspiciousReason `json:"reason"`
	Description string                  `json:"description,omitempty"`
}

// AlertsResponse is returned by GET /sessions/security/alerts.
type AlertsResponse struct {
	Alerts []domain.SecurityAlert `json:"alerts"`
}

// MarkAllReadRequest is the body of PATCH .../mark-all-read. Nil AlertIDs marks every alert.
type MarkAllReadRequest struct {
	AlertIDs []string `json:"alertIds,omitempty"`
}

// MarkAllReadResponse carries the number of alerts the server marked read.
type MarkAllReadResponse struct {
	Count int `json:"count"`
}
