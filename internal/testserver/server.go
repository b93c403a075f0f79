// Package testserver is an in-process fake of the session backend, used by
// tests to drive the client end to end over real HTTP.
package testserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/civic-session/api"
	"github.com/pilab-dev/civic-session/domain"
)

// Server holds the fake backend state. Tokens are opaque strings ("at-N",
// "rt-N") and rotate on every refresh.
type Server struct {
	mu       sync.Mutex
	users    map[string]string // email -> password
	access   map[string]bool
	refresh  map[string]bool
	serial   int
	sessions []domain.Session
	alerts   []domain.SecurityAlert

	refreshCalls atomic.Int32
	refreshDelay time.Duration

	e *echo.Echo
}

// New creates a server with one known user.
func New(email, password string) *Server {
	s := &Server{
		users:   map[string]string{email: password},
		access:  make(map[string]bool),
		refresh: make(map[string]bool),
		e:       echo.New(),
	}
	s.e.HideBanner = true
	s.registerRoutes()
	return s
}

// Start serves the fake on a local listener. Close the returned server when done.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.e)
}

// RefreshCalls returns how many refresh exchanges the server has seen.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// SetRefreshDelay slows down refresh exchanges so concurrent callers overlap.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// ExpireAccessTokens invalidates every issued access token; refresh tokens
// stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]bool)
}

// RevokeRefreshTokens invalidates every refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]bool)
}

// SetSessions replaces the session list.
func (s *Server) SetSessions(sessions ...domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = slices.Clone(sessions)
}

// AddAlerts appends alerts to the feed.
func (s *Server) AddAlerts(alerts ...domain.SecurityAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alerts...)
}

// Alerts returns the server's view of the feed.
func (s *Server) Alerts() []domain.SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alerts)
}

func (s *Server) registerRoutes() {
	s.e.POST(api.PathLogin, s.login)
	s.e.POST(api.PathRefresh, s.refreshToken)
	s.e.POST(api.PathLogout, s.logout)

	authed := s.e.Group("", s.requireBearer)
	authed.GET(api.PathMySessions, s.listSessions)
	authed.DELETE("/sessions/:id", s.revokeSession)
	authed.POST(api.PathRevokeAll, s.revokeAll)
	authed.POST(api.PathReportSuspicious, s.reportSuspicious)
	authed.GET(api.PathAlerts, s.listAlerts)
	authed.PATCH(api.PathAlertsMarkAllRead, s.markAllRead)
	authed.PATCH("/sessions/security/alerts/:id/acknowledge", s.transition(domain.AlertAcknowledged))
	authed.PATCH("/sessions/security/alerts/:id/dismiss", s.transition(domain.AlertResolved))
	authed.DELETE(api.PathMe, s.deleteMe)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		s.mu.Lock()
		valid := ok && s.access[token]
		s.mu.Unlock()
		if !valid {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		}
		return next(c)
	}
}

// issue must be called with mu held.
func (s *Server) issue() api.TokenResponse {
	s.serial++
	pair := api.TokenResponse{
		AccessToken:  fmt.Sprintf("at-%d", s.serial),
		RefreshToken: fmt.Sprintf("rt-%d", s.serial),
	}
	s.access[pair.AccessToken] = true
	s.refresh[pair.RefreshToken] = true
	return pair
}

func (s *Server) login(c echo.Context) error {
	var req api.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.users[req.Email]; !ok || pw != req.Password {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid_credentials"})
	}
	return c.JSON(http.StatusOK, s.issue())
}

func (s *Server) refreshToken(c echo.Context) error {
	s.refreshCalls.Add(1)

	var req api.RefreshRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request"})
	}

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refresh[req.RefreshToken] {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid_grant"})
	}
	delete(s.refresh, req.RefreshToken) // Rotation: each refresh token works once
	return c.JSON(http.StatusOK, s.issue())
}

func (s *Server) logout(c echo.Context) error {
	var req api.RefreshRequest
	_ = c.Bind(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, req.RefreshToken)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listSessions(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(http.StatusOK, api.SessionsResponse{Sessions: slices.Clone(s.sessions)})
}

func (s *Server) revokeSession(c echo.Context) error {
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].ID != id {
			continue
		}
		if s.sessions[i].IsCurrent {
			return c.JSON(http.StatusForbidden, errorBody{Error: "forbidden", Message: "cannot revoke the current session"})
		}
		s.sessions[i].Status = domain.SessionRevoked
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusNotFound, errorBody{Error: "not_found"})
}

func (s *Server) revokeAll(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.sessions {
		if !s.sessions[i].IsCurrent && s.sessions[i].Status == domain.SessionActive {
			s.sessions[i].Status = domain.SessionRevoked
			n++
		}
	}
	return c.JSON(http.StatusOK, api.RevokeAllResponse{RevokedCount: n})
}

func (s *Server) reportSuspicious(c echo.Context) error {
	var req api.ReportSuspiciousRequest
	if err := c.Bind(&req); err != nil || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial++
	s.alerts = append(s.alerts, domain.SecurityAlert{
		ID:         fmt.Sprintf("alert-%d", s.serial),
		Type:       domain.AlertSuspiciousLocation,
		Severity:   domain.SeverityHigh,
		Status:     domain.AlertUnread,
		SessionRef: req.SessionID,
		Title:      "Session reported",
		Message:    string(req.Reason),
		CreatedAt:  time.Now().UTC(),
	})
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) listAlerts(c echo.Context) error {
	status := domain.AlertStatus(c.QueryParam("status"))
	severity := domain.AlertSeverity(c.QueryParam("severity"))
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SecurityAlert
	for _, a := range s.alerts {
		if (status == "" || a.Status == status) && (severity == "" || a.Severity == severity) {
			out = append(out, a)
		}
	}
	if limit > 0 {
		if page < 1 {
			page = 1
		}
		start := min((page-1)*limit, len(out))
		out = out[start:min(start+limit, len(out))]
	}
	return c.JSON(http.StatusOK, api.AlertsResponse{Alerts: out})
}

func (s *Server) markAllRead(c echo.Context) error {
	var req api.MarkAllReadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.alerts {
		if s.alerts[i].Status != domain.AlertUnread {
			continue
		}
		if req.AlertIDs != nil && !slices.Contains(req.AlertIDs, s.alerts[i].ID) {
			continue
		}
		s.alerts[i].Status = domain.AlertRead
		n++
	}
	return c.JSON(http.StatusOK, n)
}

func (s *Server) transition(to domain.AlertStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")

		s.mu.Lock()
		defer s.mu.Unlock()
		for i := range s.alerts {
			if s.alerts[i].ID != id {
				continue
			}
			if s.alerts[i].Status == domain.AlertResolved {
				return c.JSON(http.StatusConflict, errorBody{Error: "conflict", Message: "alert is resolved"})
			}
			s.alerts[i].Status = to
			return c.JSON(http.StatusOK, s.alerts[i])
		}
		return c.JSON(http.StatusNotFound, errorBody{Error: "not_found"})
	}
}

func (s *Server) deleteMe(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]bool)
	s.refresh = make(map[string]bool)
	s.sessions = nil
	s.alerts = nil
	return c.NoContent(http.StatusNoContent)
}
