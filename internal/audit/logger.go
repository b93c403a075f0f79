// Package audit writes a local trail of security relevant account actions.
package audit

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Actions recorded by the client.
const (
	ActionLogin         = "login"
	ActionLogout        = "logout"
	ActionDeleteAccount = "delete_account"
	ActionTeardown      = "teardown"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	User      string    `json:"user,omitempty"`
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Logger writes events as JSON lines. The zero value and a nil *Logger
// discard everything.
type Logger struct {
	out zerolog.Logger
	now func() time.Time
	on  bool
}

// New returns a Logger writing to w, or a discarding one when w is nil.
func New(w io.Writer) *Logger {
	if w == nil {
		return &Logger{}
	}
	return &Logger{out: zerolog.New(w), now: time.Now, on: true}
}

// Log records action. err marks the event as failed.
func (l *Logger) Log(action, user, details string, err error) {
	if l == nil || !l.on {
		return
	}
	event := Event{
		Timestamp: l.now().UTC(),
		Action:    action,
		User:      user,
		Details:   details,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}

	l.out.Log().EmbedObject(event).Msg("audit")
}

// MarshalZerologObject writes the fields under the same names and
// omissions as the json tags, so a line decodes back into an Event.
func (e Event) MarshalZerologObject(z *zerolog.Event) {
	z.Time("timestamp", e.Timestamp).Str("action", e.Action)
	if e.User != "" {
		z.Str("user", e.User)
	}
	if e.Details != "" {
		z.Str("details", e.Details)
	}
	z.Bool("success", e.Success)
	if e.Error != "" {
		z.Str("error", e.Error)
	}
}
