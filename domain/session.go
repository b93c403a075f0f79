package domain

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a login session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// Terminal reports whether the session can no longer be used. Expired and
// revoked sessions never return to active.
func (s SessionStatus) Terminal() bool {
	return s == SessionExpired || s == SessionRevoked
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionExpired, SessionRevoked:
		return true
	}
	return false
}

// RiskLevel is the server computed risk score bucket of a session.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Session represents one authenticated login on one device, mirrored from the server.
type Session struct {
	ID               string        `json:"id"                         yaml:"id"`
	DeviceLabel      string        `json:"deviceLabel"                yaml:"device"`
	OSLabel          string        `json:"osLabel"                    yaml:"os"`
	BrowserLabel     string        `json:"browserLabel"               yaml:"browser"`
	IPAddress        string        `json:"ipAddress,omitempty"        yaml:"ip_address,omitempty"`
	Location         string        `json:"location,omitempty"         yaml:"location,omitempty"`
	LoginTime        time.Time     `json:"loginTime"                  yaml:"login_time"`
	LastActivityTime *time.Time    `json:"lastActivityTime,omitempty" yaml:"last_activity_time,omitempty"`
	Status           SessionStatus `json:"status"                     yaml:"status"`
	RiskLevel        RiskLevel     `json:"riskLevel"                  yaml:"risk_level"`
	IsCurrent        bool          `json:"isCurrent"                  yaml:"current"`
}

// SuspiciousReason classifies a user's report about a session.
type SuspiciousReason string

const (
	ReasonUnrecognizedDevice   SuspiciousReason = "unrecognized_device"
	ReasonUnrecognizedLocation SuspiciousReason = "unrecognized_location"
	ReasonUnauthorizedAccess   SuspiciousReason = "unauthorized_access"
	ReasonOther                SuspiciousReason = "other"
)

// CheckCurrent returns an error when more than one session is flagged current.
func CheckCurrent(sessions []Session) error {
	var current string
	for _, s := range sessions {
		if !s.IsCurrent {
			continue
		}
		if current != "" {
			return fmt.Errorf("sessions %s and %s are both flagged current", current, s.ID)
		}
		current = s.ID
	}
	return nil
}

// Valid reports whether r is a known reason.
func (r SuspiciousReason) Valid() bool {
	switch r {
	case ReasonUnrecognizedDevice, ReasonUnrecognizedLocation, ReasonUnauthorizedAccess, ReasonOther:
		return true
	}
	return false
}
