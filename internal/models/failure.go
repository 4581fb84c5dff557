package models

import "time"

// LimitType distinguishes session (5h) from weekly limits
type LimitType string

const (
	LimitTypeSession LimitType = "session"
	LimitTypeWeekly  LimitType = "weekly"
	LimitTypeUnknown LimitType = "unknown"
)

// AuthFailureType tags the kind of authentication failure that was detected.
type AuthFailureType string

const (
	AuthMissing      AuthFailureType = "missing"
	AuthInvalid      AuthFailureType = "invalid"
	AuthExpired      AuthFailureType = "expired"
	AuthUnauthorized AuthFailureType = "unauthorized"
)

// RateLimitInfo contains parsed rate limit details
type RateLimitInfo struct {
	DetectedAt  time.Time
	ResetAt     time.Time // Zero when the output carried no reset hint
	WaitSeconds int64
	LimitType   LimitType
	RawMessage  string
}

// FailureClassification is derived from the trailing output of a failed run.
// At most one of IsRateLimited and IsAuthFailure is true.
type FailureClassification struct {
	IsRateLimited bool
	IsAuthFailure bool
	ProfileID     string          // Exhausted or failing profile, if the output named one
	FailureType   AuthFailureType // Set for auth failures
	Message       string          // Human readable summary
	OriginalError string          // Matched line from the output
	RateLimit     *RateLimitInfo  // Set for rate limits
}

// IsNormal reports whether neither failure category matched.
func (c FailureClassification) IsNormal() bool {
	return !c.IsRateLimited && !c.IsAuthFailure
}

// ProfileRef names a credential profile in notifications.
type ProfileRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RateLimitNotice is delivered to the notification sink when a run hits a rate limit.
type RateLimitNotice struct {
	TaskID           string
	RunKind          RunKind
	ProfileID        string
	ResetAt          time.Time
	LimitType        LimitType
	Message          string
	WasAutoSwapped   bool
	SwappedToProfile *ProfileRef
	SwapReason       string
	DetectedAt       time.Time
}

// AuthFailureNotice is delivered to the notification sink when a run fails authentication.
type AuthFailureNotice struct {
	ProfileID     string
	FailureType   AuthFailureType
	Message       string
	OriginalError string
}

// NewRateLimitNotice builds the manual (not swapped) notice for a classified
// rate limit.
func NewRateLimitNotice(taskID string, kind RunKind, c FailureClassification) RateLimitNotice {
	n := RateLimitNotice{
		TaskID:    taskID,
		RunKind:   kind,
		ProfileID: c.ProfileID,
		Message:   c.Message,
		LimitType: LimitTypeUnknown,
	}
	if c.RateLimit != nil {
		n.ResetAt = c.RateLimit.ResetAt
		n.LimitType = c.RateLimit.LimitType
		n.DetectedAt = c.RateLimit.DetectedAt
	}
	return n
}
