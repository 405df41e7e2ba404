package vendorapi

import "strings"

// Callback carries the identifying fields of a vendor status notification.
// Both trigger paths (webhook and pull refresh) produce this shape.
type Callback struct {
	ExternalRefID string `json:"external_ref_id"`
	OnboardingID  string `json:"onboarding_id"`
	Status        string `json:"status"`
	Result        string `json:"result"`
	RejectReason  string `json:"reject_reason"`
	Timestamp     int64  `json:"timestamp"`
	Signature     string `json:"signature"`
}

// SessionStatus is the internal lifecycle enum.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusExpired    SessionStatus = "expired"
)

// SessionResult is the verification outcome for completed sessions.
type SessionResult string

const (
	ResultApproved SessionResult = "approved"
	ResultRejected SessionResult = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// Billable reports whether reaching this status triggers settlement.
// Only completed sessions are billable: an expired session means the vendor
// never finished a verification, so no credits are deducted for it.
func (s SessionStatus) Billable() bool {
	return s == StatusCompleted
}

// rank orders statuses so transitions are monotonic.
func (s SessionStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusExpired:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is a forward move.
// Terminal states never regress.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// MapStatus converts a vendor status/result code pair to the internal enums.
// One shared table serves both trigger paths.
func MapStatus(vendorStatus, vendorResult string) (SessionStatus, SessionResult, bool) {
	status := strings.ToLower(strings.TrimSpace(vendorStatus))
	result := strings.ToLower(strings.TrimSpace(vendorResult))

	var mapped SessionStatus
	switch status {
	case "created", "pending", "awaiting_documents":
		mapped = StatusPending
	case "processing", "in_review", "checks_running":
		mapped = StatusProcessing
	case "completed", "finished", "done":
		mapped = StatusCompleted
	case "expired", "timed_out", "abandoned":
		mapped = StatusExpired
	default:
		return "", "", false
	}

	var mappedResult SessionResult
	if mapped == StatusCompleted {
		switch result {
		case "approved", "pass", "clear":
			mappedResult = ResultApproved
		case "rejected", "fail", "declined":
			mappedResult = ResultRejected
		default:
			return "", "", false
		}
	}

	return mapped, mappedResult, true
}
