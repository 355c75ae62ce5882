package models

import (
	"time"

	"github.com/google/uuid"
)

// AuthorizationOutcome is the result of authorizing a single request
type AuthorizationOutcome string

const (
	OutcomeAuthenticated AuthorizationOutcome = "authenticated"
	OutcomeRejected      AuthorizationOutcome = "rejected"
	OutcomeAmbiguous     AuthorizationOutcome = "ambiguous"
	OutcomeMissingToken  AuthorizationOutcome = "missing_token"
	OutcomeError         AuthorizationOutcome = "error"
)

// AuthorizationOutcomes lists every outcome, in a stable order
var AuthorizationOutcomes = []AuthorizationOutcome{
	OutcomeAuthenticated,
	OutcomeRejected,
	OutcomeAmbiguous,
	OutcomeMissingToken,
	OutcomeError,
}

// AuthorizationDecision is an audit record of one authorization decision.
// It never carries the bearer token or any identity claim.
type AuthorizationDecision struct {
	ID         uuid.UUID            `json:"id" db:"id"`
	Outcome    AuthorizationOutcome `json:"outcome" db:"outcome"`
	StatusCode int                  `json:"status_code" db:"status_code"`
	Method     string               `json:"method" db:"method"`
	Path       string               `json:"path" db:"path"`
	RequestID  string               `json:"request_id" db:"request_id"`
	IPAddress  string               `json:"ip_address" db:"ip_address"`
	UserAgent  string               `json:"user_agent" db:"user_agent"`
	LatencyMs  int                  `json:"latency_ms" db:"latency_ms"`
	Timestamp  time.Time            `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuthorizationDecision model
func (AuthorizationDecision) TableName() string {
	return "authorization_decisions"
}

// NewAuthorizationDecision creates a decision record stamped with a fresh id
func NewAuthorizationDecision(outcome AuthorizationOutcome, statusCode int) *AuthorizationDecision {
	return &AuthorizationDecision{
		ID:         uuid.New(),
		Outcome:    outcome,
		StatusCode: statusCode,
		Timestamp:  time.Now().UTC(),
	}
}

// WithRequest sets request metadata
func (d *AuthorizationDecision) WithRequest(method, path, requestID, ipAddress, userAgent string) *AuthorizationDecision {
	d.Method = method
	d.Path = path
	d.RequestID = requestID
	d.IPAddress = ipAddress
	d.UserAgent = userAgent
	return d
}

// WithLatency sets how long the decision took
func (d *AuthorizationDecision) WithLatency(latency time.Duration) *AuthorizationDecision {
	d.LatencyMs = int(latency.Milliseconds())
	return d
}
