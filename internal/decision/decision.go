// Package decision defines the signed decision record the engine hands back
// to callers, the structured reasons inside it, and the signer that seals it.
package decision

import (
	"time"

	"aport/internal/passport"
	id "aport/pkg/domain"
)

// Severity classifies a reason. A decision allows iff no reason is an error.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Reason is one machine-readable entry in a decision's explanation.
type Reason struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Deny builds an error-severity reason.
func Deny(code, message string) Reason {
	return Reason{Code: code, Message: message, Severity: SeverityError}
}

// Info builds an informational reason.
func Info(code, message string) Reason {
	return Reason{Code: code, Message: message, Severity: SeverityInfo}
}

// Decision is the externally visible artifact of one evaluation. It is
// created once, signed once, and never mutated afterwards.
type Decision struct {
	DecisionID     id.DecisionID  `json:"decision_id"`
	PolicyID       id.PolicyID    `json:"policy_id"`
	AgentID        id.AgentID     `json:"agent_id"`
	OwnerID        id.OwnerID     `json:"owner_id"`
	AssuranceLevel passport.Level `json:"assurance_level"`
	Allow          bool           `json:"allow"`
	Reasons        []Reason       `json:"reasons"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresIn      int64          `json:"expires_in"`
	PassportDigest string         `json:"passport_digest"`
	Signature      string         `json:"signature"`
	KID            string         `json:"kid"`
}

// Signed reports whether the decision has been sealed.
func (d *Decision) Signed() bool { return d.Signature != "" }

// Expired reports whether the decision's validity window has passed.
func (d *Decision) Expired(now time.Time) bool {
	return now.After(d.CreatedAt.Add(time.Duration(d.ExpiresIn) * time.Second))
}

// Allowed derives the allow flag from the reasons. Kept as a function so the
// invariant (allow ⇔ no error reason) lives in exactly one place.
func Allowed(reasons []Reason) bool {
	for _, r := range reasons {
		if r.Severity == SeverityError {
			return false
		}
	}
	return true
}
