// Package passport provides the typed, read-only view over a verified agent
// passport. The engine never issues or mutates passports; it loads one per
// evaluation and treats it as immutable from that point on.
package passport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	id "aport/pkg/domain"
)

// Status is the lifecycle state of a passport.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Blocked reports whether the status forbids all operations.
func (s Status) Blocked() bool {
	return s == StatusSuspended || s == StatusRevoked
}

// Capability is a single scoped permission grant. Params carry the
// policy-specific knobs for that grant (allowlists, caps, flags).
type Capability struct {
	ID     id.CapabilityID `json:"id"`
	Params map[string]any  `json:"params,omitempty"`
}

// Passport is the verified artifact describing an agent. Fields mirror the
// oap/1.0 wire shape. Instances are owned by the evaluation that loaded them
// and must not be shared across goroutines while an evaluation is in flight.
type Passport struct {
	AgentID        id.AgentID     `json:"passport_id"`
	Kind           string         `json:"kind"`
	SpecVersion    string         `json:"spec_version"`
	OwnerID        id.OwnerID     `json:"owner_id"`
	OwnerType      string         `json:"owner_type"`
	AssuranceLevel Level          `json:"assurance_level"`
	Status         Status         `json:"status"`
	Capabilities   []Capability   `json:"capabilities"`
	Limits         map[string]any `json:"limits,omitempty"`
	Regions        []string       `json:"regions,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        string         `json:"version"`
}

// Capability resolves a grant by id. First match wins; duplicate ids are a
// passport configuration error, not something the engine arbitrates.
func (p *Passport) Capability(capID id.CapabilityID) (Capability, bool) {
	for _, c := range p.Capabilities {
		if c.ID == capID {
			return c, true
		}
	}
	return Capability{}, false
}

// Digest computes the content digest over the passport's identifying fields.
// The format ("sha256:<hex>") is part of the decision wire contract.
func (p *Passport) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		p.AgentID, p.OwnerID, p.Status, p.AssuranceLevel,
		p.Version, p.SpecVersion, p.UpdatedAt.UTC().Format(time.RFC3339))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ParamString reads a string param from a capability, with ok=false when the
// key is absent or not a string.
func (c Capability) ParamString(key string) (string, bool) {
	v, ok := c.Params[key].(string)
	return v, ok
}

// ParamNumber reads a numeric param. JSON numbers decode as float64; ints
// provided programmatically are accepted too.
func (c Capability) ParamNumber(key string) (float64, bool) {
	switch v := c.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ParamStrings reads a string-list param. Lists decoded from JSON arrive as
// []any; both forms are accepted.
func (c Capability) ParamStrings(key string) ([]string, bool) {
	switch v := c.Params[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// ParamBool reads a boolean param.
func (c Capability) ParamBool(key string) (bool, bool) {
	v, ok := c.Params[key].(bool)
	return v, ok
}
