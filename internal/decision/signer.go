package decision

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	"aport/internal/passport"
	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
)

// DefaultExpiresIn bounds how long callers may act on a decision.
const DefaultExpiresIn = 3600 * time.Second

// Signer assembles and seals decision records with the currently active
// registry key. Signing is the terminal step of an evaluation.
type Signer struct {
	priv      ed25519.PrivateKey
	kid       string
	expiresIn time.Duration
	now       func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithExpiry overrides the decision validity window.
func WithExpiry(d time.Duration) SignerOption {
	return func(s *Signer) { s.expiresIn = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner builds a signer from an ed25519 private key and its key id.
func NewSigner(priv ed25519.PrivateKey, kid string, opts ...SignerOption) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "signing key has wrong size")
	}
	if kid == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "kid is required")
	}
	s := &Signer{
		priv:      priv,
		kid:       kid,
		expiresIn: DefaultExpiresIn,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Public returns the verification key matching the signer's kid.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// KID returns the active key identifier.
func (s *Signer) KID() string { return s.kid }

// payload is the canonical byte layout covered by the signature. Field order
// is fixed; changing it invalidates every previously issued signature.
type payload struct {
	DecisionID     id.DecisionID  `json:"decision_id"`
	PolicyID       id.PolicyID    `json:"policy_id"`
	AgentID        id.AgentID     `json:"agent_id"`
	OwnerID        id.OwnerID     `json:"owner_id"`
	AssuranceLevel passport.Level `json:"assurance_level"`
	Allow          bool           `json:"allow"`
	Reasons        []Reason       `json:"reasons"`
	CreatedAt      string         `json:"created_at"`
	ExpiresIn      int64          `json:"expires_in"`
	PassportDigest string         `json:"passport_digest"`
	KID            string         `json:"kid"`
}

// Sign assembles the final decision record for an evaluation outcome, seals
// it, and returns it. The allow flag is derived from the reasons, never taken
// from the caller, so the allow ⇔ no-error-reason invariant cannot drift.
func (s *Signer) Sign(p *passport.Passport, policyID id.PolicyID, reasons []Reason) (*Decision, error) {
	if len(reasons) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "decision must carry at least one reason")
	}

	d := &Decision{
		DecisionID:     id.NewDecisionID(),
		PolicyID:       policyID,
		AgentID:        p.AgentID,
		OwnerID:        p.OwnerID,
		AssuranceLevel: p.AssuranceLevel,
		Allow:          Allowed(reasons),
		Reasons:        reasons,
		CreatedAt:      s.now().UTC().Truncate(time.Second),
		ExpiresIn:      int64(s.expiresIn.Seconds()),
		PassportDigest: p.Digest(),
		KID:            s.kid,
	}
	if err := s.seal(d); err != nil {
		return nil, err
	}
	return d, nil
}

// seal computes and attaches the signature. Re-sealing a signed decision is
// an invariant violation.
func (s *Signer) seal(d *Decision) error {
	if d.Signed() {
		return dErrors.New(dErrors.CodeInvariantViolation, "decision is already signed")
	}
	raw, err := json.Marshal(payload{
		DecisionID:     d.DecisionID,
		PolicyID:       d.PolicyID,
		AgentID:        d.AgentID,
		OwnerID:        d.OwnerID,
		AssuranceLevel: d.AssuranceLevel,
		Allow:          d.Allow,
		Reasons:        d.Reasons,
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
		ExpiresIn:      d.ExpiresIn,
		PassportDigest: d.PassportDigest,
		KID:            d.KID,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "marshal decision payload")
	}
	sig := ed25519.Sign(s.priv, raw)
	d.Signature = "ed25519:" + base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifySignature checks a decision against a verification key. Used by
// tests and by callers that cache decisions across trust boundaries.
func VerifySignature(d *Decision, pub ed25519.PublicKey) bool {
	if !d.Signed() {
		return false
	}
	const prefix = "ed25519:"
	if len(d.Signature) <= len(prefix) || d.Signature[:len(prefix)] != prefix {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(d.Signature[len(prefix):])
	if err != nil {
		return false
	}
	raw, err := json.Marshal(payload{
		DecisionID:     d.DecisionID,
		PolicyID:       d.PolicyID,
		AgentID:        d.AgentID,
		OwnerID:        d.OwnerID,
		AssuranceLevel: d.AssuranceLevel,
		Allow:          d.Allow,
		Reasons:        d.Reasons,
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
		ExpiresIn:      d.ExpiresIn,
		PassportDigest: d.PassportDigest,
		KID:            d.KID,
	})
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, raw, sig)
}
