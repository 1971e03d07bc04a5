package passport

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "aport/pkg/domain-errors"
)

// Claims is the JWT envelope the registry wraps around a passport. The engine
// only checks signature and freshness; issuance belongs to the registry.
type Claims struct {
	Passport Passport `json:"passport"`
	jwt.RegisteredClaims
}

// Verifier validates registry-signed passport tokens.
type Verifier struct {
	signingKey []byte
	issuer     string
	leeway     time.Duration
}

// NewVerifier builds a verifier for a shared registry signing key.
func NewVerifier(signingKey, issuer string) *Verifier {
	return &Verifier{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		leeway:     30 * time.Second,
	}
}

// Verify parses and validates a passport token and returns the embedded
// passport. Structural problems inside the passport (unknown assurance level,
// missing agent id) are rejected here so downstream rules can assume a
// well-formed view.
func (v *Verifier) Verify(token string) (*Passport, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return v.signingKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "passport token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid passport token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid passport claims")
	}

	p := claims.Passport
	if p.AgentID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "passport has no agent id")
	}
	if !p.AssuranceLevel.Known() {
		return nil, dErrors.Newf(dErrors.CodeUnauthorized, "unknown assurance level %q", p.AssuranceLevel)
	}
	return &p, nil
}
