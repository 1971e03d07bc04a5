package passport

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
)

const (
	testSigningKey = "registry-signing-key-for-tests"
	testIssuer     = "oap:registry"
)

func mintToken(t *testing.T, key string, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func validClaims() Claims {
	now := time.Now()
	return Claims{
		Passport: Passport{
			AgentID:        id.AgentID("ap_9f2c"),
			SpecVersion:    "oap/1.0",
			OwnerID:        id.OwnerID("org_7781"),
			AssuranceLevel: LevelL2,
			Status:         StatusActive,
			Capabilities:   []Capability{{ID: "payments.charge"}},
			UpdatedAt:      now.Add(-time.Hour),
			Version:        "3",
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(testSigningKey, testIssuer)

	t.Run("valid token round-trips the passport", func(t *testing.T) {
		p, err := v.Verify(mintToken(t, testSigningKey, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, id.AgentID("ap_9f2c"), p.AgentID)
		assert.Equal(t, LevelL2, p.AssuranceLevel)
		assert.Len(t, p.Capabilities, 1)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		_, err := v.Verify(mintToken(t, "some-other-key", validClaims()))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		claims := validClaims()
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := v.Verify(mintToken(t, testSigningKey, claims))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("token without expiry is rejected", func(t *testing.T) {
		claims := validClaims()
		claims.ExpiresAt = nil
		_, err := v.Verify(mintToken(t, testSigningKey, claims))
		require.Error(t, err)
	})

	t.Run("wrong issuer is rejected", func(t *testing.T) {
		claims := validClaims()
		claims.Issuer = "someone-else"
		_, err := v.Verify(mintToken(t, testSigningKey, claims))
		require.Error(t, err)
	})

	t.Run("missing agent id is rejected", func(t *testing.T) {
		claims := validClaims()
		claims.Passport.AgentID = ""
		_, err := v.Verify(mintToken(t, testSigningKey, claims))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("unknown assurance level is rejected", func(t *testing.T) {
		claims := validClaims()
		claims.Passport.AssuranceLevel = "L7"
		_, err := v.Verify(mintToken(t, testSigningKey, claims))
		require.Error(t, err)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, err := v.Verify("not.a.jwt")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}
