package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aport/internal/decision"
	"aport/internal/passport"
	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
)

func validSpec() Spec {
	return Spec{
		ID:             "test.policy.v1",
		Capability:     "test.cap",
		Domain:         "test",
		RequiredFields: []string{"amount"},
		Schema: Schema{
			{Name: "max_amount", Kind: KindNumber},
		},
		Chain: []Rule{
			NumericLimit{Field: "amount", Limit: "max_amount", Code: decision.CodeLimitExceeded},
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("valid spec registers and resolves", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(validSpec()))

		spec, err := r.Lookup("test.policy.v1")
		require.NoError(t, err)
		assert.Equal(t, "test", spec.Domain)
	})

	t.Run("unknown policy id is not found", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Lookup("nope.v1")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	t.Run("missing capability rejected", func(t *testing.T) {
		r := NewRegistry()
		s := validSpec()
		s.Capability = ""
		require.Error(t, r.Register(s))
	})

	t.Run("undeclared limit key fails at registration", func(t *testing.T) {
		r := NewRegistry()
		s := validSpec()
		s.Chain = append(s.Chain, FieldAllowlist{Field: "currency", Limit: "supported_currencies", Code: decision.CodeCurrencyUnsupported})
		err := r.Register(s)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Contains(t, err.Error(), "supported_currencies")
	})

	t.Run("duplicate schema key rejected", func(t *testing.T) {
		r := NewRegistry()
		s := validSpec()
		s.Schema = append(s.Schema, Key{Name: "max_amount", Kind: KindNumber})
		require.Error(t, r.Register(s))
	})

	t.Run("duplicate registration rejected", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(validSpec()))
		err := r.Register(validSpec())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("unknown assurance floor rejected", func(t *testing.T) {
		r := NewRegistry()
		s := validSpec()
		s.AssuranceFloor = "L9"
		require.Error(t, r.Register(s))
	})
}

// floorLimits resolves limits the way the engine does, so floor tests cover
// the full grant-params-then-passport-limits precedence.
func floorLimits(t *testing.T, grant passport.Capability, p *passport.Passport) Limits {
	t.Helper()
	schema := Schema{{Name: LimitAssuranceFloor, Kind: KindString}}
	limits, err := ResolveLimits(schema, grant, p, "test")
	require.NoError(t, err)
	return limits
}

func TestSpecFloor(t *testing.T) {
	s := Spec{AssuranceFloor: passport.LevelL1}

	t.Run("default floor", func(t *testing.T) {
		assert.Equal(t, passport.LevelL1, s.Floor(floorLimits(t, passport.Capability{}, nil)))
	})

	t.Run("grant params may raise the floor", func(t *testing.T) {
		grant := passport.Capability{Params: map[string]any{"require_assurance_at_least": "L3"}}
		assert.Equal(t, passport.LevelL3, s.Floor(floorLimits(t, grant, nil)))
	})

	t.Run("passport limits may raise the floor", func(t *testing.T) {
		p := &passport.Passport{Limits: map[string]any{
			"test": map[string]any{"require_assurance_at_least": "L3"},
		}}
		assert.Equal(t, passport.LevelL3, s.Floor(floorLimits(t, passport.Capability{}, p)))
	})

	t.Run("passport cannot lower the floor", func(t *testing.T) {
		s3 := Spec{AssuranceFloor: passport.LevelL3}
		grant := passport.Capability{Params: map[string]any{"require_assurance_at_least": "L1"}}
		assert.Equal(t, passport.LevelL3, s3.Floor(floorLimits(t, grant, nil)))
	})

	t.Run("unknown level string is ignored", func(t *testing.T) {
		grant := passport.Capability{Params: map[string]any{"require_assurance_at_least": "L9"}}
		assert.Equal(t, passport.LevelL1, s.Floor(floorLimits(t, grant, nil)))
	})

	t.Run("empty floor defaults to L0", func(t *testing.T) {
		assert.Equal(t, passport.LevelL0, (&Spec{}).Floor(floorLimits(t, passport.Capability{}, nil)))
	})
}

func TestRegisterDeclaresAssuranceFloorLimit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validSpec()))

	spec, err := r.Lookup("test.policy.v1")
	require.NoError(t, err)
	kind, declared := spec.Schema.kind(LimitAssuranceFloor)
	require.True(t, declared, "every registered pack must resolve the floor limit")
	assert.Equal(t, KindString, kind)
}

func TestRegisterBuiltin(t *testing.T) {
	r := NewRegistry()
	require.NotPanics(t, func() { RegisterBuiltin(r) })

	for _, pid := range []string{
		"finance.payment.charge.v1",
		"refunds.v1",
		"finance.transaction.execute.v1",
		"governance.data.access.v1",
		"messaging.message.send.v1",
		"code.repository.merge.v1",
		"data.export.create.v1",
	} {
		spec, err := r.Lookup(id.PolicyID(pid))
		require.NoError(t, err, pid)
		assert.False(t, spec.Capability.IsNil(), pid)
	}
	assert.Len(t, r.IDs(), 7)
}
