package passport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "aport/pkg/domain"
)

func TestLevelSatisfies(t *testing.T) {
	tests := []struct {
		name     string
		have     Level
		required Level
		want     bool
	}{
		{"equal level satisfies", LevelL2, LevelL2, true},
		{"higher level satisfies", LevelL3, LevelL1, true},
		{"lower level fails", LevelL1, LevelL2, false},
		{"L0 satisfies L0", LevelL0, LevelL0, true},
		{"L4KYC satisfies L3", LevelL4KYC, LevelL3, true},
		{"L4FIN satisfies L3", LevelL4FIN, LevelL3, true},
		{"L4KYC satisfies L4FIN", LevelL4KYC, LevelL4FIN, true},
		{"L4FIN satisfies L4KYC", LevelL4FIN, LevelL4KYC, true},
		{"L3 does not satisfy L4KYC", LevelL3, LevelL4KYC, false},
		{"unknown level satisfies nothing", Level("L9"), LevelL0, false},
		{"unknown requirement is never met", LevelL3, Level("platinum"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.have.Satisfies(tt.required))
		})
	}
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("L2")
	require.True(t, ok)
	assert.Equal(t, LevelL2, l)

	_, ok = ParseLevel("l2")
	assert.False(t, ok, "levels are case sensitive")

	_, ok = ParseLevel("")
	assert.False(t, ok)
}

func TestStatusBlocked(t *testing.T) {
	assert.False(t, StatusActive.Blocked())
	assert.True(t, StatusSuspended.Blocked())
	assert.True(t, StatusRevoked.Blocked())
	assert.False(t, Status("unknown").Blocked())
}

func TestPassportCapability(t *testing.T) {
	p := &Passport{
		Capabilities: []Capability{
			{ID: "payments.charge", Params: map[string]any{"currency_allowlist": []any{"USD"}}},
			{ID: "payments.refund"},
			{ID: "payments.charge", Params: map[string]any{"currency_allowlist": []any{"EUR"}}},
		},
	}

	cap, ok := p.Capability("payments.charge")
	require.True(t, ok)
	currencies, ok := cap.ParamStrings("currency_allowlist")
	require.True(t, ok)
	assert.Equal(t, []string{"USD"}, currencies, "first matching grant wins")

	_, ok = p.Capability("data.export")
	assert.False(t, ok)
}

func TestCapabilityParams(t *testing.T) {
	c := Capability{ID: "payments.charge", Params: map[string]any{
		"merchant":       "acme",
		"max_amount":     250.0,
		"max_rows":       1000,
		"dry_run":        true,
		"regions":        []any{"EU", "US"},
		"typed_regions":  []string{"EU"},
		"mixed_list":     []any{"EU", 7},
	}}

	s, ok := c.ParamString("merchant")
	require.True(t, ok)
	assert.Equal(t, "acme", s)
	_, ok = c.ParamString("max_amount")
	assert.False(t, ok)

	n, ok := c.ParamNumber("max_amount")
	require.True(t, ok)
	assert.Equal(t, 250.0, n)
	n, ok = c.ParamNumber("max_rows")
	require.True(t, ok)
	assert.Equal(t, 1000.0, n)
	_, ok = c.ParamNumber("merchant")
	assert.False(t, ok)

	regions, ok := c.ParamStrings("regions")
	require.True(t, ok)
	assert.Equal(t, []string{"EU", "US"}, regions)
	regions, ok = c.ParamStrings("typed_regions")
	require.True(t, ok)
	assert.Equal(t, []string{"EU"}, regions)
	_, ok = c.ParamStrings("mixed_list")
	assert.False(t, ok)

	b, ok := c.ParamBool("dry_run")
	require.True(t, ok)
	assert.True(t, b)
	_, ok = c.ParamBool("missing")
	assert.False(t, ok)
}

func TestPassportDigest(t *testing.T) {
	base := func() *Passport {
		return &Passport{
			AgentID:        id.AgentID("ap_9f2c"),
			OwnerID:        id.OwnerID("org_7781"),
			Status:         StatusActive,
			AssuranceLevel: LevelL2,
			Version:        "12",
			SpecVersion:    "oap/1.0",
			UpdatedAt:      time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		}
	}

	a := base()
	b := base()
	assert.Equal(t, a.Digest(), b.Digest(), "digest is deterministic")
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a.Digest())

	b.Status = StatusSuspended
	assert.NotEqual(t, a.Digest(), b.Digest())

	c := base()
	c.UpdatedAt = c.UpdatedAt.Add(time.Second)
	assert.NotEqual(t, a.Digest(), c.Digest())

	// Timezone of UpdatedAt must not matter, only the instant.
	d := base()
	d.UpdatedAt = d.UpdatedAt.In(time.FixedZone("CET", 3600))
	assert.Equal(t, a.Digest(), d.Digest())
}
