package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aport/internal/decision"
	id "aport/pkg/domain"
)

func marker(key, fingerprint string, expiresAt time.Time) *Record {
	return &Record{
		Key:         key,
		Fingerprint: fingerprint,
		Pending:     true,
		ExpiresAt:   expiresAt,
	}
}

func final(key, fingerprint string, expiresAt time.Time) *Record {
	return &Record{
		Key:         key,
		Fingerprint: fingerprint,
		Decision:    &decision.Decision{DecisionID: id.NewDecisionID()},
		ExpiresAt:   expiresAt,
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store := NewMemory(WithClock(func() time.Time { return now }))

	t.Run("free key is claimed", func(t *testing.T) {
		existing, reserved, err := store.Reserve(ctx, "k1", marker("k1", "fp-a", now.Add(ReservationTTL)))
		require.NoError(t, err)
		assert.True(t, reserved)
		assert.Nil(t, existing)
	})

	t.Run("held key surfaces the pending marker", func(t *testing.T) {
		existing, reserved, err := store.Reserve(ctx, "k1", marker("k1", "fp-b", now.Add(ReservationTTL)))
		require.NoError(t, err)
		assert.False(t, reserved)
		require.NotNil(t, existing)
		assert.True(t, existing.Pending)
		assert.Equal(t, "fp-a", existing.Fingerprint)
	})

	t.Run("complete replaces the marker with the decision", func(t *testing.T) {
		done := final("k1", "fp-a", now.Add(time.Hour))
		require.NoError(t, store.Complete(ctx, "k1", done))

		existing, reserved, err := store.Reserve(ctx, "k1", marker("k1", "fp-a", now.Add(ReservationTTL)))
		require.NoError(t, err)
		assert.False(t, reserved)
		assert.False(t, existing.Pending)
		assert.Equal(t, done.Decision.DecisionID, existing.Decision.DecisionID)
	})

	t.Run("release frees a pending key", func(t *testing.T) {
		_, reserved, err := store.Reserve(ctx, "k2", marker("k2", "fp-a", now.Add(ReservationTTL)))
		require.NoError(t, err)
		require.True(t, reserved)

		require.NoError(t, store.Release(ctx, "k2"))

		_, reserved, err = store.Reserve(ctx, "k2", marker("k2", "fp-b", now.Add(ReservationTTL)))
		require.NoError(t, err)
		assert.True(t, reserved)
	})

	t.Run("release leaves a final record in place", func(t *testing.T) {
		require.NoError(t, store.Complete(ctx, "k2", final("k2", "fp-b", now.Add(time.Hour))))
		require.NoError(t, store.Release(ctx, "k2"))

		existing, reserved, err := store.Reserve(ctx, "k2", marker("k2", "fp-b", now.Add(ReservationTTL)))
		require.NoError(t, err)
		assert.False(t, reserved)
		require.NotNil(t, existing)
		assert.False(t, existing.Pending)
	})

	t.Run("expired record is replaceable", func(t *testing.T) {
		store.records["k3"] = final("k3", "fp-a", now.Add(-time.Minute))

		existing, reserved, err := store.Reserve(ctx, "k3", marker("k3", "fp-b", now.Add(ReservationTTL)))
		require.NoError(t, err)
		assert.True(t, reserved)
		assert.Nil(t, existing)
	})
}

func TestFingerprint(t *testing.T) {
	policy := id.PolicyID("finance.payment.charge.v1")

	t.Run("key order does not matter", func(t *testing.T) {
		a := Fingerprint(policy, map[string]any{"amount": 100.0, "currency": "USD"})
		b := Fingerprint(policy, map[string]any{"currency": "USD", "amount": 100.0})
		assert.Equal(t, a, b)
	})

	t.Run("payload changes change the fingerprint", func(t *testing.T) {
		a := Fingerprint(policy, map[string]any{"amount": 100.0})
		b := Fingerprint(policy, map[string]any{"amount": 101.0})
		assert.NotEqual(t, a, b)
	})

	t.Run("policy id is part of the digest", func(t *testing.T) {
		ctx := map[string]any{"amount": 100.0}
		a := Fingerprint(policy, ctx)
		b := Fingerprint(id.PolicyID("refunds.v1"), ctx)
		assert.NotEqual(t, a, b)
	})

	t.Run("nested structures digest deterministically", func(t *testing.T) {
		mk := func() map[string]any {
			return map[string]any{
				"items": []any{
					map[string]any{"sku": "SKU-1", "qty": 1.0},
					map[string]any{"sku": "SKU-2", "qty": 2.0},
				},
			}
		}
		assert.Equal(t, Fingerprint(policy, mk()), Fingerprint(policy, mk()))
	})
}
