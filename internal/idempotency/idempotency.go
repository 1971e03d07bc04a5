// Package idempotency maps caller-supplied idempotency keys to previously
// issued decisions so a retried request replays the original outcome instead
// of double-applying usage.
package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"aport/internal/decision"
	id "aport/pkg/domain"
)

// DefaultTTL bounds how long a key replays its decision. Past the TTL a key
// may be reused with a fresh evaluation.
const DefaultTTL = 24 * time.Hour

// ReservationTTL bounds how long a pending marker may hold a key. A holder
// that crashes mid-evaluation frees the key after this window instead of
// wedging it for the full replay TTL.
const ReservationTTL = 30 * time.Second

// Record is one stored key → decision binding. While Pending is true the
// holder is still evaluating and Decision is nil.
type Record struct {
	Key         string             `json:"key"`
	Fingerprint string             `json:"fingerprint"`
	Pending     bool               `json:"pending,omitempty"`
	Decision    *decision.Decision `json:"decision,omitempty"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// Expired reports whether the record's replay window has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store is the idempotency port. Reserve is get-or-reserve: exactly one
// caller per key claims it with a pending marker and evaluates; every other
// caller, on any instance sharing the backing store, observes the holder's
// record instead of evaluating. That single claim is what keeps
// evaluate-and-charge at-most-once per key.
type Store interface {
	// Reserve atomically claims key with the pending record when the key
	// is free or its record has expired. reserved=true means the caller
	// holds the key and must eventually Complete or Release it;
	// reserved=false returns the live record that already holds the key.
	Reserve(ctx context.Context, key string, pending *Record) (existing *Record, reserved bool, err error)

	// Complete replaces the caller's pending marker with the final record.
	// Only the reservation holder may call it.
	Complete(ctx context.Context, key string, rec *Record) error

	// Release drops the caller's pending marker so the key is free again.
	// Only the reservation holder may call it.
	Release(ctx context.Context, key string) error
}

// Fingerprint derives a stable digest over the evaluation inputs so a reused
// key carrying a different payload is detected as a conflict rather than
// silently replayed. Map keys are sorted to keep the digest order-free.
func Fingerprint(policyID id.PolicyID, context map[string]any) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|", policyID)
	writeCanonical(h, context)
	return "blake2b:" + hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(h interface{ Write([]byte) (int, error) }, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for _, k := range keys {
			fmt.Fprintf(h, "%q:", k)
			writeCanonical(h, t[k])
			h.Write([]byte{','})
		}
		h.Write([]byte{'}'})
	case []any:
		h.Write([]byte{'['})
		for _, e := range t {
			writeCanonical(h, e)
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	default:
		// Scalars round-trip through encoding/json for consistent
		// number and string formatting.
		raw, err := json.Marshal(t)
		if err != nil {
			fmt.Fprintf(h, "%v", t)
			return
		}
		h.Write(raw)
	}
}
