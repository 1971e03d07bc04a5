// Package ledger tracks per-agent usage counters used to enforce caps over
// rolling time windows. Counters are keyed (agent, dimension, window) and
// only ever grow within a window; the window boundary is the sole reset.
package ledger

import (
	"context"
	"fmt"
	"time"

	id "aport/pkg/domain"
)

// Window names the wall-clock granularity a counter rolls over on.
type Window string

const (
	// WindowDay rolls over at UTC midnight.
	WindowDay Window = "day"
	// WindowMinute rolls over each UTC minute.
	WindowMinute Window = "minute"
)

// Key renders the active window bucket for a point in time. Two calls within
// the same window yield the same key, which is what makes counters aggregate.
func (w Window) Key(t time.Time) string {
	t = t.UTC()
	switch w {
	case WindowMinute:
		return t.Format("2006-01-02T15:04")
	default:
		return t.Format("2006-01-02")
	}
}

// TTL returns a retention bound for expiring storage backends. Generously
// longer than the window so late readers still see the closed bucket.
func (w Window) TTL() time.Duration {
	switch w {
	case WindowMinute:
		return 5 * time.Minute
	default:
		return 48 * time.Hour
	}
}

// Entry is one dimension's increment inside a batch reservation.
type Entry struct {
	Dimension string
	Window    Window
	Delta     float64
}

// CapFunc resolves the cap for a dimension. ok=false means uncapped.
type CapFunc func(dimension string) (cap float64, ok bool)

// Store is the usage ledger port. Implementations must be linearizable per
// (agent, dimension, window): two concurrent reservations for the same key
// never both succeed past the cap.
type Store interface {
	// CheckAndIncrement reserves delta against cap for a single dimension.
	// Returns ok=false (and leaves the counter untouched) when the
	// post-increment total would exceed cap.
	CheckAndIncrement(ctx context.Context, agentID id.AgentID, dimension string, window Window, delta, cap float64) (ok bool, total float64, err error)

	// CheckAndIncrementBatch reserves every entry or none of them. If any
	// dimension's post-increment total would exceed its cap, no dimension
	// in the batch is incremented and the violating dimension is returned.
	CheckAndIncrementBatch(ctx context.Context, agentID id.AgentID, entries []Entry, caps CapFunc) (ok bool, violated string, err error)

	// Current reads the counter for the active window. A counter that has
	// rolled over reads as zero.
	Current(ctx context.Context, agentID id.AgentID, dimension string, window Window) (float64, error)
}

// CounterKey renders the canonical storage key for one counter bucket.
func CounterKey(agentID id.AgentID, dimension string, window Window, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", agentID, dimension, window.Key(now))
}
