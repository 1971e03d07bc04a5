package policy

import (
	"fmt"
	"slices"
	"strings"

	"aport/internal/decision"
	"aport/internal/ledger"
	"aport/internal/passport"
)

// Input is everything a rule may look at: the verified passport, the grant
// the policy resolved, the typed limits, and the request context. Rules never
// touch storage; ledger-backed caps are expressed as reservations the
// evaluator commits atomically after the whole chain passes.
type Input struct {
	Passport   *passport.Passport
	Capability passport.Capability
	Limits     Limits
	Context    Context
}

// Reservation is one ledger increment a rule wants applied if the evaluation
// allows. Capped=false means the dimension is tracked but unbounded.
type Reservation struct {
	Entry  ledger.Entry
	Cap    float64
	Capped bool
	// Code is the deny reason emitted when this dimension's cap is hit.
	Code string
}

// Rule is one step of a policy's chain. Check returns a deny reason on the
// first violation it finds, or reservations to stage against the ledger.
// Rules are pure; the same input always yields the same outcome.
type Rule interface {
	// Name identifies the rule in logs and metrics.
	Name() string
	// LimitKeys lists the schema keys the rule reads, so registration can
	// verify every reference against the policy's schema.
	LimitKeys() []string
	Check(in Input) (deny *decision.Reason, reservations []Reservation)
}

// FieldAllowlist denies when a context field's value is not in a configured
// list. With KeyField set, the limit is keyed (e.g. allowed entity types per
// data classification) and the list is picked by the key field's value.
// An unset limit means the passport imposes no restriction on the field.
type FieldAllowlist struct {
	Field    string
	Limit    string
	KeyField string
	Code     string
	Optional bool
}

func (r FieldAllowlist) Name() string        { return "allowlist:" + r.Field }
func (r FieldAllowlist) LimitKeys() []string { return []string{r.Limit} }

func (r FieldAllowlist) Check(in Input) (*decision.Reason, []Reservation) {
	value, ok := in.Context.String(r.Field)
	if !ok {
		if r.Optional {
			return nil, nil
		}
		return denyf(r.Code, "%s is required", r.Field), nil
	}

	var allowed []string
	var configured bool
	if r.KeyField != "" {
		key, keyOK := in.Context.String(r.KeyField)
		if !keyOK {
			return nil, nil
		}
		allowed, configured = in.Limits.StringsFor(r.Limit, key)
		if !configured && in.Limits.Set(r.Limit) {
			// The keyed limit exists but has no entry for this key:
			// nothing is allowed under it.
			return denyf(r.Code, "%s %q is not permitted for %s %q", r.Field, value, r.KeyField, key), nil
		}
	} else {
		allowed, configured = in.Limits.Strings(r.Limit)
	}
	if !configured {
		return nil, nil
	}
	if !slices.Contains(allowed, value) {
		return denyf(r.Code, "%s %q is not in the allowed set", r.Field, value), nil
	}
	return nil, nil
}

// FieldBlocklist denies when a field's value appears in a configured list.
// With ItemField set, Field names a list of objects and each element's
// ItemField is checked, e.g. item categories on a charge.
type FieldBlocklist struct {
	Field     string
	ItemField string
	Limit     string
	Code      string
}

func (r FieldBlocklist) Name() string        { return "blocklist:" + r.Field }
func (r FieldBlocklist) LimitKeys() []string { return []string{r.Limit} }

func (r FieldBlocklist) Check(in Input) (*decision.Reason, []Reservation) {
	blocked, configured := in.Limits.Strings(r.Limit)
	if !configured {
		return nil, nil
	}

	if r.ItemField == "" {
		value, ok := in.Context.String(r.Field)
		if ok && slices.Contains(blocked, value) {
			return denyf(r.Code, "%s %q is blocked", r.Field, value), nil
		}
		return nil, nil
	}

	items, ok := in.Context.Items(r.Field)
	if !ok {
		return nil, nil
	}
	for i, item := range items {
		value, has := item.String(r.ItemField)
		if has && slices.Contains(blocked, value) {
			return denyf(r.Code, "%s[%d].%s %q is blocked", r.Field, i, r.ItemField, value), nil
		}
	}
	return nil, nil
}

// CrossFieldConsistency denies a specific combination of two field values,
// e.g. moving client funds into a proprietary account.
type CrossFieldConsistency struct {
	WhenField  string
	WhenEquals string
	Field      string
	Equals     string
	Code       string
	Message    string
}

func (r CrossFieldConsistency) Name() string        { return "cross_field:" + r.WhenField + "/" + r.Field }
func (r CrossFieldConsistency) LimitKeys() []string { return nil }

func (r CrossFieldConsistency) Check(in Input) (*decision.Reason, []Reservation) {
	when, _ := in.Context.String(r.WhenField)
	value, _ := in.Context.String(r.Field)
	if when == r.WhenEquals && value == r.Equals {
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("%s=%s is not permitted with %s=%s", r.WhenField, when, r.Field, value)
		}
		return deny(r.Code, msg), nil
	}
	return nil, nil
}

// NumericLimit denies when a numeric field exceeds a configured cap. With
// Count set, the measured value is the length of a list field instead of a
// number, e.g. items per transaction. An unset limit means uncapped.
type NumericLimit struct {
	Field    string
	Limit    string
	Code     string
	Count    bool
	Optional bool
}

func (r NumericLimit) Name() string        { return "numeric_limit:" + r.Field }
func (r NumericLimit) LimitKeys() []string { return []string{r.Limit} }

func (r NumericLimit) Check(in Input) (*decision.Reason, []Reservation) {
	cap, capped := in.Limits.Number(r.Limit)
	if !capped {
		return nil, nil
	}

	var value float64
	if r.Count {
		list, ok := in.Context.List(r.Field)
		if !ok {
			if r.Optional {
				return nil, nil
			}
			return denyf(decision.CodeInvalidContext, "%s must be a list", r.Field), nil
		}
		value = float64(len(list))
	} else {
		n, ok := in.Context.Number(r.Field)
		if !ok {
			if r.Optional {
				return nil, nil
			}
			return denyf(decision.CodeInvalidContext, "%s must be a number", r.Field), nil
		}
		value = n
	}

	if value < 0 {
		return denyf(decision.CodeInvalidContext, "%s must not be negative", r.Field), nil
	}
	if value > cap {
		return denyf(r.Code, "%s %.6g exceeds the limit of %.6g", r.Field, value, cap), nil
	}
	return nil, nil
}

// BoolGate denies when a boolean context flag is raised without the passport
// granting the matching permission, e.g. exporting rows that contain PII.
type BoolGate struct {
	Field   string
	Limit   string
	Code    string
	Message string
}

func (r BoolGate) Name() string        { return "gate:" + r.Field }
func (r BoolGate) LimitKeys() []string { return []string{r.Limit} }

func (r BoolGate) Check(in Input) (*decision.Reason, []Reservation) {
	flagged, _ := in.Context.Bool(r.Field)
	if !flagged {
		return nil, nil
	}
	allowed, _ := in.Limits.Bool(r.Limit)
	if allowed {
		return nil, nil
	}
	msg := r.Message
	if msg == "" {
		msg = fmt.Sprintf("%s is not permitted for this passport", r.Field)
	}
	return deny(r.Code, msg), nil
}

// LedgerReserve stages usage increments against a windowed counter. For a
// single request it reserves one entry; when ItemsField names a batch in the
// context, member deltas are aggregated per GroupByField before any cap is
// checked, so a batch that is individually fine but collectively over cap is
// refused as a whole. The evaluator commits all staged reservations in one
// atomic batch after the rest of the chain passes.
type LedgerReserve struct {
	// Dimension is the counter name; the group key is appended when
	// GroupByField is set, e.g. "charge:usd".
	Dimension string
	Window    ledger.Window
	// DeltaField names the numeric field to charge. Empty means a fixed
	// delta of one, for pure rate dimensions.
	DeltaField   string
	GroupByField string
	ItemsField   string
	// CapLimit is a number (one cap for every group) or a keyed number
	// (per-group caps, e.g. a daily cap per currency). A group with no
	// configured cap is tracked uncapped.
	CapLimit string
	Code     string
}

func (r LedgerReserve) Name() string        { return "ledger:" + r.Dimension }
func (r LedgerReserve) LimitKeys() []string { return []string{r.CapLimit} }

func (r LedgerReserve) Check(in Input) (*decision.Reason, []Reservation) {
	type group struct {
		key   string
		delta float64
	}
	var groups []group

	if r.ItemsField != "" {
		if items, ok := in.Context.Items(r.ItemsField); ok {
			index := map[string]int{}
			for i, item := range items {
				key, delta, reason := r.member(item, fmt.Sprintf("%s[%d]", r.ItemsField, i))
				if reason != nil {
					return reason, nil
				}
				if at, seen := index[key]; seen {
					groups[at].delta += delta
					continue
				}
				index[key] = len(groups)
				groups = append(groups, group{key: key, delta: delta})
			}
		}
	}
	if groups == nil {
		key, delta, reason := r.member(in.Context, "context")
		if reason != nil {
			return reason, nil
		}
		groups = []group{{key: key, delta: delta}}
	}

	out := make([]Reservation, 0, len(groups))
	for _, g := range groups {
		res := Reservation{
			Entry: ledger.Entry{Dimension: r.Dimension, Window: r.Window, Delta: g.delta},
			Code:  r.Code,
		}
		if g.key != "" {
			res.Entry.Dimension = r.Dimension + ":" + g.key
		}
		if cap, ok := in.Limits.Number(r.CapLimit); ok {
			res.Cap, res.Capped = cap, true
		} else if cap, ok := in.Limits.NumberFor(r.CapLimit, g.key); ok {
			res.Cap, res.Capped = cap, true
		}
		out = append(out, res)
	}
	return nil, out
}

// member extracts one batch member's group key and delta. Deltas must be
// strictly positive: counters only ever grow within a window, and a negative
// or zero charge would drain headroom that real spend then reuses. The group
// key is lowercased once so the counter dimension and the cap lookup agree.
func (r LedgerReserve) member(c Context, where string) (key string, delta float64, deny *decision.Reason) {
	delta = 1
	if r.DeltaField != "" {
		n, ok := c.Number(r.DeltaField)
		if !ok {
			return "", 0, denyf(decision.CodeInvalidContext, "%s: %s must be a number", where, r.DeltaField)
		}
		if n <= 0 {
			return "", 0, denyf(decision.CodeInvalidContext, "%s: %s must be positive", where, r.DeltaField)
		}
		delta = n
	}
	if r.GroupByField != "" {
		key, _ = c.String(r.GroupByField)
		key = strings.ToLower(key)
	}
	return key, delta, nil
}

func deny(code, message string) *decision.Reason {
	r := decision.Deny(code, message)
	return &r
}

func denyf(code, format string, args ...any) *decision.Reason {
	return deny(code, fmt.Sprintf(format, args...))
}
