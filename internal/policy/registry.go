// Package policy defines policy packs: per-policy metadata, a typed limits
// schema, and an ordered chain of data-driven rules. Packs are registered
// once at startup and immutable afterwards; the evaluator in internal/engine
// walks them.
package policy

import (
	"sync"

	"aport/internal/passport"
	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
)

// LimitAssuranceFloor is the reserved limit key through which a passport
// raises a pack's assurance floor. Declared for every pack at registration so
// it always resolves, whether it arrives in the grant's params or in the
// passport's nested limits.
const LimitAssuranceFloor = "require_assurance_at_least"

// Spec is one registered policy pack. The chain order is fixed and part of
// the pack's contract: later rules may assume earlier ones passed.
type Spec struct {
	ID         id.PolicyID
	Capability id.CapabilityID
	// Domain selects the passport's nested limits section for this pack.
	Domain string
	// AssuranceFloor is the minimum assurance level unless the passport
	// raises it via the require_assurance_at_least limit.
	AssuranceFloor passport.Level
	// RequiredFields must all be present in the request context; every
	// missing field is reported, not just the first.
	RequiredFields []string
	Schema         Schema
	Chain          []Rule
}

// Registry holds the registered policy packs. Registration happens during
// startup; lookups are concurrent afterwards.
type Registry struct {
	mu    sync.RWMutex
	specs map[id.PolicyID]*Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[id.PolicyID]*Spec)}
}

// Register validates a pack and adds it. A rule referencing a limit key the
// schema does not declare is a configuration error and is rejected here, so
// a renamed key breaks startup instead of silently evaluating as "no limit".
func (r *Registry) Register(spec Spec) error {
	if spec.ID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "policy id is required")
	}
	if spec.Capability.IsNil() {
		return dErrors.Newf(dErrors.CodeValidation, "policy %s: capability id is required", spec.ID)
	}
	if spec.AssuranceFloor != "" && !spec.AssuranceFloor.Known() {
		return dErrors.Newf(dErrors.CodeValidation, "policy %s: unknown assurance floor %q", spec.ID, spec.AssuranceFloor)
	}

	seen := make(map[string]struct{}, len(spec.Schema))
	for _, k := range spec.Schema {
		if k.Name == "" {
			return dErrors.Newf(dErrors.CodeValidation, "policy %s: schema key with empty name", spec.ID)
		}
		if _, dup := seen[k.Name]; dup {
			return dErrors.Newf(dErrors.CodeValidation, "policy %s: duplicate schema key %q", spec.ID, k.Name)
		}
		seen[k.Name] = struct{}{}
	}
	for _, rule := range spec.Chain {
		for _, key := range rule.LimitKeys() {
			if _, declared := seen[key]; !declared {
				return dErrors.Newf(dErrors.CodeValidation,
					"policy %s: rule %s references undeclared limit %q", spec.ID, rule.Name(), key)
			}
		}
	}

	if _, declared := seen[LimitAssuranceFloor]; !declared {
		schema := make(Schema, 0, len(spec.Schema)+1)
		schema = append(schema, spec.Schema...)
		spec.Schema = append(schema, Key{Name: LimitAssuranceFloor, Kind: KindString})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.ID]; exists {
		return dErrors.Newf(dErrors.CodeConflict, "policy %s is already registered", spec.ID)
	}
	r.specs[spec.ID] = &spec
	return nil
}

// MustRegister registers a pack and panics on a configuration error. Used by
// the built-in packs, whose definitions are static.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Lookup resolves a policy pack by id.
func (r *Registry) Lookup(policyID id.PolicyID) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[policyID]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "policy %s is not registered", policyID)
	}
	return spec, nil
}

// IDs lists the registered policy ids, for diagnostics.
func (r *Registry) IDs() []id.PolicyID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]id.PolicyID, 0, len(r.specs))
	for pid := range r.specs {
		out = append(out, pid)
	}
	return out
}

// Floor resolves the effective assurance floor for an evaluation: the
// passport's require_assurance_at_least limit may raise the pack's default,
// never lower it. Unknown level strings are ignored rather than lowering.
func (s *Spec) Floor(limits Limits) passport.Level {
	floor := s.AssuranceFloor
	if floor == "" {
		floor = passport.LevelL0
	}
	if raw, ok := limits.String(LimitAssuranceFloor); ok {
		if lvl, known := passport.ParseLevel(raw); known && lvl.Satisfies(floor) {
			floor = lvl
		}
	}
	return floor
}
