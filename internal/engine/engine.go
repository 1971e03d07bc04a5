// Package engine walks a policy's rule chain against a verified passport and
// a request context and produces a signed decision. The chain order is fixed:
// replay detection, passport status, capability presence, limit resolution,
// assurance level, required fields, the policy's own rules, and finally the
// atomic ledger reservation. Later steps assume earlier ones passed and must not be
// reordered.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"aport/internal/decision"
	"aport/internal/engine/metrics"
	"aport/internal/idempotency"
	"aport/internal/ledger"
	"aport/internal/passport"
	"aport/internal/policy"
	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
	audit "aport/pkg/platform/audit"
	"aport/pkg/requestcontext"
)

// AuditPublisher emits an event after a decision is signed. Failures are
// logged and never surface into the decision.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Engine evaluates policies. Safe for concurrent use; per-request mutable
// state is confined to the ledger and idempotency stores.
type Engine struct {
	registry *policy.Registry
	ledger   ledger.Store
	idem     idempotency.Store
	signer   *decision.Signer

	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	now            func() time.Time

	// flight collapses concurrent evaluations racing on one idempotency
	// key: the loser waits for the winner's decision instead of running
	// the chain and double-charging the ledger.
	flight singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(e *Engine) { e.auditPublisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine over its injected stores.
func New(registry *policy.Registry, ledgerStore ledger.Store, idemStore idempotency.Store, signer *decision.Signer, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("policy registry is required")
	}
	if ledgerStore == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if idemStore == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("decision signer is required")
	}

	e := &Engine{
		registry: registry,
		ledger:   ledgerStore,
		idem:     idemStore,
		signer:   signer,
		logger:   slog.Default(),
		tracer:   otel.Tracer("aport/engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// flightResult carries a finished evaluation across a singleflight boundary.
type flightResult struct {
	dec         *decision.Decision
	fingerprint string
	replayed    bool
}

// Evaluate runs one evaluation and returns a signed decision. Policy
// violations, limit refusals, and store outages all come back as well-formed
// deny decisions; only an unregistered policy or a signing fault returns an
// error, and those abort loudly.
func (e *Engine) Evaluate(ctx context.Context, p *passport.Passport, policyID id.PolicyID, reqCtx policy.Context) (*decision.Decision, error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(
		attribute.String("policy_id", policyID.String()),
		attribute.String("agent_id", p.AgentID.String()),
	))
	defer span.End()

	spec, err := e.registry.Lookup(policyID)
	if err != nil {
		return nil, err
	}

	dec, replayed, err := e.withIdempotency(ctx, spec, p, policyID, reqCtx)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("allow", dec.Allow),
		attribute.Bool("replayed", replayed),
	)
	e.metrics.ObserveEvaluateLatency(e.now().Sub(start))
	if replayed {
		e.metrics.IncrementReplay(policyID.String())
	} else {
		e.metrics.IncrementOutcome(policyID.String(), leadingCode(dec))
	}

	e.emitAudit(ctx, dec, replayed)
	return dec, nil
}

// reservationPoll is how often a caller waiting on another instance's
// pending reservation re-checks the key.
const reservationPoll = 25 * time.Millisecond

// withIdempotency applies replay detection around the evaluation. Requests
// without an idempotency key evaluate directly.
func (e *Engine) withIdempotency(ctx context.Context, spec *policy.Spec, p *passport.Passport, policyID id.PolicyID, reqCtx policy.Context) (*decision.Decision, bool, error) {
	key, hasKey := reqCtx.String("idempotency_key")
	if !hasKey {
		dec, err := e.evaluateOnce(ctx, spec, p, policyID, reqCtx)
		return dec, false, err
	}

	fingerprint := idempotency.Fingerprint(policyID, reqCtx)

	v, err, shared := e.flight.Do(key, func() (any, error) {
		return e.evaluateReserved(ctx, spec, p, policyID, reqCtx, key, fingerprint)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(*flightResult)

	// A shared result answered a concurrent caller; if that caller's
	// payload differs from the winner's, it is a conflict, not a replay.
	if shared && res.fingerprint != fingerprint {
		dec, signErr := e.sign(p, policyID, []decision.Reason{
			decision.Deny(decision.CodeIdempotencyConflict,
				"idempotency key was already used with a different request"),
		})
		if signErr != nil {
			return nil, false, signErr
		}
		return dec, false, nil
	}
	return res.dec, res.replayed || shared, nil
}

// evaluateReserved runs get-or-reserve on the idempotency key: claim the key
// with a pending marker, evaluate while holding it, then commit the decision
// or free the key. Seeing another holder's pending marker means the same
// request is mid-evaluation on another instance; wait for its record rather
// than charging the ledger a second time.
func (e *Engine) evaluateReserved(ctx context.Context, spec *policy.Spec, p *passport.Passport, policyID id.PolicyID, reqCtx policy.Context, key, fingerprint string) (*flightResult, error) {
	deadline := e.now().Add(idempotency.ReservationTTL)
	for {
		pending := &idempotency.Record{
			Key:         key,
			Fingerprint: fingerprint,
			Pending:     true,
			ExpiresAt:   e.now().Add(idempotency.ReservationTTL),
		}
		existing, reserved, err := e.idem.Reserve(ctx, key, pending)
		if err != nil {
			dec, signErr := e.failClosed(p, policyID, "idempotency store unavailable", err)
			if signErr != nil {
				return nil, signErr
			}
			return &flightResult{dec: dec, fingerprint: fingerprint}, nil
		}

		if reserved {
			dec, evalErr := e.evaluateOnce(ctx, spec, p, policyID, reqCtx)
			if evalErr != nil {
				e.releaseReservation(ctx, key)
				return nil, evalErr
			}
			// Only allows replay; freeing the key after a denial lets a
			// corrected retry evaluate fresh.
			if dec.Allow {
				e.completeIdempotency(ctx, key, fingerprint, dec)
			} else {
				e.releaseReservation(ctx, key)
			}
			return &flightResult{dec: dec, fingerprint: fingerprint}, nil
		}

		if existing.Fingerprint != fingerprint {
			dec, signErr := e.sign(p, policyID, []decision.Reason{
				decision.Deny(decision.CodeIdempotencyConflict,
					"idempotency key was already used with a different request"),
			})
			if signErr != nil {
				return nil, signErr
			}
			return &flightResult{dec: dec, fingerprint: fingerprint}, nil
		}
		if !existing.Pending {
			return &flightResult{dec: existing.Decision, fingerprint: fingerprint, replayed: true}, nil
		}

		if e.now().After(deadline) {
			dec, signErr := e.failClosed(p, policyID, "idempotency reservation timed out",
				fmt.Errorf("key held pending past %s", idempotency.ReservationTTL))
			if signErr != nil {
				return nil, signErr
			}
			return &flightResult{dec: dec, fingerprint: fingerprint}, nil
		}
		select {
		case <-ctx.Done():
			dec, signErr := e.failClosed(p, policyID, "request cancelled while waiting on idempotency key", ctx.Err())
			if signErr != nil {
				return nil, signErr
			}
			return &flightResult{dec: dec, fingerprint: fingerprint}, nil
		case <-time.After(reservationPoll):
		}
	}
}

// evaluateOnce runs the full chain. Reaching the ledger reservation means
// every prior step passed; a refused reservation leaves every counter in the
// batch untouched.
func (e *Engine) evaluateOnce(ctx context.Context, spec *policy.Spec, p *passport.Passport, policyID id.PolicyID, reqCtx policy.Context) (*decision.Decision, error) {
	if p.Status.Blocked() {
		return e.sign(p, policyID, []decision.Reason{
			decision.Deny(decision.CodePassportSuspended,
				fmt.Sprintf("passport status is %s", p.Status)),
		})
	}

	grant, ok := p.Capability(spec.Capability)
	if !ok {
		return e.sign(p, policyID, []decision.Reason{
			decision.Deny(decision.CodeUnknownCapability,
				fmt.Sprintf("passport does not grant %s", spec.Capability)),
		})
	}

	// Limits resolve before the assurance check: the passport may raise
	// the floor through its own limits, and the resolution needs nothing
	// from the request context.
	limits, err := policy.ResolveLimits(spec.Schema, grant, p, spec.Domain)
	if err != nil {
		return e.sign(p, policyID, []decision.Reason{
			decision.Deny(decision.CodeInvalidContext, err.Error()),
		})
	}

	if floor := spec.Floor(limits); !p.AssuranceLevel.Satisfies(floor) {
		return e.sign(p, policyID, []decision.Reason{
			decision.Deny(decision.CodeAssuranceInsufficient,
				fmt.Sprintf("assurance level %s does not meet the required %s", p.AssuranceLevel, floor)),
		})
	}

	if missing := missingFields(spec.RequiredFields, reqCtx); len(missing) > 0 {
		reasons := make([]decision.Reason, 0, len(missing))
		for _, field := range missing {
			reasons = append(reasons, decision.Deny(decision.CodeInvalidContext,
				fmt.Sprintf("required field %s is missing", field)))
		}
		return e.sign(p, policyID, reasons)
	}

	in := policy.Input{Passport: p, Capability: grant, Limits: limits, Context: reqCtx}
	var reservations []policy.Reservation
	for _, rule := range spec.Chain {
		deny, staged := rule.Check(in)
		if deny != nil {
			return e.sign(p, policyID, []decision.Reason{*deny})
		}
		reservations = append(reservations, staged...)
	}

	if deny, err := e.reserve(ctx, p.AgentID, policyID, reservations); err != nil {
		return e.failClosed(p, policyID, "usage ledger unavailable", err)
	} else if deny != nil {
		return e.sign(p, policyID, []decision.Reason{*deny})
	}

	return e.sign(p, policyID, []decision.Reason{
		decision.Info(decision.CodeAllowed, "all policy checks passed"),
	})
}

// reserve commits every staged reservation as one atomic batch.
func (e *Engine) reserve(ctx context.Context, agentID id.AgentID, policyID id.PolicyID, reservations []policy.Reservation) (*decision.Reason, error) {
	if len(reservations) == 0 {
		return nil, nil
	}

	entries := make([]ledger.Entry, 0, len(reservations))
	caps := make(map[string]float64, len(reservations))
	codes := make(map[string]string, len(reservations))
	for _, r := range reservations {
		entries = append(entries, r.Entry)
		if r.Capped {
			caps[r.Entry.Dimension] = r.Cap
		}
		codes[r.Entry.Dimension] = r.Code
	}

	ok, violated, err := e.ledger.CheckAndIncrementBatch(ctx, agentID, entries, func(dimension string) (float64, bool) {
		cap, capped := caps[dimension]
		return cap, capped
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metrics.IncrementLedgerRefusal(policyID.String(), violated)
		code := codes[violated]
		if code == "" {
			code = decision.CodeLimitExceeded
		}
		reason := decision.Deny(code, fmt.Sprintf("usage cap reached for %s", violated))
		return &reason, nil
	}
	return nil, nil
}

func (e *Engine) completeIdempotency(ctx context.Context, key, fingerprint string, dec *decision.Decision) {
	record := &idempotency.Record{
		Key:         key,
		Fingerprint: fingerprint,
		Decision:    dec,
		ExpiresAt:   e.now().Add(idempotency.DefaultTTL),
	}
	if err := e.idem.Complete(ctx, key, record); err != nil {
		// The decision already stands; a lost record only costs replay
		// protection for this key.
		e.logger.WarnContext(ctx, "failed to commit idempotency record",
			"key", key,
			"decision_id", dec.DecisionID.String(),
			"error", err,
		)
	}
}

func (e *Engine) releaseReservation(ctx context.Context, key string) {
	if err := e.idem.Release(ctx, key); err != nil {
		e.logger.WarnContext(ctx, "failed to release idempotency reservation",
			"key", key,
			"error", err,
		)
	}
}

// failClosed signs an infrastructure denial. The reason code is distinct from
// every policy code so callers can tell "retry later" from "denied".
func (e *Engine) failClosed(p *passport.Passport, policyID id.PolicyID, message string, cause error) (*decision.Decision, error) {
	e.logger.Error("failing closed", "policy_id", policyID.String(), "error", cause)
	return e.sign(p, policyID, []decision.Reason{
		decision.Deny(decision.CodeInfrastructureError, message),
	})
}

func (e *Engine) sign(p *passport.Passport, policyID id.PolicyID, reasons []decision.Reason) (*decision.Decision, error) {
	dec, err := e.signer.Sign(p, policyID, reasons)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "sign decision")
	}
	return dec, nil
}

func (e *Engine) emitAudit(ctx context.Context, dec *decision.Decision, replayed bool) {
	if e.auditPublisher == nil {
		return
	}
	codes := make([]string, 0, len(dec.Reasons))
	for _, r := range dec.Reasons {
		codes = append(codes, r.Code)
	}
	event := audit.Event{
		Action:         audit.ActionDecisionMade,
		Timestamp:      e.now().UTC(),
		RequestID:      requestcontext.RequestID(ctx),
		DecisionID:     dec.DecisionID,
		PolicyID:       dec.PolicyID,
		AgentID:        dec.AgentID,
		OwnerID:        dec.OwnerID,
		Allow:          dec.Allow,
		ReasonCodes:    codes,
		PassportDigest: dec.PassportDigest,
		Replayed:       replayed,
	}
	if err := e.auditPublisher.Emit(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "audit emit failed",
			"decision_id", dec.DecisionID.String(),
			"error", err,
		)
	}
}

func missingFields(required []string, reqCtx policy.Context) []string {
	var missing []string
	for _, field := range required {
		if !reqCtx.Has(field) {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}

func leadingCode(dec *decision.Decision) string {
	if len(dec.Reasons) == 0 {
		return ""
	}
	return dec.Reasons[0].Code
}
