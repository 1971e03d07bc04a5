// Package httptransport is the thin HTTP layer over the evaluation engine.
// Handlers decode, delegate, and encode; no policy logic lives here.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aport/internal/decision"
	"aport/internal/passport"
	"aport/internal/policy"
	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
	"aport/pkg/platform/httputil"
	"aport/pkg/requestcontext"
)

// Evaluator is the engine surface the transport needs.
type Evaluator interface {
	Evaluate(ctx context.Context, p *passport.Passport, policyID id.PolicyID, reqCtx policy.Context) (*decision.Decision, error)
}

// PassportVerifier validates a registry-signed passport token.
type PassportVerifier interface {
	Verify(token string) (*passport.Passport, error)
}

// Handler serves the decision API.
type Handler struct {
	engine   Evaluator
	verifier PassportVerifier
	logger   *slog.Logger
}

// New builds the handler.
func New(engine Evaluator, verifier PassportVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, verifier: verifier, logger: logger}
}

// Register wires the public decision endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/verify", h.handleVerify)
}

// verifyRequest is the wire shape of an evaluation call. The passport is
// presented as the registry-signed token, never as raw JSON the caller could
// tamper with.
type verifyRequest struct {
	PolicyID string         `json:"policy_id"`
	Passport string         `json:"passport"`
	Context  map[string]any `json:"context"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.PolicyID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "policy_id is required"))
		return
	}
	if req.Passport == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "passport is required"))
		return
	}

	p, err := h.verifier.Verify(req.Passport)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	dec, err := h.engine.Evaluate(r.Context(), p, id.PolicyID(req.PolicyID), policy.Context(req.Context))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "evaluation aborted",
			"policy_id", req.PolicyID,
			"agent_id", p.AgentID.String(),
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "decision issued",
		"decision_id", dec.DecisionID.String(),
		"policy_id", req.PolicyID,
		"agent_id", p.AgentID.String(),
		"allow", dec.Allow,
		"request_id", requestcontext.RequestID(r.Context()),
	)
	httputil.WriteJSON(w, http.StatusOK, dec)
}
