package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
	"github.com/Mindburn-Labs/physicsrail/pkg/escalation"
	"github.com/Mindburn-Labs/physicsrail/pkg/governance"
)

const maxBodyBytes = 1 << 20

// Evaluator decides proposals. *governance.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, p contracts.ActionProposal) (contracts.Verdict, error)
}

// Approvals reads and resolves approval requests. *escalation.Manager
// implements it.
type Approvals interface {
	Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	Resolve(ctx context.Context, id, approverID string, decision contracts.Decision, comment string) (*contracts.ApprovalRequest, error)
}

// Server holds the HTTP handlers.
type Server struct {
	engine    Evaluator
	approvals Approvals
	decoder   *ProposalDecoder
	auth      *JWTValidator
	limiter   *GlobalRateLimiter
	logger    *slog.Logger

	// insecureApprovals trusts approver_id from the body when auth is off.
	insecureApprovals bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuth requires HS256 bearer tokens signed with the validator's secret.
func WithAuth(v *JWTValidator) ServerOption {
	return func(s *Server) { s.auth = v }
}

// WithInsecureApprovals lets an unauthenticated server accept resolutions
// that name their approver in the body. Without it, and without auth,
// /resolve is refused.
func WithInsecureApprovals() ServerOption {
	return func(s *Server) { s.insecureApprovals = true }
}

// WithRateLimiter applies a per-IP limit to the /v1 routes.
func WithRateLimiter(rl *GlobalRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer creates the HTTP surface over engine and approvals.
func NewServer(engine Evaluator, approvals Approvals, opts ...ServerOption) (*Server, error) {
	decoder, err := NewProposalDecoder()
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:    engine,
		approvals: approvals,
		decoder:   decoder,
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { WriteMethodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "No such endpoint")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		if s.limiter != nil {
			v1.Use(s.limiter.Middleware)
		}
		v1.Use(NewAuthMiddleware(s.auth))
		v1.Post("/evaluate", s.handleEvaluate)
		v1.Get("/approvals/{id}", s.handleGetApproval)
		v1.Post("/approvals/{id}/resolve", s.handleResolve)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "Request body exceeds 1MB")
		return
	}
	p, err := s.decoder.Decode(body)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	if caller, ok := PrincipalFrom(r.Context()); ok {
		switch p.PrincipalID {
		case "":
			p.PrincipalID = caller
		case caller:
		default:
			WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "principal_id does not match the authenticated caller")
			return
		}
	}

	verdict, err := s.engine.Evaluate(r.Context(), p)
	var verr *governance.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteCodedError(w, r, http.StatusBadRequest, "Bad Request", "invalid_proposal", verr.Error())
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ResolveRequest is the body of POST /v1/approvals/{id}/resolve.
type ResolveRequest struct {
	Decision contracts.Decision `json:"decision"`
	Comment  string             `json:"comment,omitempty"`
	// ApproverID is used only when authentication is disabled and the
	// server allows insecure approvals; otherwise the token subject is the
	// approver.
	ApproverID string `json:"approver_id,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid request body")
		return
	}

	approver := body.ApproverID
	if caller, ok := PrincipalFrom(r.Context()); ok {
		if approver != "" && approver != caller {
			WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "approver_id does not match the authenticated caller")
			return
		}
		approver = caller
	} else if !s.insecureApprovals {
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "Resolving approvals requires an authenticated approver")
		return
	}

	req, err := s.approvals.Resolve(r.Context(), chi.URLParam(r, "id"), approver, body.Decision, body.Comment)
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "No such approval request")
	case errors.Is(err, escalation.ErrInvalidDecision):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, escalation.ErrNotAuthorized):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, escalation.ErrAlreadyResolved):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, escalation.ErrApprovalWindowClosed):
		WriteCodedError(w, r, http.StatusGone, "Gone", string(contracts.ReasonApprovalWindowClosed),
			"The approval window has closed")
	default:
		s.logger.ErrorContext(r.Context(), "approval request failed", "error", err)
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
