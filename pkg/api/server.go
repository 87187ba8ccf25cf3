package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Doctor0Evil/Cybulous/pkg/consent"
	"github.com/Doctor0Evil/Cybulous/pkg/ledger"
	"github.com/Doctor0Evil/Cybulous/pkg/orchestrator"
	"github.com/Doctor0Evil/Cybulous/pkg/provider"
	"github.com/Doctor0Evil/Cybulous/pkg/versioning"
)

const maxBodyBytes = 1 << 20

// ConsentService is the consent surface served over HTTP.
type ConsentService interface {
	RequestConsent(ctx context.Context, userID string) (*consent.Record, error)
	VerifyConsent(ctx context.Context, userID, proof string) (bool, error)
	RevokeConsent(ctx context.Context, userID string) error
	IssueProof(record *consent.Record) string
}

// ToolService is the dispatch surface served over HTTP.
type ToolService interface {
	ExecuteTool(ctx context.Context, call orchestrator.ToolCall) (*orchestrator.ToolResponse, error)
	ListTools() []string
}

// Server routes HTTP requests to the consent engine and the orchestrator.
type Server struct {
	consent ConsentService
	tools   ToolService
	limiter *RateLimiter
	logger  *slog.Logger
}

type Option func(*Server)

// WithRateLimiter enables per-client rate limiting on /v1 routes.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger.With("component", "api") }
}

func NewServer(consentSvc ConsentService, tools ToolService, opts ...Option) *Server {
	s := &Server{
		consent: consentSvc,
		tools:   tools,
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GrantResponse is returned when consent is granted.
type GrantResponse struct {
	Record *consent.Record `json:"record"`
	Proof  string          `json:"proof"`
}

type verifyRequest struct {
	Proof string `json:"proof"`
}

// VerifyResponse reports a proof check.
type VerifyResponse struct {
	UserID string `json:"user_id"`
	Valid  bool   `json:"valid"`
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/consents/{userID}", s.handleGrant)
		r.Post("/consents/{userID}/verify", s.handleVerify)
		r.Delete("/consents/{userID}", s.handleRevoke)
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/calls", s.handleExecute)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"version":  versioning.Version,
		"protocol": versioning.ProtocolVersion,
	})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	record, err := s.consent.RequestConsent(r.Context(), userID)
	if err != nil {
		s.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantResponse{Record: record, Proof: s.consent.IssueProof(record)})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeBadRequest(w, r, "request body must be {\"proof\": \"...\"}")
		return
	}

	ok, err := s.consent.VerifyConsent(r.Context(), userID, req.Proof)
	if err != nil {
		s.writeConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{UserID: userID, Valid: ok})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.consent.RevokeConsent(r.Context(), chi.URLParam(r, "userID")); err != nil {
		s.writeConsentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tools": s.tools.ListTools()})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var call orchestrator.ToolCall
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&call); err != nil {
		writeBadRequest(w, r, "invalid tool call: "+err.Error())
		return
	}
	if call.ToolName == "" {
		writeBadRequest(w, r, "tool_name is required")
		return
	}
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if call.Context.SessionID == uuid.Nil {
		call.Context.SessionID = uuid.New()
	}

	resp, err := s.tools.ExecuteTool(r.Context(), call)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownTool) {
			writeNotFound(w, r, err.Error())
			return
		}
		writeInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeConsentError maps the consent error taxonomy onto HTTP.
func (s *Server) writeConsentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consent.ErrAgeRequirementNotMet):
		writeProblem(w, r, http.StatusForbidden, "Forbidden", err.Error(), CodeAgeRequirementNotMet)
	case errors.Is(err, consent.ErrDisciplineIneligible):
		writeProblem(w, r, http.StatusForbidden, "Forbidden", err.Error(), CodeDisciplineIneligible)
	case errors.Is(err, provider.ErrUnknownUser), errors.Is(err, ledger.ErrNotFound):
		writeNotFound(w, r, err.Error())
	case errors.Is(err, consent.ErrProvider), errors.Is(err, consent.ErrBlockchain):
		s.logger.WarnContext(r.Context(), "consent boundary failure", "path", r.URL.Path, "error", err)
		writeProblem(w, r, http.StatusBadGateway, "Bad Gateway", "upstream consent dependency failed", "")
	default:
		writeInternal(w, r, s.logger, err)
	}
}
