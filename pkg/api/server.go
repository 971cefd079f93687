package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/degrade"
	"github.com/Mindburn-Labs/osprey/pkg/ledger"
	"github.com/Mindburn-Labs/osprey/pkg/pipeline"
	"github.com/Mindburn-Labs/osprey/pkg/registry"
)

const maxEnvelopeBytes = 1 << 20

// Server exposes the pipeline, the registry and the two hash-chained
// logs over HTTP.
type Server struct {
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	proofs   *ledger.Ledger
	degrade  *degrade.Controller
	auth     *JWTValidator
	limiter  *GlobalRateLimiter
	logger   *slog.Logger
}

// NewServer wires the HTTP surface. auth may be nil, in which case the
// registry admin endpoints reject every request.
func NewServer(p *pipeline.Pipeline, reg *registry.Registry, proofs *ledger.Ledger, ctrl *degrade.Controller, auth *JWTValidator, limiter *GlobalRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pipeline: p,
		registry: reg,
		proofs:   proofs,
		degrade:  ctrl,
		auth:     auth,
		limiter:  limiter,
		logger:   logger.With("component", "api"),
	}
}

// Routes builds the server's handler with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/route", s.handleRoute)
	mux.HandleFunc("/v1/registry/entries", s.handleRegistryEntries)
	mux.Handle("/v1/registry/revoke", RequireAdmin(s.auth, http.HandlerFunc(s.handleRevoke)))
	mux.HandleFunc("/v1/registry/log", s.handleTransparencyLog)
	mux.HandleFunc("/v1/proofs", s.handleProofs)
	mux.HandleFunc("/healthz", s.handleHealth)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	return RequestID(handler)
}

// statusFor maps receipt error codes onto HTTP statuses. The signed
// receipt is still the response body either way.
func statusFor(code contracts.ErrorCode) int {
	switch code {
	case "":
		return http.StatusOK
	case contracts.ErrAuth:
		return http.StatusUnauthorized
	case contracts.ErrNoRouteMatch:
		return http.StatusNotFound
	case contracts.ErrSafetyBlock, contracts.ErrTrustChainInvalid:
		return http.StatusForbidden
	case contracts.ErrServiceDegraded:
		return http.StatusServiceUnavailable
	case contracts.ErrSkillExecution:
		return http.StatusBadGateway
	case contracts.ErrCanonicalization:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// handleRoute runs one pipeline pass. The response body is the signed
// receipt exactly as canonicalized, so replays are byte-identical.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return
	}

	res, err := s.pipeline.Handle(r.Context(), raw)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(res.Receipt.ErrorCode))
	_, _ = w.Write(res.Raw)
}

// handleRegistryEntries lists skills on GET and registers one on POST.
// Registration is admin-only.
func (s *Server) handleRegistryEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.registry.List())
	case http.MethodPost:
		RequireAdmin(s.auth, http.HandlerFunc(s.handleRegister)).ServeHTTP(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)
	var entry contracts.RegistryEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	accepted, err := s.registry.Register(&entry)
	if err != nil {
		if errors.Is(err, registry.ErrTrustChainInvalid) {
			WriteError(w, http.StatusForbidden, "Trust Chain Invalid", err.Error())
			return
		}
		WriteConflict(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(accepted)
}

// RevokeRequest is the wire format for revoking a skill.
type RevokeRequest struct {
	SkillID   string `json:"skill_id"`
	SignedBy  string `json:"signed_by"`
	Signature string `json:"signature"`
	Alg       string `json:"alg"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.SkillID == "" || req.Signature == "" {
		WriteBadRequest(w, "skill_id and signature are required")
		return
	}

	if err := s.registry.Revoke(req.SkillID, req.SignedBy, req.Signature, req.Alg); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteError(w, http.StatusForbidden, "Revocation Refused", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// logPage is the response shape for both chained logs.
type logPage struct {
	Entries []ledger.Entry `json:"entries"`
	Total   int            `json:"total"`
	Valid   bool           `json:"chain_valid"`
}

func (s *Server) handleTransparencyLog(w http.ResponseWriter, r *http.Request) {
	s.handleLedger(w, r, s.registry.TransparencyLog())
}

func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	s.handleLedger(w, r, s.proofs)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request, l *ledger.Ledger) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	valid, _ := l.Verify()
	writeJSON(w, logPage{
		Entries: l.List(offset, limit),
		Total:   l.Len(),
		Valid:   valid,
	})
}

// healthStatus reports degradation state and log integrity.
type healthStatus struct {
	Status      string           `json:"status"`
	Degradation degrade.Snapshot `json:"degradation"`
	ProofChain  bool             `json:"proof_chain_valid"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	snap := s.degrade.Snapshot()
	proofOK, _ := s.proofs.Verify()
	status := "ok"
	if snap.Level > degrade.D0 || !proofOK {
		status = "degraded"
	}
	writeJSON(w, healthStatus{Status: status, Degradation: snap, ProofChain: proofOK})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
