// Package server exposes the settlement core over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/attestation"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/params"
	"github.com/ssd-technologies/ilshield/internal/policy"
	"github.com/ssd-technologies/ilshield/internal/ratelimit"
	"github.com/ssd-technologies/ilshield/internal/registry"
	"github.com/ssd-technologies/ilshield/internal/settlement"
	"github.com/ssd-technologies/ilshield/internal/storage"
	"github.com/ssd-technologies/ilshield/internal/vault"
)

var log = logrus.WithField("component", "server")

const maxBodySize = 1 << 20

// Options configures a Server.
type Options struct {
	AdminSecret []byte // argon2id hash from crypto.HashSecret
	Workers     *crypto.WorkerSet
	CORSOrigins []string
	RateLimit   int  // requests per minute per client, 0 disables
	TrustProxy  bool // key clients by X-Forwarded-For, for deployments behind a proxy
}

// Server is the HTTP API of the settlement core.
type Server struct {
	db         *storage.DB
	secret     []byte
	hub        *audit.Hub
	registry   *registry.Registry
	params     *params.Service
	policies   *policy.Manager
	tasks      *attestation.Manager
	vault      *vault.Vault
	settlement *settlement.Service
	limiter    *ratelimit.Limiter
	trustProxy bool
	mux        *http.ServeMux
	handler    http.Handler
}

// New creates a Server over db with all routes registered.
func New(db *storage.DB, opts Options) *Server {
	workers := opts.Workers
	if workers == nil {
		workers = crypto.NewWorkerSet()
	}
	hub := audit.NewHub(256)
	rec := audit.NewRecorder(hub)
	verifier := crypto.NewVerifier(workers)
	policies := policy.NewManager(db, rec)
	tasks := attestation.New(db, rec, verifier)
	v := vault.New(db, rec, policies, nil)

	s := &Server{
		db:         db,
		secret:     opts.AdminSecret,
		hub:        hub,
		registry:   registry.New(db, rec),
		params:     params.NewService(db, rec),
		policies:   policies,
		tasks:      tasks,
		vault:      v,
		settlement: settlement.New(db, rec, verifier, tasks, v),
		limiter:    ratelimit.New(opts.RateLimit, time.Minute),
		trustProxy: opts.TrustProxy,
		mux:        http.NewServeMux(),
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-Admin-Secret"},
	})
	s.handler = c.Handler(s.rateLimit(s.mux))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub returns the live audit feed.
func (s *Server) Hub() *audit.Hub {
	return s.hub
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Operators
	s.mux.HandleFunc("POST /api/admin/operators", s.handleRegisterOperator)
	s.mux.HandleFunc("DELETE /api/admin/operators/{addr}", s.handleDeregisterOperator)
	s.mux.HandleFunc("POST /api/admin/operators/{addr}/stake", s.handleUpdateStake)
	s.mux.HandleFunc("POST /api/admin/operators/{addr}/slash", s.handleSlash)
	s.mux.HandleFunc("GET /api/operators", s.handleListOperators)
	s.mux.HandleFunc("GET /api/operators/active-count", s.handleActiveCount)
	s.mux.HandleFunc("GET /api/operators/{addr}", s.handleGetOperator)

	// Claims and tasks
	s.mux.HandleFunc("POST /api/claims", s.handleSubmitClaim)
	s.mux.HandleFunc("POST /api/claims/attempt", s.handleClaimAttempt)
	s.mux.HandleFunc("POST /api/attestations", s.handleSubmitAttestation)
	s.mux.HandleFunc("GET /api/claims/{policy}", s.handleClaimInfo)
	s.mux.HandleFunc("GET /api/claims/{policy}/validate", s.handleValidateClaim)
	s.mux.HandleFunc("POST /api/admin/claims/{policy}/pay", s.handlePayClaim)
	s.mux.HandleFunc("DELETE /api/admin/settlements/{policy}", s.handleClearSettlement)
	s.mux.HandleFunc("POST /api/tasks/{id}/responses", s.handleRespond)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/responses", s.handleTaskResponses)

	// Vault
	s.mux.HandleFunc("POST /api/admin/pools", s.handleCreatePool)
	s.mux.HandleFunc("POST /api/pools/{pool}/premiums", s.handleDepositPremium)
	s.mux.HandleFunc("POST /api/admin/pools/{pool}/emergency-withdraw", s.handleEmergencyWithdraw)
	s.mux.HandleFunc("GET /api/pools/{pool}", s.handleVaultStats)

	// Policies, parameters, quotes
	s.mux.HandleFunc("POST /api/admin/policies", s.handleUpsertPolicy)
	s.mux.HandleFunc("GET /api/policies/{policy}", s.handleGetPolicy)
	s.mux.HandleFunc("POST /api/admin/params", s.handleUpdateParams)
	s.mux.HandleFunc("GET /api/params", s.handleGetParams)
	s.mux.HandleFunc("POST /api/payout/quote", s.handleQuote)

	// Audit
	s.mux.HandleFunc("GET /api/audit", s.handleListAudit)
	s.mux.HandleFunc("GET /api/audit/verify", s.handleVerifyAudit)
	s.mux.HandleFunc("GET /api/audit/stream", s.handleAuditStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "ilshield",
	})
}

// adminAuth checks the X-Admin-Secret header against the configured hash.
// Returns false (writing a 401) if the header is missing or incorrect.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	if !crypto.VerifySecret(r.Header.Get("X-Admin-Secret"), s.secret) {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

// decode reads a JSON request body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "TaskNotFound", "PolicyNotFound", "PoolNotFound":
		return http.StatusNotFound
	case "PolicyAlreadySettled", "TaskAlreadyCompleted", "DuplicateTask", "DuplicateResponse", "PoolExists":
		return http.StatusConflict
	case "TaskExpired":
		return http.StatusGone
	case "UnauthorizedCaller", "InvalidSignature", "InvalidBLSSignature", "InvalidOperator", "InsufficientStake":
		return http.StatusForbidden
	case "InsufficientReserves", "InvalidClaimAmount", "ReserveRatioViolation", "ThresholdNotMet",
		"EmergencyLimitExceeded", "TransferFailed":
		return http.StatusUnprocessableEntity
	case "ZeroAmount", "InvalidRatio", "ValueMismatch", "InvalidPrice", "AmountOverflow":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeErr writes err with its code. Internal errors are logged and their
// detail withheld.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := core.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		log.Errorf("[server] %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, map[string]string{"error": "internal error", "code": code})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
