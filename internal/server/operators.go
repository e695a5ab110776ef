package server

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ssd-technologies/ilshield/internal/core"
)

func (s *Server) handleRegisterOperator(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var req struct {
		Address      common.Address `json:"address"`
		Stake        uint64         `json:"stake"`
		BLSPublicKey []byte         `json:"bls_public_key"`
	}
	if !decode(w, r, &req) {
		return
	}
	op, err := s.registry.Register(r.Context(), req.Address, req.Stake, req.BLSPublicKey)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleDeregisterOperator(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	addr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	if err := s.registry.Deregister(r.Context(), addr); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleUpdateStake(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	addr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	var req struct {
		Stake uint64 `json:"stake"`
	}
	if !decode(w, r, &req) {
		return
	}
	op, err := s.registry.UpdateStake(r.Context(), addr, req.Stake)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	addr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	sl, err := s.registry.Slash(r.Context(), addr, req.Amount, req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := s.registry.Operators(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleActiveCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.registry.ActiveCount(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"active_count": n})
}

func (s *Server) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	op, err := s.registry.Operator(r.Context(), addr)
	if errors.Is(err, core.ErrInvalidOperator) {
		writeError(w, http.StatusNotFound, "operator not found")
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	slashings, err := s.registry.Slashings(r.Context(), addr)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator":  op,
		"slashings": slashings,
	})
}
