package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ssd-technologies/ilshield/internal/vault"
)

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var req vault.PoolConfig
	if !decode(w, r, &req) {
		return
	}
	p, err := s.vault.CreatePool(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDepositPremium(w http.ResponseWriter, r *http.Request) {
	pool, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
		Value  uint64 `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := s.vault.DepositPremium(r.Context(), pool, req.Amount, req.Value)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	pool, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	var req struct {
		Amount    uint64         `json:"amount"`
		Recipient common.Address `json:"recipient"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.vault.EmergencyWithdraw(r.Context(), pool, req.Amount, req.Recipient)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVaultStats(w http.ResponseWriter, r *http.Request) {
	pool, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	st, err := s.vault.VaultStats(r.Context(), pool)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
