package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ssd-technologies/ilshield/internal/settlement"
)

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req settlement.ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.settlement.SubmitClaim(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var req settlement.Attestation
	if !decode(w, r, &req) {
		return
	}
	out, err := s.settlement.SubmitAttestation(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleClaimAttempt tells one-shot attestation signers which attempt a
// claim would settle and the task hash to sign for it.
func (s *Server) handleClaimAttempt(w http.ResponseWriter, r *http.Request) {
	var req settlement.ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	attempt, hash, err := s.settlement.AttemptFor(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy_id":    req.PolicyID,
		"claim_digest": req.Digest(),
		"attempt":      attempt,
		"task_hash":    hash,
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Operator  common.Address `json:"operator"`
		Signature []byte         `json:"signature"`
	}
	if !decode(w, r, &req) {
		return
	}
	task, err := s.settlement.Respond(r.Context(), id, req.Operator, req.Signature)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	task, err := s.tasks.Task(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskResponses(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	rs, err := s.tasks.Responses(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleClaimInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "policy")
	if !ok {
		return
	}
	info, err := s.vault.PolicyClaimInfo(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleValidateClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "policy")
	if !ok {
		return
	}
	amount, err := queryUint(r, "amount", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be an unsigned integer")
		return
	}
	v, err := s.vault.ValidateClaim(r.Context(), id, amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePayClaim(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	id, ok := pathUint(w, r, "policy")
	if !ok {
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.vault.PayClaim(r.Context(), id, req.Amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClearSettlement(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	id, ok := pathUint(w, r, "policy")
	if !ok {
		return
	}
	if err := s.vault.ClearSettlement(r.Context(), id, "admin"); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
