package server

import (
	"fmt"
	"net/http"

	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/params"
	"github.com/ssd-technologies/ilshield/internal/payout"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var p storage.Policy
	if !decode(w, r, &p) {
		return
	}
	if err := s.policies.Upsert(r.Context(), &p); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "policy")
	if !ok {
		return
	}
	p, err := s.policies.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var patch params.Patch
	if !decode(w, r, &patch) {
		return
	}
	p, err := s.params.Update(r.Context(), "admin", patch)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	p, err := s.params.Get(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// quoteRequest prices a position. When Prices is set the oracle series is
// checked first and P1 is taken from its last entry.
type quoteRequest struct {
	Position      payout.Position `json:"position"`
	CapBps        uint64          `json:"cap_bps"`
	DeductibleBps uint64          `json:"deductible_bps"`
	Prices        []uint64        `json:"prices,omitempty"`
	Timestamps    []uint64        `json:"timestamps,omitempty"`
	DeviationBps  uint64          `json:"deviation_bps,omitempty"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decode(w, r, &req) {
		return
	}
	if !core.ValidBps(req.CapBps) || !core.ValidBps(req.DeductibleBps) {
		writeErr(w, r, fmt.Errorf("quote: %w", core.ErrInvalidRatio))
		return
	}
	if len(req.Prices) > 0 {
		ok, _ := payout.ValidatePrices(req.Prices, req.Timestamps, req.DeviationBps)
		if !ok {
			writeErr(w, r, fmt.Errorf("oracle series rejected: %w", core.ErrInvalidPrice))
			return
		}
		req.Position.P1 = req.Prices[len(req.Prices)-1]
	}
	q, err := payout.QuotePosition(req.Position, req.CapBps, req.DeductibleBps)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
