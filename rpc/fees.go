package rpc

import (
	"net/http"
)

func (s *Server) handleFeeRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.engine.CurrentTransferFeeMillionths()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint32{"millionths": rate})
}

type scheduleFeeRequest struct {
	Millionths  uint32 `json:"millionths"`
	EffectiveTs int64  `json:"effectiveTs,omitempty"`
}

func (s *Server) handleScheduleFee(w http.ResponseWriter, r *http.Request) {
	var body scheduleFeeRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.ScheduleTransferFeeUpdate(body.Millionths, body.EffectiveTs); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"scheduled": true})
}

type claimFeesRequest struct {
	Caller string `json:"caller"`
	Vault  string `json:"vault"`
}

func (s *Server) handleClaimFees(w http.ResponseWriter, r *http.Request) {
	var body claimFeesRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	vault, err := parseAddress(body.Vault)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	claimed, err := s.engine.ClaimTransferFees(caller, vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveFeeClaim()
	s.writeJSON(w, http.StatusOK, map[string]string{"claimedUBA": bigString(claimed)})
}
