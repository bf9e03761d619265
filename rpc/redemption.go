package rpc

import (
	"net/http"

	"fassetd/native/fassets"
)

type redeemRequest struct {
	Redeemer          string `json:"redeemer"`
	Lots              uint64 `json:"lots"`
	UnderlyingAddress string `json:"underlyingAddress"`
	Executor          string `json:"executor,omitempty"`
	ExecutorFeeNatWei string `json:"executorFeeNatWei,omitempty"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var body redeemRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	redeemer, err := parseAddress(body.Redeemer)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	var executor [20]byte
	if body.Executor != "" {
		if executor, err = parseAddress(body.Executor); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
			return
		}
	}
	executorFee, err := parseAmount(body.ExecutorFeeNatWei)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	result, err := s.engine.Redeem(redeemer, body.Lots, body.UnderlyingAddress, executor, executorFee)
	if err != nil {
		s.writeError(w, err)
		return
	}
	settings := s.engine.Settings()
	views := make([]redemptionView, 0, len(result.Requests))
	for _, req := range result.Requests {
		views = append(views, newRedemptionView(req, settings))
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"redeemedLots": result.RedeemedLots,
		"requests":     views,
	})
}

type redeemFromAgentRequest struct {
	Redeemer          string `json:"redeemer"`
	Vault             string `json:"vault"`
	AmountUBA         string `json:"amountUBA"`
	UnderlyingAddress string `json:"underlyingAddress"`
}

func (s *Server) handleRedeemFromAgent(w http.ResponseWriter, r *http.Request) {
	var body redeemFromAgentRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	redeemer, err := parseAddress(body.Redeemer)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	vault, err := parseAddress(body.Vault)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	amount, err := parseAmount(body.AmountUBA)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	request, err := s.engine.RedeemFromAgent(redeemer, vault, amount, body.UnderlyingAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newRedemptionView(request, s.engine.Settings()))
}

func (s *Server) handleGetRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	request, err := s.engine.GetRedemptionRequest(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newRedemptionView(request, s.engine.Settings()))
}

type confirmRedemptionRequest struct {
	Caller string           `json:"caller"`
	Proof  paymentProofBody `json:"proof"`
}

func (s *Server) handleConfirmRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	var body confirmRedemptionRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	proof, err := body.Proof.decode()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.ConfirmRedemptionPayment(caller, proof, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveRedemption("performed")
	s.writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
}

type redemptionDefaultRequest struct {
	Caller string                 `json:"caller"`
	Proof  *nonexistenceProofBody `json:"proof,omitempty"`
}

func (s *Server) handleRedemptionDefault(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	var body redemptionDefaultRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	// Rejected requests default without a proof once the take-over window
	// closes; every other default needs the nonexistence attestation.
	var proof *fassets.NonexistenceProof
	if body.Proof != nil {
		decoded, err := body.Proof.decode()
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
			return
		}
		proof = decoded
	}
	if err := s.engine.RedemptionPaymentDefault(caller, proof, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveRedemption("defaulted")
	s.writeJSON(w, http.StatusOK, map[string]bool{"defaulted": true})
}

func (s *Server) handleRejectRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	var body callerRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.RejectRedemptionRequest(caller, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveRedemption("rejected")
	s.writeJSON(w, http.StatusOK, map[string]bool{"rejected": true})
}

type takeOverRequest struct {
	Caller string `json:"caller"`
	Vault  string `json:"vault"`
}

func (s *Server) handleTakeOverRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	var body takeOverRequest
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
	request, err := s.engine.TakeOverRedemptionRequest(caller, vault, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newRedemptionView(request, s.engine.Settings()))
}
