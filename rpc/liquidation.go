package rpc

import (
	"net/http"
)

type vaultRequest struct {
	Vault string `json:"vault"`
}

func (s *Server) handleCheckLiquidation(w http.ResponseWriter, r *http.Request) {
	var body vaultRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	vault, err := parseAddress(body.Vault)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	status, err := s.engine.CheckAgentForLiquidation(vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

func (s *Server) handleStartLiquidation(w http.ResponseWriter, r *http.Request) {
	var body vaultRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	vault, err := parseAddress(body.Vault)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	status, err := s.engine.StartLiquidation(vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Vault      string `json:"vault"`
	AmountUBA  string `json:"amountUBA"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var body liquidateRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	liquidator, err := parseAddress(body.Liquidator)
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
	result, err := s.engine.Liquidate(liquidator, vault, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	settings := s.engine.Settings()
	liquidatedAMG := settings.ConvertUBAToAMG(result.LiquidatedUBA)
	s.metrics.ObserveLiquidatedLots(liquidatedAMG / settings.LotSizeAMG)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"liquidatedUBA":  bigString(result.LiquidatedUBA),
		"vaultPayoutWei": bigString(result.VaultPayoutWei),
		"poolPayoutWei":  bigString(result.PoolPayoutWei),
		"status":         result.Status.String(),
	})
}

func (s *Server) handleEndLiquidation(w http.ResponseWriter, r *http.Request) {
	var body vaultRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	vault, err := parseAddress(body.Vault)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.EndLiquidation(vault); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

type challengeRequest struct {
	Challenger string                     `json:"challenger"`
	Vault      string                     `json:"vault"`
	Proof      balanceDecreasingProofBody `json:"proof"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var body challengeRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	challenger, err := parseAddress(body.Challenger)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	vault, err := parseAddress(body.Vault)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	proof, err := body.Proof.decode()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.IllegalPaymentChallenge(challenger, vault, proof); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveChallenge()
	s.writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
}
