package rpc

import (
	"net/http"
)

type reserveRequest struct {
	Minter            string `json:"minter"`
	Vault             string `json:"vault"`
	Lots              uint64 `json:"lots"`
	MaxAgentFeeBIPS   uint32 `json:"maxAgentFeeBIPS"`
	Executor          string `json:"executor,omitempty"`
	ExecutorFeeNatWei string `json:"executorFeeNatWei,omitempty"`
}

func (s *Server) handleReserveCollateral(w http.ResponseWriter, r *http.Request) {
	var body reserveRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	minter, err := parseAddress(body.Minter)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	vault, err := parseAddress(body.Vault)
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
	reservation, err := s.engine.ReserveCollateral(minter, vault, body.Lots, body.MaxAgentFeeBIPS, executor, executorFee)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveReservation()
	s.writeJSON(w, http.StatusCreated, newReservationView(reservation))
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	reservation, err := s.engine.GetCollateralReservation(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newReservationView(reservation))
}

type executeMintingRequest struct {
	ReservationID uint64           `json:"reservationId"`
	Proof         paymentProofBody `json:"proof"`
}

func (s *Server) handleExecuteMinting(w http.ResponseWriter, r *http.Request) {
	var body executeMintingRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	proof, err := body.Proof.decode()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.ExecuteMinting(proof, body.ReservationID); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveMintExecuted()
	s.writeJSON(w, http.StatusOK, map[string]bool{"minted": true})
}

type mintingDefaultRequest struct {
	Caller        string                `json:"caller"`
	ReservationID uint64                `json:"reservationId"`
	Proof         nonexistenceProofBody `json:"proof"`
}

func (s *Server) handleMintingDefault(w http.ResponseWriter, r *http.Request) {
	var body mintingDefaultRequest
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
	if err := s.engine.MintingPaymentDefault(caller, proof, body.ReservationID); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveMintDefaulted()
	s.writeJSON(w, http.StatusOK, map[string]bool{"defaulted": true})
}

type unstickRequest struct {
	Caller        string `json:"caller"`
	ReservationID uint64 `json:"reservationId"`
}

func (s *Server) handleUnstickMinting(w http.ResponseWriter, r *http.Request) {
	var body unstickRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.UnstickMinting(caller, body.ReservationID); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveMintDefaulted()
	s.writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}
