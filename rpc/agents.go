package rpc

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fassetd/native/fassets"
)

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.engine.Settings()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sourceChainId":              settings.SourceChainID,
		"assetSymbol":                settings.AssetSymbol,
		"assetDecimals":              settings.AssetDecimals,
		"assetMintingGranularityUBA": settings.AssetMintingGranularityUBA,
		"lotSizeAMG":                 settings.LotSizeAMG,
		"lotSizeUBA":                 bigString(settings.ConvertLotsToUBA(1)),
		"redemptionFeeBIPS":          settings.RedemptionFeeBIPS,
		"reservationFeeBIPS":         settings.CollateralReservationFeeBIPS,
		"handshakeEnabled":           settings.HandshakeEnabled,
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.engine.TotalSupply()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"totalSupplyUBA": bigString(supply)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	tokens, err := s.engine.BalanceOf(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	nat, err := s.engine.NatBalanceOf(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address":    hexAddress(addr),
		"balanceUBA": bigString(tokens),
		"balanceNat": bigString(nat),
	})
}

type transferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	AmountUBA string `json:"amountUBA"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	from, err := parseAddress(body.From)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	to, err := parseAddress(body.To)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	amount, err := parseAmount(body.AmountUBA)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	fee, err := s.engine.Transfer(from, to, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"feeUBA": bigString(fee)})
}

type createAgentRequest struct {
	Owner            string           `json:"owner"`
	Vault            string           `json:"vault"`
	FeeBIPS          uint32           `json:"feeBIPS"`
	PoolFeeShareBIPS uint32           `json:"poolFeeShareBIPS"`
	AddressProof     addressProofBody `json:"addressProof"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body createAgentRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	owner, err := parseAddress(body.Owner)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	vault, err := parseAddress(body.Vault)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	proof, err := body.AddressProof.decode()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	agent, err := s.engine.CreateAgent(owner, vault, proof, body.FeeBIPS, body.PoolFeeShareBIPS)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.engine.Info(agent.Vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newAgentView(info))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	vaults, err := s.engine.Agents()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, 0, len(vaults))
	for _, vault := range vaults {
		out = append(out, hexAddress(vault))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"vaults": out})
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
	if !ok {
		return
	}
	info, err := s.engine.Info(vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newAgentView(info))
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleDestroyAgent(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
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
	if err := s.engine.DestroyAgent(caller, vault); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"destroyed": true})
}

type collateralRequest struct {
	Caller    string `json:"caller,omitempty"`
	Kind      string `json:"kind"`
	AmountWei string `json:"amountWei,omitempty"`
}

func parseCollateralKind(raw string) (fassets.CollateralKind, error) {
	for _, kind := range []fassets.CollateralKind{fassets.CollateralVault, fassets.CollateralPool, fassets.CollateralPoolTokens} {
		if kind.String() == raw {
			return kind, nil
		}
	}
	return 0, requireField("kind", "")
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
	if !ok {
		return
	}
	var body collateralRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	kind, err := parseCollateralKind(body.Kind)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	amount, err := parseAmount(body.AmountWei)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.DepositCollateral(vault, kind, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deposited": true})
}

func (s *Server) handleAnnounceWithdrawal(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
	if !ok {
		return
	}
	var body collateralRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	kind, err := parseCollateralKind(body.Kind)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	amount, err := parseAmount(body.AmountWei)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.AnnounceCollateralWithdrawal(caller, vault, kind, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"announced": true})
}

func (s *Server) handleExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
	if !ok {
		return
	}
	var body collateralRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	kind, err := parseCollateralKind(body.Kind)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	withdrawn, err := s.engine.ExecuteCollateralWithdrawal(caller, vault, kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"withdrawnWei": bigString(withdrawn)})
}

type topUpRequest struct {
	Proof paymentProofBody `json:"proof"`
}

func (s *Server) handleTopUpUnderlying(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
	if !ok {
		return
	}
	var body topUpRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	proof, err := body.Proof.decode()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	if err := s.engine.TopUpUnderlying(vault, proof); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"credited": true})
}

func (s *Server) handleConvertDust(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
	if !ok {
		return
	}
	ticketID, err := s.engine.ConvertDustToTicket(vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"ticketId": ticketID})
}

type selfCloseRequest struct {
	Caller    string `json:"caller"`
	AmountUBA string `json:"amountUBA"`
}

func (s *Server) handleSelfClose(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.vaultParam(w, r)
	if !ok {
		return
	}
	var body selfCloseRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	amount, err := parseAmount(body.AmountUBA)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	closed, err := s.engine.SelfClose(caller, vault, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"closedUBA": bigString(closed)})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "invalid limit"})
			return
		}
		limit = parsed
	}
	tickets, err := s.engine.QueueTickets(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]ticketView, 0, len(tickets))
	for _, ticket := range tickets {
		out = append(out, ticketView{
			ID:         ticket.ID,
			AgentVault: hexAddress(ticket.AgentVault),
			ValueAMG:   ticket.ValueAMG,
		})
	}
	s.metrics.SetQueueTickets(len(out))
	s.writeJSON(w, http.StatusOK, map[string]any{"tickets": out})
}

type underlyingBlockRequest struct {
	Proof blockHeightProofBody `json:"proof"`
}

func (s *Server) handleUnderlyingBlock(w http.ResponseWriter, r *http.Request) {
	var body underlyingBlockRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.UpdateCurrentUnderlyingBlock(body.Proof.decode()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}
