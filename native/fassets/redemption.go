package fassets

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	errRedemptionNotFound     = errors.New("fassets: redemption request not found")
	errRedemptionProcessed    = errors.New("fassets: redemption request already processed")
	errNotRequestParticipant  = errors.New("fassets: caller is not a participant of the request")
	errConfirmTooEarly        = errors.New("fassets: only participants may confirm this early")
	errHandshakeDisabled      = errors.New("fassets: handshake is not enabled")
	errRejectWindowClosed     = errors.New("fassets: rejection window has closed")
	errTakeOverWindowClosed   = errors.New("fassets: take-over window has closed")
	errTakeOverWindowOpen     = errors.New("fassets: take-over window still open")
	errRequestNotRejected     = errors.New("fassets: request is not in the rejected state")
	errRequestRejected        = errors.New("fassets: request was rejected by the agent")
	errNothingToTakeOver      = errors.New("fassets: taking agent has no closeable backing")
	errSelfCloseOfOtherTokens = errors.New("fassets: self-close burns only the agent's own tokens")
	errThirdPartySource       = errors.New("fassets: third-party confirmation requires a payment from the agent underlying address")
)

// RedemptionStatus tracks the lifecycle of an open request. Terminal outcomes
// (successful, failed, defaulted) delete the record and leave a tombstone so
// repeated confirmations are rejected instead of double-paying.
type RedemptionStatus uint8

const (
	RedemptionActive RedemptionStatus = iota
	RedemptionRejected
)

func (s RedemptionStatus) String() string {
	switch s {
	case RedemptionActive:
		return "ACTIVE"
	case RedemptionRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("REDEMPTION_STATUS(%d)", uint8(s))
	}
}

// RedemptionRequest is one agent's share of a redemption: the agent owes the
// redeemer valueUBA minus the redemption fee on the underlying chain before
// the recorded deadline.
type RedemptionRequest struct {
	ID                      uint64
	AgentVault              [20]byte
	Redeemer                [20]byte
	ValueAMG                uint64
	FeeUBA                  *big.Int
	PaymentAddress          string
	PaymentAddressHash      [32]byte
	PaymentReference        [32]byte
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp int64
	Executor                [20]byte
	ExecutorFeeNatWei       *big.Int
	PoolSelfClose           bool
	Status                  RedemptionStatus
	CreatedAt               int64
	RejectedAt              int64
}

// ValueUBA is the full underlying amount the request redeems, fee included.
func (r *RedemptionRequest) ValueUBA(s Settings) *big.Int {
	return s.ConvertAMGToUBA(r.ValueAMG)
}

type storedRedemption struct {
	ID                      uint64
	AgentVault              [20]byte
	Redeemer                [20]byte
	ValueAMG                uint64
	FeeUBA                  []byte
	PaymentAddress          string
	PaymentAddressHash      [32]byte
	PaymentReference        [32]byte
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp uint64
	Executor                [20]byte
	ExecutorFeeNatWei       []byte
	PoolSelfClose           bool
	Status                  uint8
	CreatedAt               uint64
	RejectedAt              uint64
}

func toStoredRedemption(r *RedemptionRequest) storedRedemption {
	return storedRedemption{
		ID:                      r.ID,
		AgentVault:              r.AgentVault,
		Redeemer:                r.Redeemer,
		ValueAMG:                r.ValueAMG,
		FeeUBA:                  cloneBig(r.FeeUBA).Bytes(),
		PaymentAddress:          r.PaymentAddress,
		PaymentAddressHash:      r.PaymentAddressHash,
		PaymentReference:        r.PaymentReference,
		FirstUnderlyingBlock:    r.FirstUnderlyingBlock,
		LastUnderlyingBlock:     r.LastUnderlyingBlock,
		LastUnderlyingTimestamp: uint64(max64(r.LastUnderlyingTimestamp, 0)),
		Executor:                r.Executor,
		ExecutorFeeNatWei:       cloneBig(r.ExecutorFeeNatWei).Bytes(),
		PoolSelfClose:           r.PoolSelfClose,
		Status:                  uint8(r.Status),
		CreatedAt:               uint64(max64(r.CreatedAt, 0)),
		RejectedAt:              uint64(max64(r.RejectedAt, 0)),
	}
}

func fromStoredRedemption(s storedRedemption) *RedemptionRequest {
	return &RedemptionRequest{
		ID:                      s.ID,
		AgentVault:              s.AgentVault,
		Redeemer:                s.Redeemer,
		ValueAMG:                s.ValueAMG,
		FeeUBA:                  new(big.Int).SetBytes(s.FeeUBA),
		PaymentAddress:          s.PaymentAddress,
		PaymentAddressHash:      s.PaymentAddressHash,
		PaymentReference:        s.PaymentReference,
		FirstUnderlyingBlock:    s.FirstUnderlyingBlock,
		LastUnderlyingBlock:     s.LastUnderlyingBlock,
		LastUnderlyingTimestamp: int64(s.LastUnderlyingTimestamp),
		Executor:                s.Executor,
		ExecutorFeeNatWei:       new(big.Int).SetBytes(s.ExecutorFeeNatWei),
		PoolSelfClose:           s.PoolSelfClose,
		Status:                  RedemptionStatus(s.Status),
		CreatedAt:               int64(s.CreatedAt),
		RejectedAt:              int64(s.RejectedAt),
	}
}

func (e *Engine) loadRedemption(id uint64) (*RedemptionRequest, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var stored storedRedemption
	ok, err := e.state.KVGet(u64Key(redemptionPrefix, id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		var done bool
		processed, err := e.state.KVGet(u64Key(redemptionDoneKey, id), &done)
		if err != nil {
			return nil, err
		}
		if processed {
			return nil, errRedemptionProcessed
		}
		return nil, errRedemptionNotFound
	}
	return fromStoredRedemption(stored), nil
}

func (e *Engine) storeRedemption(r *RedemptionRequest) error {
	return e.state.KVPut(u64Key(redemptionPrefix, r.ID), toStoredRedemption(r))
}

// finishRedemption removes the request and records the tombstone that makes
// later confirmation attempts fail with errRedemptionProcessed.
func (e *Engine) finishRedemption(id uint64) error {
	if err := e.state.KVDelete(u64Key(redemptionPrefix, id)); err != nil {
		return err
	}
	return e.state.KVPut(u64Key(redemptionDoneKey, id), true)
}

// GetRedemptionRequest returns a copy of the open request.
func (e *Engine) GetRedemptionRequest(id uint64) (*RedemptionRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadRedemption(id)
}

// RedeemResult reports the outcome of one Redeem call: the requests opened
// against the drained agents and how many of the requested lots the queue
// could actually serve.
type RedeemResult struct {
	Requests     []*RedemptionRequest
	RedeemedLots uint64
}

// Redeem burns the redeemer's FAssets for up to lots whole lots taken from
// the ticket queue oldest-first and opens one redemption request per drained
// agent. A queue that cannot serve the whole request yields a partial
// redemption; the shortfall stays with the redeemer as unburned tokens. A
// balance that cannot cover the servable lots fails the call outright with
// no tickets consumed and no fee charged.
func (e *Engine) Redeem(redeemer [20]byte, lots uint64, underlyingAddress string, executor [20]byte, executorFeeNatWei *big.Int) (*RedeemResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lots == 0 {
		return nil, errZeroAmount
	}
	if underlyingAddress == "" {
		return nil, errInvalidUnderlyingTarget
	}
	if err := e.ready(); err != nil {
		return nil, err
	}

	// Every resource check runs against a read-only pass over the queue
	// before the first mutation, so a rejected redemption leaves the
	// tickets, the balances and the fee untouched. The balance must cover
	// the lots the queue can actually serve, not the requested lots, so a
	// queue shortfall still redeems partially instead of failing.
	executorFee := cloneBig(executorFeeNatWei)
	_, servableLots, err := e.drainQueue(lots, false)
	if err != nil {
		return nil, err
	}
	acc, err := e.state.GetAccount(redeemer[:])
	if err != nil {
		return nil, err
	}
	if acc.BalanceUBA.Cmp(e.settings.ConvertLotsToUBA(servableLots)) < 0 {
		return nil, errInsufficientTokens
	}
	if executorFee.Sign() > 0 && acc.BalanceNatWei.Cmp(executorFee) < 0 {
		return nil, errInsufficientNatFunds
	}

	redeemed, consumedLots, err := e.drainQueue(lots, true)
	if err != nil {
		return nil, err
	}
	totalUBA := e.settings.ConvertLotsToUBA(consumedLots)
	if err := e.burnTokens(redeemer, totalUBA); err != nil {
		return nil, err
	}

	// The executor fee is charged once the drain succeeded; it is attached to
	// the first opened request and paid out on its confirmation.
	if executorFee.Sign() > 0 {
		acc, err := e.state.GetAccount(redeemer[:])
		if err != nil {
			return nil, err
		}
		acc.BalanceNatWei.Sub(acc.BalanceNatWei, executorFee)
		if err := e.state.PutAccount(redeemer[:], acc); err != nil {
			return nil, err
		}
	}

	cursor, err := e.currentUnderlyingBlock()
	if err != nil {
		return nil, err
	}
	now := e.now()
	addressHash := UnderlyingAddressHash(underlyingAddress)
	result := &RedeemResult{RedeemedLots: consumedLots}
	for i, rt := range redeemed {
		agent, err := e.loadAgent(rt.agentVault)
		if err != nil {
			return nil, err
		}
		if err := e.startRedeeming(agent, rt.valueAMG, false); err != nil {
			return nil, err
		}
		id, err := e.nextSequence(redemptionSeqKey, redemptionPrefix)
		if err != nil {
			return nil, err
		}
		request := &RedemptionRequest{
			ID:                      id,
			AgentVault:              rt.agentVault,
			Redeemer:                redeemer,
			ValueAMG:                rt.valueAMG,
			FeeUBA:                  mulBIPS(e.settings.ConvertAMGToUBA(rt.valueAMG), e.settings.RedemptionFeeBIPS),
			PaymentAddress:          underlyingAddress,
			PaymentAddressHash:      addressHash,
			PaymentReference:        RedemptionPaymentReference(id),
			FirstUnderlyingBlock:    cursor.BlockNumber,
			LastUnderlyingBlock:     cursor.BlockNumber + e.settings.UnderlyingBlocksForPayment,
			LastUnderlyingTimestamp: now + int64(e.settings.UnderlyingSecondsForPayment),
			Status:                  RedemptionActive,
			CreatedAt:               now,
		}
		if i == 0 {
			request.Executor = executor
			request.ExecutorFeeNatWei = executorFee
		} else {
			request.ExecutorFeeNatWei = big.NewInt(0)
		}
		if err := e.storeRedemption(request); err != nil {
			return nil, err
		}
		if err := e.registerPaymentReference(request.PaymentReference); err != nil {
			return nil, err
		}
		if err := e.storeAgent(agent); err != nil {
			return nil, err
		}
		e.emit(newRedemptionEvent(EventTypeRedemptionRequested, request))
		result.Requests = append(result.Requests, request)
	}
	return result, nil
}

// RedeemFromAgent redeems directly against one agent's backing instead of the
// global queue order. The collateral pool uses it when an exiting pool token
// holder opts for an underlying payout: the agent's own tickets and dust are
// closed for up to amountUBA and the opened request carries the
// pool-self-close flag, so a rejection defaults immediately instead of waiting
// for a take-over.
func (e *Engine) RedeemFromAgent(redeemer, vault [20]byte, amountUBA *big.Int, underlyingAddress string) (*RedemptionRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return nil, errZeroAmount
	}
	if underlyingAddress == "" {
		return nil, errInvalidUnderlyingTarget
	}
	if err := e.ready(); err != nil {
		return nil, err
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	amountAMG := e.settings.ConvertUBAToAMG(amountUBA)
	if amountAMG == 0 {
		return nil, errZeroAmount
	}
	acc, err := e.state.GetAccount(redeemer[:])
	if err != nil {
		return nil, err
	}
	if acc.BalanceUBA.Cmp(e.settings.ConvertAMGToUBA(amountAMG)) < 0 {
		return nil, errInsufficientTokens
	}

	closedAMG, err := e.closeAgentPosition(agent, amountAMG)
	if err != nil {
		return nil, err
	}
	if closedAMG == 0 {
		return nil, errInsufficientMinted
	}
	if err := e.startRedeeming(agent, closedAMG, true); err != nil {
		return nil, err
	}
	if err := e.burnTokens(redeemer, e.settings.ConvertAMGToUBA(closedAMG)); err != nil {
		return nil, err
	}

	cursor, err := e.currentUnderlyingBlock()
	if err != nil {
		return nil, err
	}
	now := e.now()
	id, err := e.nextSequence(redemptionSeqKey, redemptionPrefix)
	if err != nil {
		return nil, err
	}
	request := &RedemptionRequest{
		ID:                      id,
		AgentVault:              vault,
		Redeemer:                redeemer,
		ValueAMG:                closedAMG,
		FeeUBA:                  mulBIPS(e.settings.ConvertAMGToUBA(closedAMG), e.settings.RedemptionFeeBIPS),
		PaymentAddress:          underlyingAddress,
		PaymentAddressHash:      UnderlyingAddressHash(underlyingAddress),
		PaymentReference:        RedemptionPaymentReference(id),
		FirstUnderlyingBlock:    cursor.BlockNumber,
		LastUnderlyingBlock:     cursor.BlockNumber + e.settings.UnderlyingBlocksForPayment,
		LastUnderlyingTimestamp: now + int64(e.settings.UnderlyingSecondsForPayment),
		ExecutorFeeNatWei:       big.NewInt(0),
		PoolSelfClose:           true,
		Status:                  RedemptionActive,
		CreatedAt:               now,
	}
	if err := e.storeRedemption(request); err != nil {
		return nil, err
	}
	if err := e.registerPaymentReference(request.PaymentReference); err != nil {
		return nil, err
	}
	if err := e.storeAgent(agent); err != nil {
		return nil, err
	}
	e.emit(newRedemptionEvent(EventTypeRedemptionRequested, request))
	return request, nil
}

// ConfirmRedemptionPayment settles an open request against the agent's actual
// underlying payment. A successful payment on time releases the agent's
// backing and banks the fee on the agent's free balance; a failed, short or
// late payment triggers the collateral default payout instead. Only the
// redeemer, the agent owner or the executor may confirm while the request is
// fresh; after the third-party window anyone may confirm and collects a small
// reward from the agent's vault collateral.
func (e *Engine) ConfirmRedemptionPayment(caller [20]byte, proof *PaymentProof, requestID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	request, err := e.loadRedemption(requestID)
	if err != nil {
		return err
	}
	agent, err := e.loadAgent(request.AgentVault)
	if err != nil {
		return err
	}
	if err := e.checkPaymentProof(proof); err != nil {
		return err
	}
	if proof.PaymentReference != request.PaymentReference {
		return errPaymentMismatch
	}

	now := e.now()
	participant := caller == request.Redeemer || caller == agent.Owner || caller == request.Executor
	thirdParty := !participant
	if thirdParty {
		if now < request.CreatedAt+int64(e.settings.ConfirmationByOthersAfterSeconds) {
			return errConfirmTooEarly
		}
		// Outsiders may only settle payments the agent itself made; anything
		// else must go through the nonexistence default path.
		if proof.SourceAddressHash != agent.UnderlyingAddressHash {
			return errThirdPartySource
		}
	}

	valueUBA := request.ValueUBA(e.settings)
	owedUBA := new(big.Int).Sub(valueUBA, request.FeeUBA)
	late := proof.BlockNumber > request.LastUnderlyingBlock && proof.BlockTimestamp > request.LastUnderlyingTimestamp
	paid := proof.Status == PaymentStatusSuccess &&
		proof.ReceivingAddressHash == request.PaymentAddressHash &&
		cloneBig(proof.ReceivedAmountUBA).Cmp(owedUBA) >= 0

	// The minted counter already dropped when the request opened; settling
	// only clears the redeeming lock.
	if err := e.endRedeeming(agent, request.ValueAMG, request.PoolSelfClose); err != nil {
		return err
	}

	// Whatever was not spent on the payment stays on the agent's underlying
	// address as free balance. This also covers failed payments, where the
	// whole backing remains with the agent.
	freeDelta := new(big.Int).Sub(valueUBA, cloneBig(proof.SpentAmountUBA))
	agent.UnderlyingFreeBalanceUBA.Add(agent.UnderlyingFreeBalanceUBA, freeDelta)

	eventType := EventTypeRedemptionPerformed
	if !paid || late {
		if err := e.defaultPayout(agent, request); err != nil {
			return err
		}
		eventType = EventTypeRedemptionDefaulted
		if proof.Status != PaymentStatusSuccess {
			eventType = EventTypeRedemptionFailed
		}
	}

	if thirdParty {
		reward := new(big.Int).SetUint64(e.settings.ConfirmationByOthersRewardWei)
		if reward.Cmp(agent.VaultCollateralWei) > 0 {
			reward = cloneBig(agent.VaultCollateralWei)
		}
		agent.VaultCollateralWei.Sub(agent.VaultCollateralWei, reward)
		if err := e.payNat(caller, reward); err != nil {
			return err
		}
	}
	if err := e.payNat(request.Executor, request.ExecutorFeeNatWei); err != nil {
		return err
	}

	if err := e.storeAgent(agent); err != nil {
		return err
	}
	if err := e.finishRedemption(request.ID); err != nil {
		return err
	}
	e.emit(newRedemptionEvent(eventType, request))
	return nil
}

// RedemptionPaymentDefault resolves a request whose deadline passed without
// payment. The redeemer proves nonexistence of the referenced payment and is
// compensated from the agent's collateral at a premium over the redeemed
// value. A rejected request whose take-over window expired defaults without a
// proof, since no payment was ever owed.
func (e *Engine) RedemptionPaymentDefault(caller [20]byte, proof *NonexistenceProof, requestID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	request, err := e.loadRedemption(requestID)
	if err != nil {
		return err
	}
	agent, err := e.loadAgent(request.AgentVault)
	if err != nil {
		return err
	}
	if caller != request.Redeemer && caller != agent.Owner && caller != request.Executor {
		return errNotRequestParticipant
	}

	if request.Status == RedemptionRejected {
		if e.now() < request.RejectedAt+int64(e.settings.TakeOverRedemptionWindowSeconds) {
			return errTakeOverWindowOpen
		}
	} else {
		if e.verifier == nil {
			return errNilVerifier
		}
		if proof == nil {
			return fmt.Errorf("fassets: nil nonexistence proof")
		}
		if err := e.checkProofChain(proof.ChainID); err != nil {
			return err
		}
		if !e.verifier.Verify(ProofReferencedPaymentNonexistence, proof) {
			return errProofRejected
		}
		owedUBA := new(big.Int).Sub(request.ValueUBA(e.settings), request.FeeUBA)
		if proof.PaymentReference != request.PaymentReference ||
			proof.DestinationAddressHash != request.PaymentAddressHash ||
			cloneBig(proof.AmountUBA).Cmp(owedUBA) < 0 {
			return errNonexistenceMismatch
		}
		if proof.FirstOverflowBlockNumber <= request.LastUnderlyingBlock || proof.FirstOverflowBlockTimestamp <= request.LastUnderlyingTimestamp {
			return errDeadlineNotPassed
		}
	}

	if err := e.endRedeeming(agent, request.ValueAMG, request.PoolSelfClose); err != nil {
		return err
	}
	// The agent never paid, so the whole backing stays on its underlying
	// address as free balance.
	agent.UnderlyingFreeBalanceUBA.Add(agent.UnderlyingFreeBalanceUBA, request.ValueUBA(e.settings))
	if err := e.defaultPayout(agent, request); err != nil {
		return err
	}
	if err := e.payNat(request.Executor, request.ExecutorFeeNatWei); err != nil {
		return err
	}
	if err := e.storeAgent(agent); err != nil {
		return err
	}
	if err := e.finishRedemption(request.ID); err != nil {
		return err
	}
	e.emit(newRedemptionEvent(EventTypeRedemptionDefaulted, request))
	return nil
}

// defaultPayout compensates the redeemer from the agent's collateral at the
// configured default premium, vault collateral first, pool second, each
// capped by what the agent actually holds.
func (e *Engine) defaultPayout(agent *Agent, request *RedemptionRequest) error {
	portfolio, err := e.collateralPortfolio(agent)
	if err != nil {
		return err
	}
	total := big.NewInt(0)
	for _, cd := range portfolio {
		var factorBIPS uint32
		var balance *big.Int
		switch cd.class.Kind {
		case CollateralVault:
			factorBIPS = e.settings.RedemptionDefaultFactorVaultBIPS
			balance = agent.VaultCollateralWei
		case CollateralPool:
			factorBIPS = e.settings.RedemptionDefaultFactorPoolBIPS
			balance = agent.PoolCollateralWei
		default:
			continue
		}
		payout := mulBIPS(ConvertAMGToTokenWei(request.ValueAMG, cd.amgPrice), factorBIPS)
		if payout.Cmp(balance) > 0 {
			payout = cloneBig(balance)
		}
		balance.Sub(balance, payout)
		total.Add(total, payout)
	}
	return e.payNat(request.Redeemer, total)
}

// RejectRedemptionRequest lets the agent refuse service within the handshake
// window, for example when the redeemer's underlying address is sanctioned.
// The rejected request waits for another agent to take it over; a pool
// self-close cannot be rejected and defaults immediately.
func (e *Engine) RejectRedemptionRequest(caller [20]byte, requestID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.settings.HandshakeEnabled {
		return errHandshakeDisabled
	}
	request, err := e.loadRedemption(requestID)
	if err != nil {
		return err
	}
	agent, err := e.loadAgent(request.AgentVault)
	if err != nil {
		return err
	}
	if agent.Owner != caller {
		return errOnlyAgentOwner
	}
	if request.Status != RedemptionActive {
		return errRequestRejected
	}
	now := e.now()
	if now > request.CreatedAt+int64(e.settings.RejectRedemptionWindowSeconds) {
		return errRejectWindowClosed
	}
	if request.PoolSelfClose {
		if err := e.endRedeeming(agent, request.ValueAMG, true); err != nil {
			return err
		}
		agent.UnderlyingFreeBalanceUBA.Add(agent.UnderlyingFreeBalanceUBA, request.ValueUBA(e.settings))
		if err := e.defaultPayout(agent, request); err != nil {
			return err
		}
		if err := e.storeAgent(agent); err != nil {
			return err
		}
		if err := e.finishRedemption(request.ID); err != nil {
			return err
		}
		e.emit(newRedemptionEvent(EventTypeRedemptionDefaulted, request))
		return nil
	}
	request.Status = RedemptionRejected
	request.RejectedAt = now
	if err := e.storeRedemption(request); err != nil {
		return err
	}
	e.emit(newRedemptionEvent(EventTypeRedemptionRejected, request))
	return nil
}

// TakeOverRedemptionRequest moves a rejected request (or as much of it as the
// taking agent can back) to another agent willing to serve it. The taking
// agent closes its own tickets to free backing and assumes the payment
// obligation under a fresh request and payment reference; the original agent
// gets its backing returned to the queue as a new ticket.
func (e *Engine) TakeOverRedemptionRequest(caller, newVault [20]byte, requestID uint64) (*RedemptionRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	request, err := e.loadRedemption(requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != RedemptionRejected {
		return nil, errRequestNotRejected
	}
	now := e.now()
	if now > request.RejectedAt+int64(e.settings.TakeOverRedemptionWindowSeconds) {
		return nil, errTakeOverWindowClosed
	}
	oldAgent, err := e.loadAgent(request.AgentVault)
	if err != nil {
		return nil, err
	}
	newAgent, err := e.loadAgent(newVault)
	if err != nil {
		return nil, err
	}
	if newAgent.Owner != caller {
		return nil, errOnlyAgentOwner
	}
	if newAgent.Vault == oldAgent.Vault {
		return nil, errNothingToTakeOver
	}

	closedAMG, err := e.closeAgentPosition(newAgent, request.ValueAMG)
	if err != nil {
		return nil, err
	}
	if closedAMG == 0 {
		return nil, errNothingToTakeOver
	}
	if err := e.startRedeeming(newAgent, closedAMG, false); err != nil {
		return nil, err
	}

	// Return the original agent's backing to the queue; it no longer owes the
	// taken-over part.
	if err := e.endRedeeming(oldAgent, closedAMG, false); err != nil {
		return nil, err
	}
	if err := e.allocateMinted(oldAgent, closedAMG); err != nil {
		return nil, err
	}
	ticketAMG := closedAMG - closedAMG%e.settings.LotSizeAMG
	if ticketAMG > 0 {
		if _, err := e.createTicket(oldAgent.Vault, ticketAMG); err != nil {
			return nil, err
		}
	}
	e.increaseDust(oldAgent, closedAMG-ticketAMG)

	id, err := e.nextSequence(redemptionSeqKey, redemptionPrefix)
	if err != nil {
		return nil, err
	}
	takeOver := &RedemptionRequest{
		ID:                      id,
		AgentVault:              newVault,
		Redeemer:                request.Redeemer,
		ValueAMG:                closedAMG,
		FeeUBA:                  mulBIPS(e.settings.ConvertAMGToUBA(closedAMG), e.settings.RedemptionFeeBIPS),
		PaymentAddress:          request.PaymentAddress,
		PaymentAddressHash:      request.PaymentAddressHash,
		PaymentReference:        RedemptionPaymentReference(id),
		FirstUnderlyingBlock:    request.FirstUnderlyingBlock,
		LastUnderlyingBlock:     request.LastUnderlyingBlock,
		LastUnderlyingTimestamp: request.LastUnderlyingTimestamp,
		ExecutorFeeNatWei:       big.NewInt(0),
		Status:                  RedemptionActive,
		CreatedAt:               now,
	}
	if err := e.storeRedemption(takeOver); err != nil {
		return nil, err
	}
	if err := e.registerPaymentReference(takeOver.PaymentReference); err != nil {
		return nil, err
	}

	if closedAMG == request.ValueAMG {
		// Fully taken over; the executor fee follows the new request.
		takeOver.Executor = request.Executor
		takeOver.ExecutorFeeNatWei = cloneBig(request.ExecutorFeeNatWei)
		if err := e.storeRedemption(takeOver); err != nil {
			return nil, err
		}
		if err := e.finishRedemption(request.ID); err != nil {
			return nil, err
		}
	} else {
		request.ValueAMG -= closedAMG
		request.FeeUBA = mulBIPS(e.settings.ConvertAMGToUBA(request.ValueAMG), e.settings.RedemptionFeeBIPS)
		if err := e.storeRedemption(request); err != nil {
			return nil, err
		}
	}

	if err := e.storeAgent(oldAgent); err != nil {
		return nil, err
	}
	if err := e.storeAgent(newAgent); err != nil {
		return nil, err
	}
	e.emit(newRedemptionEvent(EventTypeRedemptionTakenOver, takeOver))
	return takeOver, nil
}

// SelfClose burns FAssets held by the agent itself and releases the matching
// backing without any underlying payment: the agent already owns both sides.
// Partial amounts below a whole lot consume dust.
func (e *Engine) SelfClose(caller, vault [20]byte, amountUBA *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return nil, errZeroAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Owner != caller {
		return nil, errOnlyAgentOwner
	}
	acc, err := e.state.GetAccount(vault[:])
	if err != nil {
		return nil, err
	}
	if acc.BalanceUBA.Cmp(amountUBA) < 0 {
		return nil, errSelfCloseOfOtherTokens
	}
	amountAMG := e.settings.ConvertUBAToAMG(amountUBA)
	if amountAMG == 0 {
		return nil, errZeroAmount
	}
	closedAMG, err := e.closeAgentPosition(agent, amountAMG)
	if err != nil {
		return nil, err
	}
	if closedAMG == 0 {
		return nil, errInsufficientMinted
	}
	if err := e.releaseMinted(agent, closedAMG); err != nil {
		return nil, err
	}
	closedUBA := e.settings.ConvertAMGToUBA(closedAMG)
	if err := e.burnTokens(vault, closedUBA); err != nil {
		return nil, err
	}
	agent.UnderlyingFreeBalanceUBA.Add(agent.UnderlyingFreeBalanceUBA, closedUBA)
	if err := e.storeAgent(agent); err != nil {
		return nil, err
	}
	e.emit(newSelfCloseEvent(agent, closedUBA))
	return closedUBA, nil
}
