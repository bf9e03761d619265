package fassets

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	errReservationNotFound   = errors.New("fassets: collateral reservation not found")
	errNotEnoughFreeLots     = errors.New("fassets: not enough free collateral lots")
	errAgentFeeTooHigh       = errors.New("fassets: agent fee exceeds the accepted maximum")
	errPaymentMismatch       = errors.New("fassets: payment does not match the reservation")
	errPaymentTooSmall       = errors.New("fassets: payment amount below the reserved value plus fee")
	errPaymentLate           = errors.New("fassets: payment after the underlying deadline")
	errNonexistenceMismatch  = errors.New("fassets: nonexistence proof does not cover the reservation")
	errDeadlineNotPassed     = errors.New("fassets: payment deadline has not passed yet")
	errAttestationWindowOpen = errors.New("fassets: attestation window still open")
	errInsufficientNatFunds  = errors.New("fassets: insufficient native balance")
)

// CollateralReservation is a pending mint: collateral locked while the minter
// pays on the underlying chain. It exists only in the global reservation map
// and is deleted on execution, default or unstick.
type CollateralReservation struct {
	ID                      uint64
	AgentVault              [20]byte
	Minter                  [20]byte
	ValueAMG                uint64
	FeeUBA                  *big.Int
	ReservationFeeNatWei    *big.Int
	PaymentAddress          string
	PaymentReference        [32]byte
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp int64
	Executor                [20]byte
	ExecutorFeeNatWei       *big.Int
	CreatedAt               int64
}

type storedReservation struct {
	ID                      uint64
	AgentVault              [20]byte
	Minter                  [20]byte
	ValueAMG                uint64
	FeeUBA                  []byte
	ReservationFeeNatWei    []byte
	PaymentAddress          string
	PaymentReference        [32]byte
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp uint64
	Executor                [20]byte
	ExecutorFeeNatWei       []byte
	CreatedAt               uint64
}

func toStoredReservation(cr *CollateralReservation) storedReservation {
	return storedReservation{
		ID:                      cr.ID,
		AgentVault:              cr.AgentVault,
		Minter:                  cr.Minter,
		ValueAMG:                cr.ValueAMG,
		FeeUBA:                  cloneBig(cr.FeeUBA).Bytes(),
		ReservationFeeNatWei:    cloneBig(cr.ReservationFeeNatWei).Bytes(),
		PaymentAddress:          cr.PaymentAddress,
		PaymentReference:        cr.PaymentReference,
		FirstUnderlyingBlock:    cr.FirstUnderlyingBlock,
		LastUnderlyingBlock:     cr.LastUnderlyingBlock,
		LastUnderlyingTimestamp: uint64(max64(cr.LastUnderlyingTimestamp, 0)),
		Executor:                cr.Executor,
		ExecutorFeeNatWei:       cloneBig(cr.ExecutorFeeNatWei).Bytes(),
		CreatedAt:               uint64(max64(cr.CreatedAt, 0)),
	}
}

func fromStoredReservation(s storedReservation) *CollateralReservation {
	return &CollateralReservation{
		ID:                      s.ID,
		AgentVault:              s.AgentVault,
		Minter:                  s.Minter,
		ValueAMG:                s.ValueAMG,
		FeeUBA:                  new(big.Int).SetBytes(s.FeeUBA),
		ReservationFeeNatWei:    new(big.Int).SetBytes(s.ReservationFeeNatWei),
		PaymentAddress:          s.PaymentAddress,
		PaymentReference:        s.PaymentReference,
		FirstUnderlyingBlock:    s.FirstUnderlyingBlock,
		LastUnderlyingBlock:     s.LastUnderlyingBlock,
		LastUnderlyingTimestamp: int64(s.LastUnderlyingTimestamp),
		Executor:                s.Executor,
		ExecutorFeeNatWei:       new(big.Int).SetBytes(s.ExecutorFeeNatWei),
		CreatedAt:               int64(s.CreatedAt),
	}
}

func (e *Engine) loadReservation(id uint64) (*CollateralReservation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var stored storedReservation
	ok, err := e.state.KVGet(u64Key(reservationPrefix, id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errReservationNotFound
	}
	return fromStoredReservation(stored), nil
}

func (e *Engine) deleteReservation(id uint64) error {
	return e.state.KVDelete(u64Key(reservationPrefix, id))
}

// GetCollateralReservation returns a copy of the pending reservation.
func (e *Engine) GetCollateralReservation(id uint64) (*CollateralReservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadReservation(id)
}

// ReserveCollateral locks lots*lotSize AMG of the agent's free collateral for
// a pending mint. The minter pays the reservation fee in native currency up
// front plus an optional executor fee; both are settled when the reservation
// resolves. The returned record carries the payment reference and deadline
// window the minter must honour on the underlying chain.
func (e *Engine) ReserveCollateral(minter, vault [20]byte, lots uint64, maxAgentFeeBIPS uint32, executor [20]byte, executorFeeNatWei *big.Int) (*CollateralReservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lots == 0 {
		return nil, errZeroAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Status != AgentNormal {
		return nil, errInvalidAgentStatus
	}
	if agent.FeeBIPS > maxAgentFeeBIPS {
		return nil, errAgentFeeTooHigh
	}
	portfolio, err := e.collateralPortfolio(agent)
	if err != nil {
		return nil, err
	}
	if e.freeCollateralLots(agent, portfolio) < lots {
		return nil, errNotEnoughFreeLots
	}

	valueAMG := e.settings.ConvertLotsToAMG(lots)
	valueUBA := e.settings.ConvertAMGToUBA(valueAMG)
	feeUBA := mulBIPS(valueUBA, agent.FeeBIPS)

	// Reservation fee is a native-currency charge proportional to the pool
	// collateral value of the reserved amount.
	var reservationFee *big.Int
	for _, cd := range portfolio {
		if cd.class.Kind == CollateralPool {
			reservationFee = mulBIPS(ConvertAMGToTokenWei(valueAMG, cd.amgPrice), e.settings.CollateralReservationFeeBIPS)
		}
	}
	if reservationFee == nil {
		reservationFee = big.NewInt(0)
	}
	executorFee := cloneBig(executorFeeNatWei)
	totalCharge := new(big.Int).Add(reservationFee, executorFee)

	minterAcc, err := e.state.GetAccount(minter[:])
	if err != nil {
		return nil, err
	}
	if minterAcc.BalanceNatWei.Cmp(totalCharge) < 0 {
		return nil, errInsufficientNatFunds
	}
	minterAcc.BalanceNatWei.Sub(minterAcc.BalanceNatWei, totalCharge)
	if err := e.state.PutAccount(minter[:], minterAcc); err != nil {
		return nil, err
	}

	cursor, err := e.currentUnderlyingBlock()
	if err != nil {
		return nil, err
	}
	id, err := e.nextSequence(reservationSeqKey, reservationPrefix)
	if err != nil {
		return nil, err
	}
	now := e.now()
	cr := &CollateralReservation{
		ID:                      id,
		AgentVault:              vault,
		Minter:                  minter,
		ValueAMG:                valueAMG,
		FeeUBA:                  feeUBA,
		ReservationFeeNatWei:    reservationFee,
		PaymentAddress:          agent.UnderlyingAddress,
		PaymentReference:        MintingPaymentReference(id),
		FirstUnderlyingBlock:    cursor.BlockNumber,
		LastUnderlyingBlock:     cursor.BlockNumber + e.settings.UnderlyingBlocksForPayment,
		LastUnderlyingTimestamp: now + int64(e.settings.UnderlyingSecondsForPayment),
		Executor:                executor,
		ExecutorFeeNatWei:       executorFee,
		CreatedAt:               now,
	}
	if err := e.state.KVPut(u64Key(reservationPrefix, id), toStoredReservation(cr)); err != nil {
		return nil, err
	}

	agent.ReservedAMG += valueAMG
	if err := e.storeAgent(agent); err != nil {
		return nil, err
	}
	e.emit(newReservationEvent(EventTypeCollateralReserved, cr))
	return cr, nil
}

// ExecuteMinting consumes a payment proof for the reservation's expected
// payment and converts the reservation into minted backing: the minter
// receives FAssets for the reserved value, the pool fee share is minted to
// the collateral pool, a redemption ticket is created and the reservation is
// deleted.
func (e *Engine) ExecuteMinting(proof *PaymentProof, reservationID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, err := e.loadReservation(reservationID)
	if err != nil {
		return err
	}
	agent, err := e.loadAgent(cr.AgentVault)
	if err != nil {
		return err
	}
	if err := e.checkPaymentProof(proof); err != nil {
		return err
	}
	if proof.PaymentReference != cr.PaymentReference || proof.ReceivingAddressHash != agent.UnderlyingAddressHash {
		return errPaymentMismatch
	}
	if proof.Status != PaymentStatusSuccess {
		return fmt.Errorf("fassets: minting payment has status %d", proof.Status)
	}
	expected := new(big.Int).Add(e.settings.ConvertAMGToUBA(cr.ValueAMG), cr.FeeUBA)
	received := cloneBig(proof.ReceivedAmountUBA)
	if received.Cmp(expected) < 0 {
		return errPaymentTooSmall
	}
	if proof.BlockNumber > cr.LastUnderlyingBlock && proof.BlockTimestamp > cr.LastUnderlyingTimestamp {
		return errPaymentLate
	}

	// Pool fee share of the underlying fee is minted as extra backing; the
	// amount is AMG-aligned so token supply stays an exact multiple of the
	// granularity, with the sub-AMG remainder left on the agent's free
	// balance together with the agent's own fee share.
	poolFeeShareUBA := mulBIPS(cr.FeeUBA, agent.PoolFeeShareBIPS)
	poolFeeAMG := e.settings.ConvertUBAToAMG(poolFeeShareUBA)
	poolFeeUBA := e.settings.ConvertAMGToUBA(poolFeeAMG)
	valueUBA := e.settings.ConvertAMGToUBA(cr.ValueAMG)

	if agent.ReservedAMG < cr.ValueAMG {
		return fmt.Errorf("fassets: reservation accounting underflow")
	}
	agent.ReservedAMG -= cr.ValueAMG
	if err := e.allocateMinted(agent, cr.ValueAMG+poolFeeAMG); err != nil {
		return err
	}

	// Ticket holds the lot-aligned part; the remainder becomes dust.
	totalAMG := cr.ValueAMG + poolFeeAMG
	ticketAMG := totalAMG - totalAMG%e.settings.LotSizeAMG
	if ticketAMG > 0 {
		if _, err := e.createTicket(agent.Vault, ticketAMG); err != nil {
			return err
		}
	}
	e.increaseDust(agent, totalAMG-ticketAMG)

	// Underlying accounting: value and pool fee back minted tokens, the rest
	// of the received amount is the agent's to keep.
	freeDelta := new(big.Int).Sub(received, valueUBA)
	freeDelta.Sub(freeDelta, poolFeeUBA)
	agent.UnderlyingFreeBalanceUBA.Add(agent.UnderlyingFreeBalanceUBA, freeDelta)

	// The forfeited-on-default reservation fee becomes pool backing on
	// success.
	agent.PoolCollateralWei.Add(agent.PoolCollateralWei, cr.ReservationFeeNatWei)

	if err := e.mintTokens(cr.Minter, valueUBA); err != nil {
		return err
	}
	if poolFeeUBA.Sign() > 0 {
		if err := e.mintTokens(cr.AgentVault, poolFeeUBA); err != nil {
			return err
		}
	}
	if err := e.payNat(cr.Executor, cr.ExecutorFeeNatWei); err != nil {
		return err
	}

	if err := e.storeAgent(agent); err != nil {
		return err
	}
	if err := e.deleteReservation(cr.ID); err != nil {
		return err
	}
	e.emit(newMintingEvent(EventTypeMintingExecuted, cr, received))
	return nil
}

// MintingPaymentDefault resolves a reservation whose payment deadline passed
// without payment, proven by a referenced-payment-nonexistence proof. The
// reserved collateral is released and the reservation fee is forfeited to the
// agent as compensation for the locked capital.
func (e *Engine) MintingPaymentDefault(caller [20]byte, proof *NonexistenceProof, reservationID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, err := e.loadReservation(reservationID)
	if err != nil {
		return err
	}
	agent, err := e.loadAgent(cr.AgentVault)
	if err != nil {
		return err
	}
	if agent.Owner != caller {
		return errOnlyAgentOwner
	}
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
	expected := new(big.Int).Add(e.settings.ConvertAMGToUBA(cr.ValueAMG), cr.FeeUBA)
	if proof.PaymentReference != cr.PaymentReference ||
		proof.DestinationAddressHash != agent.UnderlyingAddressHash ||
		cloneBig(proof.AmountUBA).Cmp(expected) < 0 {
		return errNonexistenceMismatch
	}
	if proof.FirstOverflowBlockNumber <= cr.LastUnderlyingBlock || proof.FirstOverflowBlockTimestamp <= cr.LastUnderlyingTimestamp {
		return errDeadlineNotPassed
	}
	return e.releaseReservation(cr, agent, true)
}

// UnstickMinting lets the agent clear a reservation that can no longer be
// proven either way because the attestation window has closed. The
// reservation fee is burned rather than forfeited, so unsticking is never
// more attractive than a regular default.
func (e *Engine) UnstickMinting(caller [20]byte, reservationID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, err := e.loadReservation(reservationID)
	if err != nil {
		return err
	}
	agent, err := e.loadAgent(cr.AgentVault)
	if err != nil {
		return err
	}
	if agent.Owner != caller {
		return errOnlyAgentOwner
	}
	if e.now() < cr.CreatedAt+int64(e.settings.AttestationWindowSeconds) {
		return errAttestationWindowOpen
	}
	return e.releaseReservation(cr, agent, false)
}

// releaseReservation unwinds a failed reservation: collateral unlocked, the
// executor fee returned to the minter, and the reservation fee either paid to
// the agent owner (default) or burned (unstick).
func (e *Engine) releaseReservation(cr *CollateralReservation, agent *Agent, feeToAgent bool) error {
	if agent.ReservedAMG < cr.ValueAMG {
		return fmt.Errorf("fassets: reservation accounting underflow")
	}
	agent.ReservedAMG -= cr.ValueAMG
	if feeToAgent {
		if err := e.payNat(agent.Owner, cr.ReservationFeeNatWei); err != nil {
			return err
		}
	}
	if err := e.payNat(cr.Minter, cr.ExecutorFeeNatWei); err != nil {
		return err
	}
	if err := e.storeAgent(agent); err != nil {
		return err
	}
	if err := e.deleteReservation(cr.ID); err != nil {
		return err
	}
	e.emit(newReservationEvent(EventTypeMintingDefaulted, cr))
	return nil
}

// payNat credits native currency to the address, skipping zero transfers and
// the zero address.
func (e *Engine) payNat(to [20]byte, amountWei *big.Int) error {
	if amountWei == nil || amountWei.Sign() == 0 || to == ([20]byte{}) {
		return nil
	}
	acc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	acc.BalanceNatWei.Add(acc.BalanceNatWei, amountWei)
	return e.state.PutAccount(to[:], acc)
}
