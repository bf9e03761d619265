package fassets

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	errInsufficientMinted      = errors.New("fassets: insufficient minted amount")
	errInsufficientRedeeming   = errors.New("fassets: insufficient redeeming amount")
	errInsufficientDust        = errors.New("fassets: insufficient dust")
	errInsufficientCollateral  = errors.New("fassets: insufficient free collateral")
	errWithdrawalNotAnnounced  = errors.New("fassets: no collateral withdrawal announced")
	errAgentNotEmpty           = errors.New("fassets: agent still backs minted or reserved assets")
	errInvalidUnderlyingTarget = errors.New("fassets: payment does not target the agent underlying address")
)

// InfiniteCollateralRatioBIPS is the sentinel collateral ratio reported when
// an agent backs nothing, so any collateral amount is sufficient.
const InfiniteCollateralRatioBIPS = ^uint64(0)

// CreateAgent registers a new agent vault. The underlying address must be
// proven syntactically valid by the attestation oracle before any minting can
// target it.
func (e *Engine) CreateAgent(owner, vault [20]byte, proof *AddressValidityProof, feeBIPS, poolFeeShareBIPS uint32) (*Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.verifier == nil {
		return nil, errNilVerifier
	}
	if proof == nil {
		return nil, fmt.Errorf("fassets: nil address validity proof")
	}
	if err := e.checkProofChain(proof.ChainID); err != nil {
		return nil, err
	}
	if !e.verifier.Verify(ProofAddressValidity, proof) {
		return nil, errProofRejected
	}
	if !proof.IsValid {
		return nil, fmt.Errorf("fassets: underlying address %q is not valid", proof.Address)
	}
	if feeBIPS > MaxBIPS || poolFeeShareBIPS > MaxBIPS {
		return nil, fmt.Errorf("fassets: fee bips out of range")
	}
	if exists, err := e.state.KVGet(agentKey(vault), nil); err != nil {
		return nil, err
	} else if exists {
		return nil, errAgentExists
	}
	underlying := strings.TrimSpace(proof.Address)
	agent := (&Agent{
		Vault:                 vault,
		Owner:                 owner,
		UnderlyingAddress:     underlying,
		UnderlyingAddressHash: proof.StandardAddressHash,
		Status:                AgentNormal,
		FeeBIPS:               feeBIPS,
		PoolFeeShareBIPS:      poolFeeShareBIPS,
		CreatedAt:             e.now(),
	}).Ensure()
	if agent.UnderlyingAddressHash == ([32]byte{}) {
		agent.UnderlyingAddressHash = UnderlyingAddressHash(underlying)
	}
	if err := e.storeAgent(agent); err != nil {
		return nil, err
	}
	if err := e.state.KVAppend(agentIndexKey, vault[:]); err != nil {
		return nil, err
	}
	e.emit(newAgentEvent(EventTypeAgentCreated, agent))
	return agent.Clone(), nil
}

// GetAgent returns a copy of the agent record.
func (e *Engine) GetAgent(vault [20]byte) (*Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// Agents lists every registered vault address.
func (e *Engine) Agents() ([][20]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.agentVaults()
}

// DestroyAgent removes an agent whose position is fully unwound: no reserved,
// minted or redeeming assets and no dust left.
func (e *Engine) DestroyAgent(caller, vault [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if agent.Owner != caller {
		return errOnlyAgentOwner
	}
	if agent.BackedAMG() != 0 || agent.DustAMG != 0 {
		return errAgentNotEmpty
	}
	if err := e.state.KVDelete(agentKey(vault)); err != nil {
		return err
	}
	e.emit(newAgentEvent(EventTypeAgentDestroyed, agent))
	return nil
}

// DepositCollateral credits collateral of the given class to the agent vault.
// The token-level transfer happens outside the engine; this records the
// resulting backing.
func (e *Engine) DepositCollateral(vault [20]byte, kind CollateralKind, amountWei *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amountWei == nil || amountWei.Sign() <= 0 {
		return errZeroAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	switch kind {
	case CollateralVault:
		agent.VaultCollateralWei.Add(agent.VaultCollateralWei, amountWei)
	case CollateralPool:
		agent.PoolCollateralWei.Add(agent.PoolCollateralWei, amountWei)
	case CollateralPoolTokens:
		agent.PoolTokensWei.Add(agent.PoolTokensWei, amountWei)
	default:
		return fmt.Errorf("fassets: unknown collateral class %d", kind)
	}
	if err := e.storeAgent(agent); err != nil {
		return err
	}
	e.emit(newCollateralEvent(EventTypeCollateralDeposited, agent, kind, amountWei))
	return e.endLiquidationIfHealthyLocked(agent)
}

// AnnounceCollateralWithdrawal reserves part of the agent's collateral for
// withdrawal. The announced amount counts as locked, so it can only cover
// collateral that is currently free.
func (e *Engine) AnnounceCollateralWithdrawal(caller, vault [20]byte, kind CollateralKind, amountWei *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amountWei == nil || amountWei.Sign() <= 0 {
		return errZeroAmount
	}
	if kind != CollateralVault && kind != CollateralPoolTokens {
		return fmt.Errorf("fassets: withdrawal announcements only cover vault collateral and pool tokens")
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if agent.Owner != caller {
		return errOnlyAgentOwner
	}
	if agent.Status != AgentNormal {
		return errInvalidAgentStatus
	}
	portfolio, err := e.collateralPortfolio(agent)
	if err != nil {
		return err
	}
	for _, cd := range portfolio {
		if cd.class.Kind != kind {
			continue
		}
		free := e.freeCollateralWei(agent, cd)
		if free.Cmp(amountWei) < 0 {
			return errInsufficientCollateral
		}
	}
	switch kind {
	case CollateralVault:
		agent.AnnouncedVaultWithdrawalWei.Add(agent.AnnouncedVaultWithdrawalWei, amountWei)
	case CollateralPoolTokens:
		agent.AnnouncedPoolTokensWithdrawalWei.Add(agent.AnnouncedPoolTokensWithdrawalWei, amountWei)
	}
	return e.storeAgent(agent)
}

// ExecuteCollateralWithdrawal completes a previously announced withdrawal,
// releasing the announced amount from the agent's backing.
func (e *Engine) ExecuteCollateralWithdrawal(caller, vault [20]byte, kind CollateralKind) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Owner != caller {
		return nil, errOnlyAgentOwner
	}
	if agent.Status != AgentNormal {
		return nil, errInvalidAgentStatus
	}
	var announced, full *big.Int
	switch kind {
	case CollateralVault:
		announced, full = agent.AnnouncedVaultWithdrawalWei, agent.VaultCollateralWei
	case CollateralPoolTokens:
		announced, full = agent.AnnouncedPoolTokensWithdrawalWei, agent.PoolTokensWei
	default:
		return nil, fmt.Errorf("fassets: withdrawal announcements only cover vault collateral and pool tokens")
	}
	if announced.Sign() == 0 {
		return nil, errWithdrawalNotAnnounced
	}
	amount := new(big.Int).Set(announced)
	if amount.Cmp(full) > 0 {
		amount.Set(full)
	}
	full.Sub(full, amount)
	announced.SetInt64(0)
	if err := e.storeAgent(agent); err != nil {
		return nil, err
	}
	e.emit(newCollateralEvent(EventTypeCollateralWithdrawn, agent, kind, amount))
	return amount, nil
}

// TopUpUnderlying consumes a payment proof for a referenced top-up payment to
// the agent's underlying address and credits the agent's free balance. Topping
// up is how an agent recovers from a negative free balance before the
// liquidation engine reacts.
func (e *Engine) TopUpUnderlying(vault [20]byte, proof *PaymentProof) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if err := e.checkPaymentProof(proof); err != nil {
		return err
	}
	if proof.ReceivingAddressHash != agent.UnderlyingAddressHash {
		return errInvalidUnderlyingTarget
	}
	if proof.Status != PaymentStatusSuccess {
		return fmt.Errorf("fassets: top-up payment did not succeed")
	}
	received := cloneBig(proof.ReceivedAmountUBA)
	if received.Sign() <= 0 {
		return errZeroAmount
	}
	agent.UnderlyingFreeBalanceUBA.Add(agent.UnderlyingFreeBalanceUBA, received)
	if err := e.storeAgent(agent); err != nil {
		return err
	}
	e.emit(newUnderlyingEvent(EventTypeUnderlyingToppedUp, agent, received))
	return e.endLiquidationIfHealthyLocked(agent)
}

// checkPaymentProof runs the common validity checks shared by every payment
// proof consumer: verifier configured, right chain, not stale, attested.
func (e *Engine) checkPaymentProof(proof *PaymentProof) error {
	if e.verifier == nil {
		return errNilVerifier
	}
	if proof == nil {
		return fmt.Errorf("fassets: nil payment proof")
	}
	if err := e.checkProofChain(proof.ChainID); err != nil {
		return err
	}
	if err := e.checkProofAge(proof.BlockTimestamp, e.now()); err != nil {
		return err
	}
	if !e.verifier.Verify(ProofPayment, proof) {
		return errProofRejected
	}
	return nil
}

// --- ledger primitives ---

// allocateMinted increases the agent's minted backing. Callers check free
// collateral before invoking; the tracker hook records the change for the
// current transfer-fee epoch.
func (e *Engine) allocateMinted(agent *Agent, amg uint64) error {
	if err := e.trackMintedChange(agent, agent.MintedAMG+amg); err != nil {
		return err
	}
	agent.MintedAMG += amg
	return nil
}

// releaseMinted decreases the agent's minted backing.
func (e *Engine) releaseMinted(agent *Agent, amg uint64) error {
	if agent.MintedAMG < amg {
		return errInsufficientMinted
	}
	if err := e.trackMintedChange(agent, agent.MintedAMG-amg); err != nil {
		return err
	}
	agent.MintedAMG -= amg
	return nil
}

// startRedeeming atomically moves amg from the minted counter to the
// appropriate redeeming counter.
func (e *Engine) startRedeeming(agent *Agent, amg uint64, poolSelfClose bool) error {
	if agent.MintedAMG < amg {
		return errInsufficientMinted
	}
	if err := e.trackMintedChange(agent, agent.MintedAMG-amg); err != nil {
		return err
	}
	agent.MintedAMG -= amg
	if poolSelfClose {
		agent.PoolRedeemingAMG += amg
	} else {
		agent.RedeemingAMG += amg
	}
	return nil
}

// endRedeeming releases the redeeming lock taken by startRedeeming.
func (e *Engine) endRedeeming(agent *Agent, amg uint64, poolSelfClose bool) error {
	if poolSelfClose {
		if agent.PoolRedeemingAMG < amg {
			return errInsufficientRedeeming
		}
		agent.PoolRedeemingAMG -= amg
		return nil
	}
	if agent.RedeemingAMG < amg {
		return errInsufficientRedeeming
	}
	agent.RedeemingAMG -= amg
	return nil
}

// increaseDust grows the agent's sub-lot dust balance. Observers are informed
// synchronously through the event emitter.
func (e *Engine) increaseDust(agent *Agent, amg uint64) {
	if amg == 0 {
		return
	}
	agent.DustAMG += amg
	e.emit(newDustEvent(agent))
}

func (e *Engine) decreaseDust(agent *Agent, amg uint64) error {
	if agent.DustAMG < amg {
		return errInsufficientDust
	}
	agent.DustAMG -= amg
	e.emit(newDustEvent(agent))
	return nil
}

// ConvertDustToTicket turns accumulated whole lots of dust into a fresh
// redemption ticket so the amount becomes redeemable again.
func (e *Engine) ConvertDustToTicket(vault [20]byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return 0, err
	}
	lots := agent.DustAMG / e.settings.LotSizeAMG
	if lots == 0 {
		return 0, nil
	}
	amg := lots * e.settings.LotSizeAMG
	if err := e.decreaseDust(agent, amg); err != nil {
		return 0, err
	}
	ticketID, err := e.createTicket(agent.Vault, amg)
	if err != nil {
		return 0, err
	}
	if err := e.storeAgent(agent); err != nil {
		return 0, err
	}
	return ticketID, nil
}

// --- collateral math ---

// lockedCollateralWei computes the wei of one collateral class locked by the
// agent's current position: minted and reserved backing at the minting ratio,
// redeeming backing at the class minimum ratio, plus announced withdrawals.
func (e *Engine) lockedCollateralWei(agent *Agent, cd collateralData) *big.Int {
	mintingRatio := cd.class.MintingMinCollateralRatioBIPS
	if override := agent.MintingRatioOverrideBIPS[cd.class.Kind]; override > mintingRatio {
		mintingRatio = override
	}
	// DustAMG is part of MintedAMG (minted = tickets + dust), so it is not
	// added separately here.
	mintingWei := ConvertAMGToTokenWei(agent.MintedAMG+agent.ReservedAMG, cd.amgPrice)
	locked := mulBIPS(mintingWei, mintingRatio)
	redeemingWei := ConvertAMGToTokenWei(agent.RedeemingAMG+agent.PoolRedeemingAMG, cd.amgPrice)
	locked.Add(locked, mulBIPS(redeemingWei, cd.class.MinCollateralRatioBIPS))
	locked.Add(locked, cd.announced)
	return locked
}

// freeCollateralWei returns the collateral of the class not locked by the
// current position, floored at zero.
func (e *Engine) freeCollateralWei(agent *Agent, cd collateralData) *big.Int {
	free := new(big.Int).Sub(cd.fullWei, e.lockedCollateralWei(agent, cd))
	if free.Sign() < 0 {
		return big.NewInt(0)
	}
	return free
}

// freeCollateralLots returns the number of whole lots the agent can still
// back, limited by the scarcest collateral class. A class with zero lot price
// (no backing requirement priced yet) contributes zero free lots.
func (e *Engine) freeCollateralLots(agent *Agent, portfolio []collateralData) uint64 {
	freeLots := InfiniteCollateralRatioBIPS
	for _, cd := range portfolio {
		mintingRatio := cd.class.MintingMinCollateralRatioBIPS
		if override := agent.MintingRatioOverrideBIPS[cd.class.Kind]; override > mintingRatio {
			mintingRatio = override
		}
		lotWei := mulBIPS(ConvertAMGToTokenWei(e.settings.LotSizeAMG, cd.amgPrice), mintingRatio)
		if lotWei.Sign() == 0 {
			return 0
		}
		free := new(big.Int).Quo(e.freeCollateralWei(agent, cd), lotWei)
		var lots uint64
		if free.IsUint64() {
			lots = free.Uint64()
		} else {
			lots = InfiniteCollateralRatioBIPS
		}
		if lots < freeLots {
			freeLots = lots
		}
	}
	if freeLots == InfiniteCollateralRatioBIPS {
		return 0
	}
	return freeLots
}

// collateralRatioBIPS computes the agent's collateral ratio for one class.
func (e *Engine) collateralRatioBIPS(agent *Agent, cd collateralData) uint64 {
	backed := agent.BackedAMG()
	if backed == 0 {
		return InfiniteCollateralRatioBIPS
	}
	backedWei := ConvertAMGToTokenWei(backed, cd.amgPrice)
	if backedWei.Sign() == 0 {
		return InfiniteCollateralRatioBIPS
	}
	ratio := new(big.Int).Mul(cd.fullWei, big.NewInt(MaxBIPS))
	ratio.Quo(ratio, backedWei)
	if !ratio.IsUint64() {
		return InfiniteCollateralRatioBIPS
	}
	return ratio.Uint64()
}

// AgentCollateralInfo is the priced per-class view exposed by AgentInfo.
type AgentCollateralInfo struct {
	Kind                   CollateralKind
	TokenSymbol            string
	FullWei                *big.Int
	FreeWei                *big.Int
	CollateralRatioBIPS    uint64
	MinCollateralRatioBIPS uint32
}

// AgentInfo is the full external view of an agent position.
type AgentInfo struct {
	Agent       *Agent
	FreeLots    uint64
	Collaterals []AgentCollateralInfo
}

// Info assembles the priced view of an agent used by the RPC surface.
func (e *Engine) Info(vault [20]byte) (*AgentInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	portfolio, err := e.collateralPortfolio(agent)
	if err != nil {
		return nil, err
	}
	info := &AgentInfo{
		Agent:    agent.Clone(),
		FreeLots: e.freeCollateralLots(agent, portfolio),
	}
	for _, cd := range portfolio {
		info.Collaterals = append(info.Collaterals, AgentCollateralInfo{
			Kind:                   cd.class.Kind,
			TokenSymbol:            cd.class.TokenSymbol,
			FullWei:                cloneBig(cd.fullWei),
			FreeWei:                e.freeCollateralWei(agent, cd),
			CollateralRatioBIPS:    e.collateralRatioBIPS(agent, cd),
			MinCollateralRatioBIPS: cd.class.MinCollateralRatioBIPS,
		})
	}
	return info, nil
}
