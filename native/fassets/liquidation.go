package fassets

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	errAgentHealthy          = errors.New("fassets: agent collateral is healthy")
	errStillUnhealthy        = errors.New("fassets: agent position still unhealthy")
	errAgentNotInLiquidation = errors.New("fassets: agent is not in liquidation")
	errChallengeInvalid      = errors.New("fassets: transaction is a legitimate agent payment")
	errNothingToLiquidate    = errors.New("fassets: nothing to liquidate")
)

// liquidationTarget derives the status the agent's current collateral ratios
// call for, ignoring stickiness. Returns AgentNormal when every class is at
// or above its minimum and the underlying free balance is not negative.
func (e *Engine) liquidationTarget(agent *Agent, portfolio []collateralData) AgentStatus {
	if agent.UnderlyingFreeBalanceUBA.Sign() < 0 {
		return AgentLiquidation
	}
	target := AgentNormal
	for _, cd := range portfolio {
		cr := e.collateralRatioBIPS(agent, cd)
		if cr < uint64(cd.class.CCBMinCollateralRatioBIPS) {
			return AgentLiquidation
		}
		if cr < uint64(cd.class.MinCollateralRatioBIPS) {
			target = AgentCCB
		}
	}
	return target
}

// healthyForExit reports whether the agent may leave CCB or liquidation. Exit
// requires the stricter safety ratio on every class so a small price move does
// not immediately re-trigger liquidation.
func (e *Engine) healthyForExit(agent *Agent, portfolio []collateralData) bool {
	if agent.UnderlyingFreeBalanceUBA.Sign() < 0 {
		return false
	}
	for _, cd := range portfolio {
		if e.collateralRatioBIPS(agent, cd) < uint64(cd.class.SafetyMinCollateralRatioBIPS) {
			return false
		}
	}
	return true
}

// endLiquidationIfHealthyLocked moves a CCB or liquidation agent back to
// normal once its position recovered. Full liquidation is sticky and never
// ends. The caller holds the engine lock; the agent is re-stored on change.
func (e *Engine) endLiquidationIfHealthyLocked(agent *Agent) error {
	if agent.Status != AgentCCB && agent.Status != AgentLiquidation {
		return nil
	}
	portfolio, err := e.collateralPortfolio(agent)
	if err != nil {
		return err
	}
	if !e.healthyForExit(agent, portfolio) {
		return nil
	}
	agent.Status = AgentNormal
	agent.CCBStartedAt = 0
	agent.LiquidationStartedAt = 0
	if err := e.storeAgent(agent); err != nil {
		return err
	}
	e.emit(newLiquidationEvent(EventTypeLiquidationEnded, agent))
	return nil
}

// updateLiquidationStatusLocked applies the status transition the agent's
// ratios call for: NORMAL to CCB, CCB to LIQUIDATION (immediately when the
// ratio falls under the CCB band, or when the CCB timer expires), and the
// recovery path back to NORMAL. Returns the agent's status after the update.
func (e *Engine) updateLiquidationStatusLocked(agent *Agent) (AgentStatus, error) {
	if agent.Status == AgentFullLiquidation {
		return agent.Status, nil
	}
	portfolio, err := e.collateralPortfolio(agent)
	if err != nil {
		return agent.Status, err
	}
	now := e.now()
	target := e.liquidationTarget(agent, portfolio)

	switch target {
	case AgentLiquidation:
		if agent.Status != AgentLiquidation {
			agent.Status = AgentLiquidation
			agent.LiquidationStartedAt = now
			agent.CCBStartedAt = 0
			if err := e.storeAgent(agent); err != nil {
				return agent.Status, err
			}
			e.emit(newLiquidationEvent(EventTypeLiquidationStarted, agent))
		}
	case AgentCCB:
		switch agent.Status {
		case AgentNormal:
			agent.Status = AgentCCB
			agent.CCBStartedAt = now
			if err := e.storeAgent(agent); err != nil {
				return agent.Status, err
			}
			e.emit(newLiquidationEvent(EventTypeCCBEntered, agent))
		case AgentCCB:
			if now >= agent.CCBStartedAt+int64(e.settings.CCBTimeSeconds) {
				agent.Status = AgentLiquidation
				agent.LiquidationStartedAt = now
				agent.CCBStartedAt = 0
				if err := e.storeAgent(agent); err != nil {
					return agent.Status, err
				}
				e.emit(newLiquidationEvent(EventTypeLiquidationStarted, agent))
			}
		}
	case AgentNormal:
		if err := e.endLiquidationIfHealthyLocked(agent); err != nil {
			return agent.Status, err
		}
	}
	return agent.Status, nil
}

// CheckAgentForLiquidation re-evaluates the agent's collateral ratios against
// current prices and applies any status transition they call for. Anyone may
// call it; it is the permissionless entry point keepers poll.
func (e *Engine) CheckAgentForLiquidation(vault [20]byte) (AgentStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return AgentNormal, err
	}
	return e.updateLiquidationStatusLocked(agent)
}

// StartLiquidation is CheckAgentForLiquidation that fails when the agent is
// healthy, for callers that expect to begin liquidating.
func (e *Engine) StartLiquidation(vault [20]byte) (AgentStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return AgentNormal, err
	}
	status, err := e.updateLiquidationStatusLocked(agent)
	if err != nil {
		return status, err
	}
	if status == AgentNormal {
		return status, errAgentHealthy
	}
	return status, nil
}

// IllegalPaymentChallenge proves the agent spent from its underlying address
// without a matching redemption obligation. A proven challenge is
// unrecoverable: the agent enters full liquidation and the challenger is paid
// a flat reward from the agent's vault collateral.
func (e *Engine) IllegalPaymentChallenge(challenger, vault [20]byte, proof *BalanceDecreasingProof) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if e.verifier == nil {
		return errNilVerifier
	}
	if proof == nil {
		return fmt.Errorf("fassets: nil balance decreasing proof")
	}
	if err := e.checkProofChain(proof.ChainID); err != nil {
		return err
	}
	if !e.verifier.Verify(ProofBalanceDecreasingTransaction, proof) {
		return errProofRejected
	}
	if proof.SourceAddressHash != agent.UnderlyingAddressHash {
		return errChallengeInvalid
	}
	known, err := e.isKnownPaymentReference(proof.PaymentReference)
	if err != nil {
		return err
	}
	if known {
		return errChallengeInvalid
	}

	agent.UnderlyingFreeBalanceUBA.Sub(agent.UnderlyingFreeBalanceUBA, cloneBig(proof.SpentAmountUBA))
	if agent.Status != AgentFullLiquidation {
		agent.Status = AgentFullLiquidation
		agent.LiquidationStartedAt = e.now()
		agent.CCBStartedAt = 0
	}

	reward := new(big.Int).SetUint64(e.settings.ChallengeRewardWei)
	if reward.Cmp(agent.VaultCollateralWei) > 0 {
		reward = cloneBig(agent.VaultCollateralWei)
	}
	agent.VaultCollateralWei.Sub(agent.VaultCollateralWei, reward)
	if err := e.payNat(challenger, reward); err != nil {
		return err
	}
	if err := e.storeAgent(agent); err != nil {
		return err
	}
	e.emit(newLiquidationEvent(EventTypeFullLiquidationStarted, agent))
	return nil
}

// liquidationFactorBIPS returns the premium factor for the agent's current
// liquidation phase. Phases advance on a fixed timer and the last configured
// factor applies from then on.
func (e *Engine) liquidationFactorBIPS(agent *Agent) uint32 {
	factors := e.settings.LiquidationFactorBIPS
	elapsed := e.now() - agent.LiquidationStartedAt
	if elapsed < 0 {
		elapsed = 0
	}
	phase := int(uint64(elapsed) / e.settings.LiquidationStepSeconds)
	if phase >= len(factors) {
		phase = len(factors) - 1
	}
	return factors[phase]
}

// LiquidationResult reports how much backing a Liquidate call closed and what
// the liquidator was paid.
type LiquidationResult struct {
	LiquidatedUBA  *big.Int
	VaultPayoutWei *big.Int
	PoolPayoutWei  *big.Int
	Status         AgentStatus
}

// Liquidate burns the liquidator's FAssets against an unhealthy agent and
// pays out collateral at the phase premium, vault collateral first with any
// shortfall covered by the pool. The burned backing is closed through the
// agent's own tickets and dust; recovery back to normal is checked afterwards
// so a cured agent stops being liquidatable immediately.
func (e *Engine) Liquidate(liquidator, vault [20]byte, amountUBA *big.Int) (*LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return nil, errZeroAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	status, err := e.updateLiquidationStatusLocked(agent)
	if err != nil {
		return nil, err
	}
	if status != AgentLiquidation && status != AgentFullLiquidation {
		return nil, errAgentNotInLiquidation
	}

	acc, err := e.state.GetAccount(liquidator[:])
	if err != nil {
		return nil, err
	}
	capped := cloneBig(amountUBA)
	if capped.Cmp(acc.BalanceUBA) > 0 {
		capped = cloneBig(acc.BalanceUBA)
	}
	amountAMG := e.settings.ConvertUBAToAMG(capped)
	if amountAMG == 0 {
		return nil, errNothingToLiquidate
	}
	liquidatedAMG, err := e.closeAgentPosition(agent, amountAMG)
	if err != nil {
		return nil, err
	}
	if liquidatedAMG == 0 {
		return nil, errNothingToLiquidate
	}
	if err := e.releaseMinted(agent, liquidatedAMG); err != nil {
		return nil, err
	}
	liquidatedUBA := e.settings.ConvertAMGToUBA(liquidatedAMG)
	if err := e.burnTokens(liquidator, liquidatedUBA); err != nil {
		return nil, err
	}
	// The backing stays on the agent's underlying address.
	agent.UnderlyingFreeBalanceUBA.Add(agent.UnderlyingFreeBalanceUBA, liquidatedUBA)

	portfolio, err := e.collateralPortfolio(agent)
	if err != nil {
		return nil, err
	}
	factor := e.liquidationFactorBIPS(agent)
	var vaultPrice, poolPrice AMGPrice
	for _, cd := range portfolio {
		switch cd.class.Kind {
		case CollateralVault:
			vaultPrice = cd.amgPrice
		case CollateralPool:
			poolPrice = cd.amgPrice
		}
	}

	vaultTarget := mulBIPS(ConvertAMGToTokenWei(liquidatedAMG, vaultPrice), factor)
	vaultPayout := cloneBig(vaultTarget)
	if vaultPayout.Cmp(agent.VaultCollateralWei) > 0 {
		vaultPayout = cloneBig(agent.VaultCollateralWei)
	}
	agent.VaultCollateralWei.Sub(agent.VaultCollateralWei, vaultPayout)

	// Any part the vault collateral cannot cover is paid by the pool at the
	// pool token's own valuation of the same backing.
	poolPayout := big.NewInt(0)
	if shortfall := new(big.Int).Sub(vaultTarget, vaultPayout); shortfall.Sign() > 0 {
		unpaidAMG := ConvertTokenWeiToAMG(shortfall, vaultPrice)
		poolPayout = ConvertAMGToTokenWei(unpaidAMG, poolPrice)
		if poolPayout.Cmp(agent.PoolCollateralWei) > 0 {
			poolPayout = cloneBig(agent.PoolCollateralWei)
		}
		agent.PoolCollateralWei.Sub(agent.PoolCollateralWei, poolPayout)
	}
	if err := e.payNat(liquidator, new(big.Int).Add(vaultPayout, poolPayout)); err != nil {
		return nil, err
	}

	if err := e.storeAgent(agent); err != nil {
		return nil, err
	}
	if err := e.endLiquidationIfHealthyLocked(agent); err != nil {
		return nil, err
	}
	e.emit(newLiquidationPayoutEvent(agent, liquidatedUBA, vaultPayout, poolPayout))
	return &LiquidationResult{
		LiquidatedUBA:  liquidatedUBA,
		VaultPayoutWei: vaultPayout,
		PoolPayoutWei:  poolPayout,
		Status:         agent.Status,
	}, nil
}

// EndLiquidation is the permissionless recovery entry point: it returns the
// agent to normal when its position is healthy again and fails otherwise.
func (e *Engine) EndLiquidation(vault [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if agent.Status == AgentNormal {
		return nil
	}
	if agent.Status == AgentFullLiquidation {
		return errAgentNotInLiquidation
	}
	if err := e.endLiquidationIfHealthyLocked(agent); err != nil {
		return err
	}
	if agent.Status != AgentNormal {
		return errStillUnhealthy
	}
	return nil
}
