package fassets

import (
	"errors"
	"math/big"
	"testing"
)

func TestPriceDropEntersCCBThenLiquidation(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)

	status, err := env.engine.CheckAgentForLiquidation(vault)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status != AgentNormal {
		t.Fatalf("healthy agent reported as %s", status)
	}

	// The asset appreciating against the collateral pushes the vault ratio
	// into the collateral call band (12,500 BIPS, between CCB min 13,000 and
	// min 14,000 is not met; 12,500 < 13,000 would liquidate, so pick a price
	// that lands inside the band).
	env.setPrices(750_000, 1, 1) // vault CR ~13,333 BIPS
	status, err = env.engine.CheckAgentForLiquidation(vault)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status != AgentCCB {
		t.Fatalf("expected CCB, got %s", status)
	}

	// CCB timer expiry promotes to liquidation.
	env.advance(int64(env.engine.Settings().CCBTimeSeconds) + 1)
	status, err = env.engine.CheckAgentForLiquidation(vault)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status != AgentLiquidation {
		t.Fatalf("expected liquidation after CCB expiry, got %s", status)
	}
}

func TestDeepUndercollateralizationSkipsCCB(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)

	env.setPrices(900_000, 1, 1) // vault CR ~11,111 BIPS, under the CCB band
	status, err := env.engine.CheckAgentForLiquidation(vault)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status != AgentLiquidation {
		t.Fatalf("expected immediate liquidation, got %s", status)
	}
}

func TestLiquidatePaysPhasePremium(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)

	env.setPrices(900_000, 1, 1)
	if _, err := env.engine.StartLiquidation(vault); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}

	settings := env.engine.Settings()
	amount := settings.ConvertLotsToUBA(2)
	result, err := env.engine.Liquidate(minter, vault, amount)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.LiquidatedUBA.Cmp(amount) != 0 {
		t.Fatalf("liquidated %s, want %s", result.LiquidatedUBA, amount)
	}
	// 2000 AMG at $90 per AMG and the phase-0 premium of 105%.
	valueWei := new(big.Int).Mul(big.NewInt(2_000), bigWei(90, 18))
	want := mulBIPS(valueWei, settings.LiquidationFactorBIPS[0])
	if result.VaultPayoutWei.Cmp(want) != 0 {
		t.Fatalf("vault payout = %s, want %s", result.VaultPayoutWei, want)
	}
	nat, err := env.engine.NatBalanceOf(minter)
	if err != nil {
		t.Fatalf("nat balance: %v", err)
	}
	if nat.Cmp(want) != 0 {
		t.Fatalf("liquidator received %s, want %s", nat, want)
	}

	agent, err := env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.MintedAMG != 8_000 {
		t.Fatalf("minted after liquidation = %d, want 8000", agent.MintedAMG)
	}
	burned, err := env.engine.BalanceOf(minter)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	left := new(big.Int).Sub(settings.ConvertLotsToUBA(10), amount)
	if burned.Cmp(left) != 0 {
		t.Fatalf("liquidator token balance = %s, want %s", burned, left)
	}
}

func TestLiquidationPremiumGrowsPerPhase(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)
	env.setPrices(900_000, 1, 1)
	if _, err := env.engine.StartLiquidation(vault); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}

	settings := env.engine.Settings()
	env.advance(int64(settings.LiquidationStepSeconds) + 1)
	result, err := env.engine.Liquidate(minter, vault, settings.ConvertLotsToUBA(1))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	valueWei := new(big.Int).Mul(big.NewInt(1_000), bigWei(90, 18))
	want := mulBIPS(valueWei, settings.LiquidationFactorBIPS[1])
	if result.VaultPayoutWei.Cmp(want) != 0 {
		t.Fatalf("phase-1 payout = %s, want %s", result.VaultPayoutWei, want)
	}
}

func TestLiquidationEndsOnRecovery(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)
	env.setPrices(900_000, 1, 1)
	if _, err := env.engine.StartLiquidation(vault); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}

	// Price recovers; the permissionless end call restores the agent.
	env.setPrices(50_000, 1, 1)
	if err := env.engine.EndLiquidation(vault); err != nil {
		t.Fatalf("end liquidation: %v", err)
	}
	agent, err := env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != AgentNormal {
		t.Fatalf("agent status = %s, want NORMAL", agent.Status)
	}
	if agent.LiquidationStartedAt != 0 || agent.CCBStartedAt != 0 {
		t.Fatalf("liquidation timers not cleared")
	}
}

func TestDepositEndsLiquidation(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)
	env.setPrices(900_000, 1, 1)
	if _, err := env.engine.StartLiquidation(vault); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}

	// Topping up collateral heals in place: safety ratio 15,000 BIPS needs
	// 1.35e24 wei against 9e23 of backed value.
	if err := env.engine.DepositCollateral(vault, CollateralVault, bigWei(1, 24)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	agent, err := env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != AgentNormal {
		t.Fatalf("agent status = %s, want NORMAL after deposit", agent.Status)
	}
}

func TestIllegalPaymentChallenge(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter, challenger := addr(1), addr(2), addr(3), addr(7)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 2)

	agent, _ := env.engine.GetAgent(vault)
	err := env.engine.IllegalPaymentChallenge(challenger, vault, &BalanceDecreasingProof{
		ChainID:           "testBTC",
		BlockTimestamp:    env.now,
		SourceAddressHash: agent.UnderlyingAddressHash,
		SpentAmountUBA:    big.NewInt(5_000_000),
		PaymentReference:  [32]byte{0xde, 0xad},
	})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}

	agent, err = env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != AgentFullLiquidation {
		t.Fatalf("agent status = %s, want FULL_LIQUIDATION", agent.Status)
	}
	if agent.UnderlyingFreeBalanceUBA.Sign() >= 0 {
		t.Fatalf("stolen funds must drive the free balance negative, got %s", agent.UnderlyingFreeBalanceUBA)
	}
	reward, err := env.engine.NatBalanceOf(challenger)
	if err != nil {
		t.Fatalf("nat balance: %v", err)
	}
	if reward.Cmp(new(big.Int).SetUint64(env.engine.Settings().ChallengeRewardWei)) != 0 {
		t.Fatalf("challenge reward = %s, want %d", reward, env.engine.Settings().ChallengeRewardWei)
	}

	// Full liquidation is sticky.
	env.setPrices(50_000, 1, 1)
	if err := env.engine.EndLiquidation(vault); !errors.Is(err, errAgentNotInLiquidation) {
		t.Fatalf("full liquidation must not end, got %v", err)
	}
}

func TestRedemptionPaymentIsNotChallengeable(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter, challenger := addr(1), addr(2), addr(3), addr(7)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 2)
	request := env.redeemOne(t, minter, 2)

	agent, _ := env.engine.GetAgent(vault)
	err := env.engine.IllegalPaymentChallenge(challenger, vault, &BalanceDecreasingProof{
		ChainID:           "testBTC",
		BlockTimestamp:    env.now,
		SourceAddressHash: agent.UnderlyingAddressHash,
		SpentAmountUBA:    big.NewInt(5_000_000),
		PaymentReference:  request.PaymentReference,
	})
	if !errors.Is(err, errChallengeInvalid) {
		t.Fatalf("expected errChallengeInvalid for a redemption payment, got %v", err)
	}
}
