package fassets

import (
	"errors"
	"math/big"
	"testing"
)

func TestTransferChargesCurrentFee(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter, other := addr(1), addr(2), addr(3), addr(7)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)

	amount := big.NewInt(50_000_000)
	fee, err := env.engine.Transfer(minter, other, amount)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// 200 millionths of 5e7.
	if fee.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("fee = %s, want 10000", fee)
	}
	received, err := env.engine.BalanceOf(other)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if received.Cmp(amount) != 0 {
		t.Fatalf("recipient got %s, want %s", received, amount)
	}
	sender, err := env.engine.BalanceOf(minter)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	want := new(big.Int).Sub(env.engine.Settings().ConvertLotsToUBA(10), amount)
	want.Sub(want, fee)
	if sender.Cmp(want) != 0 {
		t.Fatalf("sender left with %s, want %s", sender, want)
	}
	// The fee sits in the pool until agents claim it; supply is unchanged.
	pool, err := env.engine.BalanceOf(feePoolAddress)
	if err != nil {
		t.Fatalf("pool balance: %v", err)
	}
	if pool.Cmp(fee) != 0 {
		t.Fatalf("fee pool holds %s, want %s", pool, fee)
	}
	supply, err := env.engine.TotalSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(env.engine.Settings().ConvertLotsToUBA(10)) != 0 {
		t.Fatalf("transfer must not change supply, got %s", supply)
	}
}

func TestScheduleTransferFeeUpdate(t *testing.T) {
	env := defaultTestEnv(t)

	if err := env.engine.ScheduleTransferFeeUpdate(FeeMillionthsScale+1, 0); !errors.Is(err, errFeeRateTooHigh) {
		t.Fatalf("expected errFeeRateTooHigh, got %v", err)
	}

	effective := env.now + 2*86_400
	if err := env.engine.ScheduleTransferFeeUpdate(500, effective); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Closer than the minimum interval to the previous update.
	if err := env.engine.ScheduleTransferFeeUpdate(600, effective+100); !errors.Is(err, errFeeUpdateTooClose) {
		t.Fatalf("expected errFeeUpdateTooClose, got %v", err)
	}

	rate, err := env.engine.CurrentTransferFeeMillionths()
	if err != nil {
		t.Fatalf("current rate: %v", err)
	}
	if rate != 200 {
		t.Fatalf("rate before the update = %d, want the default 200", rate)
	}
	env.advance(2*86_400 + 1)
	rate, err = env.engine.CurrentTransferFeeMillionths()
	if err != nil {
		t.Fatalf("current rate: %v", err)
	}
	if rate != 500 {
		t.Fatalf("rate after the update = %d, want 500", rate)
	}
}

func TestPastEffectiveTimestampAppliesImmediately(t *testing.T) {
	env := defaultTestEnv(t)
	if err := env.engine.ScheduleTransferFeeUpdate(500, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	rate, err := env.engine.CurrentTransferFeeMillionths()
	if err != nil {
		t.Fatalf("current rate: %v", err)
	}
	if rate != 500 {
		t.Fatalf("rate = %d, want 500 immediately", rate)
	}
}

func TestClaimSplitsFeesByTimeWeightedBacking(t *testing.T) {
	env := defaultTestEnv(t)
	ownerA, vaultA := addr(1), addr(2)
	ownerB, vaultB := addr(4), addr(5)
	minter, other := addr(3), addr(7)
	env.setupAgent(t, ownerA, vaultA, 0, 0)
	if _, err := env.engine.CreateAgent(ownerB, vaultB, env.addressProof("agent-underlying-2"), 0, 0); err != nil {
		t.Fatalf("create agent B: %v", err)
	}
	for kind, amount := range map[CollateralKind]*big.Int{
		CollateralVault:      bigWei(1, 24),
		CollateralPool:       bigWei(2, 24),
		CollateralPoolTokens: bigWei(1, 24),
	} {
		if err := env.engine.DepositCollateral(vaultB, kind, amount); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	env.mintLots(t, minter, vaultA, 10)
	env.mintLots(t, minter, vaultB, 30)
	if _, err := env.engine.Transfer(minter, other, big.NewInt(50_000_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// Complete the epoch: both agents carried their backing for its whole
	// duration, so fees split 1:3.
	env.advance(int64(env.engine.Settings().TransferFeeEpochDurationSeconds) + 10)
	claimedA, err := env.engine.ClaimTransferFees(ownerA, vaultA)
	if err != nil {
		t.Fatalf("claim A: %v", err)
	}
	if claimedA.Cmp(big.NewInt(2_500)) != 0 {
		t.Fatalf("agent A claimed %s, want 2500", claimedA)
	}
	claimedB, err := env.engine.ClaimTransferFees(ownerB, vaultB)
	if err != nil {
		t.Fatalf("claim B: %v", err)
	}
	if claimedB.Cmp(big.NewInt(7_500)) != 0 {
		t.Fatalf("agent B claimed %s, want 7500", claimedB)
	}
	ownerBalance, err := env.engine.BalanceOf(ownerA)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if ownerBalance.Cmp(claimedA) != 0 {
		t.Fatalf("owner A holds %s, want %s", ownerBalance, claimedA)
	}

	// A second claim finds nothing.
	again, err := env.engine.ClaimTransferFees(ownerA, vaultA)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if again.Sign() != 0 {
		t.Fatalf("second claim paid %s, want 0", again)
	}
}

func TestRedemptionStopsFeeAccrual(t *testing.T) {
	env := defaultTestEnv(t)
	ownerA, vaultA := addr(1), addr(2)
	ownerB, vaultB := addr(4), addr(5)
	minter, other := addr(3), addr(7)
	env.setupAgent(t, ownerA, vaultA, 0, 0)
	if _, err := env.engine.CreateAgent(ownerB, vaultB, env.addressProof("agent-underlying-2"), 0, 0); err != nil {
		t.Fatalf("create agent B: %v", err)
	}
	for kind, amount := range map[CollateralKind]*big.Int{
		CollateralVault:      bigWei(1, 24),
		CollateralPool:       bigWei(2, 24),
		CollateralPoolTokens: bigWei(1, 24),
	} {
		if err := env.engine.DepositCollateral(vaultB, kind, amount); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	env.mintLots(t, minter, vaultA, 10)
	env.mintLots(t, minter, vaultB, 10)
	if _, err := env.engine.Transfer(minter, other, big.NewInt(15_000_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// Halfway through the epoch agent A's backing is redeemed away; from then
	// on only agent B accrues.
	duration := int64(env.engine.Settings().TransferFeeEpochDurationSeconds)
	env.advance(duration / 2)
	if _, err := env.engine.Redeem(minter, 10, "redeemer-btc", [20]byte{}, nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	env.advance(duration/2 + 10)

	// 3000 UBA of fees, weights 1:2.
	claimedA, err := env.engine.ClaimTransferFees(ownerA, vaultA)
	if err != nil {
		t.Fatalf("claim A: %v", err)
	}
	if claimedA.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("agent A claimed %s, want 1000", claimedA)
	}
	claimedB, err := env.engine.ClaimTransferFees(ownerB, vaultB)
	if err != nil {
		t.Fatalf("claim B: %v", err)
	}
	if claimedB.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("agent B claimed %s, want 2000", claimedB)
	}
}

func TestExpiredEpochsAreNotClaimable(t *testing.T) {
	settings := DefaultSettings()
	settings.TransferFeeFirstEpochStartTs = testStart
	settings.TransferFeeClaimMaxUnexpiredEpochs = 2
	env := newTestEnv(t, settings)
	owner, vault := addr(1), addr(2)
	minter, other := addr(3), addr(7)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 10)
	if _, err := env.engine.Transfer(minter, other, big.NewInt(50_000_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// Sleep far past the expiry horizon: the epoch-0 fees are gone.
	env.advance(int64(settings.TransferFeeEpochDurationSeconds) * 5)
	claimed, err := env.engine.ClaimTransferFees(owner, vault)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Sign() != 0 {
		t.Fatalf("expired fees were paid out: %s", claimed)
	}
}
