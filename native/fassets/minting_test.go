package fassets

import (
	"errors"
	"math/big"
	"testing"
)

func TestReserveCollateralChecksFreeLots(t *testing.T) {
	env := defaultTestEnv(t)
	vault, minter := addr(2), addr(3)
	env.setupAgent(t, addr(1), vault, 0, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))

	// Vault collateral of 1e24 wei at a $50k asset and 160% minting ratio
	// supports 125 lots.
	if _, err := env.engine.ReserveCollateral(minter, vault, 126, MaxBIPS, [20]byte{}, nil); !errors.Is(err, errNotEnoughFreeLots) {
		t.Fatalf("expected errNotEnoughFreeLots, got %v", err)
	}
	if _, err := env.engine.ReserveCollateral(minter, vault, 125, MaxBIPS, [20]byte{}, nil); err != nil {
		t.Fatalf("reserving the full free amount should work: %v", err)
	}
}

func TestReserveCollateralHonoursAgentFeeCap(t *testing.T) {
	env := defaultTestEnv(t)
	vault, minter := addr(2), addr(3)
	env.setupAgent(t, addr(1), vault, 1_000, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))

	if _, err := env.engine.ReserveCollateral(minter, vault, 1, 500, [20]byte{}, nil); !errors.Is(err, errAgentFeeTooHigh) {
		t.Fatalf("expected errAgentFeeTooHigh, got %v", err)
	}
}

func TestExecuteMintingHappyPath(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 1_000, 5_000)
	cr := env.mintLots(t, minter, vault, 2)

	settings := env.engine.Settings()
	valueUBA := settings.ConvertAMGToUBA(cr.ValueAMG)
	balance, err := env.engine.BalanceOf(minter)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(valueUBA) != 0 {
		t.Fatalf("minter balance = %s, want %s", balance, valueUBA)
	}

	agent, err := env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.ReservedAMG != 0 {
		t.Fatalf("reservation not released: reserved = %d", agent.ReservedAMG)
	}
	// 10% fee on 2 lots, half to the pool: 100 AMG of extra minted backing.
	if agent.MintedAMG != cr.ValueAMG+100 {
		t.Fatalf("minted = %d, want %d", agent.MintedAMG, cr.ValueAMG+100)
	}
	if agent.DustAMG != 100 {
		t.Fatalf("dust = %d, want the sub-lot pool fee of 100 AMG", agent.DustAMG)
	}
	// The agent's half of the fee lands on the underlying free balance.
	wantFree := new(big.Int).Sub(cr.FeeUBA, settings.ConvertAMGToUBA(100))
	if agent.UnderlyingFreeBalanceUBA.Cmp(wantFree) != 0 {
		t.Fatalf("free balance = %s, want %s", agent.UnderlyingFreeBalanceUBA, wantFree)
	}
	// Pool fee share minted to the collateral pool.
	poolBalance, err := env.engine.BalanceOf(vault)
	if err != nil {
		t.Fatalf("pool balance: %v", err)
	}
	if poolBalance.Cmp(settings.ConvertAMGToUBA(100)) != 0 {
		t.Fatalf("pool fee tokens = %s, want %s", poolBalance, settings.ConvertAMGToUBA(100))
	}
	// Reservation fee became pool backing.
	if agent.PoolCollateralWei.Cmp(bigWei(2, 24)) <= 0 {
		t.Fatalf("reservation fee not credited to pool collateral")
	}
	if _, err := env.engine.GetCollateralReservation(cr.ID); !errors.Is(err, errReservationNotFound) {
		t.Fatalf("reservation should be deleted, got %v", err)
	}
}

func TestExecuteMintingRejectsWrongReference(t *testing.T) {
	env := defaultTestEnv(t)
	vault, minter := addr(2), addr(3)
	env.setupAgent(t, addr(1), vault, 0, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))
	cr, err := env.engine.ReserveCollateral(minter, vault, 1, MaxBIPS, [20]byte{}, nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	agent, _ := env.engine.GetAgent(vault)
	paid := new(big.Int).Add(env.engine.Settings().ConvertAMGToUBA(cr.ValueAMG), cr.FeeUBA)
	err = env.engine.ExecuteMinting(&PaymentProof{
		ChainID:              "testBTC",
		BlockNumber:          cr.FirstUnderlyingBlock + 1,
		BlockTimestamp:       env.now,
		ReceivingAddressHash: agent.UnderlyingAddressHash,
		ReceivedAmountUBA:    paid,
		PaymentReference:     MintingPaymentReference(cr.ID + 1),
		Status:               PaymentStatusSuccess,
	}, cr.ID)
	if !errors.Is(err, errPaymentMismatch) {
		t.Fatalf("expected errPaymentMismatch, got %v", err)
	}
}

func TestExecuteMintingRejectsLatePayment(t *testing.T) {
	env := defaultTestEnv(t)
	vault, minter := addr(2), addr(3)
	env.setupAgent(t, addr(1), vault, 0, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))
	cr, err := env.engine.ReserveCollateral(minter, vault, 1, MaxBIPS, [20]byte{}, nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	agent, _ := env.engine.GetAgent(vault)
	env.advance(2 * 3_600)
	paid := new(big.Int).Add(env.engine.Settings().ConvertAMGToUBA(cr.ValueAMG), cr.FeeUBA)
	err = env.engine.ExecuteMinting(&PaymentProof{
		ChainID:              "testBTC",
		BlockNumber:          cr.LastUnderlyingBlock + 1,
		BlockTimestamp:       env.now,
		ReceivingAddressHash: agent.UnderlyingAddressHash,
		ReceivedAmountUBA:    paid,
		PaymentReference:     cr.PaymentReference,
		Status:               PaymentStatusSuccess,
	}, cr.ID)
	if !errors.Is(err, errPaymentLate) {
		t.Fatalf("expected errPaymentLate, got %v", err)
	}
}

func TestMintingPaymentDefaultReleasesReservation(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))
	executorFee := bigWei(5, 18)
	cr, err := env.engine.ReserveCollateral(minter, vault, 2, MaxBIPS, addr(9), executorFee)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	env.advance(2 * 3_600)
	agent, _ := env.engine.GetAgent(vault)
	err = env.engine.MintingPaymentDefault(owner, &NonexistenceProof{
		ChainID:                     "testBTC",
		DestinationAddressHash:      agent.UnderlyingAddressHash,
		AmountUBA:                   new(big.Int).Add(env.engine.Settings().ConvertAMGToUBA(cr.ValueAMG), cr.FeeUBA),
		PaymentReference:            cr.PaymentReference,
		FirstOverflowBlockNumber:    cr.LastUnderlyingBlock + 1,
		FirstOverflowBlockTimestamp: cr.LastUnderlyingTimestamp + 1,
	}, cr.ID)
	if err != nil {
		t.Fatalf("minting payment default: %v", err)
	}

	agent, err = env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.ReservedAMG != 0 {
		t.Fatalf("reserved backing not released: %d", agent.ReservedAMG)
	}
	if agent.MintedAMG != 0 {
		t.Fatalf("no backing should be minted after a default, got %d", agent.MintedAMG)
	}
	// The reservation fee compensates the agent owner; the executor fee goes
	// back to the minter.
	ownerNat, err := env.engine.NatBalanceOf(owner)
	if err != nil {
		t.Fatalf("owner nat: %v", err)
	}
	if ownerNat.Cmp(cr.ReservationFeeNatWei) != 0 {
		t.Fatalf("owner compensation = %s, want %s", ownerNat, cr.ReservationFeeNatWei)
	}
	minterNat, err := env.engine.NatBalanceOf(minter)
	if err != nil {
		t.Fatalf("minter nat: %v", err)
	}
	spent := new(big.Int).Sub(bigWei(1, 24), cr.ReservationFeeNatWei)
	if minterNat.Cmp(spent) != 0 {
		t.Fatalf("minter should get the executor fee back: have %s, want %s", minterNat, spent)
	}
	if _, err := env.engine.GetCollateralReservation(cr.ID); !errors.Is(err, errReservationNotFound) {
		t.Fatalf("reservation should be deleted, got %v", err)
	}
}

func TestMintingPaymentDefaultRequiresExpiredDeadline(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))
	cr, err := env.engine.ReserveCollateral(minter, vault, 1, MaxBIPS, [20]byte{}, nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	agent, _ := env.engine.GetAgent(vault)
	err = env.engine.MintingPaymentDefault(owner, &NonexistenceProof{
		ChainID:                     "testBTC",
		DestinationAddressHash:      agent.UnderlyingAddressHash,
		AmountUBA:                   new(big.Int).Add(env.engine.Settings().ConvertAMGToUBA(cr.ValueAMG), cr.FeeUBA),
		PaymentReference:            cr.PaymentReference,
		FirstOverflowBlockNumber:    cr.LastUnderlyingBlock, // not past the deadline
		FirstOverflowBlockTimestamp: cr.LastUnderlyingTimestamp,
	}, cr.ID)
	if !errors.Is(err, errDeadlineNotPassed) {
		t.Fatalf("expected errDeadlineNotPassed, got %v", err)
	}
}

func TestUnstickMintingBurnsReservationFee(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))
	cr, err := env.engine.ReserveCollateral(minter, vault, 1, MaxBIPS, [20]byte{}, nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := env.engine.UnstickMinting(owner, cr.ID); !errors.Is(err, errAttestationWindowOpen) {
		t.Fatalf("expected errAttestationWindowOpen, got %v", err)
	}
	env.advance(int64(env.engine.Settings().AttestationWindowSeconds) + 1)
	if err := env.engine.UnstickMinting(owner, cr.ID); err != nil {
		t.Fatalf("unstick: %v", err)
	}
	ownerNat, err := env.engine.NatBalanceOf(owner)
	if err != nil {
		t.Fatalf("owner nat: %v", err)
	}
	if ownerNat.Sign() != 0 {
		t.Fatalf("unstick must burn the reservation fee, but owner got %s", ownerNat)
	}
}
