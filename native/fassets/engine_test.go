package fassets

import (
	"errors"
	"math/big"
	"testing"

	"fassetd/core/events"
	"fassetd/core/state"
	"fassetd/storage"
)

const testStart int64 = 1_700_000_000

// stubVerifier accepts every proof unless the kind is listed in reject.
type stubVerifier struct {
	reject map[ProofKind]bool
}

func (v stubVerifier) Verify(kind ProofKind, proof any) bool { return !v.reject[kind] }

type testEnv struct {
	engine  *Engine
	state   *state.Manager
	oracle  *StaticOracle
	emitter *events.MemoryEmitter
	now     int64
}

func (env *testEnv) advance(seconds int64) { env.now += seconds }

func newTestEnv(t *testing.T, settings Settings) *testEnv {
	t.Helper()
	engine, err := NewEngine(settings)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env := &testEnv{
		engine:  engine,
		state:   state.NewManager(storage.NewMemDB()),
		oracle:  NewStaticOracle(),
		emitter: events.NewMemoryEmitter(64),
		now:     testStart,
	}
	engine.SetState(env.state)
	engine.SetOracle(env.oracle)
	engine.SetVerifier(stubVerifier{})
	engine.SetEmitter(env.emitter)
	engine.SetNowFunc(func() int64 { return env.now })
	env.setPrices(50_000, 1, 1)
	return env
}

func defaultTestEnv(t *testing.T) *testEnv {
	t.Helper()
	settings := DefaultSettings()
	settings.TransferFeeFirstEpochStartTs = testStart
	return newTestEnv(t, settings)
}

// setPrices installs whole-USD quotes (5 decimal places) for the underlying
// asset and both collateral tokens.
func (env *testEnv) setPrices(btc, usdc, nat int64) {
	scale := big.NewInt(100_000)
	env.oracle.SetPrice("BTC", new(big.Int).Mul(big.NewInt(btc), scale), 5, env.now)
	env.oracle.SetPrice("USDC", new(big.Int).Mul(big.NewInt(usdc), scale), 5, env.now)
	env.oracle.SetPrice("NAT", new(big.Int).Mul(big.NewInt(nat), scale), 5, env.now)
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func bigWei(base int64, exp int64) *big.Int {
	out := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
	return out.Mul(out, big.NewInt(base))
}

func (env *testEnv) fundNat(t *testing.T, who [20]byte, wei *big.Int) {
	t.Helper()
	acc, err := env.state.GetAccount(who[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	acc.BalanceNatWei.Add(acc.BalanceNatWei, wei)
	if err := env.state.PutAccount(who[:], acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
}

func (env *testEnv) addressProof(address string) *AddressValidityProof {
	return &AddressValidityProof{ChainID: "testBTC", Address: address, IsValid: true}
}

func (env *testEnv) advanceUnderlying(t *testing.T, block uint64) {
	t.Helper()
	err := env.engine.UpdateCurrentUnderlyingBlock(&BlockHeightProof{
		ChainID:        "testBTC",
		BlockNumber:    block,
		BlockTimestamp: env.now,
	})
	if err != nil {
		t.Fatalf("update underlying block: %v", err)
	}
}

// setupAgent registers an agent with ample collateral in all three classes.
func (env *testEnv) setupAgent(t *testing.T, owner, vault [20]byte, feeBIPS, poolFeeShareBIPS uint32) *Agent {
	t.Helper()
	agent, err := env.engine.CreateAgent(owner, vault, env.addressProof("agent-underlying-1"), feeBIPS, poolFeeShareBIPS)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := env.engine.DepositCollateral(vault, CollateralVault, bigWei(1, 24)); err != nil {
		t.Fatalf("deposit vault collateral: %v", err)
	}
	if err := env.engine.DepositCollateral(vault, CollateralPool, bigWei(2, 24)); err != nil {
		t.Fatalf("deposit pool collateral: %v", err)
	}
	if err := env.engine.DepositCollateral(vault, CollateralPoolTokens, bigWei(1, 24)); err != nil {
		t.Fatalf("deposit pool tokens: %v", err)
	}
	return agent
}

// mintLots walks a reservation through a successful minting for the given
// number of lots and returns the reservation that was executed.
func (env *testEnv) mintLots(t *testing.T, minter, vault [20]byte, lots uint64) *CollateralReservation {
	t.Helper()
	env.advanceUnderlying(t, 100)
	env.fundNat(t, minter, bigWei(1, 24))
	cr, err := env.engine.ReserveCollateral(minter, vault, lots, MaxBIPS, [20]byte{}, nil)
	if err != nil {
		t.Fatalf("reserve collateral: %v", err)
	}
	agent, err := env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	paid := new(big.Int).Add(env.engine.Settings().ConvertAMGToUBA(cr.ValueAMG), cr.FeeUBA)
	err = env.engine.ExecuteMinting(&PaymentProof{
		ChainID:              "testBTC",
		BlockNumber:          cr.FirstUnderlyingBlock + 1,
		BlockTimestamp:       env.now,
		ReceivingAddressHash: agent.UnderlyingAddressHash,
		SpentAmountUBA:       paid,
		ReceivedAmountUBA:    paid,
		PaymentReference:     cr.PaymentReference,
		Status:               PaymentStatusSuccess,
	}, cr.ID)
	if err != nil {
		t.Fatalf("execute minting: %v", err)
	}
	return cr
}

func TestCreateAgentRejectsInvalidAddressProof(t *testing.T) {
	env := defaultTestEnv(t)
	proof := env.addressProof("not-an-address")
	proof.IsValid = false
	if _, err := env.engine.CreateAgent(addr(1), addr(2), proof, 0, 0); err == nil {
		t.Fatalf("expected invalid address proof to be rejected")
	}
}

func TestCreateAgentRejectsDuplicateVault(t *testing.T) {
	env := defaultTestEnv(t)
	if _, err := env.engine.CreateAgent(addr(1), addr(2), env.addressProof("addr-1"), 0, 0); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := env.engine.CreateAgent(addr(1), addr(2), env.addressProof("addr-2"), 0, 0); !errors.Is(err, errAgentExists) {
		t.Fatalf("expected errAgentExists, got %v", err)
	}
}

func TestDestroyAgentRequiresEmptyPosition(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 0, 0)
	env.mintLots(t, minter, vault, 2)

	if err := env.engine.DestroyAgent(owner, vault); !errors.Is(err, errAgentNotEmpty) {
		t.Fatalf("expected errAgentNotEmpty, got %v", err)
	}
}

func TestPaymentReferencesAreDomainSeparated(t *testing.T) {
	if MintingPaymentReference(7) == RedemptionPaymentReference(7) {
		t.Fatalf("minting and redemption references must differ for equal ids")
	}
	if MintingPaymentReference(7) == MintingPaymentReference(8) {
		t.Fatalf("references must differ per id")
	}
}

func TestUnderlyingCursorIsMonotonic(t *testing.T) {
	env := defaultTestEnv(t)
	env.advanceUnderlying(t, 100)
	env.advanceUnderlying(t, 90) // ignored, older than the cursor
	env.fundNat(t, addr(3), bigWei(1, 24))
	env.setupAgent(t, addr(1), addr(2), 0, 0)
	cr, err := env.engine.ReserveCollateral(addr(3), addr(2), 1, MaxBIPS, [20]byte{}, nil)
	if err != nil {
		t.Fatalf("reserve collateral: %v", err)
	}
	if cr.FirstUnderlyingBlock != 100 {
		t.Fatalf("cursor regressed: first underlying block = %d, want 100", cr.FirstUnderlyingBlock)
	}
}

func TestSequenceNumbersNeverRepeat(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault := addr(1), addr(2)
	env.setupAgent(t, owner, vault, 0, 0)
	env.advanceUnderlying(t, 100)
	env.fundNat(t, addr(3), bigWei(1, 24))

	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		cr, err := env.engine.ReserveCollateral(addr(3), vault, 1, MaxBIPS, [20]byte{}, nil)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if cr.ID == 0 {
			t.Fatalf("reservation id must never be zero")
		}
		if seen[cr.ID] {
			t.Fatalf("reservation id %d repeated", cr.ID)
		}
		seen[cr.ID] = true
	}
}

// Conservation: every FAsset in circulation is backed by exactly one AMG of
// agent backing across tickets and dust.
func TestSupplyMatchesMintedBacking(t *testing.T) {
	env := defaultTestEnv(t)
	owner, vault, minter := addr(1), addr(2), addr(3)
	env.setupAgent(t, owner, vault, 1_000, 5_000)
	env.mintLots(t, minter, vault, 4)

	agent, err := env.engine.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	supply, err := env.engine.TotalSupply()
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	backing := env.engine.Settings().ConvertAMGToUBA(agent.MintedAMG)
	if supply.Cmp(backing) != 0 {
		t.Fatalf("supply %s does not match minted backing %s", supply, backing)
	}
	queued, err := env.engine.queueValueOfAgent(vault)
	if err != nil {
		t.Fatalf("queue value: %v", err)
	}
	if queued+agent.DustAMG != agent.MintedAMG {
		t.Fatalf("tickets (%d) + dust (%d) != minted (%d)", queued, agent.DustAMG, agent.MintedAMG)
	}
}
