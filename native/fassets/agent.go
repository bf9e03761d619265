package fassets

import (
	"fmt"
	"math/big"
	"strings"
)

// AgentStatus tracks where an agent sits in the liquidation lifecycle.
type AgentStatus uint8

const (
	AgentNormal AgentStatus = iota
	AgentCCB
	AgentLiquidation
	AgentFullLiquidation
)

func (s AgentStatus) String() string {
	switch s {
	case AgentNormal:
		return "NORMAL"
	case AgentCCB:
		return "CCB"
	case AgentLiquidation:
		return "LIQUIDATION"
	case AgentFullLiquidation:
		return "FULL_LIQUIDATION"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s AgentStatus) Valid() bool {
	return s <= AgentFullLiquidation
}

// Agent is the per-vault position record: the AMG counters backing minted
// FAssets, the collateral balances across the three classes and the
// liquidation bookkeeping. All AMG counters are non-negative; the underlying
// free balance is signed and going negative is a liquidation trigger.
type Agent struct {
	Vault                 [20]byte
	Owner                 [20]byte
	UnderlyingAddress     string
	UnderlyingAddressHash [32]byte

	ReservedAMG      uint64
	MintedAMG        uint64
	RedeemingAMG     uint64
	PoolRedeemingAMG uint64
	DustAMG          uint64

	UnderlyingFreeBalanceUBA *big.Int

	Status               AgentStatus
	CCBStartedAt         int64
	LiquidationStartedAt int64

	VaultCollateralWei *big.Int
	PoolCollateralWei  *big.Int
	PoolTokensWei      *big.Int

	AnnouncedVaultWithdrawalWei      *big.Int
	AnnouncedPoolTokensWithdrawalWei *big.Int

	// Optional per-class minting ratio overrides, indexed by CollateralKind.
	// Zero means the settings default applies.
	MintingRatioOverrideBIPS [3]uint32

	FeeBIPS          uint32
	PoolFeeShareBIPS uint32

	CreatedAt int64
}

// Ensure backfills nil big.Int fields on a freshly decoded agent.
func (a *Agent) Ensure() *Agent {
	if a == nil {
		return nil
	}
	if a.UnderlyingFreeBalanceUBA == nil {
		a.UnderlyingFreeBalanceUBA = big.NewInt(0)
	}
	if a.VaultCollateralWei == nil {
		a.VaultCollateralWei = big.NewInt(0)
	}
	if a.PoolCollateralWei == nil {
		a.PoolCollateralWei = big.NewInt(0)
	}
	if a.PoolTokensWei == nil {
		a.PoolTokensWei = big.NewInt(0)
	}
	if a.AnnouncedVaultWithdrawalWei == nil {
		a.AnnouncedVaultWithdrawalWei = big.NewInt(0)
	}
	if a.AnnouncedPoolTokensWithdrawalWei == nil {
		a.AnnouncedPoolTokensWithdrawalWei = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	clone.UnderlyingFreeBalanceUBA = cloneBig(a.UnderlyingFreeBalanceUBA)
	clone.VaultCollateralWei = cloneBig(a.VaultCollateralWei)
	clone.PoolCollateralWei = cloneBig(a.PoolCollateralWei)
	clone.PoolTokensWei = cloneBig(a.PoolTokensWei)
	clone.AnnouncedVaultWithdrawalWei = cloneBig(a.AnnouncedVaultWithdrawalWei)
	clone.AnnouncedPoolTokensWithdrawalWei = cloneBig(a.AnnouncedPoolTokensWithdrawalWei)
	return &clone
}

// BackedAMG returns the total AMG the agent's collateral must currently cover.
func (a *Agent) BackedAMG() uint64 {
	return a.MintedAMG + a.ReservedAMG + a.RedeemingAMG + a.PoolRedeemingAMG
}

// CollateralOfClass returns the full collateral balance for the given class.
func (a *Agent) CollateralOfClass(kind CollateralKind) *big.Int {
	switch kind {
	case CollateralVault:
		return a.VaultCollateralWei
	case CollateralPool:
		return a.PoolCollateralWei
	case CollateralPoolTokens:
		return a.PoolTokensWei
	default:
		return big.NewInt(0)
	}
}

// AnnouncedWithdrawalOfClass returns the announced withdrawal for the class.
// Pool collateral withdrawals go through pool token redemption, so only the
// vault and pool-token classes carry an announcement.
func (a *Agent) AnnouncedWithdrawalOfClass(kind CollateralKind) *big.Int {
	switch kind {
	case CollateralVault:
		return a.AnnouncedVaultWithdrawalWei
	case CollateralPoolTokens:
		return a.AnnouncedPoolTokensWithdrawalWei
	default:
		return big.NewInt(0)
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// --- storage codec ---

// RLP cannot encode signed or nil big integers, so stored records carry
// decimal strings for amounts that may be negative and raw bytes otherwise.

type storedAgent struct {
	Vault                 [20]byte
	Owner                 [20]byte
	UnderlyingAddress     string
	UnderlyingAddressHash [32]byte

	ReservedAMG      uint64
	MintedAMG        uint64
	RedeemingAMG     uint64
	PoolRedeemingAMG uint64
	DustAMG          uint64

	UnderlyingFreeBalanceUBA string

	Status               uint8
	CCBStartedAt         uint64
	LiquidationStartedAt uint64

	VaultCollateralWei []byte
	PoolCollateralWei  []byte
	PoolTokensWei      []byte

	AnnouncedVaultWithdrawalWei      []byte
	AnnouncedPoolTokensWithdrawalWei []byte

	MintingRatioOverrideBIPS [3]uint32

	FeeBIPS          uint32
	PoolFeeShareBIPS uint32

	CreatedAt uint64
}

func toStoredAgent(a *Agent) storedAgent {
	a = a.Ensure()
	return storedAgent{
		Vault:                            a.Vault,
		Owner:                            a.Owner,
		UnderlyingAddress:                a.UnderlyingAddress,
		UnderlyingAddressHash:            a.UnderlyingAddressHash,
		ReservedAMG:                      a.ReservedAMG,
		MintedAMG:                        a.MintedAMG,
		RedeemingAMG:                     a.RedeemingAMG,
		PoolRedeemingAMG:                 a.PoolRedeemingAMG,
		DustAMG:                          a.DustAMG,
		UnderlyingFreeBalanceUBA:         a.UnderlyingFreeBalanceUBA.String(),
		Status:                           uint8(a.Status),
		CCBStartedAt:                     uint64(max64(a.CCBStartedAt, 0)),
		LiquidationStartedAt:             uint64(max64(a.LiquidationStartedAt, 0)),
		VaultCollateralWei:               a.VaultCollateralWei.Bytes(),
		PoolCollateralWei:                a.PoolCollateralWei.Bytes(),
		PoolTokensWei:                    a.PoolTokensWei.Bytes(),
		AnnouncedVaultWithdrawalWei:      a.AnnouncedVaultWithdrawalWei.Bytes(),
		AnnouncedPoolTokensWithdrawalWei: a.AnnouncedPoolTokensWithdrawalWei.Bytes(),
		MintingRatioOverrideBIPS:         a.MintingRatioOverrideBIPS,
		FeeBIPS:                          a.FeeBIPS,
		PoolFeeShareBIPS:                 a.PoolFeeShareBIPS,
		CreatedAt:                        uint64(max64(a.CreatedAt, 0)),
	}
}

func fromStoredAgent(s storedAgent) (*Agent, error) {
	free, err := parseSignedAmount(s.UnderlyingFreeBalanceUBA)
	if err != nil {
		return nil, fmt.Errorf("fassets: corrupt agent record: %w", err)
	}
	agent := &Agent{
		Vault:                            s.Vault,
		Owner:                            s.Owner,
		UnderlyingAddress:                s.UnderlyingAddress,
		UnderlyingAddressHash:            s.UnderlyingAddressHash,
		ReservedAMG:                      s.ReservedAMG,
		MintedAMG:                        s.MintedAMG,
		RedeemingAMG:                     s.RedeemingAMG,
		PoolRedeemingAMG:                 s.PoolRedeemingAMG,
		DustAMG:                          s.DustAMG,
		UnderlyingFreeBalanceUBA:         free,
		Status:                           AgentStatus(s.Status),
		CCBStartedAt:                     int64(s.CCBStartedAt),
		LiquidationStartedAt:             int64(s.LiquidationStartedAt),
		VaultCollateralWei:               new(big.Int).SetBytes(s.VaultCollateralWei),
		PoolCollateralWei:                new(big.Int).SetBytes(s.PoolCollateralWei),
		PoolTokensWei:                    new(big.Int).SetBytes(s.PoolTokensWei),
		AnnouncedVaultWithdrawalWei:      new(big.Int).SetBytes(s.AnnouncedVaultWithdrawalWei),
		AnnouncedPoolTokensWithdrawalWei: new(big.Int).SetBytes(s.AnnouncedPoolTokensWithdrawalWei),
		MintingRatioOverrideBIPS:         s.MintingRatioOverrideBIPS,
		FeeBIPS:                          s.FeeBIPS,
		PoolFeeShareBIPS:                 s.PoolFeeShareBIPS,
		CreatedAt:                        int64(s.CreatedAt),
	}
	if !agent.Status.Valid() {
		return nil, fmt.Errorf("fassets: corrupt agent record: invalid status %d", s.Status)
	}
	return agent.Ensure(), nil
}

func parseSignedAmount(v string) (*big.Int, error) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	out, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", v)
	}
	return out, nil
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
