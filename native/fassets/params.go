package fassets

import (
	"errors"
	"fmt"
	"strings"
)

// MaxBIPS is the basis-point scale used by every ratio in the protocol.
const MaxBIPS = 10_000

// FeeMillionthsScale is the scale for transfer fee rates.
const FeeMillionthsScale = 1_000_000

// CollateralKind enumerates the three collateral classes backing an agent.
type CollateralKind uint8

const (
	CollateralVault CollateralKind = iota
	CollateralPool
	CollateralPoolTokens
)

func (k CollateralKind) String() string {
	switch k {
	case CollateralVault:
		return "vault"
	case CollateralPool:
		return "pool"
	case CollateralPoolTokens:
		return "pool_tokens"
	default:
		return fmt.Sprintf("collateral(%d)", uint8(k))
	}
}

// CollateralClass describes one collateral token class and its ratio floors.
// Ratios are ordered: CCB < Minimum <= Safety <= Minting. An agent whose ratio
// sits below Minimum but at or above CCB is in the collateral call band; a
// ratio under CCB liquidates immediately.
type CollateralClass struct {
	Kind          CollateralKind
	TokenSymbol   string
	TokenDecimals uint8
	// MinCollateralRatioBIPS is the healthy floor; falling under it enters
	// the collateral call band.
	MinCollateralRatioBIPS uint32
	// CCBMinCollateralRatioBIPS bounds the band from below; falling under it
	// skips the band and starts liquidation.
	CCBMinCollateralRatioBIPS uint32
	// SafetyMinCollateralRatioBIPS is the exit ratio required to leave the
	// band or liquidation.
	SafetyMinCollateralRatioBIPS uint32
	// MintingMinCollateralRatioBIPS is the ratio new backing is locked at.
	MintingMinCollateralRatioBIPS uint32
}

// Settings bundles every protocol parameter consumed by the engine. The
// zero value is not usable; construct via DefaultSettings or config loading
// and run Validate before wiring into an engine.
type Settings struct {
	// Underlying chain identity and granularity.
	SourceChainID              string
	AssetSymbol                string
	AssetDecimals              uint8
	AssetMintingGranularityUBA uint64
	LotSizeAMG                 uint64

	CollateralClasses []CollateralClass

	// Minting.
	CollateralReservationFeeBIPS uint32
	UnderlyingBlocksForPayment   uint64
	UnderlyingSecondsForPayment  uint64
	AttestationWindowSeconds     uint64

	// Redemption.
	RedemptionFeeBIPS                uint32
	MaxRedeemedTickets               int
	RedemptionDefaultFactorVaultBIPS uint32
	RedemptionDefaultFactorPoolBIPS  uint32
	ConfirmationByOthersAfterSeconds uint64
	ConfirmationByOthersRewardWei    uint64
	HandshakeEnabled                 bool
	RejectRedemptionWindowSeconds    uint64
	TakeOverRedemptionWindowSeconds  uint64

	// Liquidation.
	CCBTimeSeconds         uint64
	LiquidationStepSeconds uint64
	// Flat native-currency reward for a successful illegal payment challenge,
	// paid from the challenged agent's vault collateral.
	ChallengeRewardWei uint64
	// Premium factors per liquidation phase, in BIPS of the redeemed value.
	// Values above MaxBIPS pay the liquidator a premium.
	LiquidationFactorBIPS []uint32

	// Proof consumption.
	MaxProofAgeSeconds uint64

	// Transfer fees.
	TransferFeeMillionths               uint32
	TransferFeeEpochDurationSeconds     uint64
	TransferFeeFirstEpochStartTs        int64
	TransferFeeClaimMaxUnexpiredEpochs  uint64
	TransferFeeUpdateMinIntervalSeconds uint64
}

// DefaultSettings returns a parameter set suitable for local runs and tests:
// a BTC-like underlying with satoshi base units and 10k-satoshi granularity.
func DefaultSettings() Settings {
	return Settings{
		SourceChainID:              "testBTC",
		AssetSymbol:                "BTC",
		AssetDecimals:              8,
		AssetMintingGranularityUBA: 10_000,
		LotSizeAMG:                 1_000,
		CollateralClasses: []CollateralClass{
			{
				Kind:                          CollateralVault,
				TokenSymbol:                   "USDC",
				TokenDecimals:                 18,
				MinCollateralRatioBIPS:        14_000,
				CCBMinCollateralRatioBIPS:     13_000,
				SafetyMinCollateralRatioBIPS:  15_000,
				MintingMinCollateralRatioBIPS: 16_000,
			},
			{
				Kind:                          CollateralPool,
				TokenSymbol:                   "NAT",
				TokenDecimals:                 18,
				MinCollateralRatioBIPS:        20_000,
				CCBMinCollateralRatioBIPS:     19_000,
				SafetyMinCollateralRatioBIPS:  21_000,
				MintingMinCollateralRatioBIPS: 23_000,
			},
			{
				Kind:                          CollateralPoolTokens,
				TokenSymbol:                   "NAT",
				TokenDecimals:                 18,
				MinCollateralRatioBIPS:        2_000,
				CCBMinCollateralRatioBIPS:     1_500,
				SafetyMinCollateralRatioBIPS:  2_500,
				MintingMinCollateralRatioBIPS: 3_000,
			},
		},
		CollateralReservationFeeBIPS:        100,
		UnderlyingBlocksForPayment:          500,
		UnderlyingSecondsForPayment:         3_600,
		AttestationWindowSeconds:            86_400,
		RedemptionFeeBIPS:                   200,
		MaxRedeemedTickets:                  20,
		RedemptionDefaultFactorVaultBIPS:    11_000,
		RedemptionDefaultFactorPoolBIPS:     1_000,
		ConfirmationByOthersAfterSeconds:    6 * 3_600,
		ConfirmationByOthersRewardWei:       100,
		HandshakeEnabled:                    false,
		RejectRedemptionWindowSeconds:       120,
		TakeOverRedemptionWindowSeconds:     1_200,
		CCBTimeSeconds:                      1_200,
		LiquidationStepSeconds:              1_800,
		ChallengeRewardWei:                  300,
		LiquidationFactorBIPS:               []uint32{10_500, 11_000, 12_000},
		MaxProofAgeSeconds:                  2 * 86_400,
		TransferFeeMillionths:               200,
		TransferFeeEpochDurationSeconds:     7 * 86_400,
		TransferFeeFirstEpochStartTs:        0,
		TransferFeeClaimMaxUnexpiredEpochs:  12,
		TransferFeeUpdateMinIntervalSeconds: 86_400,
	}
}

var (
	errNoCollateralClasses = errors.New("fassets: settings require the vault, pool and pool-token collateral classes")
	errRatioOrder          = errors.New("fassets: collateral ratios must satisfy ccb < min <= safety <= minting")
)

// Validate checks internal consistency of the parameter set.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.SourceChainID) == "" {
		return errors.New("fassets: settings source chain id required")
	}
	if strings.TrimSpace(s.AssetSymbol) == "" {
		return errors.New("fassets: settings asset symbol required")
	}
	if s.AssetMintingGranularityUBA == 0 {
		return errors.New("fassets: asset minting granularity must be positive")
	}
	if s.LotSizeAMG == 0 {
		return errors.New("fassets: lot size must be positive")
	}
	if len(s.CollateralClasses) != 3 {
		return errNoCollateralClasses
	}
	seen := map[CollateralKind]bool{}
	for _, class := range s.CollateralClasses {
		if seen[class.Kind] {
			return fmt.Errorf("fassets: duplicate collateral class %s", class.Kind)
		}
		seen[class.Kind] = true
		if strings.TrimSpace(class.TokenSymbol) == "" {
			return fmt.Errorf("fassets: collateral class %s requires a token symbol", class.Kind)
		}
		if class.CCBMinCollateralRatioBIPS >= class.MinCollateralRatioBIPS ||
			class.MinCollateralRatioBIPS > class.SafetyMinCollateralRatioBIPS ||
			class.SafetyMinCollateralRatioBIPS > class.MintingMinCollateralRatioBIPS {
			return errRatioOrder
		}
	}
	if !seen[CollateralVault] || !seen[CollateralPool] || !seen[CollateralPoolTokens] {
		return errNoCollateralClasses
	}
	if s.MaxRedeemedTickets <= 0 {
		return errors.New("fassets: max redeemed tickets must be positive")
	}
	if s.UnderlyingBlocksForPayment == 0 || s.UnderlyingSecondsForPayment == 0 {
		return errors.New("fassets: underlying payment window must be positive")
	}
	if len(s.LiquidationFactorBIPS) == 0 {
		return errors.New("fassets: at least one liquidation factor required")
	}
	for i, factor := range s.LiquidationFactorBIPS {
		if factor < MaxBIPS {
			return fmt.Errorf("fassets: liquidation factor %d below par", factor)
		}
		if i > 0 && factor < s.LiquidationFactorBIPS[i-1] {
			return errors.New("fassets: liquidation factors must not decrease across phases")
		}
	}
	if s.TransferFeeMillionths > FeeMillionthsScale {
		return errors.New("fassets: transfer fee rate out of range")
	}
	if s.TransferFeeEpochDurationSeconds == 0 {
		return errors.New("fassets: transfer fee epoch duration must be positive")
	}
	return nil
}

// Class returns the collateral class descriptor for the given kind.
func (s Settings) Class(kind CollateralKind) (CollateralClass, bool) {
	for _, class := range s.CollateralClasses {
		if class.Kind == kind {
			return class, true
		}
	}
	return CollateralClass{}, false
}
