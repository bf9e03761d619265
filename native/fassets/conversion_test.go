package fassets

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalcAMGPrice(t *testing.T) {
	settings := DefaultSettings()
	vaultClass, ok := settings.Class(CollateralVault)
	require.True(t, ok)

	// BTC at $50,000 against an 18-decimal $1 stable token: one AMG is
	// 10,000 satoshi = 1e-4 BTC = $5 = 5e18 token wei.
	price := CalcAMGPrice(settings, vaultClass, big.NewInt(5_000_000_000), 5, big.NewInt(100_000), 5)
	require.Equal(t, "5000000000000000000", ConvertAMGToTokenWei(1, price).String())

	// Halving the asset price halves the AMG price.
	half := CalcAMGPrice(settings, vaultClass, big.NewInt(2_500_000_000), 5, big.NewInt(100_000), 5)
	require.Equal(t, "2500000000000000000", ConvertAMGToTokenWei(1, half).String())

	// Mixed decimal scales agree with the same economic quote.
	rescaled := CalcAMGPrice(settings, vaultClass, big.NewInt(50_000), 0, big.NewInt(1_000_000_00), 8)
	require.Equal(t, price.Value.String(), rescaled.Value.String())

	// A zero token price yields a zero rate instead of dividing by zero.
	zero := CalcAMGPrice(settings, vaultClass, big.NewInt(5_000_000_000), 5, big.NewInt(0), 5)
	require.Zero(t, zero.Value.Sign())
}

func TestAMGTokenWeiRoundTrip(t *testing.T) {
	price := AMGPrice{Value: new(big.Int).Mul(big.NewInt(5), amgPriceScale)}

	wei := ConvertAMGToTokenWei(2_000, price)
	require.Equal(t, "10000", wei.String())
	require.Equal(t, uint64(2_000), ConvertTokenWeiToAMG(wei, price))

	// Truncation loses the sub-AMG remainder, never rounds up.
	require.Equal(t, uint64(1_999), ConvertTokenWeiToAMG(big.NewInt(9_999), price))
	require.Zero(t, ConvertAMGToTokenWei(0, price).Sign())
	require.Zero(t, ConvertTokenWeiToAMG(big.NewInt(-1), price))
}

func TestUBAConversions(t *testing.T) {
	settings := DefaultSettings()

	require.Equal(t, "10000000", settings.ConvertLotsToUBA(1).String())
	require.Equal(t, uint64(1_000), settings.ConvertLotsToAMG(1))
	require.Equal(t, "10000", settings.ConvertAMGToUBA(1).String())

	require.Equal(t, uint64(3), settings.ConvertUBAToAMG(big.NewInt(39_999)))
	require.Zero(t, settings.ConvertUBAToAMG(nil))
	require.Zero(t, settings.ConvertUBAToAMG(big.NewInt(-5)))
}

func TestBasisPointAndMillionthsScaling(t *testing.T) {
	amount := big.NewInt(1_000_000)

	require.Equal(t, "105000", mulBIPS(amount, 1_050).String())
	require.Equal(t, "1000000", mulBIPS(amount, MaxBIPS).String())
	require.Zero(t, mulBIPS(nil, 100).Sign())

	require.Equal(t, "200", mulMillionths(amount, 200).String())
	require.Zero(t, mulMillionths(amount, 0).Sign())
	// Rounds down below one unit.
	require.Zero(t, mulMillionths(big.NewInt(4_999), 200).Sign())
}
