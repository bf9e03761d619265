package fassets

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticOracleNormalizesSymbols(t *testing.T) {
	oracle := NewStaticOracle()
	oracle.SetPrice(" btc ", big.NewInt(5_000_000_000), 5, 100)

	quote, err := oracle.GetPrice("BTC")
	require.NoError(t, err)
	require.Equal(t, "5000000000", quote.Price.String())
	require.Equal(t, uint8(5), quote.Decimals)

	_, err = oracle.GetPrice("DOGE")
	require.Error(t, err)

	// Mutating the returned quote must not corrupt the table.
	quote.Price.SetInt64(1)
	again, err := oracle.GetPrice("btc")
	require.NoError(t, err)
	require.Equal(t, "5000000000", again.Price.String())
}

func TestFallbackOraclePrefersFreshPrimary(t *testing.T) {
	now := int64(1_700_000_000)
	primary := NewStaticOracle()
	trusted := NewStaticOracle()
	oracle := NewFallbackOracle(primary, trusted, 5*time.Minute)
	oracle.SetNowFunc(func() int64 { return now })

	primary.SetPrice("BTC", big.NewInt(100), 5, now-60)
	trusted.SetPrice("BTC", big.NewInt(200), 5, now-60)

	quote, err := oracle.GetPrice("BTC")
	require.NoError(t, err)
	require.Equal(t, "100", quote.Price.String())
}

func TestFallbackOracleFallsBackWhenStale(t *testing.T) {
	now := int64(1_700_000_000)
	primary := NewStaticOracle()
	trusted := NewStaticOracle()
	oracle := NewFallbackOracle(primary, trusted, 5*time.Minute)
	oracle.SetNowFunc(func() int64 { return now })

	primary.SetPrice("BTC", big.NewInt(100), 5, now-3_600)
	trusted.SetPrice("BTC", big.NewInt(200), 5, now-60)

	quote, err := oracle.GetPrice("BTC")
	require.NoError(t, err)
	require.Equal(t, "200", quote.Price.String())
}

func TestFallbackOracleErrsWhenBothStale(t *testing.T) {
	now := int64(1_700_000_000)
	primary := NewStaticOracle()
	trusted := NewStaticOracle()
	oracle := NewFallbackOracle(primary, trusted, 5*time.Minute)
	oracle.SetNowFunc(func() int64 { return now })

	primary.SetPrice("BTC", big.NewInt(100), 5, now-3_600)
	trusted.SetPrice("BTC", big.NewInt(200), 5, now-3_600)

	_, err := oracle.GetPrice("BTC")
	require.ErrorIs(t, err, ErrNoFreshQuote)
}
