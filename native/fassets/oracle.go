package fassets

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// PriceQuote captures a USD price for a token symbol along with the timestamp
// reported by the upstream feed.
type PriceQuote struct {
	Price     *big.Int
	Decimals  uint8
	Timestamp int64
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Decimals: q.Decimals, Timestamp: q.Timestamp}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// PriceOracle resolves the current USD price for a token symbol.
type PriceOracle interface {
	GetPrice(symbol string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that neither the primary nor the trusted feed
// could supply a quote within the configured freshness window.
var ErrNoFreshQuote = errors.New("fassets: no fresh oracle quote available")

// FallbackOracle consults the primary feed first and falls back to the
// trusted feed when the primary quote is stale beyond maxAge.
type FallbackOracle struct {
	mu      sync.RWMutex
	primary PriceOracle
	trusted PriceOracle
	maxAge  time.Duration
	nowFn   func() int64
}

// NewFallbackOracle constructs the two-tier oracle.
func NewFallbackOracle(primary, trusted PriceOracle, maxAge time.Duration) *FallbackOracle {
	return &FallbackOracle{
		primary: primary,
		trusted: trusted,
		maxAge:  maxAge,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source, primarily for tests.
func (o *FallbackOracle) SetNowFunc(now func() int64) {
	if o == nil || now == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nowFn = now
}

func (o *FallbackOracle) fresh(q PriceQuote) bool {
	if q.Price == nil || q.Price.Sign() <= 0 {
		return false
	}
	o.mu.RLock()
	now := o.nowFn()
	o.mu.RUnlock()
	return now-q.Timestamp <= int64(o.maxAge/time.Second)
}

// GetPrice implements PriceOracle.
func (o *FallbackOracle) GetPrice(symbol string) (PriceQuote, error) {
	if o == nil || o.primary == nil {
		return PriceQuote{}, ErrNoFreshQuote
	}
	quote, err := o.primary.GetPrice(symbol)
	if err == nil && o.fresh(quote) {
		return quote.Clone(), nil
	}
	if o.trusted == nil {
		return PriceQuote{}, ErrNoFreshQuote
	}
	quote, err = o.trusted.GetPrice(symbol)
	if err != nil || !o.fresh(quote) {
		return PriceQuote{}, ErrNoFreshQuote
	}
	return quote.Clone(), nil
}

// StaticOracle serves prices from a fixed in-memory table. It backs local
// runs and tests where no upstream feed is available.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewStaticOracle constructs an empty static price table.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[string]PriceQuote)}
}

// SetPrice installs or replaces the quote for the symbol.
func (o *StaticOracle) SetPrice(symbol string, price *big.Int, decimals uint8, timestamp int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[normalizeSymbol(symbol)] = PriceQuote{
		Price:     cloneBig(price),
		Decimals:  decimals,
		Timestamp: timestamp,
	}
}

// GetPrice implements PriceOracle.
func (o *StaticOracle) GetPrice(symbol string) (PriceQuote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	quote, ok := o.quotes[normalizeSymbol(symbol)]
	if !ok {
		return PriceQuote{}, fmt.Errorf("fassets: no price for symbol %s", symbol)
	}
	return quote.Clone(), nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
