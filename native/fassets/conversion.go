package fassets

import "math/big"

// amgPriceScale is the fixed-point scale for AMG-to-token-wei prices. A price
// of amgPriceScale means one AMG is worth exactly one wei of the collateral
// token. Multiplications happen before the final division so no precision is
// lost for realistic magnitudes.
var amgPriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// AMGPrice is the scaled conversion rate between AMG units and wei of one
// collateral token, derived from a pair of oracle prices.
type AMGPrice struct {
	Value *big.Int
}

// CalcAMGPrice derives the AMG-to-token-wei price from the underlying asset
// price and the collateral token price. Both prices are USD prices with their
// own decimal scales, as supplied by the price oracle.
func CalcAMGPrice(s Settings, class CollateralClass, assetPrice *big.Int, assetPriceDecimals uint8, tokenPrice *big.Int, tokenPriceDecimals uint8) AMGPrice {
	if assetPrice == nil || tokenPrice == nil || tokenPrice.Sign() == 0 {
		return AMGPrice{Value: big.NewInt(0)}
	}
	// assetPrice/10^apd [USD per asset] / (tokenPrice/10^tpd [USD per token])
	// * 10^tokenDecimals [wei per token] * granularity/10^assetDecimals
	// [asset per AMG], scaled by amgPriceScale.
	num := new(big.Int).Mul(assetPrice, pow10(tokenPriceDecimals))
	num.Mul(num, pow10(class.TokenDecimals))
	num.Mul(num, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
	num.Mul(num, amgPriceScale)
	den := new(big.Int).Mul(tokenPrice, pow10(assetPriceDecimals))
	den.Mul(den, pow10(s.AssetDecimals))
	return AMGPrice{Value: num.Quo(num, den)}
}

// ConvertAMGToTokenWei converts an AMG amount into collateral token wei,
// rounding down.
func ConvertAMGToTokenWei(amg uint64, price AMGPrice) *big.Int {
	if price.Value == nil || price.Value.Sign() <= 0 || amg == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(new(big.Int).SetUint64(amg), price.Value)
	return out.Quo(out, amgPriceScale)
}

// ConvertTokenWeiToAMG converts collateral token wei into AMG, rounding down.
func ConvertTokenWeiToAMG(wei *big.Int, price AMGPrice) uint64 {
	if wei == nil || wei.Sign() <= 0 || price.Value == nil || price.Value.Sign() <= 0 {
		return 0
	}
	out := new(big.Int).Mul(wei, amgPriceScale)
	out.Quo(out, price.Value)
	if !out.IsUint64() {
		return ^uint64(0)
	}
	return out.Uint64()
}

// ConvertAMGToUBA expands an AMG amount into underlying base units.
func (s Settings) ConvertAMGToUBA(amg uint64) *big.Int {
	out := new(big.Int).SetUint64(amg)
	return out.Mul(out, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
}

// ConvertUBAToAMG truncates an underlying amount to whole AMG units.
func (s Settings) ConvertUBAToAMG(uba *big.Int) uint64 {
	if uba == nil || uba.Sign() <= 0 {
		return 0
	}
	out := new(big.Int).Quo(uba, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
	if !out.IsUint64() {
		return ^uint64(0)
	}
	return out.Uint64()
}

// ConvertLotsToUBA expands a lot count into underlying base units.
func (s Settings) ConvertLotsToUBA(lots uint64) *big.Int {
	out := new(big.Int).SetUint64(lots)
	out.Mul(out, new(big.Int).SetUint64(s.LotSizeAMG))
	return out.Mul(out, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
}

// ConvertLotsToAMG expands a lot count into AMG units.
func (s Settings) ConvertLotsToAMG(lots uint64) uint64 {
	return lots * s.LotSizeAMG
}

// mulBIPS applies a basis-point factor to a wei amount, rounding down.
func mulBIPS(amount *big.Int, bips uint32) *big.Int {
	if amount == nil || amount.Sign() == 0 || bips == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bips)))
	return out.Quo(out, big.NewInt(MaxBIPS))
}

// mulMillionths applies a millionths-scale fee rate, rounding down.
func mulMillionths(amount *big.Int, millionths uint32) *big.Int {
	if amount == nil || amount.Sign() == 0 || millionths == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(millionths)))
	return out.Quo(out, big.NewInt(FeeMillionthsScale))
}
