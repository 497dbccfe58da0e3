package util

import (
	"math/big"

	"github.com/shopspring/decimal"
)

func init() {
	// 28 significant digits, matching spec.md 4.A's fixed-precision decimal
	// requirement for every currency/price computation.
	decimal.DivisionPrecision = 28
}

// AdjustDecimals rescales an integer token amount from one decimal precision
// to another. AdjustDecimals(x, d, d) == x; for d1 < d2 the conversion is
// exact (pure multiplication), for d1 > d2 it truncates toward zero, matching
// how on-chain token transfers round (spec.md 8).
func AdjustDecimals(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Set(amount)
	if toDecimals > fromDecimals {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(toDecimals-fromDecimals)), nil)
		return out.Mul(out, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fromDecimals-toDecimals)), nil)
	return out.Quo(out, scale)
}

// ApplyBpsComplement computes amount * (10000 - bps) / 10000, the filler's
// maximum allowed output after taking its basis-point cut (spec.md 4.G). bps
// above 10000 clamps to zero.
func ApplyBpsComplement(amount *big.Int, bps uint32) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	if bps >= 10000 {
		return big.NewInt(0)
	}
	complement := big.NewInt(int64(10000 - bps))
	out := new(big.Int).Mul(amount, complement)
	return out.Quo(out, big.NewInt(10000))
}

// AmountToUSD converts an integer token amount at the given decimals to a
// decimal.Decimal USD value, assuming a 1:1 stable peg (USDC/USDT; spec.md 1
// non-goals).
func AmountToUSD(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	d := decimal.NewFromBigInt(amount, 0)
	scale := decimal.New(1, int32(decimals))
	return d.DivRound(scale, decimal.DivisionPrecision)
}

// USDToAmount converts a decimal USD value back into an integer token amount
// at the given decimals, using round-half-to-even (banker's rounding) so
// repeated conversions don't drift (spec.md 4.A).
func USDToAmount(usd decimal.Decimal, decimals uint8) *big.Int {
	scale := decimal.New(1, int32(decimals))
	scaled := usd.Mul(scale).RoundBank(0)
	return scaled.BigInt()
}
