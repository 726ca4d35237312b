package venue

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToWei converts a human-readable decimal amount to the smallest unit for a
// stablecoin with the given decimal width, flooring rather than rounding —
// venues never accept an amount that could exceed the wallet's true balance.
func ToWei(amount decimal.Decimal, decimals int) *big.Int {
	scale := decimal.New(1, int32(decimals))
	scaled := amount.Mul(scale).RoundFloor(0)
	return scaled.BigInt()
}

// FromWei converts a smallest-unit amount back to a human-readable decimal.
func FromWei(amount *big.Int, decimals int) decimal.Decimal {
	scale := decimal.New(1, int32(decimals))
	return decimal.NewFromBigInt(amount, 0).Div(scale)
}

// FloorToCents floors a decimal to 2 places, matching every venue's
// FOK-order notional rounding (USDC cents, or cent-equivalent for
// 18-decimal stablecoins).
func FloorToCents(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundFloor(2)
}
