package evm

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ScaleAmount converts a human amount to the token's smallest unit.
// Fractions below one unit are truncated, never rounded up:
// 0.10 with 6 decimals is 100000.
func ScaleAmount(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", amount.String())
	}
	if decimals < 0 {
		return nil, fmt.Errorf("decimals %d is negative", decimals)
	}
	return amount.Shift(decimals).Truncate(0).BigInt(), nil
}

// FormatUnits converts a smallest-unit amount back to a human amount
func FormatUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}
