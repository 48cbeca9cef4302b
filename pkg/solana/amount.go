package solana

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	SOLDecimals    = 9
	LamportsPerSOL = 1_000_000_000
)

// FromBaseUnits converts an integer on-chain amount to its human value.
func FromBaseUnits(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals))
}

// ToBaseUnits converts a human amount to integer base units, truncating any
// precision below one unit.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	units := amount.Shift(int32(decimals)).Truncate(0).BigInt()
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows u64 at %d decimals", amount, decimals)
	}
	return units.Uint64(), nil
}

// LamportsToSOL is FromBaseUnits for the native asset.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return FromBaseUnits(lamports, SOLDecimals)
}
