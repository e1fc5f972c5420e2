package db

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnits - копеек в рубле (10^2)
const MinorUnits = 2

// ErrAmountOutOfRange - сумма не помещается в int64 копеек
var ErrAmountOutOfRange = errors.New("amount out of range")

// ToMinor переводит сумму в копейки, округляя до копейки
func ToMinor(amount decimal.Decimal) (int64, error) {
	minor := amount.Round(MinorUnits).Shift(MinorUnits)
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, amount.String())
	}
	return minor.IntPart(), nil
}

func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnits)
}
