package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals 为原生币 tMON 的精度。
const NativeDecimals int32 = 18

// ToBaseUnits 将十进制数量按精度换算为链上整数，多余小数位截断。
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits 将链上整数换算为十进制数量。
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}
