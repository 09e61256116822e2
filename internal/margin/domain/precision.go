package domain

import "github.com/shopspring/decimal"

// MaxPrecision 数量、负债、手续费统一保留 10 位小数
const MaxPrecision int32 = 10

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)

	// DefaultMaintenanceMarginRatio 维持保证金率
	DefaultMaintenanceMarginRatio = decimal.RequireFromString("1.1")
	// MaxMarginRatio 展示用保证金率上限
	MaxMarginRatio = decimal.RequireFromString("9.99")

	moneyEpsilon = decimal.New(1, -MaxPrecision)
)

// RoundUpAmount 远离零方向舍入到 1e-10
func RoundUpAmount(d decimal.Decimal) decimal.Decimal {
	return d.RoundUp(MaxPrecision)
}

// RoundDownAmount 向零方向截断到 1e-10
func RoundDownAmount(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(MaxPrecision)
}

// RoundPrice 银行家舍入到交易对价格精度
func RoundPrice(d decimal.Decimal, places int32) decimal.Decimal {
	return d.RoundBank(places)
}

// MoneyIsZero 小于最小精度单位的金额视为零
func MoneyIsZero(d decimal.Decimal) bool {
	return d.Abs().LessThan(moneyEpsilon)
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
