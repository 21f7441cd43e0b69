// Package commission вычисляет партнёрскую комиссию по сумме транзакции и правилу ставки.
package commission

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/settlement-system/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Result описывает рассчитанную комиссию и ставку, которая фиксируется на записи.
type Result struct {
	Amount      int64
	RateType    model.RateType
	RateValue   decimal.Decimal
	RateSource  string
	UnknownRate bool
}

// Calculate возвращает комиссию в целых минимальных единицах: не меньше нуля и не больше суммы.
// При отсутствии правила комиссия нулевая и выставляется UnknownRate.
func Calculate(amount int64, spec *model.RateSpec) Result {
	if spec == nil {
		return Result{UnknownRate: true}
	}

	res := Result{RateType: spec.Type, RateValue: spec.Value, RateSource: spec.Source}
	if amount <= 0 {
		return res
	}

	var raw decimal.Decimal
	switch spec.Type {
	case model.RatePercentage:
		raw = decimal.NewFromInt(amount).Mul(spec.Value).Div(hundred)
	case model.RateFlat:
		raw = spec.Value
	default:
		return Result{UnknownRate: true}
	}

	res.Amount = clamp(raw.Round(0).IntPart(), amount)
	return res
}

func clamp(v, limit int64) int64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
