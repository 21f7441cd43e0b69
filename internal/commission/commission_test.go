package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/settlement-system/internal/model"
)

func pct(v string) *model.RateSpec {
	return &model.RateSpec{Key: "p", Type: model.RatePercentage, Value: decimal.RequireFromString(v)}
}

func flat(v int64) *model.RateSpec {
	return &model.RateSpec{Key: "f", Type: model.RateFlat, Value: decimal.NewFromInt(v)}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		spec    *model.RateSpec
		want    int64
		unknown bool
	}{
		{name: "percentage 30", amount: 1000000, spec: pct("30"), want: 300000},
		{name: "percentage rounds half up", amount: 5, spec: pct("10"), want: 1},
		{name: "percentage rounds down", amount: 4, spec: pct("10"), want: 0},
		{name: "fractional rate", amount: 899000, spec: pct("33.3333"), want: 299666},
		{name: "percentage above 100 capped", amount: 1000, spec: pct("150"), want: 1000},
		{name: "negative rate floored", amount: 1000, spec: pct("-5"), want: 0},
		{name: "flat", amount: 899000, spec: flat(300000), want: 300000},
		{name: "flat capped at amount", amount: 100000, spec: flat(300000), want: 100000},
		{name: "zero amount", amount: 0, spec: pct("30"), want: 0},
		{name: "missing spec", amount: 500000, spec: nil, want: 0, unknown: true},
		{name: "unsupported type", amount: 500000, spec: &model.RateSpec{Type: "TIERED", Value: decimal.NewFromInt(1)}, want: 0, unknown: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(tt.amount, tt.spec)
			assert.Equal(t, tt.want, got.Amount)
			assert.Equal(t, tt.unknown, got.UnknownRate)
			assert.LessOrEqual(t, got.Amount, max(tt.amount, 0))
			assert.GreaterOrEqual(t, got.Amount, int64(0))
		})
	}
}

func TestCalculateKeepsRate(t *testing.T) {
	got := Calculate(1000000, pct("30"))
	assert.Equal(t, model.RatePercentage, got.RateType)
	assert.True(t, got.RateValue.Equal(decimal.NewFromInt(30)))
}
