// Package split распределяет остаток выручки после партнёрской комиссии между платформой и
// участниками.
package split

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/settlement-system/internal/model"
)

var hundred = decimal.NewFromInt(100)

// ErrInvalidPolicy возвращается при некорректной конфигурации распределения.
var ErrInvalidPolicy = errors.New("invalid split policy")

// Party описывает получателя доли.
type Party struct {
	Email   string          `json:"email"`
	Role    model.Role      `json:"role"`
	Percent decimal.Decimal `json:"percent"`
}

// Portion описывает рассчитанную долю получателя.
type Portion struct {
	Email  string     `json:"email"`
	Role   model.Role `json:"role"`
	Amount int64      `json:"amount"`
}

// Allocation описывает распределение одной транзакции.
type Allocation struct {
	Residual  int64     `json:"residual"`
	Fee       int64     `json:"fee"`
	Remaining int64     `json:"remaining"`
	Portions  []Portion `json:"portions,omitempty"`
}

// Total возвращает сумму комиссии платформы и всех долей участников.
func (a Allocation) Total() int64 {
	var sum int64
	for _, p := range a.Portions {
		sum += p.Amount
	}
	return sum
}

// Policy описывает проверенную политику распределения.
type Policy struct {
	feeRate decimal.Decimal
	fee     Party
	parties []Party
}

// NewPolicy проверяет политику один раз: ставка комиссии платформы в диапазоне [0, 100],
// доли участников положительны и в сумме дают ровно 100, роли не повторяются.
func NewPolicy(feeRate decimal.Decimal, fee Party, parties []Party) (*Policy, error) {
	if feeRate.IsNegative() || feeRate.GreaterThan(hundred) {
		return nil, fmt.Errorf("%w: fee rate %s out of range", ErrInvalidPolicy, feeRate)
	}
	if feeRate.IsPositive() && strings.TrimSpace(fee.Email) == "" {
		return nil, fmt.Errorf("%w: fee recipient email is required", ErrInvalidPolicy)
	}
	if len(parties) == 0 {
		return nil, fmt.Errorf("%w: no parties", ErrInvalidPolicy)
	}

	if fee.Role == "" {
		fee.Role = model.RoleAdmin
	}

	// доли хранятся по паре (транзакция, роль), поэтому роли не повторяются
	roles := map[model.Role]bool{fee.Role: true}
	total := decimal.Zero
	for _, p := range parties {
		if strings.TrimSpace(p.Email) == "" {
			return nil, fmt.Errorf("%w: party %s has no email", ErrInvalidPolicy, p.Role)
		}
		if roles[p.Role] {
			return nil, fmt.Errorf("%w: duplicate role %q", ErrInvalidPolicy, p.Role)
		}
		roles[p.Role] = true
		if !p.Percent.IsPositive() {
			return nil, fmt.Errorf("%w: party %s percent must be positive", ErrInvalidPolicy, p.Email)
		}
		total = total.Add(p.Percent)
	}
	if !total.Equal(hundred) {
		return nil, fmt.Errorf("%w: party percentages sum to %s, want 100", ErrInvalidPolicy, total)
	}

	return &Policy{
		feeRate: feeRate,
		fee:     fee,
		parties: append([]Party(nil), parties...),
	}, nil
}

// FeeRate возвращает ставку комиссии платформы в процентах.
func (p *Policy) FeeRate() decimal.Decimal {
	return p.feeRate
}

// Parties возвращает получателей, включая получателя комиссии платформы.
func (p *Policy) Parties() []Party {
	out := make([]Party, 0, len(p.parties)+1)
	if p.feeRate.IsPositive() {
		out = append(out, p.fee)
	}
	return append(out, p.parties...)
}

// Allocate распределяет amount − commission. Округление вниз; остаток от округления долей
// получает последний участник, поэтому комиссия, сбор платформы и доли в сумме равны amount.
func (p *Policy) Allocate(amount, commission int64) Allocation {
	residual := amount - commission
	if residual <= 0 {
		return Allocation{}
	}

	fee := decimal.NewFromInt(residual).Mul(p.feeRate).Div(hundred).Floor().IntPart()
	remaining := residual - fee

	a := Allocation{Residual: residual, Fee: fee, Remaining: remaining}
	if fee > 0 {
		a.Portions = append(a.Portions, Portion{Email: p.fee.Email, Role: p.fee.Role, Amount: fee})
	}

	var allocated int64
	for i, party := range p.parties {
		share := decimal.NewFromInt(remaining).Mul(party.Percent).Div(hundred).Floor().IntPart()
		if i == len(p.parties)-1 {
			share = remaining - allocated
		}
		allocated += share
		if share > 0 {
			a.Portions = append(a.Portions, Portion{Email: party.Email, Role: party.Role, Amount: share})
		}
	}

	return a
}
