package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRecord описывает входящую запись о платеже в том виде, в котором её присылает шлюз,
// файл импорта или выгрузка внешней системы.
type PaymentRecord struct {
	CorrelationID      string           `json:"external_correlation_id"`
	Amount             decimal.Decimal  `json:"amount"`
	Status             string           `json:"status"`
	PayerEmail         string           `json:"payer_email"`
	PayerName          string           `json:"payer_name"`
	PayerExternalID    *int64           `json:"payer_external_id,omitempty"`
	ProductReference   string           `json:"product_reference"`
	AffiliateReference string           `json:"affiliate_reference,omitempty"`
	PaidAt             *time.Time       `json:"paid_at,omitempty"`
	Commission         *decimal.Decimal `json:"commission,omitempty"`
}

// PaymentEvent описывает нормализованное событие подтверждения платежа.
type PaymentEvent struct {
	CorrelationID      string            `json:"external_correlation_id" validate:"required,max=191"`
	Amount             int64             `json:"amount" validate:"gte=0"`
	Status             TransactionStatus `json:"status" validate:"required,oneof=PENDING SUCCESS FAILED"`
	PayerEmail         string            `json:"payer_email" validate:"required,email,max=254"`
	PayerName          string            `json:"payer_name" validate:"max=255"`
	PayerExternalID    *int64            `json:"payer_external_id,omitempty"`
	ProductReference   string            `json:"product_reference" validate:"required,max=512"`
	AffiliateReference string            `json:"affiliate_reference,omitempty" validate:"max=254"`
	PaidAt             time.Time         `json:"paid_at"`
}

var statusAliases = map[string]TransactionStatus{
	"pending":         StatusPending,
	"on-hold":         StatusPending,
	"payment-confirm": StatusPending,
	"processing":      StatusPending,
	"success":         StatusSuccess,
	"completed":       StatusSuccess,
	"paid":            StatusSuccess,
	"failed":          StatusFailed,
	"cancelled":       StatusFailed,
	"canceled":        StatusFailed,
	"refunded":        StatusFailed,
	"expired":         StatusFailed,
}

// ParseStatus приводит статус внешней системы к статусу транзакции.
func ParseStatus(s string) (TransactionStatus, error) {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", NewValidationError("status", "unknown status "+s)
	}
	return st, nil
}

// ToEvent нормализует запись: сумма округляется до целых минимальных единиц, статус приводится
// к PENDING/SUCCESS/FAILED. Проверка остальных полей выполняется валидатором.
func (r PaymentRecord) ToEvent() (PaymentEvent, error) {
	if r.Amount.IsNegative() {
		return PaymentEvent{}, NewValidationError("amount", "must not be negative")
	}

	status, err := ParseStatus(r.Status)
	if err != nil {
		return PaymentEvent{}, err
	}

	ev := PaymentEvent{
		CorrelationID:      strings.TrimSpace(r.CorrelationID),
		Amount:             r.Amount.Round(0).IntPart(),
		Status:             status,
		PayerEmail:         strings.TrimSpace(r.PayerEmail),
		PayerName:          strings.TrimSpace(r.PayerName),
		PayerExternalID:    r.PayerExternalID,
		ProductReference:   strings.TrimSpace(r.ProductReference),
		AffiliateReference: strings.TrimSpace(r.AffiliateReference),
	}
	if r.PaidAt != nil {
		ev.PaidAt = r.PaidAt.UTC()
	}

	return ev, nil
}

// DomainEventType описывает тип исходящего доменного события.
type DomainEventType string

const (
	EventCommissionCredited  DomainEventType = "commission.credited"
	EventMembershipActivated DomainEventType = "membership.activated"
)

// DomainEvent передаётся сервису уведомлений после фиксации расчёта.
type DomainEvent struct {
	ID            string            `json:"id"`
	Type          DomainEventType   `json:"type"`
	AccountID     int64             `json:"account_id"`
	Amount        int64             `json:"amount,omitempty"`
	Tier          string            `json:"tier,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Context       map[string]string `json:"context,omitempty"`
}
