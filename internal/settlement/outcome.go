package settlement

import (
	"github.com/mmeshcher/settlement-system/internal/model"
)

// Status описывает итог обработки события.
type Status string

const (
	// StatusRecorded событие PENDING сохранено, расчёт не выполнялся.
	StatusRecorded Status = "RECORDED"
	// StatusSettled транзакция переведена в SUCCESS и рассчитана.
	StatusSettled Status = "SETTLED"
	// StatusFailed транзакция переведена в FAILED.
	StatusFailed Status = "FAILED"
	// StatusDuplicate транзакция уже завершена, событие проигнорировано.
	StatusDuplicate Status = "DUPLICATE"
	// StatusRepaired по завершённой транзакции дозачислена потерянная комиссия.
	StatusRepaired Status = "REPAIRED"
	// StatusReview дозачисление отклонено и требует ручной проверки.
	StatusReview Status = "REVIEW"
)

// Outcome описывает результат обработки одного события.
type Outcome struct {
	CorrelationID     string                  `json:"external_correlation_id"`
	TransactionID     int64                   `json:"transaction_id"`
	Status            Status                  `json:"status"`
	TransactionStatus model.TransactionStatus `json:"transaction_status"`
	Duplicate         bool                    `json:"duplicate"`
	Channel           model.Channel           `json:"channel"`
	Category          model.Category          `json:"category"`
	Duration          model.Duration          `json:"duration,omitempty"`
	PayerID           int64                   `json:"payer_id"`
	BeneficiaryID     int64                   `json:"beneficiary_id,omitempty"`
	Commission        int64                   `json:"commission"`
	Shares            []model.Share           `json:"shares,omitempty"`
	Membership        model.MembershipAction  `json:"membership,omitempty"`
	Grant             *model.MembershipGrant  `json:"grant,omitempty"`
	Flags             []model.FlagEntry       `json:"flags,omitempty"`
}

// HasFlag сообщает, выставлен ли флаг.
func (o Outcome) HasFlag(f model.Flag) bool {
	for _, e := range o.Flags {
		if e.Flag == f {
			return true
		}
	}
	return false
}
