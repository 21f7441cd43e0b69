// Package notify доставляет доменные события расчёта внешнему сервису уведомлений.
package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Topic топик, в который публикуются все доменные события.
const Topic = "settlement.events"

// Notifier доставляет одно событие.
type Notifier interface {
	Notify(ctx context.Context, ev model.DomainEvent) error
}

// LogNotifier только пишет события в лог.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev model.DomainEvent) error {
	n.logger.Info("domain event",
		zap.String("id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.Int64("account_id", ev.AccountID),
		zap.Int64("amount", ev.Amount),
		zap.String("tier", ev.Tier),
		zap.String("correlation_id", ev.CorrelationID),
	)
	return nil
}

// Fanout отправляет событие всем получателям и возвращает первую ошибку.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev model.DomainEvent) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func encode(ev model.DomainEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return data, nil
}
