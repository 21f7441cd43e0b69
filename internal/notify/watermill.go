package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// WatermillNotifier публикует события в watermill.
type WatermillNotifier struct {
	pub   message.Publisher
	topic string
}

// NewWatermillNotifier создаёт публикатор в топик Topic.
func NewWatermillNotifier(pub message.Publisher) *WatermillNotifier {
	return &WatermillNotifier{pub: pub, topic: Topic}
}

// NewGoChannel создаёт внутрипроцессную шину сообщений.
func NewGoChannel(logger *zap.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, NewLoggerAdapter(logger))
}

func (n *WatermillNotifier) Notify(ctx context.Context, ev model.DomainEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}

	msg := message.NewMessage(ev.ID, data)
	msg.Metadata.Set("type", string(ev.Type))
	msg.Metadata.Set("correlation_id", ev.CorrelationID)
	msg.SetContext(ctx)

	if err := n.pub.Publish(n.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// loggerAdapter передаёт логи watermill в zap.
type loggerAdapter struct {
	logger *zap.Logger
}

// NewLoggerAdapter создаёт watermill.LoggerAdapter поверх zap.
func NewLoggerAdapter(logger *zap.Logger) watermill.LoggerAdapter {
	return loggerAdapter{logger: logger}
}

func (a loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (a loggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, zapFields(fields)...)
}

func (a loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return loggerAdapter{logger: a.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
