package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/breaker"
	"github.com/mmeshcher/settlement-system/internal/model"
)

// NATSNotifier публикует события в NATS в subject settlement.<тип события>.
type NATSNotifier struct {
	conn *nats.Conn
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewNATSNotifier подключается к NATS с переподключением.
func NewNATSNotifier(url string, logger *zap.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSNotifier{
		conn: conn,
		cb:   breaker.New[struct{}]("notify-nats", breaker.DefaultSettings(), logger),
	}, nil
}

// Subject возвращает subject для типа события.
func Subject(t model.DomainEventType) string {
	return "settlement." + string(t)
}

func (n *NATSNotifier) Notify(_ context.Context, ev model.DomainEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(Subject(ev.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	_, err = n.cb.Execute(func() (struct{}, error) {
		return struct{}{}, n.conn.PublishMsg(msg)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close отправляет буферизованные сообщения и закрывает соединение.
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}
