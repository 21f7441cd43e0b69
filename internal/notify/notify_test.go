package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/model"
)

func TestWatermillNotifierPublishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := NewGoChannel(zap.NewNop())
	defer bus.Close()

	messages, err := bus.Subscribe(ctx, Topic)
	require.NoError(t, err)

	ev := model.DomainEvent{
		ID:            "5f1c7a6e-0000-4000-8000-000000000001",
		Type:          model.EventCommissionCredited,
		AccountID:     42,
		Amount:        300_000,
		CorrelationID: "ord-1",
		OccurredAt:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, NewWatermillNotifier(bus).Notify(ctx, ev))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, ev.ID, msg.UUID)
		assert.Equal(t, string(model.EventCommissionCredited), msg.Metadata.Get("type"))

		var got model.DomainEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, ev.AccountID, got.AccountID)
		assert.Equal(t, ev.Amount, got.Amount)
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, model.DomainEvent) error {
	f.calls++
	return errors.New("unavailable")
}

func TestFanoutDeliversToAll(t *testing.T) {
	first, second := &failing{}, &failing{}
	err := Fanout{first, NewLogNotifier(zap.NewNop()), second}.Notify(context.Background(), model.DomainEvent{Type: model.EventMembershipActivated})

	assert.Error(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "settlement.commission.credited", Subject(model.EventCommissionCredited))
}
