package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/settlement-system/internal/model"
)

func validEvent() model.PaymentEvent {
	return model.PaymentEvent{
		CorrelationID:    "TRX-1",
		Amount:           1000000,
		Status:           model.StatusSuccess,
		PayerEmail:       "buyer@example.com",
		PayerName:        "Buyer",
		ProductReference: "Membership 12 Bulan",
	}
}

func TestPaymentEvent(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*model.PaymentEvent)
		field string
	}{
		{name: "valid", edit: func(*model.PaymentEvent) {}},
		{name: "missing correlation id", edit: func(e *model.PaymentEvent) { e.CorrelationID = "" }, field: "external_correlation_id"},
		{name: "negative amount", edit: func(e *model.PaymentEvent) { e.Amount = -1 }, field: "amount"},
		{name: "bad status", edit: func(e *model.PaymentEvent) { e.Status = "DONE" }, field: "status"},
		{name: "bad email", edit: func(e *model.PaymentEvent) { e.PayerEmail = "not-an-email" }, field: "payer_email"},
		{name: "missing product", edit: func(e *model.PaymentEvent) { e.ProductReference = "" }, field: "product_reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.edit(&ev)

			err := PaymentEvent(ev)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrValidation))

			var verr *model.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
