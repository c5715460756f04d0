package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"storefront/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte("SF-1"), Value: b}
}

func TestEventHandlerRouting(t *testing.T) {
	eh := NewEventHandler()
	ctx := context.Background()

	var paid *models.OrderPaidEvent
	var cancelled *models.OrderCancelledEvent
	eh.OnOrderPaid(func(_ context.Context, e *models.OrderPaidEvent) error {
		paid = e
		return nil
	})
	eh.OnOrderCancelled(func(_ context.Context, e *models.OrderCancelledEvent) error {
		cancelled = e
		return errors.New("mail down")
	})

	err := eh.HandleMessage(ctx, message(t, &models.OrderPaidEvent{
		BaseEvent:   models.BaseEvent{EventID: "e1", EventType: models.EventTypeOrderPaid},
		OrderNumber: "SF-1",
		Amount:      28000,
	}))
	require.NoError(t, err)
	require.NotNil(t, paid)
	assert.Equal(t, "SF-1", paid.OrderNumber)
	assert.Equal(t, int64(28000), paid.Amount)

	err = eh.HandleMessage(ctx, message(t, &models.OrderCancelledEvent{
		BaseEvent:   models.BaseEvent{EventID: "e2", EventType: models.EventTypeOrderCancelled},
		OrderNumber: "SF-1",
	}))
	assert.Error(t, err, "handler errors are returned so the message is retried")
	require.NotNil(t, cancelled)

	// no handler registered
	err = eh.HandleMessage(ctx, message(t, &models.OrderRefundedEvent{
		BaseEvent: models.BaseEvent{EventID: "e3", EventType: models.EventTypeOrderRefunded},
	}))
	assert.NoError(t, err)

	assert.NoError(t, eh.HandleMessage(ctx, kafka.Message{Value: []byte("not json")}))
}
