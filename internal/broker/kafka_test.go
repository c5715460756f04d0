package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testConsumer(attempts int) *Consumer {
	return &Consumer{logger: zap.NewNop(), maxAttempts: attempts, retryPause: time.Millisecond}
}

func TestConsumerHandle_GivesUpAfterMaxAttempts(t *testing.T) {
	c := testConsumer(3)
	calls := 0
	msg := kafka.Message{
		Key:     []byte("SF-1"),
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte("ORDER_PAID")}},
	}

	commit := c.handle(context.Background(), msg, func(context.Context, kafka.Message) error {
		calls++
		return errors.New("mailer down")
	})

	assert.True(t, commit)
	assert.Equal(t, 3, calls)
}

func TestConsumerHandle_RecoversWithinBudget(t *testing.T) {
	c := testConsumer(5)
	calls := 0

	commit := c.handle(context.Background(), kafka.Message{}, func(context.Context, kafka.Message) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, commit)
	assert.Equal(t, 2, calls)
}

func TestConsumerHandle_CancelledDoesNotCommit(t *testing.T) {
	c := testConsumer(5)
	c.retryPause = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	commit := c.handle(ctx, kafka.Message{}, func(context.Context, kafka.Message) error {
		calls++
		cancel()
		return errors.New("shutting down")
	})

	assert.False(t, commit)
	assert.Equal(t, 1, calls)
}

func TestHeaderValue(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte("ORDER_CREATED")}}}
	assert.Equal(t, "ORDER_CREATED", headerValue(msg, HeaderEventType))
	assert.Empty(t, headerValue(msg, "missing"))
}
