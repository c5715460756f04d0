package worker

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// OrderWorker consumes published order events and drives fulfillment
type OrderWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(consumer *broker.Consumer, fulfillment *service.FulfillmentService) *OrderWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderPaid(fulfillment.HandleOrderPaid)
	eventHandler.OnOrderCancelled(fulfillment.HandleOrderCancelled)
	eventHandler.OnOrderRefunded(fulfillment.HandleOrderRefunded)
	eventHandler.OnReviewRequired(fulfillment.HandleReviewRequired)

	return &OrderWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker")
	return w.consumer.Close()
}

// Publisher delivers encoded events to the broker.
type Publisher interface {
	Publish(ctx context.Context, key, eventType string, payload []byte) error
}

// OutboxRelay moves committed outbox rows to the broker. Delivery is at least once; consumers
// dedupe by event id.
type OutboxRelay struct {
	store     store.Store
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(st store.Store, publisher Publisher, interval time.Duration, batchSize int) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		store:     st,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start polls until ctx is done
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))
	return poll(ctx, r.interval, func() {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Outbox relay failed", zap.Error(err))
		}
	})
}

// RelayOnce publishes one batch and returns how many events were published. The batch is read
// in one short transaction and each event is marked in its own, so no transaction stays open
// across broker I/O. Publishing stops at the first failure; events published before it stay
// marked.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	var events []models.OutboxEvent
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		events, err = tx.ListUnpublishedEvents(ctx, r.batchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list outbox events: %w", err)
	}

	published := 0
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event.AggregateID, event.EventType, event.Payload); err != nil {
			util.OutboxPublishFailedTotal.Inc()
			return published, fmt.Errorf("failed to publish event %s: %w", event.ID, err)
		}
		// a failed mark only means the event is sent again; consumers dedupe by id
		err := r.store.WithinTx(ctx, func(tx store.Tx) error {
			return tx.MarkEventPublished(ctx, event.ID)
		})
		if err != nil {
			return published, fmt.Errorf("failed to mark event %s published: %w", event.ID, err)
		}
		util.OutboxPublishedTotal.WithLabelValues(event.EventType).Inc()
		published++
	}
	return published, nil
}

// StaleOrderExpirer cancels unpaid orders past their payment window.
type StaleOrderExpirer interface {
	ExpireStale(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}

// Expirer periodically cancels orders that were never paid, returning their stock
type Expirer struct {
	orders    StaleOrderExpirer
	maxAge    time.Duration
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewExpirer creates a new expirer
func NewExpirer(orders StaleOrderExpirer, maxAge, interval time.Duration, batchSize int) *Expirer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Expirer{
		orders:    orders,
		maxAge:    maxAge,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start scans until ctx is done
func (e *Expirer) Start(ctx context.Context) error {
	e.logger.Info("Starting order expirer",
		zap.Duration("max_age", e.maxAge),
		zap.Duration("interval", e.interval))
	return poll(ctx, e.interval, func() {
		if _, err := e.orders.ExpireStale(ctx, e.maxAge, e.batchSize); err != nil && ctx.Err() == nil {
			e.logger.Error("Order expiry failed", zap.Error(err))
		}
	})
}

// poll runs fn immediately and then on every tick. It returns nil once ctx is done.
func poll(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
