package worker

import (
	"context"
	"log"

	"marketplace-service/internal/broker"
	"marketplace-service/internal/models"
	"marketplace-service/internal/service"
)

// SettlementWorker consumes order lifecycle events and drives the settlement
// split as a background sweep. It backstops the webhook path: a split that
// failed mid-delivery is retried here the next time its order event lands.
type SettlementWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	settlement   *service.SettlementEngine
}

// NewSettlementWorker creates a new settlement worker.
func NewSettlementWorker(consumer *broker.Consumer, settlement *service.SettlementEngine) *SettlementWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderCompleted(func(ctx context.Context, event *models.OrderCompletedEvent) error {
		return settlement.Split(ctx, event.OrderID)
	})
	eventHandler.OnOrderCanceled(func(ctx context.Context, event *models.OrderCanceledEvent) error {
		log.Printf("Order %d canceled: %s", event.OrderID, event.Reason)
		return nil
	})

	return &SettlementWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		settlement:   settlement,
	}
}

// Start starts the worker
func (w *SettlementWorker) Start(ctx context.Context) error {
	log.Println("Starting settlement worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SettlementWorker) Stop() error {
	log.Println("Stopping settlement worker...")
	return w.consumer.Close()
}
