package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"marketplace-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderCompleted publishes OrderCompleted event
func (ep *EventPublisher) PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderSplit publishes OrderSplit event
func (ep *EventPublisher) PublishOrderSplit(ctx context.Context, event *models.OrderSplitEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishTransferIssued publishes TransferIssued event
func (ep *EventPublisher) PublishTransferIssued(ctx context.Context, event *models.TransferIssuedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderCanceled publishes OrderCanceled event
func (ep *EventPublisher) PublishOrderCanceled(ctx context.Context, event *models.OrderCanceledEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderDeclined publishes OrderDeclined event
func (ep *EventPublisher) PublishOrderDeclined(ctx context.Context, event *models.OrderDeclinedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishRefundRecorded publishes RefundRecorded event
func (ep *EventPublisher) PublishRefundRecorded(ctx context.Context, event *models.RefundRecordedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderCompleted func(context.Context, *models.OrderCompletedEvent) error
	onOrderCanceled  func(context.Context, *models.OrderCanceledEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderCompleted registers a handler for OrderCompleted events
func (eh *EventHandler) OnOrderCompleted(handler func(context.Context, *models.OrderCompletedEvent) error) {
	eh.onOrderCompleted = handler
}

// OnOrderCanceled registers a handler for OrderCanceled events
func (eh *EventHandler) OnOrderCanceled(handler func(context.Context, *models.OrderCanceledEvent) error) {
	eh.onOrderCanceled = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypeOrderCompleted:
		if eh.onOrderCompleted != nil {
			var event models.OrderCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCompleted event: %w", err)
			}
			return eh.onOrderCompleted(ctx, &event)
		}

	case models.EventTypeOrderCanceled:
		if eh.onOrderCanceled != nil {
			var event models.OrderCanceledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCanceled event: %w", err)
			}
			return eh.onOrderCanceled(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
