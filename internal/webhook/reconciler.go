// Package webhook reconciles gateway event deliveries against order state.
// Deliveries are at-least-once and unordered, so every handler is written to
// be safe under replay and to converge regardless of arrival order.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
	"marketplace-service/internal/service"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	stripewebhook "github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
)

// ErrInvalidSignature is returned when a delivery fails signature
// verification. The transport layer maps it to 400.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// EventKind identifies a gateway event type the reconciler understands.
type EventKind string

const (
	EventCheckoutCompleted      EventKind = "checkout.session.completed"
	EventCheckoutAsyncSucceeded EventKind = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncFailed    EventKind = "checkout.session.async_payment_failed"
	EventChargeCaptured         EventKind = "charge.captured"
	EventChargeRefunded         EventKind = "charge.refunded"
	EventRefundUpdated          EventKind = "refund.updated"
	EventPaymentFailed          EventKind = "payment_intent.payment_failed"
	EventPaymentCanceled        EventKind = "payment_intent.canceled"
	EventSubscriptionCreated    EventKind = "customer.subscription.created"
	EventSubscriptionUpdated    EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted    EventKind = "customer.subscription.deleted"
)

// Settler is the settlement surface the reconciler drives.
// *service.SettlementEngine implements it.
type Settler interface {
	Split(ctx context.Context, orderID int64) error
	TransitionOrder(ctx context.Context, orderID int64, target string) error
	RecordRefund(ctx context.Context, orderID int64, amountRefunded int64) error
}

// Store is the persistence the reconciler needs: order lookup by gateway
// transaction plus the processed-event dedupe table.
type Store interface {
	GetOrderByTransaction(ctx context.Context, transactionID, paymentMethod string) (*models.Order, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// HandlerFunc handles one verified gateway event.
type HandlerFunc func(ctx context.Context, event *stripe.Event) error

// Publisher publishes the lifecycle events the reconciler emits.
type Publisher interface {
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishOrderCanceled(ctx context.Context, event *models.OrderCanceledEvent) error
	PublishOrderDeclined(ctx context.Context, event *models.OrderDeclinedEvent) error
}

// Reconciler verifies, dedupes, and dispatches gateway webhook deliveries.
type Reconciler struct {
	store     Store
	settler   Settler
	gateway   gateway.Client
	publisher Publisher
	secret    string
	handlers  map[EventKind][]HandlerFunc
	logger    *zap.Logger
}

// NewReconciler creates a reconciler with the default dispatch table.
func NewReconciler(store Store, settler Settler, gw gateway.Client, publisher Publisher, signingSecret string) *Reconciler {
	r := &Reconciler{
		store:     store,
		settler:   settler,
		gateway:   gw,
		publisher: publisher,
		secret:    signingSecret,
		handlers:  map[EventKind][]HandlerFunc{},
		logger:    util.GetLogger(),
	}

	r.Register(EventCheckoutCompleted, r.handleCheckoutCompleted)
	r.Register(EventCheckoutAsyncSucceeded, r.handleCheckoutCompleted)
	r.Register(EventCheckoutAsyncFailed, r.handleCheckoutFailed)
	r.Register(EventChargeCaptured, r.handleChargeCaptured)
	r.Register(EventChargeRefunded, r.handleChargeRefunded)
	r.Register(EventRefundUpdated, r.handleRefundUpdated)
	r.Register(EventPaymentFailed, r.handlePaymentFailed)
	r.Register(EventPaymentCanceled, r.handlePaymentCanceled)
	r.Register(EventSubscriptionCreated, r.handleSubscriptionActive)
	r.Register(EventSubscriptionUpdated, r.handleSubscriptionActive)
	r.Register(EventSubscriptionDeleted, r.handleSubscriptionDeleted)
	return r
}

// Register appends a handler for the given event kind. Handlers run in
// registration order; every handler runs even when a sibling fails, and any
// failure marks the whole delivery retryable.
func (r *Reconciler) Register(kind EventKind, fn HandlerFunc) {
	r.handlers[kind] = append(r.handlers[kind], fn)
}

// Process verifies and handles one raw delivery. It returns
// ErrInvalidSignature for tampered or mis-signed payloads; any other error
// means processing failed and the delivery should be retried. Events seen
// before, and event types with no handler, succeed as no-ops.
func (r *Reconciler) Process(ctx context.Context, payload []byte, signatureHeader string) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.Process")
	defer span.End()

	event, err := stripewebhook.ConstructEvent(payload, signatureHeader, r.secret)
	if err != nil {
		util.WebhooksRejectedTotal.WithLabelValues("signature").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	kind := EventKind(event.Type)
	util.WebhooksReceivedTotal.WithLabelValues(string(kind)).Inc()

	processed, err := r.store.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("failed to check event dedupe: %w", err)
	}
	if processed {
		r.logger.Info("Skipping duplicate webhook delivery",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(kind)))
		return nil
	}

	var errs []error
	for _, fn := range r.handlers[kind] {
		if err := fn(ctx, &event); err != nil {
			r.logger.Error("Webhook handler failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(kind)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to handle %s event %s: %w", kind, event.ID, errors.Join(errs...))
	}

	return r.store.MarkEventProcessed(ctx, event.ID, string(kind))
}

// orderForTransaction resolves the order a delivery refers to. A nil order
// with nil error means the transaction is unknown; the caller drops the
// delivery, since events for foreign accounts or deleted orders are normal.
func (r *Reconciler) orderForTransaction(ctx context.Context, transactionID string) (*models.Order, error) {
	if transactionID == "" {
		return nil, nil
	}
	order, err := r.store.GetOrderByTransaction(ctx, transactionID, models.PaymentMethodStripe)
	if err != nil {
		return nil, err
	}
	if order == nil {
		util.WebhooksRejectedTotal.WithLabelValues("unknown_order").Inc()
		r.logger.Info("Webhook for unknown transaction, dropping",
			zap.String("transaction_id", transactionID))
	}
	return order, nil
}

// complete moves the order to COMPLETED (tolerating stale deliveries) and
// runs the settlement split.
func (r *Reconciler) complete(ctx context.Context, order *models.Order) error {
	err := r.settler.TransitionOrder(ctx, order.ID, models.OrderStatusCompleted)
	if errors.Is(err, service.ErrIllegalTransition) {
		// Canceled or declined before this delivery arrived; nothing to settle.
		return nil
	}
	if err != nil {
		return err
	}

	if r.publisher != nil {
		txID := ""
		if order.TransactionID != nil {
			txID = *order.TransactionID
		}
		pubErr := r.publisher.PublishOrderCompleted(ctx, &models.OrderCompletedEvent{
			BaseEvent:     baseEvent(models.EventTypeOrderCompleted),
			OrderID:       order.ID,
			TransactionID: txID,
		})
		if pubErr != nil {
			r.logger.Error("Failed to publish OrderCompleted event", zap.Error(pubErr))
		}
	}

	return r.settler.Split(ctx, order.ID)
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("malformed checkout session payload: %w", err)
	}
	if session.PaymentIntent == nil {
		return nil
	}
	order, err := r.orderForTransaction(ctx, session.PaymentIntent.ID)
	if err != nil || order == nil {
		return err
	}
	// Async payment methods complete the session before funds settle; the
	// split's own funds guard defers settlement until capture.
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return nil
	}
	return r.complete(ctx, order)
}

func (r *Reconciler) handleCheckoutFailed(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("malformed checkout session payload: %w", err)
	}
	if session.PaymentIntent == nil {
		return nil
	}
	order, err := r.orderForTransaction(ctx, session.PaymentIntent.ID)
	if err != nil || order == nil {
		return err
	}
	return r.decline(ctx, order.ID, "async_payment_failed")
}

func (r *Reconciler) handleChargeCaptured(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("malformed charge payload: %w", err)
	}
	if charge.PaymentIntent == nil {
		return nil
	}
	order, err := r.orderForTransaction(ctx, charge.PaymentIntent.ID)
	if err != nil || order == nil {
		return err
	}
	return r.complete(ctx, order)
}

func (r *Reconciler) handleChargeRefunded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("malformed charge payload: %w", err)
	}
	if charge.PaymentIntent == nil {
		return nil
	}
	order, err := r.orderForTransaction(ctx, charge.PaymentIntent.ID)
	if err != nil || order == nil {
		return err
	}
	return r.settler.RecordRefund(ctx, order.ID, charge.AmountRefunded)
}

// handleRefundUpdated re-reads the charge so the recorded amount reflects the
// gateway's cumulative figure rather than this one refund object.
func (r *Reconciler) handleRefundUpdated(ctx context.Context, event *stripe.Event) error {
	var refund stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
		return fmt.Errorf("malformed refund payload: %w", err)
	}
	if refund.Status != stripe.RefundStatusSucceeded || refund.PaymentIntent == nil || refund.Charge == nil {
		return nil
	}
	order, err := r.orderForTransaction(ctx, refund.PaymentIntent.ID)
	if err != nil || order == nil {
		return err
	}
	charge, err := r.gateway.RetrieveCharge(ctx, refund.Charge.ID)
	if err != nil {
		return err
	}
	return r.settler.RecordRefund(ctx, order.ID, charge.AmountRefunded)
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, event *stripe.Event) error {
	order, err := r.orderForIntentEvent(ctx, event)
	if err != nil || order == nil {
		return err
	}
	return r.decline(ctx, order.ID, "payment_failed")
}

// decline moves the order to DECLINED and announces it; a stale transition
// drops silently like any other out-of-order delivery.
func (r *Reconciler) decline(ctx context.Context, orderID int64, reason string) error {
	err := r.settler.TransitionOrder(ctx, orderID, models.OrderStatusDeclined)
	if errors.Is(err, service.ErrIllegalTransition) {
		r.logger.Info("Dropping stale transition from webhook",
			zap.Int64("order_id", orderID),
			zap.String("target", models.OrderStatusDeclined))
		return nil
	}
	if err != nil {
		return err
	}
	if r.publisher != nil {
		pubErr := r.publisher.PublishOrderDeclined(ctx, &models.OrderDeclinedEvent{
			BaseEvent: baseEvent(models.EventTypeOrderDeclined),
			OrderID:   orderID,
			Reason:    reason,
		})
		if pubErr != nil {
			r.logger.Error("Failed to publish OrderDeclined event", zap.Error(pubErr))
		}
	}
	return nil
}

func (r *Reconciler) handlePaymentCanceled(ctx context.Context, event *stripe.Event) error {
	order, err := r.orderForIntentEvent(ctx, event)
	if err != nil || order == nil {
		return err
	}
	if err := r.transition(ctx, order.ID, models.OrderStatusCanceled); err != nil {
		return err
	}
	if r.publisher != nil {
		pubErr := r.publisher.PublishOrderCanceled(ctx, &models.OrderCanceledEvent{
			BaseEvent: baseEvent(models.EventTypeOrderCanceled),
			OrderID:   order.ID,
			Reason:    "payment_canceled",
		})
		if pubErr != nil {
			r.logger.Error("Failed to publish OrderCanceled event", zap.Error(pubErr))
		}
	}
	return nil
}

func (r *Reconciler) handleSubscriptionActive(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("malformed subscription payload: %w", err)
	}
	if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
		return nil
	}
	order, err := r.orderForTransaction(ctx, sub.ID)
	if err != nil || order == nil {
		return err
	}
	err = r.settler.TransitionOrder(ctx, order.ID, models.OrderStatusSubActive)
	if errors.Is(err, service.ErrIllegalTransition) {
		// Canceled before this delivery arrived; nothing to settle.
		return nil
	}
	if err != nil {
		return err
	}
	// Subscription orders settle off this delivery: their transaction is the
	// subscription ID, so no charge event will ever re-trigger the split.
	return r.settler.Split(ctx, order.ID)
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("malformed subscription payload: %w", err)
	}
	order, err := r.orderForTransaction(ctx, sub.ID)
	if err != nil || order == nil {
		return err
	}
	return r.transition(ctx, order.ID, models.OrderStatusCanceled)
}

func (r *Reconciler) orderForIntentEvent(ctx context.Context, event *stripe.Event) (*models.Order, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("malformed payment intent payload: %w", err)
	}
	return r.orderForTransaction(ctx, intent.ID)
}

// transition applies a status change, swallowing illegal transitions: an
// out-of-order delivery asking for a move the state machine forbids is stale
// information, not a failure.
func (r *Reconciler) transition(ctx context.Context, orderID int64, target string) error {
	err := r.settler.TransitionOrder(ctx, orderID, target)
	if errors.Is(err, service.ErrIllegalTransition) {
		r.logger.Info("Dropping stale transition from webhook",
			zap.Int64("order_id", orderID),
			zap.String("target", target))
		return nil
	}
	return err
}

func baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
