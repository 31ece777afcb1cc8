package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
	"marketplace-service/internal/money"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the persistence seam the settlement and order services drive.
// *store.Store implements it; tests use an in-memory fake.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByTransaction(ctx context.Context, transactionID, paymentMethod string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ListSubOrders(ctx context.Context, parentID int64) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderDetails(ctx context.Context, orderID int64, details models.OrderDetails) error
	ApplySplit(ctx context.Context, plan models.SplitPlan) ([]models.Order, error)
	RecordTransfer(ctx context.Context, record *models.TransferRecord) error
	GetTransferBySubOrder(ctx context.Context, subOrderID int64) (*models.TransferRecord, error)
	DeleteOrder(ctx context.Context, orderID int64) error
}

// Locker serializes settlement passes per order.
type Locker interface {
	AcquireOrderLock(ctx context.Context, orderID int64, ttl time.Duration) (string, bool, error)
	ReleaseOrderLock(ctx context.Context, orderID int64, token string) error
}

// Publisher publishes settlement domain events. *broker.EventPublisher
// implements it.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishOrderSplit(ctx context.Context, event *models.OrderSplitEvent) error
	PublishTransferIssued(ctx context.Context, event *models.TransferIssuedEvent) error
	PublishOrderCanceled(ctx context.Context, event *models.OrderCanceledEvent) error
	PublishRefundRecorded(ctx context.Context, event *models.RefundRecordedEvent) error
}

// Settings carries the storefront-level settlement switches, threaded in
// explicitly at construction.
type Settings struct {
	ShippingEnabled bool
	Testmode        bool
	LockTTL         time.Duration
	// PlatformFeePercent is the fallback commission applied when a vendor's
	// transfer data carries no explicit fee.
	PlatformFeePercent float64
}

// ErrIllegalTransition is returned when a requested order status change is
// not in the transition table. Reconciliation callers treat it as a stale
// delivery and drop it.
var ErrIllegalTransition = errors.New("illegal order transition")

// allowed order status transitions, keyed by current status.
var orderTransitions = map[string][]string{
	models.OrderStatusPendingPayment: {
		models.OrderStatusCompleted,
		models.OrderStatusSubActive,
		models.OrderStatusDeclined,
		models.OrderStatusCanceled,
	},
	models.OrderStatusCompleted: {models.OrderStatusCanceled},
	models.OrderStatusSubActive: {models.OrderStatusCanceled},
}

// SettlementEngine partitions completed multi-vendor orders into per-vendor
// sub-orders and settles them through gateway transfers. Every mutating step
// is idempotent: the split flag and the per-sub-order transfer record are the
// two gates that make repeated invocation safe under at-least-once webhook
// delivery.
type SettlementEngine struct {
	store     Store
	gateway   gateway.Client
	locker    Locker
	publisher Publisher
	settings  Settings
	logger    *zap.Logger
}

// NewSettlementEngine creates a settlement engine.
func NewSettlementEngine(store Store, gw gateway.Client, locker Locker, publisher Publisher, settings Settings) *SettlementEngine {
	if settings.LockTTL <= 0 {
		settings.LockTTL = 30 * time.Second
	}
	return &SettlementEngine{
		store:     store,
		gateway:   gw,
		locker:    locker,
		publisher: publisher,
		settings:  settings,
		logger:    util.GetLogger(),
	}
}

// TransitionOrder moves an order to target if the state machine allows it.
// Transitioning to the current status is a no-op so replayed events are safe.
// Only the webhook reconciler calls this.
func (se *SettlementEngine) TransitionOrder(ctx context.Context, orderID int64, target string) error {
	order, err := se.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == target {
		return nil
	}
	for _, allowed := range orderTransitions[order.Status] {
		if allowed == target {
			return se.store.UpdateOrderStatus(ctx, orderID, target)
		}
	}
	return fmt.Errorf("%w: %s -> %s for order %d", ErrIllegalTransition, order.Status, target, orderID)
}

// RecordRefund tracks the cumulative refunded amount on the order without a
// state change; re-applying a lower or equal amount is a no-op.
func (se *SettlementEngine) RecordRefund(ctx context.Context, orderID int64, amountRefunded int64) error {
	order, err := se.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if amountRefunded <= order.Details.Multivendor.RefundedAmount {
		return nil
	}

	details := order.Details
	details.Multivendor.RefundedAmount = amountRefunded
	if err := se.store.UpdateOrderDetails(ctx, orderID, details); err != nil {
		return err
	}

	se.publish(ctx, func() error {
		return se.publisher.PublishRefundRecorded(ctx, &models.RefundRecordedEvent{
			BaseEvent: se.baseEvent(models.EventTypeRefundRecorded),
			OrderID:   orderID,
			Amount:    amountRefunded,
		})
	})
	return nil
}

// Split runs the order-splitting and transfer step for one parent order.
// Invoking it any number of times on the same order produces exactly one set
// of sub-orders and at most one transfer per vendor sub-order. A gateway
// failure on a transfer leaves that sub-order pending and is reported so the
// delivery is retried.
func (se *SettlementEngine) Split(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.Split")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	order, err := se.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.IsSubOrder() {
		return nil
	}
	if order.Status != models.OrderStatusCompleted && order.Status != models.OrderStatusSubActive {
		return nil
	}
	if len(order.Details.Multivendor.TransferData) == 0 {
		// Single-party order: nothing to partition.
		return nil
	}
	if order.Testmode != se.settings.Testmode {
		se.logger.Warn("Order testmode does not match settlement environment, skipping",
			zap.Int64("order_id", order.ID),
			zap.Bool("order_testmode", order.Testmode))
		return nil
	}

	token, ok, err := se.locker.AcquireOrderLock(ctx, order.ID, se.settings.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock order %d: %w", order.ID, err)
	}
	if !ok {
		se.logger.Info("Settlement pass already in progress, skipping",
			zap.Int64("order_id", order.ID))
		return nil
	}
	defer func() {
		if err := se.locker.ReleaseOrderLock(ctx, order.ID, token); err != nil {
			se.logger.Error("Failed to release order lock",
				zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}()

	// Funds guard: split only once the charge has actually settled. A
	// checkout-completed event may arrive before capture; the later
	// charge-captured delivery re-invokes us.
	intent, err := se.gateway.RetrievePaymentIntent(ctx, order.Details.PaymentIntent.ID)
	if err != nil {
		return err
	}
	if intent.Status != gateway.PaymentIntentStatusSucceeded || intent.LatestChargeID == "" {
		se.logger.Info("Charge not yet settled, deferring split",
			zap.Int64("order_id", order.ID),
			zap.String("intent_status", intent.Status))
		return nil
	}
	charge, err := se.gateway.RetrieveCharge(ctx, intent.LatestChargeID)
	if err != nil {
		return err
	}

	if !order.SplitDone {
		if err := se.createSubOrders(ctx, order); err != nil {
			return err
		}
	}

	return se.issueTransfers(ctx, order, intent, charge)
}

func (se *SettlementEngine) createSubOrders(ctx context.Context, order *models.Order) error {
	items, err := se.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}

	plan := se.buildSplitPlan(order, items)
	created, err := se.store.ApplySplit(ctx, plan)
	if err == models.ErrOrderAlreadySplit {
		// An earlier pass created the sub-orders; carry on to transfers.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to split order %d: %w", order.ID, err)
	}

	util.OrdersSplitTotal.Inc()
	util.SubOrdersCreatedTotal.Add(float64(len(created)))

	ids := make([]int64, len(created))
	for i, sub := range created {
		ids[i] = sub.ID
	}
	se.logger.Info("Order split into sub-orders",
		zap.Int64("order_id", order.ID),
		zap.Int64s("sub_order_ids", ids))

	se.publish(ctx, func() error {
		return se.publisher.PublishOrderSplit(ctx, &models.OrderSplitEvent{
			BaseEvent:   se.baseEvent(models.EventTypeOrderSplit),
			OrderID:     order.ID,
			SubOrderIDs: ids,
		})
	})
	return nil
}

// buildSplitPlan groups the parent's items by vendor, with a platform bucket
// for vendor-less items. Vendor sub-orders start pending payment; the
// platform bucket completes immediately since the platform already holds the
// funds.
func (se *SettlementEngine) buildSplitPlan(order *models.Order, items []models.OrderItem) models.SplitPlan {
	type bucket struct {
		vendorID *int64
		itemIDs  []int64
		subtotal int64
	}

	var buckets []*bucket
	index := map[int64]*bucket{}
	var platform *bucket

	for _, item := range items {
		var b *bucket
		if item.VendorID == nil {
			if platform == nil {
				platform = &bucket{}
				buckets = append(buckets, platform)
			}
			b = platform
		} else {
			b = index[*item.VendorID]
			if b == nil {
				vendorID := *item.VendorID
				b = &bucket{vendorID: &vendorID}
				index[vendorID] = b
				buckets = append(buckets, b)
			}
		}
		b.itemIDs = append(b.itemIDs, item.ID)
		b.subtotal += item.Subtotal
	}

	plan := models.SplitPlan{ParentID: order.ID}
	for _, b := range buckets {
		status := models.OrderStatusPendingPayment
		shippingKey := models.ShippingKeyPlatform
		if b.vendorID == nil {
			status = models.OrderStatusCompleted
		} else {
			shippingKey = fmt.Sprintf("%d", *b.vendorID)
		}

		var shipping int64
		if se.settings.ShippingEnabled {
			shipping = order.Details.Multivendor.ShippingBreakdown[shippingKey]
		}

		sub := models.Order{
			CustomerID:    order.CustomerID,
			VendorID:      b.vendorID,
			Status:        status,
			PaymentMethod: order.PaymentMethod,
			TransactionID: order.TransactionID,
			Currency:      order.Currency,
			Subtotal:      b.subtotal,
			Shipping:      shipping,
			Total:         b.subtotal + shipping,
			ParentID:      &order.ID,
			Testmode:      order.Testmode,
		}
		plan.SubOrders = append(plan.SubOrders, models.SubOrderPlan{Order: sub, ItemIDs: b.itemIDs})
	}
	return plan
}

func (se *SettlementEngine) issueTransfers(ctx context.Context, order *models.Order, intent *gateway.PaymentIntent, charge *gateway.Charge) error {
	subs, err := se.store.ListSubOrders(ctx, order.ID)
	if err != nil {
		return err
	}

	transferData := map[int64]models.VendorTransferData{}
	for _, td := range order.Details.Multivendor.TransferData {
		transferData[td.VendorID] = td
	}

	var firstErr error
	for i := range subs {
		sub := &subs[i]
		if sub.VendorID == nil || sub.Status == models.OrderStatusCompleted {
			continue
		}

		existing, err := se.store.GetTransferBySubOrder(ctx, sub.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		td, ok := transferData[*sub.VendorID]
		if !ok {
			se.logger.Warn("No transfer data for vendor, leaving sub-order pending",
				zap.Int64("order_id", order.ID),
				zap.Int64("vendor_id", *sub.VendorID))
			continue
		}

		fee := td.VendorFee
		if fee == 0 && se.settings.PlatformFeePercent > 0 {
			pct := decimal.NewFromFloat(se.settings.PlatformFeePercent).Div(decimal.NewFromInt(100))
			fee = money.New(td.VendorTotal, order.Currency).MulDecimal(pct).Amount
		}
		amount := money.New(td.VendorTotal-fee, order.Currency)
		if !amount.IsPositive() {
			// Nothing owed to the vendor; the sub-order settles as-is.
			if err := se.store.UpdateOrderStatus(ctx, sub.ID, models.OrderStatusCompleted); err != nil {
				return err
			}
			continue
		}

		// Transfers move funds from the settled balance, so they are
		// denominated in the charge's settlement currency.
		currency := order.Currency
		if charge.SettlementCurrency != "" && charge.SettlementCurrency != intent.Currency {
			currency = charge.SettlementCurrency
			if !charge.ExchangeRate.IsZero() {
				amount = money.New(amount.MulDecimal(charge.ExchangeRate).Amount, currency)
			}
		}

		transfer, err := se.gateway.CreateTransfer(ctx, gateway.TransferRequest{
			Amount:         amount.Amount,
			Currency:       currency,
			Destination:    td.Destination,
			TransferGroup:  fmt.Sprintf("ORDER_%d", order.ID),
			IdempotencyKey: models.TransferIdempotencyKey(order.ID, td.VendorID),
		})
		if err != nil {
			// Leave the sub-order pending; the idempotency key makes the
			// retry on the next delivery safe on the gateway side.
			se.logger.Error("Transfer failed, sub-order left pending",
				zap.Int64("order_id", order.ID),
				zap.Int64("sub_order_id", sub.ID),
				zap.Int64("vendor_id", td.VendorID),
				zap.Error(err))
			util.TransfersFailedTotal.WithLabelValues("gateway_error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		record := &models.TransferRecord{
			SubOrderID:        sub.ID,
			GatewayTransferID: transfer.ID,
			Amount:            amount.Amount,
			Currency:          currency,
			IdempotencyKey:    models.TransferIdempotencyKey(order.ID, td.VendorID),
		}
		if err := se.store.RecordTransfer(ctx, record); err != nil {
			return fmt.Errorf("failed to record transfer for sub-order %d: %w", sub.ID, err)
		}

		// Best effort: stamp the payout on the vendor's connected account.
		accErr := se.gateway.UpdateAccount(ctx, td.Destination, gateway.AccountUpdate{
			Metadata: map[string]string{
				"last_transfer_id":   transfer.ID,
				"last_settled_order": fmt.Sprintf("%d", order.ID),
			},
		})
		if accErr != nil {
			se.logger.Warn("Failed to update vendor account metadata",
				zap.Int64("vendor_id", td.VendorID), zap.Error(accErr))
		}

		util.TransfersIssuedTotal.Inc()
		se.logger.Info("Sub-order settled",
			zap.Int64("order_id", order.ID),
			zap.Int64("sub_order_id", sub.ID),
			zap.String("transfer_id", transfer.ID),
			zap.Int64("amount", amount.Amount))

		se.publish(ctx, func() error {
			return se.publisher.PublishTransferIssued(ctx, &models.TransferIssuedEvent{
				BaseEvent:  se.baseEvent(models.EventTypeTransferIssued),
				OrderID:    order.ID,
				SubOrderID: sub.ID,
				VendorID:   td.VendorID,
				TransferID: transfer.ID,
				Amount:     amount.Amount,
			})
		})
	}
	return firstErr
}

func (se *SettlementEngine) baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// publish logs event publication failures without failing the settlement
// step; the persisted state is the source of truth.
func (se *SettlementEngine) publish(ctx context.Context, fn func() error) {
	if se.publisher == nil {
		return
	}
	if err := fn(); err != nil {
		se.logger.Error("Failed to publish event", zap.Error(err))
	}
}
