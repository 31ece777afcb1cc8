package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-service/internal/models"
	"marketplace-service/internal/money"
	"marketplace-service/internal/pricing"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QuoteCache caches computed quote amounts. *redisclient.Client implements
// it; a nil cache disables caching.
type QuoteCache interface {
	CacheQuote(ctx context.Context, key string, amount int64, ttl time.Duration) error
	GetCachedQuote(ctx context.Context, key string) (int64, bool, error)
}

// OrderService handles quoting and order creation.
type OrderService struct {
	store     Store
	engine    *pricing.Engine
	cache     QuoteCache
	publisher Publisher
	logger    *zap.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(store Store, engine *pricing.Engine, cache QuoteCache, publisher Publisher) *OrderService {
	return &OrderService{
		store:     store,
		engine:    engine,
		cache:     cache,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// QuoteRequest asks for the price of one configured product selection.
type QuoteRequest struct {
	Config        pricing.ProductConfig `json:"config" binding:"required"`
	Selection     pricing.Selection     `json:"selection"`
	WithDiscounts bool                  `json:"with_discounts"`
	RangeLength   int64                 `json:"range_length,omitempty"`
	AtDate        *time.Time            `json:"at_date,omitempty"`
}

// QuoteResponse carries the computed amount.
type QuoteResponse struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Quote prices a selection in estimate mode. Quotes are deterministic, so
// identical requests are served from cache.
func (s *OrderService) Quote(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Quote")
	defer span.End()

	key, err := quoteCacheKey(req)
	if err == nil && s.cache != nil {
		if amount, ok, cerr := s.cache.GetCachedQuote(ctx, key); cerr == nil && ok {
			return &QuoteResponse{Amount: amount, Currency: req.Config.Currency}, nil
		}
	}

	quote, err := s.engine.Quote(req.Config, req.Selection, pricing.QuoteOptions{
		WithDiscounts: req.WithDiscounts,
		RangeLength:   req.RangeLength,
		AtDate:        req.AtDate,
	})
	if err != nil {
		util.QuotesFailedTotal.WithLabelValues(quoteFailureReason(err)).Inc()
		return nil, err
	}

	util.QuotesComputedTotal.WithLabelValues(string(req.Config.Mode)).Inc()
	if s.cache != nil && key != "" {
		if cerr := s.cache.CacheQuote(ctx, key, quote.Amount, 5*time.Minute); cerr != nil {
			s.logger.Warn("Failed to cache quote", zap.Error(cerr))
		}
	}
	return &QuoteResponse{Amount: quote.Amount, Currency: quote.Currency}, nil
}

func quoteCacheKey(req *QuoteRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func quoteFailureReason(err error) string {
	switch err.(type) {
	case *pricing.ValidationError:
		return "validation"
	default:
		return "unsupported_mode"
	}
}

// CreateOrderRequest represents a checkout request. Each item carries the
// product config snapshot so the server re-prices every line itself.
type CreateOrderRequest struct {
	CustomerID        int64                       `json:"customer_id" binding:"required"`
	PaymentMethod     string                      `json:"payment_method" binding:"required"`
	TransactionID     *string                     `json:"transaction_id,omitempty"`
	Currency          string                      `json:"currency" binding:"required"`
	Tax               int64                       `json:"tax"`
	Shipping          int64                       `json:"shipping"`
	Testmode          bool                        `json:"testmode"`
	Items             []OrderItemRequest          `json:"items" binding:"required,min=1"`
	TransferData      []models.VendorTransferData `json:"transfer_data,omitempty"`
	ShippingBreakdown map[string]int64            `json:"shipping_breakdown,omitempty"`
	PaymentIntent     models.PaymentIntentDetails `json:"payment_intent,omitempty"`
}

// OrderItemRequest represents an item in a checkout request.
type OrderItemRequest struct {
	ProductRef  string                `json:"product_ref" binding:"required"`
	VendorID    *int64                `json:"vendor_id,omitempty"`
	Quantity    int64                 `json:"quantity" binding:"required,min=1"`
	Config      pricing.ProductConfig `json:"config" binding:"required"`
	Selection   pricing.Selection     `json:"selection"`
	RangeLength int64                 `json:"range_length,omitempty"`
	AtDate      *time.Time            `json:"at_date,omitempty"`
	DataInputs  models.DataInputs     `json:"data_inputs,omitempty"`
}

// CreateOrderResponse represents the response after creating an order.
type CreateOrderResponse struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
	Total   int64  `json:"total"`
}

// CreateOrder prices every line server-side and persists the order in
// PENDING_PAYMENT. When the request carries a transaction ID, resubmitting
// the same checkout returns the existing order instead of creating another.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.TransactionID != nil {
		existing, err := s.store.GetOrderByTransaction(ctx, *req.TransactionID, req.PaymentMethod)
		if err != nil {
			return nil, fmt.Errorf("failed to check for duplicate checkout: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate checkout detected",
				zap.String("transaction_id", *req.TransactionID),
				zap.Int64("order_id", existing.ID))
			return &CreateOrderResponse{OrderID: existing.ID, Status: existing.Status, Total: existing.Total}, nil
		}
	}

	subtotal := money.Zero(req.Currency)
	lineTotals := make([]money.Money, len(req.Items))
	for i, item := range req.Items {
		sel := item.Selection
		sel.Quantity = item.Quantity
		line, err := s.engine.Quote(item.Config, sel, pricing.QuoteOptions{
			WithDiscounts: true,
			RangeLength:   item.RangeLength,
			AtDate:        item.AtDate,
			Checkout:      true,
		})
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues("pricing").Inc()
			return nil, fmt.Errorf("failed to price item %s: %w", item.ProductRef, err)
		}
		lineTotals[i] = line
		subtotal, err = subtotal.Add(line)
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues("currency_mismatch").Inc()
			return nil, err
		}
	}

	order := &models.Order{
		CustomerID:    req.CustomerID,
		Status:        models.OrderStatusPendingPayment,
		PaymentMethod: req.PaymentMethod,
		TransactionID: req.TransactionID,
		Currency:      req.Currency,
		Subtotal:      subtotal.Amount,
		Tax:           req.Tax,
		Shipping:      req.Shipping,
		Total:         subtotal.Amount + req.Tax + req.Shipping,
		Testmode:      req.Testmode,
		Details: models.OrderDetails{
			PaymentIntent: req.PaymentIntent,
			Multivendor: models.MultivendorDetails{
				TransferData:      req.TransferData,
				ShippingBreakdown: req.ShippingBreakdown,
			},
		},
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for i, item := range req.Items {
		snapshot, err := json.Marshal(item.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot product config: %w", err)
		}
		orderItem := &models.OrderItem{
			OrderID:         order.ID,
			ProductRef:      item.ProductRef,
			VendorID:        item.VendorID,
			Quantity:        item.Quantity,
			Subtotal:        lineTotals[i].Amount,
			Currency:        req.Currency,
			DataInputs:      item.DataInputs,
			ProductSnapshot: snapshot,
		}
		if err := s.store.CreateOrderItem(ctx, orderItem); err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("total", order.Total),
		zap.Int("items", len(req.Items)))

	if s.publisher != nil {
		event := &models.OrderCreatedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderCreated,
				Timestamp: time.Now(),
			},
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			Total:      order.Total,
		}
		if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
		}
	}

	return &CreateOrderResponse{OrderID: order.ID, Status: order.Status, Total: order.Total}, nil
}

// GetOrder retrieves an order with its items and sub-orders.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, []models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}

	var subs []models.Order
	if order.SplitDone {
		subs, err = s.store.ListSubOrders(ctx, orderID)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return order, items, subs, nil
}

// DeleteOrder removes an order with its sub-orders, items and transfer
// records. Admin-only; sub-orders cannot be deleted on their own since that
// would orphan the parent's settlement bookkeeping.
func (s *OrderService) DeleteOrder(ctx context.Context, orderID int64) error {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.IsSubOrder() {
		return fmt.Errorf("order %d is a sub-order; delete its parent %d instead", orderID, *order.ParentID)
	}

	if err := s.store.DeleteOrder(ctx, orderID); err != nil {
		return err
	}
	s.logger.Info("Order deleted", zap.Int64("order_id", orderID))
	return nil
}
