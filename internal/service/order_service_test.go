package service

import (
	"context"
	"testing"
	"time"

	"marketplace-service/internal/models"
	"marketplace-service/internal/money"
	"marketplace-service/internal/pricing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memQuoteCache struct {
	entries map[string]int64
	hits    int
}

func newMemQuoteCache() *memQuoteCache {
	return &memQuoteCache{entries: map[string]int64{}}
}

func (c *memQuoteCache) CacheQuote(_ context.Context, key string, amount int64, _ time.Duration) error {
	c.entries[key] = amount
	return nil
}

func (c *memQuoteCache) GetCachedQuote(_ context.Context, key string) (int64, bool, error) {
	amount, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return amount, ok, nil
}

func simpleConfig(base int64) pricing.ProductConfig {
	return pricing.ProductConfig{
		Mode:      pricing.ModeSimple,
		Currency:  "usd",
		BasePrice: pricing.PriceTerm{Amount: money.New(base, "usd")},
	}
}

func TestQuoteCachesRepeatRequests(t *testing.T) {
	cache := newMemQuoteCache()
	svc := NewOrderService(newMemStore(), pricing.NewEngine(pricing.Settings{}), cache, nil)

	req := &QuoteRequest{Config: simpleConfig(1000), Selection: pricing.Selection{Quantity: 2}}

	resp, err := svc.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), resp.Amount)
	assert.Equal(t, "usd", resp.Currency)
	assert.Len(t, cache.entries, 1)

	resp, err = svc.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), resp.Amount)
	assert.Equal(t, 1, cache.hits)
}

func TestQuoteRejectsUnknownMode(t *testing.T) {
	svc := NewOrderService(newMemStore(), pricing.NewEngine(pricing.Settings{}), nil, nil)

	_, err := svc.Quote(context.Background(), &QuoteRequest{
		Config: pricing.ProductConfig{Mode: "auction", Currency: "usd"},
	})
	assert.ErrorIs(t, err, pricing.ErrUnsupportedProductMode)
}

func TestCreateOrderPricesEachLine(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := NewOrderService(st, pricing.NewEngine(pricing.Settings{}), nil, nil)

	txID := "pi_create"
	resp, err := svc.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID:    7,
		PaymentMethod: models.PaymentMethodStripe,
		TransactionID: &txID,
		Currency:      "usd",
		Tax:           100,
		Shipping:      250,
		Items: []OrderItemRequest{
			{ProductRef: "prod_a", VendorID: int64Ptr(1), Quantity: 2, Config: simpleConfig(1000)},
			{ProductRef: "prod_b", Quantity: 1, Config: simpleConfig(500)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingPayment, resp.Status)
	assert.Equal(t, int64(2500+100+250), resp.Total)

	order, err := st.GetOrderByID(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), order.Subtotal)

	items, err := st.GetOrderItemsByOrderID(ctx, resp.OrderID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(2000), items[0].Subtotal)
	assert.NotEmpty(t, items[0].ProductSnapshot)
	assert.Equal(t, int64(500), items[1].Subtotal)
}

func TestCreateOrderRejectsInvalidSelection(t *testing.T) {
	svc := NewOrderService(newMemStore(), pricing.NewEngine(pricing.Settings{}), nil, nil)

	cfg := simpleConfig(1000)
	cfg.Addons = []pricing.AddonDefinition{{
		Key:         "extra",
		Kind:        pricing.AddonNumeric,
		Price:       money.New(100, "usd"),
		MaxQuantity: 3,
	}}

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		CustomerID:    7,
		PaymentMethod: models.PaymentMethodStripe,
		Currency:      "usd",
		Items: []OrderItemRequest{{
			ProductRef: "prod_a",
			Quantity:   1,
			Config:     cfg,
			Selection: pricing.Selection{Addons: map[string]pricing.AddonSelection{
				"extra": {Enabled: true, Quantity: 10},
			}},
		}},
	})
	var validationErr *pricing.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestCreateOrderDeduplicatesByTransaction(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := NewOrderService(st, pricing.NewEngine(pricing.Settings{}), nil, nil)

	txID := "pi_dup"
	req := &CreateOrderRequest{
		CustomerID:    7,
		PaymentMethod: models.PaymentMethodStripe,
		TransactionID: &txID,
		Currency:      "usd",
		Items:         []OrderItemRequest{{ProductRef: "prod_a", Quantity: 1, Config: simpleConfig(1000)}},
	}

	first, err := svc.CreateOrder(ctx, req)
	require.NoError(t, err)
	second, err := svc.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	orders := 0
	for _, order := range st.orders {
		if order.ParentID == nil {
			orders++
		}
	}
	assert.Equal(t, 1, orders)
}

func TestDeleteOrderCascadesButRejectsSubOrders(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	order := seedMultivendorOrder(t, st)
	require.NoError(t, newTestEngine(st, gw).Split(ctx, order.ID))

	svc := NewOrderService(st, pricing.NewEngine(pricing.Settings{}), nil, nil)

	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	require.NotEmpty(t, subs)
	err = svc.DeleteOrder(ctx, subs[0].ID)
	assert.Error(t, err)

	require.NoError(t, svc.DeleteOrder(ctx, order.ID))
	assert.Empty(t, st.orders)
	assert.Empty(t, st.items)
	assert.Empty(t, st.transfers)
}
