package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for settlement tests.
type memStore struct {
	nextID    int64
	orders    map[int64]*models.Order
	items     map[int64]*models.OrderItem
	transfers map[int64]*models.TransferRecord
}

func newMemStore() *memStore {
	return &memStore{
		nextID:    1,
		orders:    map[int64]*models.Order{},
		items:     map[int64]*models.OrderItem{},
		transfers: map[int64]*models.TransferRecord{},
	}
}

func (m *memStore) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	order.ID = m.id()
	copied := *order
	m.orders[order.ID] = &copied
	return nil
}

func (m *memStore) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	item.ID = m.id()
	copied := *item
	m.items[item.ID] = &copied
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d not found", id)
	}
	copied := *order
	return &copied, nil
}

func (m *memStore) GetOrderByTransaction(_ context.Context, transactionID, paymentMethod string) (*models.Order, error) {
	for _, order := range m.orders {
		if order.ParentID == nil && order.TransactionID != nil &&
			*order.TransactionID == transactionID && order.PaymentMethod == paymentMethod {
			copied := *order
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	var out []models.OrderItem
	for id := int64(1); id < m.nextID; id++ {
		if item, ok := m.items[id]; ok && item.OrderID == orderID {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (m *memStore) ListSubOrders(_ context.Context, parentID int64) ([]models.Order, error) {
	var out []models.Order
	for id := int64(1); id < m.nextID; id++ {
		if order, ok := m.orders[id]; ok && order.ParentID != nil && *order.ParentID == parentID {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (m *memStore) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	order.Status = status
	return nil
}

func (m *memStore) UpdateOrderDetails(_ context.Context, orderID int64, details models.OrderDetails) error {
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	order.Details = details
	return nil
}

func (m *memStore) ApplySplit(_ context.Context, plan models.SplitPlan) ([]models.Order, error) {
	parent, ok := m.orders[plan.ParentID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", plan.ParentID)
	}
	if parent.SplitDone {
		return nil, models.ErrOrderAlreadySplit
	}

	created := make([]models.Order, 0, len(plan.SubOrders))
	for _, sub := range plan.SubOrders {
		order := sub.Order
		order.ID = m.id()
		m.orders[order.ID] = &order
		for _, itemID := range sub.ItemIDs {
			m.items[itemID].OrderID = order.ID
		}
		created = append(created, order)
	}
	parent.SplitDone = true
	return created, nil
}

func (m *memStore) RecordTransfer(_ context.Context, record *models.TransferRecord) error {
	for _, existing := range m.transfers {
		if existing.SubOrderID == record.SubOrderID && !existing.Voided {
			return fmt.Errorf("sub-order %d already has a transfer", record.SubOrderID)
		}
	}
	record.ID = m.id()
	copied := *record
	m.transfers[record.ID] = &copied
	m.orders[record.SubOrderID].Status = models.OrderStatusCompleted
	return nil
}

func (m *memStore) DeleteOrder(_ context.Context, orderID int64) error {
	var doomed []int64
	for id, order := range m.orders {
		if id == orderID || (order.ParentID != nil && *order.ParentID == orderID) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		for itemID, item := range m.items {
			if item.OrderID == id {
				delete(m.items, itemID)
			}
		}
		for recID, record := range m.transfers {
			if record.SubOrderID == id {
				delete(m.transfers, recID)
			}
		}
		delete(m.orders, id)
	}
	return nil
}

func (m *memStore) GetTransferBySubOrder(_ context.Context, subOrderID int64) (*models.TransferRecord, error) {
	for _, record := range m.transfers {
		if record.SubOrderID == subOrderID && !record.Voided {
			copied := *record
			return &copied, nil
		}
	}
	return nil, nil
}

// memGateway fakes the payment gateway. Transfers dedupe on idempotency key
// the way the real gateway does.
type memGateway struct {
	intent    gateway.PaymentIntent
	charge    gateway.Charge
	transfers map[string]*gateway.Transfer
	calls     int
	failNext  bool
}

func newMemGateway() *memGateway {
	return &memGateway{
		intent: gateway.PaymentIntent{
			ID:             "pi_test",
			Status:         gateway.PaymentIntentStatusSucceeded,
			Currency:       "usd",
			LatestChargeID: "ch_test",
		},
		charge:    gateway.Charge{ID: "ch_test", Currency: "usd"},
		transfers: map[string]*gateway.Transfer{},
	}
}

func (g *memGateway) RetrievePaymentIntent(_ context.Context, id string) (*gateway.PaymentIntent, error) {
	intent := g.intent
	return &intent, nil
}

func (g *memGateway) RetrieveCharge(_ context.Context, id string) (*gateway.Charge, error) {
	charge := g.charge
	return &charge, nil
}

func (g *memGateway) CreateTransfer(_ context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	g.calls++
	if g.failNext {
		g.failNext = false
		return nil, &gateway.Error{Op: "CreateTransfer", Err: errors.New("connection reset")}
	}
	if existing, ok := g.transfers[req.IdempotencyKey]; ok {
		transfer := *existing
		return &transfer, nil
	}
	transfer := &gateway.Transfer{
		ID:     fmt.Sprintf("tr_%d", len(g.transfers)+1),
		Amount: req.Amount,
	}
	g.transfers[req.IdempotencyKey] = transfer
	copied := *transfer
	return &copied, nil
}

func (g *memGateway) UpdateAccount(_ context.Context, accountID string, update gateway.AccountUpdate) error {
	return nil
}

type memLocker struct{}

func (memLocker) AcquireOrderLock(_ context.Context, _ int64, _ time.Duration) (string, bool, error) {
	return "token", true, nil
}

func (memLocker) ReleaseOrderLock(_ context.Context, _ int64, _ string) error { return nil }

func int64Ptr(v int64) *int64 { return &v }

// seedMultivendorOrder creates a completed two-vendor order: vendor 1 sold
// 3000, vendor 2 sold 2000, each with a 10% platform fee.
func seedMultivendorOrder(t *testing.T, st *memStore) *models.Order {
	t.Helper()
	ctx := context.Background()
	txID := "pi_test"

	order := &models.Order{
		CustomerID:    7,
		Status:        models.OrderStatusCompleted,
		PaymentMethod: models.PaymentMethodStripe,
		TransactionID: &txID,
		Currency:      "usd",
		Subtotal:      5000,
		Total:         5000,
		Details: models.OrderDetails{
			PaymentIntent: models.PaymentIntentDetails{ID: "pi_test", Currency: "usd"},
			Multivendor: models.MultivendorDetails{
				TransferData: []models.VendorTransferData{
					{VendorID: 1, Destination: "acct_vendor1", VendorTotal: 3000, VendorFee: 300},
					{VendorID: 2, Destination: "acct_vendor2", VendorTotal: 2000, VendorFee: 200},
				},
			},
		},
	}
	require.NoError(t, st.CreateOrder(ctx, order))

	for _, item := range []*models.OrderItem{
		{OrderID: order.ID, ProductRef: "prod_a", VendorID: int64Ptr(1), Quantity: 1, Subtotal: 3000, Currency: "usd"},
		{OrderID: order.ID, ProductRef: "prod_b", VendorID: int64Ptr(2), Quantity: 1, Subtotal: 2000, Currency: "usd"},
	} {
		require.NoError(t, st.CreateOrderItem(ctx, item))
	}
	return order
}

func newTestEngine(st *memStore, gw *memGateway) *SettlementEngine {
	return NewSettlementEngine(st, gw, memLocker{}, nil, Settings{})
}

func TestSplitCreatesSubOrdersAndTransfers(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	order := seedMultivendorOrder(t, st)

	require.NoError(t, newTestEngine(st, gw).Split(ctx, order.ID))

	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	byVendor := map[int64]models.Order{}
	for _, sub := range subs {
		require.NotNil(t, sub.VendorID)
		byVendor[*sub.VendorID] = sub
	}
	assert.Equal(t, int64(3000), byVendor[1].Subtotal)
	assert.Equal(t, int64(2000), byVendor[2].Subtotal)
	assert.Equal(t, models.OrderStatusCompleted, byVendor[1].Status)
	assert.Equal(t, models.OrderStatusCompleted, byVendor[2].Status)

	// Items moved off the parent onto their vendor sub-order.
	parentItems, err := st.GetOrderItemsByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, parentItems)
	vendor1Items, err := st.GetOrderItemsByOrderID(ctx, byVendor[1].ID)
	require.NoError(t, err)
	require.Len(t, vendor1Items, 1)
	assert.Equal(t, "prod_a", vendor1Items[0].ProductRef)

	// Transfers net of platform fee.
	assert.Len(t, gw.transfers, 2)
	rec1, err := st.GetTransferBySubOrder(ctx, byVendor[1].ID)
	require.NoError(t, err)
	require.NotNil(t, rec1)
	assert.Equal(t, int64(2700), rec1.Amount)
	assert.Equal(t, models.TransferIdempotencyKey(order.ID, 1), rec1.IdempotencyKey)

	parent, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, parent.SplitDone)
}

func TestSplitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	order := seedMultivendorOrder(t, st)
	engine := newTestEngine(st, gw)

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Split(ctx, order.ID))
	}

	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	var transferCount int
	for _, record := range st.transfers {
		if !record.Voided {
			transferCount++
		}
	}
	assert.Equal(t, 2, transferCount)
	// Repeat passes short-circuit on the transfer record, not the gateway.
	assert.Equal(t, 2, gw.calls)
}

func TestSplitRetriesFailedTransfer(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	gw.failNext = true
	order := seedMultivendorOrder(t, st)
	engine := newTestEngine(st, gw)

	err := engine.Split(ctx, order.ID)
	require.Error(t, err)
	var gatewayErr *gateway.Error
	assert.ErrorAs(t, err, &gatewayErr)

	// One vendor settled, the failed one left pending.
	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	statuses := map[string]int{}
	for _, sub := range subs {
		statuses[sub.Status]++
	}
	assert.Equal(t, 1, statuses[models.OrderStatusCompleted])
	assert.Equal(t, 1, statuses[models.OrderStatusPendingPayment])

	// Retry settles the remaining sub-order without touching the other.
	require.NoError(t, engine.Split(ctx, order.ID))
	subs, err = st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	for _, sub := range subs {
		assert.Equal(t, models.OrderStatusCompleted, sub.Status)
	}
	assert.Len(t, gw.transfers, 2)
}

func TestSplitDefersUntilChargeSettles(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	gw.intent.Status = "processing"
	gw.intent.LatestChargeID = ""
	order := seedMultivendorOrder(t, st)

	require.NoError(t, newTestEngine(st, gw).Split(ctx, order.ID))

	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
	parent, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, parent.SplitDone)
}

func TestSplitSkipsSinglePartyOrder(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()

	order := &models.Order{
		CustomerID:    7,
		Status:        models.OrderStatusCompleted,
		PaymentMethod: models.PaymentMethodStripe,
		Currency:      "usd",
		Total:         1000,
	}
	require.NoError(t, st.CreateOrder(ctx, order))

	require.NoError(t, newTestEngine(st, gw).Split(ctx, order.ID))
	assert.Zero(t, gw.calls)
}

func TestSplitPlatformBucketAndShipping(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	order := seedMultivendorOrder(t, st)

	// Add a vendor-less line and a shipping breakdown.
	require.NoError(t, st.CreateOrderItem(ctx, &models.OrderItem{
		OrderID: order.ID, ProductRef: "prod_platform", Quantity: 1, Subtotal: 500, Currency: "usd",
	}))
	parent := st.orders[order.ID]
	parent.Details.Multivendor.ShippingBreakdown = map[string]int64{
		"1": 150,
		models.ShippingKeyPlatform: 50,
	}

	engine := NewSettlementEngine(st, gw, memLocker{}, nil, Settings{ShippingEnabled: true})
	require.NoError(t, engine.Split(ctx, order.ID))

	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	for _, sub := range subs {
		switch {
		case sub.VendorID == nil:
			assert.Equal(t, int64(500), sub.Subtotal)
			assert.Equal(t, int64(50), sub.Shipping)
			assert.Equal(t, int64(550), sub.Total)
			assert.Equal(t, models.OrderStatusCompleted, sub.Status)
		case *sub.VendorID == 1:
			assert.Equal(t, int64(150), sub.Shipping)
			assert.Equal(t, int64(3150), sub.Total)
		case *sub.VendorID == 2:
			assert.Zero(t, sub.Shipping)
		}
	}
	// The platform bucket never gets a gateway transfer.
	assert.Len(t, gw.transfers, 2)
}

func TestSplitConvertsToSettlementCurrency(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	gw.charge.SettlementCurrency = "eur"
	gw.charge.ExchangeRate = decimal.RequireFromString("0.9")
	order := seedMultivendorOrder(t, st)

	require.NoError(t, newTestEngine(st, gw).Split(ctx, order.ID))

	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	for _, sub := range subs {
		record, err := st.GetTransferBySubOrder(ctx, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "eur", record.Currency)
		switch *sub.VendorID {
		case 1:
			assert.Equal(t, int64(2430), record.Amount) // 2700 * 0.9
		case 2:
			assert.Equal(t, int64(1620), record.Amount) // 1800 * 0.9
		}
	}
}

func TestSplitAppliesPlatformFeePercent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	gw := newMemGateway()
	order := seedMultivendorOrder(t, st)
	// Blank out the explicit fees so the percentage fallback applies.
	parent := st.orders[order.ID]
	for i := range parent.Details.Multivendor.TransferData {
		parent.Details.Multivendor.TransferData[i].VendorFee = 0
	}

	engine := NewSettlementEngine(st, gw, memLocker{}, nil, Settings{PlatformFeePercent: 12.5})
	require.NoError(t, engine.Split(ctx, order.ID))

	subs, err := st.ListSubOrders(ctx, order.ID)
	require.NoError(t, err)
	for _, sub := range subs {
		record, err := st.GetTransferBySubOrder(ctx, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, record)
		switch *sub.VendorID {
		case 1:
			assert.Equal(t, int64(3000-375), record.Amount) // 12.5% of 3000, half-up
		case 2:
			assert.Equal(t, int64(2000-250), record.Amount)
		}
	}
}

func TestTransitionOrder(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	engine := newTestEngine(st, newMemGateway())

	order := &models.Order{Status: models.OrderStatusPendingPayment, Currency: "usd"}
	require.NoError(t, st.CreateOrder(ctx, order))

	require.NoError(t, engine.TransitionOrder(ctx, order.ID, models.OrderStatusCompleted))
	got, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)

	// Replayed transition to the current status is a no-op.
	require.NoError(t, engine.TransitionOrder(ctx, order.ID, models.OrderStatusCompleted))

	// Completed orders can only be canceled.
	err = engine.TransitionOrder(ctx, order.ID, models.OrderStatusDeclined)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	require.NoError(t, engine.TransitionOrder(ctx, order.ID, models.OrderStatusCanceled))
}

func TestRecordRefundIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	engine := newTestEngine(st, newMemGateway())

	order := &models.Order{Status: models.OrderStatusCompleted, Currency: "usd", Total: 5000}
	require.NoError(t, st.CreateOrder(ctx, order))

	require.NoError(t, engine.RecordRefund(ctx, order.ID, 1000))
	require.NoError(t, engine.RecordRefund(ctx, order.ID, 1000))
	require.NoError(t, engine.RecordRefund(ctx, order.ID, 500))

	got, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Details.Multivendor.RefundedAmount)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
}
