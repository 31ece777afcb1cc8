package models

import "time"

// Event types published on the order-events topic.
const (
	EventTypeOrderCreated    = "ORDER_CREATED"
	EventTypeOrderCompleted  = "ORDER_COMPLETED"
	EventTypeOrderSplit      = "ORDER_SPLIT"
	EventTypeTransferIssued  = "TRANSFER_ISSUED"
	EventTypeOrderCanceled   = "ORDER_CANCELED"
	EventTypeOrderDeclined   = "ORDER_DECLINED"
	EventTypeRefundRecorded  = "REFUND_RECORDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when a checkout produces a new order
type OrderCreatedEvent struct {
	BaseEvent
	OrderID    int64 `json:"order_id"`
	CustomerID int64 `json:"customer_id"`
	Total      int64 `json:"total"`
}

// OrderCompletedEvent published when the gateway confirms payment; the
// settlement worker consumes it to run the split/transfer step.
type OrderCompletedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

// OrderSplitEvent published after a parent order is partitioned into
// per-vendor sub-orders.
type OrderSplitEvent struct {
	BaseEvent
	OrderID     int64   `json:"order_id"`
	SubOrderIDs []int64 `json:"sub_order_ids"`
}

// TransferIssuedEvent published once a gateway transfer settles a sub-order.
type TransferIssuedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	SubOrderID int64  `json:"sub_order_id"`
	VendorID   int64  `json:"vendor_id"`
	TransferID string `json:"transfer_id"`
	Amount     int64  `json:"amount"`
}

// OrderCanceledEvent published when a payment is canceled or an order is
// explicitly canceled.
type OrderCanceledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderDeclinedEvent published when the gateway reports a failed payment.
type OrderDeclinedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// RefundRecordedEvent published when a charge refund is applied to an order.
type RefundRecordedEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
	Amount  int64 `json:"amount"`
}
