package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Order statuses. Sub-orders share the lifecycle of top-level orders.
const (
	OrderStatusPendingPayment  = "PENDING_PAYMENT"
	OrderStatusPendingApproval = "PENDING_APPROVAL"
	OrderStatusCompleted       = "COMPLETED"
	OrderStatusSubActive       = "SUB_ACTIVE"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusDeclined        = "DECLINED"
)

// PaymentMethodStripe is the payment method tag for gateway-settled orders.
const PaymentMethodStripe = "stripe"

// Order is the aggregate root for a customer purchase. Sub-orders created by
// settlement splitting share this table, distinguished by a non-null ParentID;
// a sub-order never has sub-orders of its own.
type Order struct {
	ID            int64        `db:"id" json:"id"`
	CustomerID    int64        `db:"customer_id" json:"customer_id"`
	VendorID      *int64       `db:"vendor_id" json:"vendor_id,omitempty"`
	Status        string       `db:"status" json:"status"`
	PaymentMethod string       `db:"payment_method" json:"payment_method"`
	TransactionID *string      `db:"transaction_id" json:"transaction_id,omitempty"`
	Currency      string       `db:"currency" json:"currency"`
	Subtotal      int64        `db:"subtotal" json:"subtotal"`
	Tax           int64        `db:"tax" json:"tax"`
	Shipping      int64        `db:"shipping" json:"shipping"`
	Total         int64        `db:"total" json:"total"`
	ParentID      *int64       `db:"parent_id" json:"parent_id,omitempty"`
	Testmode      bool         `db:"testmode" json:"testmode"`
	SplitDone     bool         `db:"split_done" json:"split_done"`
	Details       OrderDetails `db:"details" json:"details"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// IsSubOrder reports whether the order was created by settlement splitting.
func (o *Order) IsSubOrder() bool {
	return o.ParentID != nil
}

// OrderDetails is the typed mode-specific blob persisted in the orders table's
// JSON details column.
type OrderDetails struct {
	PaymentIntent PaymentIntentDetails `json:"payment_intent"`
	Multivendor   MultivendorDetails   `json:"multivendor"`
}

// PaymentIntentDetails mirrors the gateway payment intent fields the
// settlement engine needs.
type PaymentIntentDetails struct {
	ID       string `json:"id,omitempty"`
	Status   string `json:"status,omitempty"`
	ChargeID string `json:"charge_id,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// MultivendorDetails carries the precomputed per-party settlement breakdown.
type MultivendorDetails struct {
	TransferData      []VendorTransferData `json:"transfer_data,omitempty"`
	ShippingBreakdown map[string]int64     `json:"shipping_breakdown,omitempty"`
	RefundedAmount    int64                `json:"refunded_amount,omitempty"`
}

// VendorTransferData is the precomputed transfer instruction for one vendor:
// the vendor keeps VendorTotal minus VendorFee, paid to Destination.
type VendorTransferData struct {
	VendorID    int64  `json:"vendor_id"`
	Destination string `json:"destination"`
	VendorTotal int64  `json:"vendor_total"`
	VendorFee   int64  `json:"vendor_fee"`
}

// ShippingKeyPlatform indexes the platform bucket in ShippingBreakdown;
// vendor buckets use the decimal vendor id.
const ShippingKeyPlatform = "platform"

// Value implements driver.Valuer so details persist as a JSON column.
func (d OrderDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *OrderDetails) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = OrderDetails{}
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	}
	return fmt.Errorf("unsupported details column type %T", src)
}

// DataInput is one buyer-provided value captured at checkout.
type DataInput struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// DataInputs persists as a JSON column on order items.
type DataInputs []DataInput

func (d DataInputs) Value() (driver.Value, error) {
	if d == nil {
		return json.Marshal([]DataInput{})
	}
	return json.Marshal(d)
}

func (d *DataInputs) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	}
	return fmt.Errorf("unsupported data_inputs column type %T", src)
}

// OrderItem is one purchased line. ProductSnapshot freezes the product config
// at purchase time so later catalog edits never reprice a placed order.
// Re-parenting into a sub-order is the only mutation allowed after creation.
type OrderItem struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	ProductRef      string          `db:"product_ref" json:"product_ref"`
	VendorID        *int64          `db:"vendor_id" json:"vendor_id,omitempty"`
	Quantity        int64           `db:"quantity" json:"quantity"`
	Subtotal        int64           `db:"subtotal" json:"subtotal"`
	Currency        string          `db:"currency" json:"currency"`
	DataInputs      DataInputs      `db:"data_inputs" json:"data_inputs,omitempty"`
	ProductSnapshot json.RawMessage `db:"product_snapshot" json:"product_snapshot,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// TransferRecord ties a sub-order to the gateway transfer that settled it.
// At most one non-void record exists per sub-order; the idempotency key is
// derived from (parent order, vendor) so retried settlement attempts reuse it.
type TransferRecord struct {
	ID                int64     `db:"id" json:"id"`
	SubOrderID        int64     `db:"sub_order_id" json:"sub_order_id"`
	GatewayTransferID string    `db:"gateway_transfer_id" json:"gateway_transfer_id"`
	Amount            int64     `db:"amount" json:"amount"`
	Currency          string    `db:"currency" json:"currency"`
	IdempotencyKey    string    `db:"idempotency_key" json:"idempotency_key"`
	Voided            bool      `db:"voided" json:"voided"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// TransferIdempotencyKey builds the deterministic gateway idempotency key for
// one vendor's share of a parent order.
func TransferIdempotencyKey(parentOrderID, vendorID int64) string {
	return fmt.Sprintf("TRANSFER_ORDER_%d_VENDOR_%d", parentOrderID, vendorID)
}

// ProcessedEvent records a consumed broker event for idempotency.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
