package models

import "errors"

// ErrOrderAlreadySplit is returned when a split is applied to an order whose
// split flag is already set. Callers treat it as a successful no-op.
var ErrOrderAlreadySplit = errors.New("order already split")

// SubOrderPlan is one sub-order to create plus the parent items to move into
// it.
type SubOrderPlan struct {
	Order   Order
	ItemIDs []int64
}

// SplitPlan is the atomic unit the settlement engine hands to the store: all
// sub-orders for one parent, applied in a single transaction together with
// the parent's split flag.
type SplitPlan struct {
	ParentID  int64
	SubOrders []SubOrderPlan
}
