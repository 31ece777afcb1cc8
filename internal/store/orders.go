package store

import (
	"context"
	"database/sql"
	"fmt"

	"marketplace-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (customer_id, vendor_id, status, payment_method, transaction_id,
			currency, subtotal, tax, shipping, total, parent_id, testmode, split_done, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		order.CustomerID, order.VendorID, order.Status, order.PaymentMethod, order.TransactionID,
		order.Currency, order.Subtotal, order.Tax, order.Shipping, order.Total,
		order.ParentID, order.Testmode, order.SplitDone, order.Details,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByTransaction looks up an order by its gateway transaction id and
// payment method. Returns nil without error when no order matches, so events
// from foreign or test environments are a no-op for the caller.
func (s *Store) GetOrderByTransaction(ctx context.Context, transactionID, paymentMethod string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE transaction_id = $1 AND payment_method = $2 AND parent_id IS NULL",
		transactionID, paymentMethod)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// UpdateOrderDetails replaces the order's JSON details blob
func (s *Store) UpdateOrderDetails(ctx context.Context, orderID int64, details models.OrderDetails) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET details = $1, updated_at = NOW() WHERE id = $2",
		details, orderID)
	return err
}

// ListSubOrders retrieves the sub-orders of a parent order
func (s *Store) ListSubOrders(ctx context.Context, parentID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE parent_id = $1 ORDER BY id", parentID)
	return orders, err
}

// GetOrdersByCustomerID retrieves top-level orders for a customer
func (s *Store) GetOrdersByCustomerID(ctx context.Context, customerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE customer_id = $1 AND parent_id IS NULL ORDER BY created_at DESC",
		customerID)
	return orders, err
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_ref, vendor_id, quantity, subtotal, currency, data_inputs, product_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		item.OrderID, item.ProductRef, item.VendorID, item.Quantity, item.Subtotal,
		item.Currency, item.DataInputs, item.ProductSnapshot,
	).Scan(&item.ID, &item.CreatedAt)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// ApplySplit creates all sub-orders of a split plan, re-parents the planned
// items into them and sets the parent's split flag, in one transaction with
// the parent row locked. Returns ErrOrderAlreadySplit when the flag is
// already set; nothing is mutated in that case.
func (s *Store) ApplySplit(ctx context.Context, plan models.SplitPlan) ([]models.Order, error) {
	created := make([]models.Order, 0, len(plan.SubOrders))

	err := s.transact(ctx, func(tx *sqlx.Tx) error {
		var splitDone bool
		err := tx.GetContext(ctx, &splitDone,
			"SELECT split_done FROM orders WHERE id = $1 FOR UPDATE", plan.ParentID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("order not found: %d", plan.ParentID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if splitDone {
			return models.ErrOrderAlreadySplit
		}

		for _, sub := range plan.SubOrders {
			order := sub.Order
			query := `
				INSERT INTO orders (customer_id, vendor_id, status, payment_method, transaction_id,
					currency, subtotal, tax, shipping, total, parent_id, testmode, split_done, details)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				RETURNING id, created_at, updated_at`

			err := tx.QueryRowxContext(ctx, query,
				order.CustomerID, order.VendorID, order.Status, order.PaymentMethod, order.TransactionID,
				order.Currency, order.Subtotal, order.Tax, order.Shipping, order.Total,
				order.ParentID, order.Testmode, order.SplitDone, order.Details,
			).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to create sub-order: %w", err)
			}

			if len(sub.ItemIDs) > 0 {
				query, args, err := sqlx.In(
					"UPDATE order_items SET order_id = ? WHERE id IN (?) AND order_id = ?",
					order.ID, sub.ItemIDs, plan.ParentID)
				if err != nil {
					return err
				}
				query = tx.Rebind(query)
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return fmt.Errorf("failed to re-parent items: %w", err)
				}
			}

			created = append(created, order)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET split_done = TRUE, updated_at = NOW() WHERE id = $1", plan.ParentID)
		if err != nil {
			return fmt.Errorf("failed to set split flag: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RecordTransfer inserts the transfer record and marks the sub-order
// completed in one transaction, so a crash cannot leave a settled sub-order
// without its record.
func (s *Store) RecordTransfer(ctx context.Context, record *models.TransferRecord) error {
	return s.transact(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO transfer_records (sub_order_id, gateway_transfer_id, amount, currency, idempotency_key)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`

		err := tx.QueryRowxContext(ctx, query,
			record.SubOrderID, record.GatewayTransferID, record.Amount, record.Currency, record.IdempotencyKey,
		).Scan(&record.ID, &record.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert transfer record: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
			models.OrderStatusCompleted, record.SubOrderID)
		if err != nil {
			return fmt.Errorf("failed to complete sub-order: %w", err)
		}
		return nil
	})
}

// GetTransferBySubOrder retrieves the non-void transfer record for a
// sub-order, or nil when none exists.
func (s *Store) GetTransferBySubOrder(ctx context.Context, subOrderID int64) (*models.TransferRecord, error) {
	var record models.TransferRecord
	err := s.db.GetContext(ctx, &record,
		"SELECT * FROM transfer_records WHERE sub_order_id = $1 AND voided = FALSE", subOrderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteOrder removes an order and cascades to its sub-orders, items and
// transfer records. Admin-only path.
func (s *Store) DeleteOrder(ctx context.Context, orderID int64) error {
	return s.transact(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM transfer_records WHERE sub_order_id IN (
				SELECT id FROM orders WHERE id = $1 OR parent_id = $1
			)`, orderID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM order_items WHERE order_id IN (
				SELECT id FROM orders WHERE id = $1 OR parent_id = $1
			)`, orderID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE parent_id = $1", orderID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", orderID)
		return err
	})
}
