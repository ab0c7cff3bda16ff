package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/models"
	"github.com/shopspring/decimal"
)

// OrderPaymentReferenceKey guards against a gateway reference paying for
// two orders.
const OrderPaymentReferenceKey = "orders_payment_reference_key"

const orderColumns = `id, order_id, buyer_id, seller_id, product_id, quantity, amount, status,
	payment_status, payment_reference, failure_reason, delivery_date, scheduled_date,
	tracking_number, shipping_carrier, status_note, stock_restored, created_at, updated_at, version`

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var (
		paymentRef, failureReason, tracking, carrier, note sql.NullString
		deliveryDate, scheduledDate                        sql.NullTime
	)

	err := row.Scan(
		&order.ID,
		&order.OrderID,
		&order.BuyerID,
		&order.SellerID,
		&order.ProductID,
		&order.Quantity,
		&order.Amount,
		&order.Status,
		&order.PaymentStatus,
		&paymentRef,
		&failureReason,
		&deliveryDate,
		&scheduledDate,
		&tracking,
		&carrier,
		&note,
		&order.StockRestored,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	order.PaymentReference = paymentRef.String
	order.FailureReason = failureReason.String
	order.DeliveryDate = timePtr(deliveryDate)
	order.ScheduledDate = timePtr(scheduledDate)
	order.TrackingNumber = tracking.String
	order.ShippingCarrier = carrier.String
	order.StatusNote = note.String
	return order, nil
}

// InsertOrder stores a new order. A reused payment reference surfaces as a
// unique violation on OrderPaymentReferenceKey.
func InsertOrder(ctx context.Context, q database.Querier, o *models.Order) (*models.Order, error) {
	query := `
		INSERT INTO orders (order_id, buyer_id, seller_id, product_id, quantity, amount, status,
		                    payment_status, payment_reference, failure_reason, delivery_date,
		                    scheduled_date, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW(), 1)
		RETURNING ` + orderColumns

	order, err := scanOrder(q.QueryRowContext(ctx, query,
		o.OrderID,
		o.BuyerID,
		o.SellerID,
		o.ProductID,
		o.Quantity,
		o.Amount,
		o.Status,
		o.PaymentStatus,
		nullString(o.PaymentReference),
		nullString(o.FailureReason),
		nullTime(o.DeliveryDate),
		nullTime(o.ScheduledDate),
	))
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	return order, nil
}

func GetOrder(ctx context.Context, q database.Querier, id int64) (*models.Order, error) {
	return getOrderWhere(ctx, q, "id = $1", id)
}

func GetOrderByOrderID(ctx context.Context, q database.Querier, orderID string) (*models.Order, error) {
	return getOrderWhere(ctx, q, "order_id = $1", orderID)
}

// GetOrderByPaymentReference ignores failed-payment records, which may share
// a reference with the order that eventually succeeded.
func GetOrderByPaymentReference(ctx context.Context, q database.Querier, reference string) (*models.Order, error) {
	return getOrderWhere(ctx, q, "payment_reference = $1 AND status <> 'payment_failed'", reference)
}

func GetFailedOrderByPaymentReference(ctx context.Context, q database.Querier, reference string) (*models.Order, error) {
	return getOrderWhere(ctx, q, "payment_reference = $1 AND status = 'payment_failed' ORDER BY id LIMIT 1", reference)
}

// GetOrderForUpdate locks the order row until the surrounding transaction
// ends. q must be a *sql.Tx.
func GetOrderForUpdate(ctx context.Context, q database.Querier, id int64) (*models.Order, error) {
	return getOrderWhere(ctx, q, "id = $1 FOR UPDATE", id)
}

func getOrderWhere(ctx context.Context, q database.Querier, where string, arg any) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where

	order, err := scanOrder(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return order, nil
}

// UpdateOrder writes the mutable fields of o if the stored version still
// matches o.Version. On success o carries the new version.
func UpdateOrder(ctx context.Context, q database.Querier, o *models.Order) error {
	err := q.QueryRowContext(ctx,
		`UPDATE orders
		 SET status = $1,
		     payment_status = $2,
		     payment_reference = $3,
		     failure_reason = $4,
		     delivery_date = $5,
		     scheduled_date = $6,
		     tracking_number = $7,
		     shipping_carrier = $8,
		     status_note = $9,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $10 AND version = $11
		 RETURNING updated_at, version`,
		o.Status,
		o.PaymentStatus,
		nullString(o.PaymentReference),
		nullString(o.FailureReason),
		nullTime(o.DeliveryDate),
		nullTime(o.ScheduledDate),
		nullString(o.TrackingNumber),
		nullString(o.ShippingCarrier),
		nullString(o.StatusNote),
		o.ID,
		o.Version,
	).Scan(&o.UpdatedAt, &o.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrOptimisticLockFailed
		}
		return fmt.Errorf("update order: %w", err)
	}

	return nil
}

// MarkStockRestored flips the order's restore flag. It reports false when
// the flag was already set, in which case the caller must not restore again.
func MarkStockRestored(ctx context.Context, q database.Querier, orderID int64) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE orders
		 SET stock_restored = TRUE, updated_at = NOW()
		 WHERE id = $1 AND stock_restored = FALSE`,
		orderID)
	if err != nil {
		return false, fmt.Errorf("mark stock restored: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// DeleteOrder removes an unpaid pending or cancelled order that never had an
// escrow. It reports whether a row was deleted.
func DeleteOrder(ctx context.Context, q database.Querier, id int64) (bool, error) {
	result, err := q.ExecContext(ctx,
		`DELETE FROM orders
		 WHERE id = $1
		   AND status IN ('pending', 'cancelled')
		   AND payment_status IN ('pending', 'failed')
		   AND NOT EXISTS (SELECT 1 FROM escrow_transactions e WHERE e.order_id = orders.id)`,
		id)
	if err != nil {
		return false, fmt.Errorf("delete order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

type OrderFilter struct {
	BuyerID  int64
	SellerID int64
	// Status narrows the listing. When empty, failed-payment records are
	// left out.
	Status models.OrderStatus
}

func ListOrdersCursor(ctx context.Context, q database.Querier, filter OrderFilter, cursor string, limit int) (*CursorPage[models.Order], error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	conds := []string{"(created_at, id) < ($1, $2)"}
	args := []any{cursorData.CreatedAt, cursorData.ID}

	if filter.BuyerID != 0 {
		args = append(args, filter.BuyerID)
		conds = append(conds, fmt.Sprintf("buyer_id = $%d", len(args)))
	}
	if filter.SellerID != 0 {
		args = append(args, filter.SellerID)
		conds = append(conds, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	} else {
		conds = append(conds, "status <> 'payment_failed'")
	}
	args = append(args, limit+1)

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at DESC, id DESC
		LIMIT $` + fmt.Sprint(len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return trimPage(orders, limit, func(o models.Order) Cursor {
		return Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}

// SellerOrderStats aggregates a seller's orders created at or after since.
type SellerOrderStats struct {
	TotalOrders     int             `json:"total_orders"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	CompletedOrders int             `json:"completed_orders"`
	OpenOrders      int             `json:"open_orders"`
	DeclinedOrders  int             `json:"declined_orders"`
}

func GetSellerOrderStats(ctx context.Context, q database.Querier, sellerID int64, since time.Time) (*SellerOrderStats, error) {
	stats := &SellerOrderStats{}

	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(amount), 0),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status IN ('pending', 'new', 'confirmed', 'accepted',
		                                          'scheduled', 'shipped', 'in_progress')),
		        COUNT(*) FILTER (WHERE status IN ('cancelled', 'refunded'))
		 FROM orders
		 WHERE seller_id = $1
		   AND created_at >= $2
		   AND status <> 'payment_failed'`,
		sellerID, since).Scan(
		&stats.TotalOrders,
		&stats.TotalRevenue,
		&stats.CompletedOrders,
		&stats.OpenOrders,
		&stats.DeclinedOrders,
	)
	if err != nil {
		return nil, fmt.Errorf("seller order stats: %w", err)
	}

	return stats, nil
}
