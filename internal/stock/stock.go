// Package stock reserves and restores product inventory for orders.
//
// Every change is a single conditional statement against the products row, so
// concurrent reservations can never take quantity below zero. Reserve and
// Restore take a database.Querier so they run inside the caller's order
// transaction.
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/store"
)

var (
	ErrOutOfStock        = errors.New("product is out of stock")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Error reports a reservation the product could not cover. It matches
// ErrInsufficientStock, and also ErrOutOfStock when nothing is left.
type Error struct {
	ProductID int64
	Available int
	Requested int
}

func (e *Error) Error() string {
	if e.Available <= 0 {
		return "this product is out of stock"
	}
	return fmt.Sprintf("only %d left in stock", e.Available)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrInsufficientStock:
		return true
	case ErrOutOfStock:
		return e.Available <= 0
	}
	return false
}

type Reserver struct {
	logger *slog.Logger
}

func NewReserver(logger *slog.Logger) *Reserver {
	return &Reserver{logger: logger}
}

// Reserve takes quantity units of the product. Services are returned as-is.
// A product whose stock reaches zero is deactivated by the same statement.
func (r *Reserver) Reserve(ctx context.Context, q database.Querier, productID int64, quantity int) (*models.Product, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	product, err := store.GetProduct(ctx, q, productID)
	if err != nil {
		return nil, err
	}

	if product.IsService() {
		metrics.StockReservationsTotal.WithLabelValues("service").Inc()
		return product, nil
	}

	updated, err := store.DecrementStock(ctx, q, productID, quantity)
	if err == nil {
		metrics.StockReservationsTotal.WithLabelValues("reserved").Inc()
		if !updated.IsActive {
			r.logger.Info("product sold out and deactivated", "product_id", productID)
		}
		return updated, nil
	}
	if !errors.Is(err, store.ErrStockConditionFailed) {
		return nil, err
	}

	// The conditional update lost; report what is actually left.
	current, err := store.GetProduct(ctx, q, productID)
	if err != nil {
		return nil, err
	}

	stockErr := &Error{ProductID: productID, Available: current.Stock(), Requested: quantity}
	if stockErr.Available <= 0 {
		metrics.StockReservationsTotal.WithLabelValues("out_of_stock").Inc()
	} else {
		metrics.StockReservationsTotal.WithLabelValues("insufficient").Inc()
	}
	return nil, stockErr
}

// Restore returns the order's quantity to its product and reactivates it.
// The order's stock_restored flag is claimed first, so a second call for the
// same order is a no-op. It reports whether stock was returned.
func (r *Reserver) Restore(ctx context.Context, q database.Querier, order *models.Order) (bool, error) {
	product, err := store.GetProduct(ctx, q, order.ProductID)
	if err != nil {
		return false, err
	}
	if product.IsService() {
		return false, nil
	}

	claimed, err := store.MarkStockRestored(ctx, q, order.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		r.logger.Debug("stock already restored", "order_id", order.OrderID)
		return false, nil
	}

	if err := store.RestoreStock(ctx, q, order.ProductID, order.Quantity); err != nil {
		return false, err
	}

	order.StockRestored = true
	metrics.StockRestoresTotal.Inc()
	r.logger.Info("stock restored",
		"order_id", order.OrderID,
		"product_id", order.ProductID,
		"quantity", order.Quantity,
	)
	return true, nil
}
