package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/models"
)

// ErrStockConditionFailed means a conditional stock decrement matched no row:
// the product is missing, is a service, or holds less than requested.
var ErrStockConditionFailed = errors.New("stock condition not met")

const productColumns = `id, seller_id, sku, name, description, type, price, quantity,
	is_active, status, created_at, updated_at, version`

func scanProduct(row rowScanner) (*models.Product, error) {
	product := &models.Product{}
	var quantity sql.NullInt64

	err := row.Scan(
		&product.ID,
		&product.SellerID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Type,
		&product.Price,
		&quantity,
		&product.IsActive,
		&product.Status,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, err
	}

	if quantity.Valid {
		q := int(quantity.Int64)
		product.Quantity = &q
	}
	return product, nil
}

func CreateProduct(ctx context.Context, q database.Querier, p *models.Product) (*models.Product, error) {
	var quantity sql.NullInt64
	if p.Quantity != nil {
		quantity = sql.NullInt64{Int64: int64(*p.Quantity), Valid: true}
	}

	status := p.Status
	if status == "" {
		status = "approved"
	}
	productType := p.Type
	if productType == "" {
		productType = models.ProductTypeProduct
	}

	query := `
		INSERT INTO products (seller_id, sku, name, description, type, price, quantity, is_active, status,
		                      created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	product, err := scanProduct(q.QueryRowContext(ctx, query,
		p.SellerID, p.SKU, p.Name, p.Description, productType, p.Price, quantity, p.IsActive, status))
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, q database.Querier, id int64) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	product, err := scanProduct(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// DecrementStock takes quantity units from a stocked product in one
// conditional statement and deactivates it when the count reaches zero.
func DecrementStock(ctx context.Context, q database.Querier, productID int64, quantity int) (*models.Product, error) {
	query := `
		UPDATE products
		SET quantity = quantity - $1,
		    is_active = CASE WHEN quantity - $1 = 0 THEN FALSE ELSE is_active END,
		    updated_at = NOW(),
		    version = version + 1
		WHERE id = $2
		  AND type = 'product'
		  AND quantity >= $1
		RETURNING ` + productColumns

	product, err := scanProduct(q.QueryRowContext(ctx, query, quantity, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStockConditionFailed
		}
		return nil, fmt.Errorf("decrement stock: %w", err)
	}

	return product, nil
}

// RestoreStock gives quantity units back and reactivates the product.
// Services are left untouched.
func RestoreStock(ctx context.Context, q database.Querier, productID int64, quantity int) error {
	result, err := q.ExecContext(ctx,
		`UPDATE products
		 SET quantity = quantity + $1,
		     is_active = TRUE,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2
		   AND type = 'product'`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}
