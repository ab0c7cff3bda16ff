package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/store"
	"github.com/shopspring/decimal"
)

// Clock is a settable time source for code that takes a now func.
type Clock struct {
	t time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func CreateUser(t *testing.T, db *sql.DB, role models.Role) *models.User {
	t.Helper()

	email := uuid.NewString()[:8] + "@example.com"
	user, err := store.CreateUser(context.Background(), db, email, "Test "+string(role), role)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// CreateProduct stores an approved, active product. A nil quantity makes it
// a service.
func CreateProduct(t *testing.T, db *sql.DB, sellerID int64, price int64, quantity *int) *models.Product {
	t.Helper()

	productType := models.ProductTypeProduct
	if quantity == nil {
		productType = models.ProductTypeService
	}

	product, err := store.CreateProduct(context.Background(), db, &models.Product{
		SellerID: sellerID,
		SKU:      "SKU-" + uuid.NewString()[:8],
		Name:     "Test " + string(productType),
		Type:     productType,
		Price:    decimal.NewFromInt(price),
		Quantity: quantity,
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

// CreateOrder inserts an order row directly, without reserving stock or
// creating an escrow.
func CreateOrder(t *testing.T, db *sql.DB, buyerID int64, product *models.Product, quantity int, status models.OrderStatus) *models.Order {
	t.Helper()

	payment := models.PaymentStatusPending
	var reference string
	if status != models.OrderStatusPending {
		payment = models.PaymentStatusPaid
		reference = "ref-" + uuid.NewString()
	}

	order, err := store.InsertOrder(context.Background(), db, &models.Order{
		OrderID:          "HH-" + uuid.NewString(),
		BuyerID:          buyerID,
		SellerID:         product.SellerID,
		ProductID:        product.ID,
		Quantity:         quantity,
		Amount:           product.Price.Mul(decimal.NewFromInt(int64(quantity))),
		Status:           status,
		PaymentStatus:    payment,
		PaymentReference: reference,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func IntPtr(n int) *int {
	return &n
}
