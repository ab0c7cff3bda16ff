package orders_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/notify"
	"github.com/safar/handiehub/internal/orders"
	"github.com/safar/handiehub/internal/stock"
	"github.com/safar/handiehub/internal/store"
	"github.com/safar/handiehub/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	userID  int64
	event   notify.EventType
	payload notify.Payload
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Notify(_ context.Context, userID int64, event notify.EventType, payload notify.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{userID, event, payload})
}

func (r *recorder) titlesFor(userID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var titles []string
	for _, s := range r.sent {
		if s.userID == userID {
			titles = append(titles, s.payload.Title)
		}
	}
	return titles
}

type fixture struct {
	db      *sql.DB
	clock   *testutil.Clock
	engine  *escrow.Engine
	svc     *orders.Service
	notes   *recorder
	seller  *models.User
	buyer   *models.User
	admin   *models.User
	sellerA models.Actor
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := testutil.PGTest(t)
	clock := testutil.NewClock(time.Now().UTC())
	logger := logging.Discard()
	engine := escrow.NewEngine(db, logger,
		escrow.WithClock(clock.Now),
		escrow.WithPlatformFee(decimal.NewFromInt(10)),
	)
	notes := &recorder{}

	f := &fixture{
		db:     db,
		clock:  clock,
		engine: engine,
		svc:    orders.NewService(db, stock.NewReserver(logger), engine, notes, logger),
		notes:  notes,
		seller: testutil.CreateUser(t, db, models.RoleHandieman),
		buyer:  testutil.CreateUser(t, db, models.RoleClient),
		admin:  testutil.CreateUser(t, db, models.RoleAdmin),
	}
	f.sellerA = models.Actor{UserID: f.seller.ID, Roles: []models.Role{models.RoleHandieman}}
	return f
}

func (f *fixture) paidOrder(t *testing.T, product *models.Product, qty int) *models.Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		ProductID:        product.ID,
		BuyerID:          f.buyer.ID,
		SellerID:         f.seller.ID,
		Quantity:         qty,
		PaymentReference: "ref-" + uuid.NewString(),
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) advance(t *testing.T, order *models.Order, statuses ...models.OrderStatus) *models.Order {
	t.Helper()
	for _, status := range statuses {
		var err error
		order, err = f.svc.UpdateStatus(context.Background(), f.sellerA, order.ID, orders.UpdateStatusRequest{Status: status})
		require.NoError(t, err, "move to %s", status)
	}
	return order
}

func (f *fixture) stock(t *testing.T, productID int64) *models.Product {
	t.Helper()
	p, err := store.GetProduct(context.Background(), f.db, productID)
	require.NoError(t, err)
	return p
}

func (f *fixture) wallet(t *testing.T) *models.Wallet {
	t.Helper()
	w, err := store.GetWallet(context.Background(), f.db, f.seller.ID)
	require.NoError(t, err)
	return w
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "%s: want %d, got %s", msg, want, got)
}

func TestCreateOrderWithPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 500, testutil.IntPtr(5))

	order := f.paidOrder(t, product, 2)

	assert.Equal(t, models.OrderStatusNew, order.Status)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Contains(t, order.OrderID, "HH-")
	assertDecimal(t, 1000, order.Amount, "amount")
	assert.Equal(t, 3, f.stock(t, product.ID).Stock())

	esc, err := f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, esc.Status)
	assertDecimal(t, 900, esc.NetAmount, "net")
	assertDecimal(t, 900, f.wallet(t).EscrowBalance, "escrow balance")

	assert.Equal(t, []string{"New Order Received"}, f.notes.titlesFor(f.seller.ID))
	assert.Equal(t, []string{"Order Placed Successfully"}, f.notes.titlesFor(f.buyer.ID))
}

func TestCreateOrderWithoutPaymentIsPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 500, testutil.IntPtr(5))

	order, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 4, f.stock(t, product.ID).Stock())
	_, err = f.engine.GetByOrder(ctx, order.ID)
	assert.ErrorIs(t, err, database.ErrEscrowNotFound)
}

func TestConcurrentOrdersForLastUnit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
				ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, stock.ErrInsufficientStock):
			insufficient++
			assert.Equal(t, "this product is out of stock", err.Error())
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	p := f.stock(t, product.ID)
	assert.Equal(t, 0, p.Stock())
	assert.False(t, p.IsActive)
}

func TestStockNeverNegativeUnderLoad(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 10, testutil.IntPtr(7))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
				ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 2,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, stock.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 1, f.stock(t, product.ID).Stock())
}

func TestInsufficientStockMessage(t *testing.T) {
	f := setup(t)
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 10, testutil.IntPtr(2))

	_, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 3,
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.NotErrorIs(t, err, stock.ErrOutOfStock)
	assert.Equal(t, "only 2 left in stock", err.Error())
}

func TestCreateOrderRollsBackOnEscrowFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	free := testutil.CreateProduct(t, f.db, f.seller.ID, 0, testutil.IntPtr(3))

	_, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: free.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
		PaymentReference: "ref-free",
	})
	require.ErrorIs(t, err, escrow.ErrInvalidAmount)

	assert.Equal(t, 3, f.stock(t, free.ID).Stock())
	_, err = f.svc.GetByPaymentReference(ctx, "ref-free")
	assert.ErrorIs(t, err, database.ErrOrderNotFound)
}

func TestCreateOrderValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 250, testutil.IntPtr(3))
	other := testutil.CreateUser(t, f.db, models.RoleHandieman)

	_, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 0,
	})
	assert.ErrorIs(t, err, orders.ErrInvalidQuantity)

	_, err = f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: other.ID, Quantity: 1,
	})
	assert.ErrorIs(t, err, orders.ErrSellerMismatch)

	charged := decimal.NewFromInt(400)
	_, err = f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 2,
		PaymentReference: "ref-short", ChargedAmount: &charged,
	})
	assert.ErrorIs(t, err, orders.ErrAmountMismatch)

	_, err = f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: 999999, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
	})
	assert.ErrorIs(t, err, database.ErrProductNotFound)

	assert.Equal(t, 3, f.stock(t, product.ID).Stock())
}

func TestDuplicatePaymentReference(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))

	req := orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
		PaymentReference: "ref-dup",
	}
	_, err := f.svc.CreateOrder(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, orders.ErrDuplicatePayment)
	assert.Equal(t, 4, f.stock(t, product.ID).Stock())
}

func TestProductLifecycleReleasesFunds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 1000, testutil.IntPtr(2))
	order := f.paidOrder(t, product, 1)

	order = f.advance(t, order,
		models.OrderStatusConfirmed,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
		models.OrderStatusCompleted,
	)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)

	esc, err := f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusPendingRelease, esc.Status)
	require.NotNil(t, esc.OrderCompletedAt)
	assert.WithinDuration(t, esc.OrderCompletedAt.Add(5*24*time.Hour), *esc.ReleaseDate, time.Millisecond)

	f.clock.Advance(5*24*time.Hour - time.Minute)
	_, err = f.engine.ProcessScheduledReleases(ctx)
	require.NoError(t, err)
	esc, err = f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusPendingRelease, esc.Status)

	f.clock.Advance(time.Minute + time.Second)
	result, err := f.engine.ProcessScheduledReleases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)

	w := f.wallet(t)
	assertDecimal(t, 0, w.EscrowBalance, "escrow")
	assertDecimal(t, 900, w.AvailableBalance, "available")

	assert.Contains(t, f.notes.titlesFor(f.seller.ID), "Payment Pending Release")
	assert.Contains(t, f.notes.titlesFor(f.buyer.ID), "Order Shipped")
}

func TestCancelRestoresStockAndRefunds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 1000, testutil.IntPtr(3))
	order := f.paidOrder(t, product, 2)
	assert.Equal(t, 1, f.stock(t, product.ID).Stock())

	order = f.advance(t, order, models.OrderStatusCancelled)
	assert.Equal(t, models.PaymentStatusRefunded, order.PaymentStatus)
	assert.Equal(t, 3, f.stock(t, product.ID).Stock())

	esc, err := f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, esc.Status)
	assert.Equal(t, "Order cancelled", esc.Notes)
	assertDecimal(t, 0, f.wallet(t).EscrowBalance, "escrow")

	// cancelled -> refunded must not restore or refund a second time.
	f.advance(t, order, models.OrderStatusRefunded)
	assert.Equal(t, 3, f.stock(t, product.ID).Stock())
	assertDecimal(t, 0, f.wallet(t).EscrowBalance, "escrow")

	assert.Contains(t, f.notes.titlesFor(f.seller.ID), "Order Cancelled")
	assert.Contains(t, f.notes.titlesFor(f.buyer.ID), "Order Cancelled")
}

func TestReturnThenRefundRestoresOnce(t *testing.T) {
	f := setup(t)
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 200, testutil.IntPtr(4))
	order := f.paidOrder(t, product, 3)

	order = f.advance(t, order,
		models.OrderStatusConfirmed,
		models.OrderStatusShipped,
		models.OrderStatusReturned,
	)
	assert.Equal(t, 4, f.stock(t, product.ID).Stock())

	f.advance(t, order, models.OrderStatusRefunded)
	assert.Equal(t, 4, f.stock(t, product.ID).Stock())
	assertDecimal(t, 0, f.wallet(t).EscrowBalance, "escrow")
}

func TestConcurrentCancelAppliesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))
	order := f.paidOrder(t, product, 2)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{
				Status: models.OrderStatusCancelled,
			})
		}(i)
	}
	wg.Wait()

	var applied int
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 5, f.stock(t, product.ID).Stock())
}

func TestInvalidTransitionLeavesOrderUnchanged(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))
	order := f.paidOrder(t, product, 1)

	for _, to := range []models.OrderStatus{
		models.OrderStatusCompleted,
		models.OrderStatusShipped,
		models.OrderStatusRefunded,
		models.OrderStatusAccepted,
		models.OrderStatusPending,
	} {
		_, err := f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{Status: to})
		var terr *orders.TransitionError
		require.ErrorAs(t, err, &terr, "new -> %s", to)
		assert.Equal(t, models.OrderStatusNew, terr.From)
	}

	_, err := f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{Status: "teleported"})
	assert.ErrorIs(t, err, orders.ErrInvalidStatus)

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusNew, stored.Status)
	assert.Equal(t, order.Version, stored.Version)

	esc, err := f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, esc.Status)
}

func TestUpdateStatusAuthorization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))
	order := f.paidOrder(t, product, 1)

	buyer := models.Actor{UserID: f.buyer.ID, Roles: []models.Role{models.RoleClient}}
	_, err := f.svc.UpdateStatus(ctx, buyer, order.ID, orders.UpdateStatusRequest{Status: models.OrderStatusConfirmed})
	assert.ErrorIs(t, err, orders.ErrForbidden)

	admin := models.Actor{UserID: f.admin.ID, Roles: []models.Role{models.RoleAdmin}}
	updated, err := f.svc.UpdateStatus(ctx, admin, order.ID, orders.UpdateStatusRequest{
		Status:          models.OrderStatusConfirmed,
		TrackingNumber:  "TRK-1",
		ShippingCarrier: "GIG",
	})
	require.NoError(t, err)
	assert.Equal(t, "TRK-1", updated.TrackingNumber)
	assert.Equal(t, "GIG", updated.ShippingCarrier)
}

func TestPendingToNewRequiresPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))

	order, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{Status: models.OrderStatusNew})
	assert.ErrorIs(t, err, orders.ErrPaymentRequired)

	paid, err := f.svc.ConfirmPayment(ctx, order.ID, "ref-pending", nil)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusNew, paid.Status)
	assert.Equal(t, models.PaymentStatusPaid, paid.PaymentStatus)
	assertDecimal(t, 90, f.wallet(t).EscrowBalance, "escrow")

	again, err := f.svc.ConfirmPayment(ctx, order.ID, "ref-pending", nil)
	require.NoError(t, err)
	assert.Equal(t, paid.Version, again.Version)
	assertDecimal(t, 90, f.wallet(t).EscrowBalance, "escrow after replay")

	_, err = f.svc.ConfirmPayment(ctx, order.ID, "ref-other", nil)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestConfirmPaymentRejectsReusedReference(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))

	_, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
		PaymentReference: "ref-used",
	})
	require.NoError(t, err)

	pending, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 1,
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, pending.ID, "ref-used", nil)
	assert.ErrorIs(t, err, orders.ErrDuplicatePayment)

	stored, err := f.svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
}

func TestServiceOrderLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	service := testutil.CreateProduct(t, f.db, f.seller.ID, 3000, nil)
	order := f.paidOrder(t, service, 1)

	_, err := f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{Status: models.OrderStatusShipped})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)

	scheduled := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	order, err = f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{Status: models.OrderStatusAccepted})
	require.NoError(t, err)
	order, err = f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{
		Status:        models.OrderStatusScheduled,
		ScheduledDate: &scheduled,
	})
	require.NoError(t, err)
	require.NotNil(t, order.ScheduledDate)
	assert.True(t, order.ScheduledDate.Equal(scheduled))

	order = f.advance(t, order, models.OrderStatusInProgress, models.OrderStatusCompleted)

	esc, err := f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusPendingRelease, esc.Status)
	assert.Contains(t, f.notes.titlesFor(f.buyer.ID), "Service In Progress")
}

func TestArbitrationFreezesEscrow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 1000, testutil.IntPtr(5))
	order := f.paidOrder(t, product, 1)

	order = f.advance(t, order,
		models.OrderStatusConfirmed,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
		models.OrderStatusCompleted,
		models.OrderStatusArbitration,
	)

	esc, err := f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusDisputed, esc.Status)

	f.clock.Advance(6 * 24 * time.Hour)
	result, err := f.engine.ProcessScheduledReleases(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Released)

	order = f.advance(t, order, models.OrderStatusCompleted)
	esc, err = f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusPendingRelease, esc.Status)
	assert.WithinDuration(t, f.clock.Now().Add(escrow.ReleaseDelay), *esc.ReleaseDate, time.Millisecond)

	rec, err := f.engine.Reconcile(ctx, f.seller.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
}

func TestArbitrationRefund(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 1000, testutil.IntPtr(5))
	order := f.paidOrder(t, product, 1)

	order = f.advance(t, order, models.OrderStatusArbitration)
	order, err := f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{
		Status:     models.OrderStatusRefunded,
		StatusNote: "buyer never received item",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, order.PaymentStatus)

	esc, err := f.engine.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, esc.Status)
	assert.Equal(t, "buyer never received item", esc.Notes)
	assert.Equal(t, 5, f.stock(t, product.ID).Stock())
	assertDecimal(t, 0, f.wallet(t).EscrowBalance, "escrow")
}

func TestRecordFailedPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))

	req := orders.FailedPaymentRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 2,
		PaymentReference: "ref-declined", Reason: "Declined by issuer",
	}
	order, err := f.svc.RecordFailedPayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaymentFailed, order.Status)
	assert.Equal(t, models.PaymentStatusFailed, order.PaymentStatus)
	assert.Equal(t, "Declined by issuer", order.FailureReason)
	assertDecimal(t, 200, order.Amount, "amount")
	assert.Equal(t, 5, f.stock(t, product.ID).Stock())

	again, err := f.svc.RecordFailedPayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)

	page, err := f.svc.List(ctx, store.OrderFilter{BuyerID: f.buyer.ID}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	page, err = f.svc.List(ctx, store.OrderFilter{BuyerID: f.buyer.ID, Status: models.OrderStatusPaymentFailed}, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	_, err = f.svc.UpdateStatus(ctx, f.sellerA, order.ID, orders.UpdateStatusRequest{Status: models.OrderStatusCancelled})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)

	// A later successful charge on the same reference is still accepted.
	_, err = f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 2,
		PaymentReference: "ref-declined",
	})
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(5))
	buyer := models.Actor{UserID: f.buyer.ID, Roles: []models.Role{models.RoleClient}}

	pending, err := f.svc.CreateOrder(ctx, orders.CreateOrderRequest{
		ProductID: product.ID, BuyerID: f.buyer.ID, SellerID: f.seller.ID, Quantity: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.stock(t, product.ID).Stock())

	assert.ErrorIs(t, f.svc.Delete(ctx, f.sellerA, pending.ID), orders.ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, buyer, pending.ID))
	assert.Equal(t, 5, f.stock(t, product.ID).Stock())
	_, err = f.svc.Get(ctx, pending.ID)
	assert.ErrorIs(t, err, database.ErrOrderNotFound)

	paid := f.paidOrder(t, product, 1)
	assert.ErrorIs(t, f.svc.Delete(ctx, buyer, paid.ID), orders.ErrNotDeletable)

	cancelled := f.advance(t, paid, models.OrderStatusCancelled)
	assert.ErrorIs(t, f.svc.Delete(ctx, buyer, cancelled.ID), orders.ErrNotDeletable)
	assert.Equal(t, 5, f.stock(t, product.ID).Stock())
}

func TestListPagesNewestFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 100, testutil.IntPtr(20))

	var created []string
	for i := 0; i < 5; i++ {
		created = append(created, f.paidOrder(t, product, 1).OrderID)
	}

	var seen []string
	cursor := ""
	for {
		page, err := f.svc.List(ctx, store.OrderFilter{SellerID: f.seller.ID}, cursor, 2)
		require.NoError(t, err)
		for _, o := range page.Items {
			seen = append(seen, o.OrderID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	require.Len(t, seen, 5)
	assert.Equal(t, created[4], seen[0])
	assert.Equal(t, created[0], seen[4])
}

func TestSellerOverview(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, f.db, f.seller.ID, 1000, testutil.IntPtr(10))

	done := f.paidOrder(t, product, 1)
	f.advance(t, done, models.OrderStatusConfirmed, models.OrderStatusShipped,
		models.OrderStatusDelivered, models.OrderStatusCompleted)
	cancelled := f.paidOrder(t, product, 1)
	f.advance(t, cancelled, models.OrderStatusCancelled)
	f.paidOrder(t, product, 1)

	overview, err := f.svc.SellerOverview(ctx, f.seller.ID, escrow.PeriodLastMonth)
	require.NoError(t, err)

	assert.Equal(t, 3, overview.Orders.TotalOrders)
	assert.Equal(t, 1, overview.Orders.CompletedOrders)
	assert.Equal(t, 1, overview.Orders.OpenOrders)
	assert.Equal(t, 1, overview.Orders.DeclinedOrders)
	assertDecimal(t, 1800, overview.Wallet.EscrowBalance, "escrow")
	require.NotNil(t, overview.Wallet.NextRelease)
	assert.Equal(t, done.OrderID, overview.Wallet.NextRelease.OrderID)
}
