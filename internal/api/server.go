// Package api exposes the order and ledger core over HTTP.
//
// Callers are authenticated upstream; the proxy forwards the user id and
// roles in X-Actor-Id and X-Actor-Roles. Gateway webhooks arrive already
// verified.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/orders"
	"github.com/safar/handiehub/internal/payments"
	"github.com/safar/handiehub/internal/store"
)

type OrderService interface {
	Get(ctx context.Context, id int64) (*models.Order, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	List(ctx context.Context, filter store.OrderFilter, cursor string, limit int) (*store.CursorPage[models.Order], error)
	UpdateStatus(ctx context.Context, actor models.Actor, orderID int64, req orders.UpdateStatusRequest) (*models.Order, error)
	Delete(ctx context.Context, actor models.Actor, orderID int64) error
	SellerOverview(ctx context.Context, sellerID int64, period escrow.Period) (*orders.Overview, error)
}

type Ledger interface {
	Balance(ctx context.Context, sellerID int64) (*escrow.Balance, error)
	ListEscrows(ctx context.Context, sellerID int64, status models.EscrowStatus, page, pageSize int) (*store.OffsetPage[models.EscrowTransaction], error)
	Summary(ctx context.Context, sellerID int64, period escrow.Period) (*escrow.Summary, error)
	RequestWithdrawal(ctx context.Context, req escrow.WithdrawalRequest) (*models.Withdrawal, error)
	ListWithdrawals(ctx context.Context, sellerID int64, page, pageSize int) (*store.OffsetPage[models.Withdrawal], error)
	ReleaseFunds(ctx context.Context, escrowID int64) (*models.EscrowTransaction, error)
	ProcessScheduledReleases(ctx context.Context) (escrow.SweepResult, error)
	Reconcile(ctx context.Context, sellerID int64) (*escrow.Reconciliation, error)
	ReconcileAll(ctx context.Context) ([]store.EscrowDrift, error)
}

type Gateway interface {
	HandleEvent(ctx context.Context, ev payments.Event) error
}

var (
	_ OrderService = (*orders.Service)(nil)
	_ Ledger       = (*escrow.Engine)(nil)
	_ Gateway      = (*payments.Bridge)(nil)
)

type Server struct {
	router  *gin.Engine
	orders  OrderService
	ledger  Ledger
	gateway Gateway
	logger  *slog.Logger
}

func NewServer(orders OrderService, ledger Ledger, gateway Gateway, logger *slog.Logger, production bool) *Server {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:  gin.New(),
		orders:  orders,
		ledger:  ledger,
		gateway: gateway,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestID(s.logger))
	s.router.Use(requestLog())
	s.router.Use(metrics.Middleware())

	s.router.GET("/health", s.health)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/api/v1")

	v1.POST("/webhooks/payments", s.paymentWebhook)

	authed := v1.Group("", requireActor())
	{
		authed.GET("/orders", s.listOrders)
		authed.GET("/orders/:id", s.getOrder)
		authed.PATCH("/orders/:id/status", s.updateOrderStatus)
		authed.DELETE("/orders/:id", s.deleteOrder)

		authed.GET("/seller/overview", s.sellerOverview)

		authed.GET("/wallet", s.walletBalance)
		authed.GET("/wallet/escrows", s.walletEscrows)
		authed.GET("/wallet/summary", s.walletSummary)
		authed.POST("/wallet/withdrawals", s.requestWithdrawal)
		authed.GET("/wallet/withdrawals", s.listWithdrawals)
	}

	admin := authed.Group("/admin", requireAdmin())
	{
		admin.POST("/escrows/:id/release", s.releaseEscrow)
		admin.POST("/releases/sweep", s.runSweep)
		admin.GET("/reconciliation", s.reconcileAll)
		admin.GET("/sellers/:id/reconciliation", s.reconcileSeller)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
