package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/orders"
	"github.com/safar/handiehub/internal/store"
)

// loadOrder resolves :id, which is either the numeric key or the HH- order
// id, and checks the actor is a party to the order.
func (s *Server) loadOrder(c *gin.Context) (*models.Order, bool) {
	param := c.Param("id")
	ctx := c.Request.Context()

	var (
		order *models.Order
		err   error
	)
	if id, convErr := strconv.ParseInt(param, 10, 64); convErr == nil {
		order, err = s.orders.Get(ctx, id)
	} else {
		order, err = s.orders.GetByOrderID(ctx, param)
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}

	actor := actorFrom(c)
	if actor.UserID != order.BuyerID && actor.UserID != order.SellerID && !actor.IsAdmin() {
		respondError(c, orders.ErrForbidden)
		return nil, false
	}
	return order, true
}

func (s *Server) getOrder(c *gin.Context) {
	order, ok := s.loadOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// listOrders handles GET /api/v1/orders?as=buyer|seller&status=&cursor=&limit=.
// Admins may list any user's orders with buyer_id or seller_id.
func (s *Server) listOrders(c *gin.Context) {
	actor := actorFrom(c)

	var filter store.OrderFilter
	switch c.DefaultQuery("as", "buyer") {
	case "buyer":
		filter.BuyerID = actor.UserID
	case "seller":
		filter.SellerID = actor.UserID
	default:
		badRequest(c, "as must be buyer or seller")
		return
	}

	if actor.IsAdmin() {
		if id, ok := queryID(c, "buyer_id"); ok {
			filter = store.OrderFilter{BuyerID: id}
		} else if id, ok := queryID(c, "seller_id"); ok {
			filter = store.OrderFilter{SellerID: id}
		}
	}
	filter.Status = models.OrderStatus(c.Query("status"))

	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := s.orders.List(c.Request.Context(), filter, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type updateStatusBody struct {
	Status          string     `json:"status" binding:"required"`
	TrackingNumber  string     `json:"tracking_number"`
	ShippingCarrier string     `json:"shipping_carrier"`
	ScheduledDate   *time.Time `json:"scheduled_date"`
	DeliveryDate    *time.Time `json:"delivery_date"`
	StatusNote      string     `json:"status_note"`
}

func (s *Server) updateOrderStatus(c *gin.Context) {
	var body updateStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	order, ok := s.loadOrder(c)
	if !ok {
		return
	}

	updated, err := s.orders.UpdateStatus(c.Request.Context(), actorFrom(c), order.ID, orders.UpdateStatusRequest{
		Status:          models.OrderStatus(strings.ToLower(strings.TrimSpace(body.Status))),
		TrackingNumber:  strings.TrimSpace(body.TrackingNumber),
		ShippingCarrier: strings.TrimSpace(body.ShippingCarrier),
		ScheduledDate:   body.ScheduledDate,
		DeliveryDate:    body.DeliveryDate,
		StatusNote:      strings.TrimSpace(body.StatusNote),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": updated})
}

func (s *Server) deleteOrder(c *gin.Context) {
	order, ok := s.loadOrder(c)
	if !ok {
		return
	}
	if err := s.orders.Delete(c.Request.Context(), actorFrom(c), order.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sellerOverview(c *gin.Context) {
	period, err := escrow.ParsePeriod(c.Query("period"))
	if err != nil {
		respondError(c, err)
		return
	}

	overview, err := s.orders.SellerOverview(c.Request.Context(), actorFrom(c).UserID, period)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func queryID(c *gin.Context, key string) (int64, bool) {
	id, err := strconv.ParseInt(c.Query(key), 10, 64)
	return id, err == nil && id > 0
}
