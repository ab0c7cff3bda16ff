package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/models"
	"github.com/shopspring/decimal"
)

// walletOwner is the actor, or for admins the seller named by ?seller_id.
func walletOwner(c *gin.Context) int64 {
	actor := actorFrom(c)
	if actor.IsAdmin() {
		if id, ok := queryID(c, "seller_id"); ok {
			return id
		}
	}
	return actor.UserID
}

func (s *Server) walletBalance(c *gin.Context) {
	balance, err := s.ledger.Balance(c.Request.Context(), walletOwner(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

var escrowStatuses = map[models.EscrowStatus]bool{
	models.EscrowStatusHeld:           true,
	models.EscrowStatusPendingRelease: true,
	models.EscrowStatusReleased:       true,
	models.EscrowStatusRefunded:       true,
	models.EscrowStatusDisputed:       true,
}

func (s *Server) walletEscrows(c *gin.Context) {
	status := models.EscrowStatus(c.Query("status"))
	if status != "" && !escrowStatuses[status] {
		badRequest(c, "Unknown escrow status")
		return
	}
	page, pageSize := pageParams(c)

	escrows, err := s.ledger.ListEscrows(c.Request.Context(), walletOwner(c), status, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrows)
}

func (s *Server) walletSummary(c *gin.Context) {
	period, err := escrow.ParsePeriod(c.Query("period"))
	if err != nil {
		respondError(c, err)
		return
	}

	summary, err := s.ledger.Summary(c.Request.Context(), walletOwner(c), period)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type withdrawalBody struct {
	Amount        decimal.Decimal `json:"amount"`
	BankCode      string          `json:"bank_code" binding:"required"`
	AccountNumber string          `json:"account_number" binding:"required"`
	AccountName   string          `json:"account_name" binding:"required"`
}

// requestWithdrawal always draws on the caller's own wallet.
func (s *Server) requestWithdrawal(c *gin.Context) {
	var body withdrawalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	withdrawal, err := s.ledger.RequestWithdrawal(c.Request.Context(), escrow.WithdrawalRequest{
		SellerID:      actorFrom(c).UserID,
		Amount:        body.Amount,
		BankCode:      strings.TrimSpace(body.BankCode),
		AccountNumber: strings.TrimSpace(body.AccountNumber),
		AccountName:   strings.TrimSpace(body.AccountName),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": withdrawal})
}

func (s *Server) listWithdrawals(c *gin.Context) {
	page, pageSize := pageParams(c)

	withdrawals, err := s.ledger.ListWithdrawals(c.Request.Context(), walletOwner(c), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawals)
}

// pageParams reads page and page_size; the store normalizes bad values.
func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	return page, pageSize
}
