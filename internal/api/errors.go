package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/orders"
	"github.com/safar/handiehub/internal/payments"
	"github.com/safar/handiehub/internal/stock"
	"github.com/safar/handiehub/internal/store"
)

var errUnauthenticated = errors.New("missing or invalid actor")

type errorKind struct {
	status int
	code   string
}

var (
	kindValidation = errorKind{http.StatusBadRequest, "validation_error"}
	kindAuth       = errorKind{http.StatusUnauthorized, "unauthenticated"}
	kindForbidden  = errorKind{http.StatusForbidden, "forbidden"}
	kindNotFound   = errorKind{http.StatusNotFound, "not_found"}
	kindConflict   = errorKind{http.StatusConflict, "conflict"}
	kindInternal   = errorKind{http.StatusInternalServerError, "internal_error"}
)

// errorKinds is checked in order with errors.Is.
var errorKinds = []struct {
	err  error
	kind errorKind
}{
	{errUnauthenticated, kindAuth},
	{orders.ErrForbidden, kindForbidden},

	{database.ErrOrderNotFound, kindNotFound},
	{database.ErrProductNotFound, kindNotFound},
	{database.ErrEscrowNotFound, kindNotFound},
	{database.ErrUserNotFound, kindNotFound},
	{database.ErrWithdrawalNotFound, kindNotFound},

	{stock.ErrInsufficientStock, kindConflict},
	{orders.ErrDuplicatePayment, kindConflict},
	{orders.ErrNotDeletable, kindConflict},
	{escrow.ErrEscrowExists, kindConflict},
	{escrow.ErrInvalidEscrowState, kindConflict},
	{escrow.ErrAlreadyFinalized, kindConflict},
	{escrow.ErrInsufficientFunds, kindConflict},
	{escrow.ErrWithdrawalSettled, kindConflict},
	{database.ErrOptimisticLockFailed, kindConflict},

	{orders.ErrInvalidTransition, kindValidation},
	{orders.ErrPaymentRequired, kindValidation},
	{orders.ErrInvalidStatus, kindValidation},
	{orders.ErrInvalidQuantity, kindValidation},
	{orders.ErrAmountMismatch, kindValidation},
	{orders.ErrSellerMismatch, kindValidation},
	{orders.ErrProductUnavailable, kindValidation},
	{orders.ErrMissingReference, kindValidation},
	{escrow.ErrInvalidPeriod, kindValidation},
	{escrow.ErrInvalidWithdrawal, kindValidation},
	{escrow.ErrInvalidAmount, kindValidation},
	{payments.ErrInvalidEvent, kindValidation},
	{payments.ErrUnknownCustomer, kindValidation},
	{store.ErrInvalidCursor, kindValidation},
}

func classify(err error) errorKind {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return kindInternal
}

// respondError writes err using the error taxonomy. Internal errors are
// logged and replaced with a generic message.
func respondError(c *gin.Context, err error) {
	kind := classify(err)

	message := err.Error()
	if kind == kindInternal {
		logging.L(c.Request.Context(), nil).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		message = "Something went wrong. Please try again later."
	}

	c.AbortWithStatusJSON(kind.status, gin.H{
		"error":   kind.code,
		"message": message,
	})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   kindValidation.code,
		"message": message,
	})
}
