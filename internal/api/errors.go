package api

import (
	"errors"
	"net/http"

	"storefront/internal/payment"
	"storefront/internal/pricing"
	"storefront/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps service errors onto HTTP responses. Unclassified errors are logged and
// reported without detail.
func (h *Handler) writeError(c *gin.Context, err error) {
	var stockErr *service.InsufficientStockError
	if errors.As(err, &stockErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Insufficient stock",
			"product_id": stockErr.ProductID,
			"available":  stockErr.Available,
			"requested":  stockErr.Requested,
		})
		return
	}

	var transitionErr *service.IllegalTransitionError
	if errors.As(err, &transitionErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Illegal status transition",
			"from":  transitionErr.From,
			"to":    transitionErr.To,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrMerchantMismatch),
		errors.Is(err, payment.ErrMalformedNotification):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrCartNotFound),
		errors.Is(err, service.ErrCartLineNotFound),
		errors.Is(err, service.ErrUnknownOrder):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, pricing.ErrInvalidCoupon):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrCartNotActive),
		errors.Is(err, service.ErrCheckoutInProgress),
		errors.Is(err, service.ErrIllegalTransition),
		errors.Is(err, service.ErrInsufficientStock):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
