package api

import (
	"errors"
	"html/template"
	"net/http"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/pricing"
	"storefront/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var returnPage = template.Must(template.New("return.html").Funcs(template.FuncMap{
	"amount": pricing.FormatAmount,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{if .Order}}
<p>Order <strong>{{.Order.OrderNumber}}</strong></p>
<p>Total: {{amount .Order.TotalAmount}}</p>
<p>Order status: {{.Order.Status}}</p>
<p>Payment status: {{.Order.PaymentStatus}}</p>
{{end}}
<p>{{.Message}}</p>
</body>
</html>
`))

// paymentNotify is the processor's server-to-server notification. It answers with the ack
// token once the report is durably recorded, including for duplicates and unknown orders.
func (h *Handler) paymentNotify(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "bad request")
		return
	}

	_, err := h.reconciler.HandleNotification(c.Request.Context(), c.Request.PostForm)
	switch {
	case err == nil:
		c.String(http.StatusOK, h.opts.AckToken)
	case errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrMerchantMismatch),
		errors.Is(err, payment.ErrMalformedNotification):
		c.String(http.StatusBadRequest, "bad request")
	default:
		h.logger.Error("Payment notification failed", zap.Error(err))
		c.String(http.StatusInternalServerError, "error")
	}
}

// paymentReturn renders the page the customer lands on after the processor.
func (h *Handler) paymentReturn(c *gin.Context) {
	view, err := h.reconciler.HandleReturn(c.Request.Context(), c.Request.URL.Query())
	if errors.Is(err, payment.ErrMalformedNotification) {
		c.HTML(http.StatusBadRequest, "return.html", gin.H{
			"Title":   "Payment",
			"Message": "The payment reference is missing.",
		})
		return
	}
	if err != nil {
		h.logger.Error("Return page failed", zap.Error(err))
		c.HTML(http.StatusInternalServerError, "return.html", gin.H{
			"Title":   "Payment",
			"Message": "We could not load your order. Please try again shortly.",
		})
		return
	}
	if view.Order == nil {
		c.HTML(http.StatusNotFound, "return.html", gin.H{
			"Title":   "Order not found",
			"Message": "We could not find an order with that reference.",
		})
		return
	}

	title, message := returnMessage(view)
	c.HTML(http.StatusOK, "return.html", gin.H{
		"Title":   title,
		"Order":   view.Order,
		"Message": message,
	})
}

func returnMessage(view *service.ReturnView) (string, string) {
	order := view.Order
	switch {
	case order.PaymentStatus == models.PaymentStatusPaid:
		return "Thank you for your order", "Your payment was received and your order is being prepared."
	case order.Status == models.OrderStatusCancelled:
		return "Order cancelled", "This order was cancelled. No further payment will be taken."
	case view.Cancelled:
		return "Payment cancelled", "You cancelled the payment. Your order is reserved until the payment window closes."
	default:
		return "Payment processing", "We are waiting for the payment processor to confirm your payment."
	}
}
