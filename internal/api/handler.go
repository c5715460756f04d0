package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP layer.
type Options struct {
	JWTSecret     string
	AckToken      string
	SecureCookies bool
}

// Handler contains HTTP handlers
type Handler struct {
	carts      *service.CartService
	orders     *service.OrderService
	payments   *service.PaymentService
	reconciler *service.Reconciler
	db         Pinger
	opts       Options
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	carts *service.CartService,
	orders *service.OrderService,
	payments *service.PaymentService,
	reconciler *service.Reconciler,
	db Pinger,
	opts Options,
) *Handler {
	if opts.AckToken == "" {
		opts.AckToken = "OK"
	}
	return &Handler{
		carts:      carts,
		orders:     orders,
		payments:   payments,
		reconciler: reconciler,
		db:         db,
		opts:       opts,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.SetHTMLTemplate(returnPage)

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(ownerMiddleware(h.opts.JWTSecret, h.opts.SecureCookies))
	{
		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PATCH("/cart/items/:lineId", h.updateCartItem)
		v1.DELETE("/cart/items/:lineId", h.removeCartItem)
		v1.POST("/checkout", h.checkout)
		v1.GET("/orders/:number", h.getOrder)
		v1.POST("/orders/:number/cancel", h.cancelOrder)
	}

	payments := router.Group("/payments")
	{
		payments.POST("/notify", h.paymentNotify)
		payments.GET("/return", h.paymentReturn)
	}

	admin := router.Group("/admin")
	admin.Use(adminMiddleware(h.opts.JWTSecret))
	{
		admin.GET("/orders", h.adminListOrders)
		admin.GET("/orders/:number", h.adminGetOrder)
		admin.PATCH("/orders/:number/status", h.adminTransition)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when the store answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getCart(c *gin.Context) {
	quote, err := h.carts.Quote(c.Request.Context(), owner(c), c.Query("coupon"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type addItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity"`
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	summary, err := h.carts.AddItem(c.Request.Context(), owner(c), req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

func (h *Handler) updateCartItem(c *gin.Context) {
	lineID, ok := parseID(c, "lineId")
	if !ok {
		return
	}
	var req setQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	summary, err := h.carts.SetQuantity(c.Request.Context(), owner(c), lineID, *req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	lineID, ok := parseID(c, "lineId")
	if !ok {
		return
	}

	summary, err := h.carts.RemoveItem(c.Request.Context(), owner(c), lineID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// checkout handles order creation. The Idempotency-Key header is the checkout attempt token.
func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.Owner = owner(c)
	req.AttemptToken = c.GetHeader("Idempotency-Key")

	result, err := h.payments.Checkout(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// getOrder is the owner's order confirmation read. Another owner's order is reported as missing.
func (h *Handler) getOrder(c *gin.Context) {
	details, err := h.orders.GetOrder(c.Request.Context(), c.Param("number"))
	if err == nil && details.Order.OwnerRef != owner(c) {
		err = service.ErrUnknownOrder
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	number := c.Param("number")
	details, err := h.orders.GetOrder(c.Request.Context(), number)
	if err == nil && details.Order.OwnerRef != owner(c) {
		err = service.ErrUnknownOrder
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), number, owner(c), models.SourceCustomer)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + param,
		})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
