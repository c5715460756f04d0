package api

import (
	"net/http"
	"strconv"

	"storefront/internal/store"

	"github.com/gin-gonic/gin"
)

func (h *Handler) adminListOrders(c *gin.Context) {
	filter := store.OrderFilter{
		Status:   c.Query("status"),
		OwnerRef: c.Query("owner"),
	}
	var err error
	if raw := c.Query("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 || filter.Limit > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil || filter.Offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
			return
		}
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) adminGetOrder(c *gin.Context) {
	number := c.Param("number")
	details, err := h.orders.GetOrder(c.Request.Context(), number)
	if err != nil {
		h.writeError(c, err)
		return
	}
	history, err := h.orders.History(c.Request.Context(), number)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":         details.Order,
		"lines":         details.Lines,
		"changes":       history.Changes,
		"notifications": history.Notifications,
	})
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) adminTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orders.Transition(c.Request.Context(), c.Param("number"), req.Status, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}
