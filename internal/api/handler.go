package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"marketplace-service/internal/pricing"
	"marketplace-service/internal/service"
	"marketplace-service/internal/util"
	"marketplace-service/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	reconciler   *webhook.Reconciler
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, reconciler *webhook.Reconciler) *Handler {
	return &Handler{
		orderService: orderService,
		reconciler:   reconciler,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/stripe", h.stripeWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/quotes", h.quote)
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.DELETE("/orders/:id", h.deleteOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// quote prices a product selection without creating anything
func (h *Handler) quote(c *gin.Context) {
	var req service.QuoteRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.orderService.Quote(c.Request.Context(), &req)
	if err != nil {
		var validationErr *pricing.ValidationError
		if errors.As(err, &validationErr) || errors.Is(err, pricing.ErrUnsupportedProductMode) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "Invalid selection",
				"details": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to compute quote",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// createOrder handles checkout order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		var validationErr *pricing.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "Invalid item selection",
				"details": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, items, subOrders, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":      order,
		"items":      items,
		"sub_orders": subOrders,
	})
}

// deleteOrder removes an order and everything under it
func (h *Handler) deleteOrder(c *gin.Context) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	if err := h.orderService.DeleteOrder(c.Request.Context(), orderID); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Failed to delete order",
			"details": err.Error(),
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// stripeWebhook verifies and reconciles a gateway delivery. The raw body is
// read before any parsing since signature verification covers the exact
// bytes sent.
func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	err = h.reconciler.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
		// Non-2xx makes the gateway redeliver; processing is idempotent.
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
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
