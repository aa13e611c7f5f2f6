// Package handler exposes the orchestrator and the webhook ingestor over
// HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/idempotency"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/orders"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/webhook"
)

const (
	HeaderUserID           = "X-User-ID"
	HeaderUserRole         = "X-User-Role"
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookProvider  = "X-Webhook-Provider"
	maxWebhookBody         = 1 << 20
	readinessCheckTimeout  = 2 * time.Second
	serviceName            = "payment-service"
)

// Check is a readiness probe for one dependency
type Check func(ctx context.Context) error

// Handler serves the HTTP API
type Handler struct {
	service  *orders.Service
	ingestor *webhook.Ingestor
	idem     *idempotency.Store
	checks   map[string]Check
}

// New builds a Handler. idem may be nil, in which case Idempotency-Key
// headers are ignored.
func New(service *orders.Service, ingestor *webhook.Ingestor, idem *idempotency.Store, checks map[string]Check) *Handler {
	return &Handler{service: service, ingestor: ingestor, idem: idem, checks: checks}
}

// Router returns the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.Default()
	router.Use(metrics.PrometheusMiddleware(serviceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", h.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/payments/webhooks", h.webhook)

	api := router.Group("/", h.authenticate)
	api.POST("/orders", h.idempotent(), h.createOrder)
	api.GET("/orders/:id", h.getOrder)
	api.POST("/orders/:id/pay", h.idempotent(), h.payOrder)
	api.POST("/orders/:id/processing", h.markProcessing)
	api.POST("/orders/:id/ship", h.markShipped)
	api.POST("/orders/:id/deliver", h.markDelivered)
	api.POST("/orders/:id/complete", h.completeOrder)
	api.POST("/orders/:id/cancel", h.cancelOrder)
	api.POST("/orders/:id/dispute", h.openDispute)
	api.POST("/orders/:id/dispute/resolve", h.resolveDispute)
	api.POST("/orders/:id/refunds", h.requestRefund)

	api.POST("/escrows/:id/release", h.releaseEscrow)
	api.POST("/escrows/:id/dispute", h.disputeEscrow)

	api.POST("/refunds/:id/approve", h.approveRefund)
	api.POST("/refunds/:id/reject", h.rejectRefund)
	api.POST("/refunds/:id/process", h.processRefund)

	return router
}

// authenticate trusts the identity headers set by the gateway.
func (h *Handler) authenticate(c *gin.Context) {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		writeError(c, apperr.Auth(apperr.CodeUnauthenticated, "missing caller identity"))
		c.Abort()
		return
	}
	role := orders.RoleUser
	if c.GetHeader(HeaderUserRole) == string(orders.RoleOperator) {
		role = orders.RoleOperator
	}
	c.Set("actor", orders.Actor{ID: userID, Role: role})
	c.Next()
}

func actor(c *gin.Context) orders.Actor {
	a, _ := c.Get("actor")
	return a.(orders.Actor)
}

func (h *Handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessCheckTimeout)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.WithField("dependency", name).WithError(err).Warn("Readiness check failed")
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	c.JSON(status, gin.H{"service": serviceName, "checks": results})
}

// writeError renders err as {"error":{"code","message"}}. Details of
// internal and provider errors stay in the log.
func writeError(c *gin.Context, err error) {
	status, code, message := apperr.Public(err)
	fields := log.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"status": status,
		"code":   code,
	}
	if status >= http.StatusInternalServerError {
		log.WithFields(fields).WithError(err).Error("Request failed")
	} else {
		log.WithFields(fields).WithError(err).Info("Request rejected")
	}
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func bindError(err error) error {
	return apperr.Validation(apperr.CodeInvalidInput, "invalid request: %v", err)
}
