package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
)

func (h *Handler) createOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), actor(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	details, err := h.service.GetOrder(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) payOrder(c *gin.Context) {
	var req models.PayOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}

	details, err := h.service.InitiatePayment(c.Request.Context(), actor(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if details.Order.PaymentStatus == models.PaymentStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, details)
}

func (h *Handler) markProcessing(c *gin.Context) {
	order, err := h.service.MarkProcessing(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, order, err)
}

func (h *Handler) markShipped(c *gin.Context) {
	order, err := h.service.MarkShipped(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, order, err)
}

func (h *Handler) markDelivered(c *gin.Context) {
	order, err := h.service.MarkDelivered(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, order, err)
}

func (h *Handler) completeOrder(c *gin.Context) {
	order, err := h.service.CompleteOrder(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, order, err)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req models.CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	details, err := h.service.CancelOrder(c.Request.Context(), actor(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if cancellation := details.Order.Cancellation; cancellation != nil && !cancellation.Approved() &&
		details.Order.Status != models.OrderStatusCancelled {
		status = http.StatusAccepted
	}
	c.JSON(status, details)
}

func (h *Handler) openDispute(c *gin.Context) {
	var req models.OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	order, err := h.service.OpenDispute(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, order, err)
}

func (h *Handler) resolveDispute(c *gin.Context) {
	var req models.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	details, err := h.service.ResolveDispute(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, details, err)
}

func (h *Handler) requestRefund(c *gin.Context) {
	var req models.RequestRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	refund, err := h.service.RequestRefund(c.Request.Context(), actor(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

func (h *Handler) approveRefund(c *gin.Context) {
	refund, err := h.service.ApproveRefund(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, refund, err)
}

func (h *Handler) rejectRefund(c *gin.Context) {
	var req models.RejectRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	refund, err := h.service.RejectRefund(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, refund, err)
}

func (h *Handler) processRefund(c *gin.Context) {
	refund, err := h.service.ProcessRefund(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, refund, err)
}

func (h *Handler) releaseEscrow(c *gin.Context) {
	var req models.ReleaseEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	hold, err := h.service.ReleaseEscrow(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, hold, err)
}

func (h *Handler) disputeEscrow(c *gin.Context) {
	var req models.DisputeEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err))
		return
	}
	hold, err := h.service.DisputeEscrow(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, hold, err)
}

func respond(c *gin.Context, body interface{}, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}
