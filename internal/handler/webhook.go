package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
)

// webhook verifies and applies a provider callback. Anything other than a
// 2xx makes the provider retry, so duplicates and unknown event types are
// acknowledged.
func (h *Handler) webhook(c *gin.Context) {
	providerName := c.GetHeader(HeaderWebhookProvider)
	if providerName == "" {
		writeError(c, apperr.Auth(apperr.CodeBadSignature, "missing "+HeaderWebhookProvider+" header"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		writeError(c, apperr.Validation(apperr.CodeMalformedPayload, "unreadable webhook body: %v", err))
		return
	}

	outcome, err := h.ingestor.Ingest(c.Request.Context(), providerName, c.GetHeader(HeaderWebhookSignature), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "outcome": outcome})
}
