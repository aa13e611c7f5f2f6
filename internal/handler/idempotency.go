package handler

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/idempotency"
)

const HeaderIdempotentReplayed = "Idempotent-Replayed"

type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent replays the stored response of an earlier request carrying the
// same Idempotency-Key. Redis being unavailable lets the request through.
func (h *Handler) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(HeaderIdempotencyKey)
		if h.idem == nil || header == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := idempotency.Key(actor(c).ID, c.Request.URL.Path, header)
		logger := log.WithFields(log.Fields{"path": c.Request.URL.Path, "idempotency_key": header})

		cached, err := h.idem.Get(ctx, key)
		if err != nil {
			logger.WithError(err).Warn("Idempotency store unavailable, processing request")
			c.Next()
			return
		}
		if cached != nil {
			c.Header(HeaderIdempotentReplayed, "true")
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		locked, err := h.idem.Lock(ctx, key)
		if err != nil {
			logger.WithError(err).Warn("Idempotency store unavailable, processing request")
			c.Next()
			return
		}
		if !locked {
			writeError(c, apperr.Conflict(apperr.CodeRequestInProgress, "a request with this idempotency key is in progress"))
			c.Abort()
			return
		}
		defer func() {
			if err := h.idem.Unlock(ctx, key); err != nil {
				logger.WithError(err).Warn("Failed to release idempotency lock")
			}
		}()

		rec := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		if rec.Status() >= http.StatusInternalServerError {
			return
		}
		resp := idempotency.Response{
			Status:      rec.Status(),
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		}
		if err := h.idem.Save(ctx, key, resp); err != nil {
			logger.WithError(err).Warn("Failed to store idempotent response")
		}
	}
}
