package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusByKind(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{Validation(CodeInvalidInput, "bad"), http.StatusBadRequest},
		{Quantity(5, 2), http.StatusBadRequest},
		{Transition("order", "pending", "completed"), http.StatusConflict},
		{Consistency(CodeOverRelease, "too much"), http.StatusConflict},
		{Provider(true, errors.New("boom")), http.StatusBadGateway},
		{Auth(CodeBadSignature, "nope"), http.StatusUnauthorized},
		{Forbidden("not your order"), http.StatusForbidden},
		{NotFound("order", "o-1"), http.StatusNotFound},
		{Internal(errors.New("db down")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestFromWrapped(t *testing.T) {
	wrapped := fmt.Errorf("release escrow: %w", Consistency(CodeOverRelease, "over"))

	assert.True(t, Is(wrapped, KindConsistency))
	assert.True(t, HasCode(wrapped, CodeOverRelease))
	assert.False(t, Is(wrapped, KindValidation))
}

func TestPublicHidesProviderDetail(t *testing.T) {
	err := Provider(true, errors.New("card_declined: raw provider payload"))

	status, code, msg := Public(err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, CodePaymentFailed, code)
	assert.Equal(t, "payment failed, retry available", msg)
	assert.NotContains(t, msg, "raw provider payload")

	status, code, _ = Public(errors.New("plain"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, CodeInternal, code)
}
