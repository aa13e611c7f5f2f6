// Package provider is the uniform contract to external payment processors.
// Callers pick an Adapter from the Registry by name and never branch on
// which provider they got.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/shopspring/decimal"
)

// Status is a provider-side payment state, normalised across providers
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusAuthorized Status = "authorized"
	StatusPending    Status = "pending"
	StatusFailed     Status = "failed"
)

var (
	// ErrTimeout means the call did not return in time. The provider may
	// still complete it.
	ErrTimeout = errors.New("provider call timed out")
	// ErrUnavailable means the request never reached the provider or the
	// provider refused it before processing.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected is a permanent refusal of a malformed or unauthorised call.
	ErrRejected = errors.New("provider rejected request")
)

// PaymentRequest asks the provider to charge a payment method. Reference is
// our transaction id, echoed back in webhooks. IdempotencyKey changes with
// every attempt so a retry after a decline is a new charge.
type PaymentRequest struct {
	Reference       string
	IdempotencyKey  string
	OrderID         string
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
	CustomerID      string
	Description     string
}

// RefundRequest returns money from an earlier provider transaction
type RefundRequest struct {
	Reference     string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// Result is what the provider said about a payment or refund
type Result struct {
	TransactionID string          `json:"transaction_id"`
	Status        Status          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Adapter is implemented by every payment provider
type Adapter interface {
	Name() string
	ProcessPayment(ctx context.Context, req PaymentRequest) (*Result, error)
	CapturePayment(ctx context.Context, transactionID string, amount decimal.Decimal) (*Result, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*Result, error)
	GetTransactionStatus(ctx context.Context, transactionID string) (*Result, error)
	ValidatePaymentMethod(ctx context.Context, paymentMethodID string) (bool, error)
}

// OutcomeUnknown reports whether err leaves it open that the provider acted
// on the request.
func OutcomeUnknown(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Transient reports whether the same request may succeed later.
func Transient(err error) bool {
	return OutcomeUnknown(err) || errors.Is(err, ErrUnavailable)
}
