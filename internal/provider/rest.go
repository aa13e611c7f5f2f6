package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/patterns"
)

// chargeRequest is the wire body of a payment request
type chargeRequest struct {
	Reference     string            `json:"reference"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Customer      string            `json:"customer,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// chargeResponse is the provider's view of a payment or refund
type chargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	Message       string `json:"message"`
}

type refundRequest struct {
	Payment   string `json:"payment"`
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

type captureRequest struct {
	Amount string `json:"amount"`
}

type paymentMethodResponse struct {
	ID    string `json:"id"`
	Valid bool   `json:"valid"`
}

// RESTConfig points a REST adapter at a provider API
type RESTConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Guard   patterns.GuardConfig
}

// REST talks to a JSON payment API. Calls go through a bulkhead and a
// circuit breaker and never retry on their own; the idempotency key lets the
// orchestrator retry safely.
type REST struct {
	name   string
	client *resty.Client
	guard  *patterns.Guard
}

func NewREST(cfg RESTConfig) *REST {
	guardCfg := cfg.Guard
	// declines and bad requests say nothing about provider health
	guardCfg.Breaker.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrRejected)
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	if guardCfg.CallTimeout > 0 {
		client.SetTimeout(guardCfg.CallTimeout)
	}
	return &REST{
		name:   cfg.Name,
		client: client,
		guard:  patterns.NewGuard(cfg.Name, guardCfg),
	}
}

func (r *REST) Name() string { return r.name }

func (r *REST) ProcessPayment(ctx context.Context, req PaymentRequest) (*Result, error) {
	body := chargeRequest{
		Reference:     req.Reference,
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethodID,
		Customer:      req.CustomerID,
		Description:   req.Description,
		Metadata:      map[string]string{"order_id": req.OrderID},
	}
	return r.charge(ctx, "process payment", func(rq *resty.Request) (*resty.Response, error) {
		key := req.IdempotencyKey
		if key == "" {
			key = req.Reference
		}
		return rq.SetHeader("Idempotency-Key", key).SetBody(body).Post("/v1/payments")
	})
}

func (r *REST) CapturePayment(ctx context.Context, transactionID string, amount decimal.Decimal) (*Result, error) {
	return r.charge(ctx, "capture payment", func(rq *resty.Request) (*resty.Response, error) {
		return rq.SetHeader("Idempotency-Key", "capture-"+transactionID).
			SetPathParam("id", transactionID).
			SetBody(captureRequest{Amount: amount.String()}).
			Post("/v1/payments/{id}/capture")
	})
}

func (r *REST) RefundPayment(ctx context.Context, req RefundRequest) (*Result, error) {
	body := refundRequest{
		Payment:   req.TransactionID,
		Reference: req.Reference,
		Amount:    req.Amount.String(),
		Currency:  req.Currency,
		Reason:    req.Reason,
	}
	return r.charge(ctx, "refund payment", func(rq *resty.Request) (*resty.Response, error) {
		return rq.SetHeader("Idempotency-Key", req.Reference).SetBody(body).Post("/v1/refunds")
	})
}

func (r *REST) GetTransactionStatus(ctx context.Context, transactionID string) (*Result, error) {
	return r.charge(ctx, "get transaction", func(rq *resty.Request) (*resty.Response, error) {
		return rq.SetPathParam("id", transactionID).Get("/v1/payments/{id}")
	})
}

func (r *REST) ValidatePaymentMethod(ctx context.Context, paymentMethodID string) (bool, error) {
	var out paymentMethodResponse
	resp, err := r.do(ctx, "validate payment method", func(rq *resty.Request) (*resty.Response, error) {
		return rq.SetPathParam("id", paymentMethodID).SetResult(&out).Get("/v1/payment_methods/{id}")
	})
	if err != nil {
		return false, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("validate payment method: status %d: %w", resp.StatusCode(), ErrRejected)
	}
	return out.Valid, nil
}

// charge runs a call that answers with a chargeResponse. 402 and 409 carry a
// decline in the body and are results, not errors.
func (r *REST) charge(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) (*Result, error) {
	resp, err := r.do(ctx, op, send)
	if err != nil {
		return nil, err
	}

	var body chargeResponse
	if len(resp.Body()) > 0 {
		if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, jsonErr)
		}
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusPaymentRequired || code == http.StatusConflict:
		reason := body.FailureReason
		if reason == "" {
			reason = body.Message
		}
		return &Result{TransactionID: body.ID, Status: StatusFailed, FailureReason: reason, Raw: resp.Body()}, nil
	case resp.IsError():
		return nil, fmt.Errorf("%s: status %d: %w", op, code, ErrRejected)
	}

	status, ok := parseStatus(body.Status)
	if !ok {
		return nil, fmt.Errorf("%s: unknown provider status %q: %w", op, body.Status, ErrRejected)
	}
	return &Result{
		TransactionID: body.ID,
		Status:        status,
		FailureReason: body.FailureReason,
		Raw:           resp.Body(),
	}, nil
}

// do sends one request through the guard. Server errors count against the
// breaker; client errors are returned as responses for the caller to read.
func (r *REST) do(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	var resp *resty.Response
	err := r.guard.Do(ctx, func(callCtx context.Context) error {
		var httpErr error
		resp, httpErr = send(r.client.R().SetContext(callCtx))
		if httpErr != nil {
			return httpErr
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return fmt.Errorf("status %d: %w", resp.StatusCode(), ErrUnavailable)
		}
		return nil
	})
	if err == nil {
		return resp, nil
	}

	switch {
	case OutcomeUnknown(err):
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrTimeout)
	case errors.Is(err, patterns.ErrCircuitOpen), errors.Is(err, patterns.ErrBulkheadFull):
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	case errors.Is(err, ErrUnavailable):
		return nil, fmt.Errorf("%s: %w", op, err)
	default:
		// connection refused and friends: the request never arrived
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
}

func parseStatus(s string) (Status, bool) {
	switch strings.ToLower(s) {
	case "succeeded", "success", "completed", "captured", "paid":
		return StatusSucceeded, true
	case "requires_capture", "authorized":
		return StatusAuthorized, true
	case "pending", "processing":
		return StatusPending, true
	case "failed", "declined", "canceled", "cancelled":
		return StatusFailed, true
	}
	return "", false
}
