package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockOutcome scripts how the mock provider answers
type MockOutcome string

const (
	MockSucceed     MockOutcome = "succeed"
	MockAuthorize   MockOutcome = "authorize"
	MockPending     MockOutcome = "pending"
	MockDecline     MockOutcome = "decline"
	MockTimeout     MockOutcome = "timeout"
	MockUnavailable MockOutcome = "unavailable"
)

// Mock is an in-memory provider. Payment outcomes are chosen per payment
// method id, so "pm_decline" declines and "pm_pending" answers
// asynchronously; anything else uses the default outcome.
type Mock struct {
	name string

	mu             sync.Mutex
	defaultOutcome MockOutcome
	refundOutcome  MockOutcome
	outcomes       map[string]MockOutcome
	invalidMethods map[string]bool
	transactions   map[string]*Result
	calls          map[string]int
	lastKey        string
}

func NewMock(name string) *Mock {
	return &Mock{
		name:           name,
		defaultOutcome: MockSucceed,
		refundOutcome:  MockSucceed,
		outcomes: map[string]MockOutcome{
			"pm_decline":   MockDecline,
			"pm_pending":   MockPending,
			"pm_authorize": MockAuthorize,
			"pm_timeout":   MockTimeout,
		},
		invalidMethods: map[string]bool{"pm_invalid": true},
		transactions:   make(map[string]*Result),
		calls:          make(map[string]int),
	}
}

func (m *Mock) Name() string { return m.name }

// SetOutcome scripts the answer for one payment method id; an empty id sets
// the default.
func (m *Mock) SetOutcome(paymentMethodID string, outcome MockOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if paymentMethodID == "" {
		m.defaultOutcome = outcome
		return
	}
	m.outcomes[paymentMethodID] = outcome
}

func (m *Mock) SetRefundOutcome(outcome MockOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundOutcome = outcome
}

// Calls returns how many times op was invoked.
func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// LastIdempotencyKey is the key of the most recent payment request.
func (m *Mock) LastIdempotencyKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastKey
}

// Settle changes the provider-side status of a transaction, as if the
// provider finished it asynchronously.
func (m *Mock) Settle(transactionID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.transactions[transactionID]; ok {
		res.Status = status
	}
}

// ChargeID is the provider id the mock issues for one of our references.
func ChargeID(reference string) string {
	return "mock_ch_" + reference
}

func (m *Mock) ProcessPayment(_ context.Context, req PaymentRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["process_payment"]++
	m.lastKey = req.IdempotencyKey

	outcome, ok := m.outcomes[req.PaymentMethodID]
	if !ok {
		outcome = m.defaultOutcome
	}
	id := ChargeID(req.Reference)

	switch outcome {
	case MockTimeout:
		// the provider keeps the charge, the caller never hears about it
		m.transactions[id] = &Result{TransactionID: id, Status: StatusPending}
		return nil, fmt.Errorf("process payment: %w", ErrTimeout)
	case MockUnavailable:
		return nil, fmt.Errorf("process payment: %w", ErrUnavailable)
	}

	res := &Result{TransactionID: id}
	switch outcome {
	case MockDecline:
		res.Status = StatusFailed
		res.FailureReason = "card_declined"
	case MockPending:
		res.Status = StatusPending
	case MockAuthorize:
		res.Status = StatusAuthorized
	default:
		res.Status = StatusSucceeded
	}
	res.Raw = mustRaw(res, req.Reference)
	m.transactions[id] = res
	copied := *res
	return &copied, nil
}

func (m *Mock) CapturePayment(_ context.Context, transactionID string, _ decimal.Decimal) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["capture_payment"]++

	res, ok := m.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", transactionID, ErrRejected)
	}
	if res.Status == StatusAuthorized {
		res.Status = StatusSucceeded
	}
	copied := *res
	return &copied, nil
}

func (m *Mock) RefundPayment(_ context.Context, req RefundRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["refund_payment"]++

	switch m.refundOutcome {
	case MockTimeout:
		return nil, fmt.Errorf("refund payment: %w", ErrTimeout)
	case MockUnavailable:
		return nil, fmt.Errorf("refund payment: %w", ErrUnavailable)
	}

	id := "mock_re_" + uuid.NewString()
	res := &Result{TransactionID: id, Status: StatusSucceeded}
	switch m.refundOutcome {
	case MockDecline:
		res.Status = StatusFailed
		res.FailureReason = "insufficient_balance"
	case MockPending:
		res.Status = StatusPending
	}
	res.Raw = mustRaw(res, req.Reference)
	m.transactions[id] = res
	copied := *res
	return &copied, nil
}

func (m *Mock) GetTransactionStatus(_ context.Context, transactionID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get_transaction_status"]++

	res, ok := m.transactions[transactionID]
	if !ok {
		// callers may look up by our own reference
		res, ok = m.transactions[ChargeID(transactionID)]
	}
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, ErrRejected)
	}
	copied := *res
	return &copied, nil
}

func (m *Mock) ValidatePaymentMethod(_ context.Context, paymentMethodID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["validate_payment_method"]++
	return paymentMethodID != "" && !m.invalidMethods[paymentMethodID], nil
}

func mustRaw(res *Result, reference string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"id":             res.TransactionID,
		"status":         string(res.Status),
		"failure_reason": res.FailureReason,
		"reference":      reference,
	})
	return raw
}
