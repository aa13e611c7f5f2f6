package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
)

type entry struct {
	adapter  Adapter
	verifier Verifier
}

// Registry maps provider names to their adapter and webhook verifier. It is
// built once at start-up and read-only afterwards.
type Registry struct {
	entries     map[string]entry
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{entries: make(map[string]entry), defaultName: defaultName}
}

// Register adds a provider. The adapter is wrapped so every call is logged
// and measured.
func (r *Registry) Register(adapter Adapter, verifier Verifier) error {
	name := adapter.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("provider %q registered twice", name)
	}
	r.entries[name] = entry{adapter: &instrumented{next: adapter}, verifier: verifier}
	return nil
}

// Adapter returns the named adapter; an empty name selects the default.
func (r *Registry) Adapter(name string) (Adapter, error) {
	if name == "" {
		name = r.defaultName
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, apperr.Validation(apperr.CodeUnknownProvider, "unknown payment provider %q", name)
	}
	return e.adapter, nil
}

// Verifier returns the webhook verifier of a provider.
func (r *Registry) Verifier(name string) (Verifier, bool) {
	e, ok := r.entries[name]
	if !ok || e.verifier == nil {
		return nil, false
	}
	return e.verifier, true
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// instrumented records metrics and logs around an adapter
type instrumented struct {
	next Adapter
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) observe(op string, start time.Time, res *Result, err error) {
	outcome := "error"
	switch {
	case err == nil && res != nil:
		outcome = string(res.Status)
	case err == nil:
		outcome = "ok"
	case OutcomeUnknown(err):
		outcome = "timeout"
	}
	metrics.ProviderCalls.WithLabelValues(i.next.Name(), op, outcome).Inc()
	metrics.ProviderCallDuration.WithLabelValues(i.next.Name(), op).Observe(time.Since(start).Seconds())

	fields := log.Fields{
		"provider":    i.next.Name(),
		"operation":   op,
		"outcome":     outcome,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if res != nil {
		fields["provider_transaction_id"] = res.TransactionID
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("Provider call failed")
		return
	}
	log.WithFields(fields).Info("Provider call completed")
}

func (i *instrumented) ProcessPayment(ctx context.Context, req PaymentRequest) (*Result, error) {
	start := time.Now()
	res, err := i.next.ProcessPayment(ctx, req)
	i.observe("process_payment", start, res, err)
	return res, err
}

func (i *instrumented) CapturePayment(ctx context.Context, transactionID string, amount decimal.Decimal) (*Result, error) {
	start := time.Now()
	res, err := i.next.CapturePayment(ctx, transactionID, amount)
	i.observe("capture_payment", start, res, err)
	return res, err
}

func (i *instrumented) RefundPayment(ctx context.Context, req RefundRequest) (*Result, error) {
	start := time.Now()
	res, err := i.next.RefundPayment(ctx, req)
	i.observe("refund_payment", start, res, err)
	return res, err
}

func (i *instrumented) GetTransactionStatus(ctx context.Context, transactionID string) (*Result, error) {
	start := time.Now()
	res, err := i.next.GetTransactionStatus(ctx, transactionID)
	i.observe("get_transaction_status", start, res, err)
	return res, err
}

func (i *instrumented) ValidatePaymentMethod(ctx context.Context, paymentMethodID string) (bool, error) {
	start := time.Now()
	ok, err := i.next.ValidatePaymentMethod(ctx, paymentMethodID)
	i.observe("validate_payment_method", start, nil, err)
	return ok, err
}
