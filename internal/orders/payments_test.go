package orders_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/orders"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/provider"
)

func TestDeclinedPaymentCanBeRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, 3)

	_, err := h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_decline"})
	require.Error(t, err)
	e, ok := apperr.From(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindProvider, e.Kind)
	assert.False(t, e.Transient)

	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderStatusPending, d.Order.Status)
	assert.Equal(t, models.PaymentStatusFailed, d.Order.PaymentStatus)
	require.Len(t, d.Transactions, 1)
	assert.Equal(t, models.TransactionStatusFailed, d.Transactions[0].Status)
	assert.Equal(t, "card_declined", d.Transactions[0].FailureReason)
	assert.Nil(t, d.Escrow)

	details, err := h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, details.Order.Status)
	require.Len(t, details.Transactions, 1, "the failed record is reused")
	assert.Equal(t, 2, details.Transactions[0].Attempts)
	assert.Equal(t, models.TransactionStatusCompleted, details.Transactions[0].Status)
	assert.Equal(t, details.Transactions[0].ID+"-2", h.mock.LastIdempotencyKey())

	responses, err := details.Transactions[0].ProviderResponses()
	require.NoError(t, err)
	assert.Len(t, responses, 2, "provider responses are appended, never replaced")
}

// chargeSequence issues a new charge id for every payment call and answers
// them in order.
type chargeSequence struct {
	*provider.Mock

	mu       sync.Mutex
	answers  []provider.Status
	keys     []string
	statuses map[string]provider.Status
}

func newChargeSequence(name string, answers ...provider.Status) *chargeSequence {
	return &chargeSequence{
		Mock:     provider.NewMock(name),
		answers:  answers,
		statuses: make(map[string]provider.Status),
	}
}

func (c *chargeSequence) ProcessPayment(_ context.Context, req provider.PaymentRequest) (*provider.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, req.IdempotencyKey)
	id := fmt.Sprintf("ch_%d", len(c.keys))
	res := &provider.Result{TransactionID: id, Status: c.answers[len(c.keys)-1]}
	if res.Status == provider.StatusFailed {
		res.FailureReason = "card_declined"
	}
	c.statuses[id] = res.Status
	return res, nil
}

func (c *chargeSequence) GetTransactionStatus(_ context.Context, id string) (*provider.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, provider.ErrRejected)
	}
	return &provider.Result{TransactionID: id, Status: status}, nil
}

func (c *chargeSequence) settle(id string, status provider.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = status
}

func TestRetryFollowsTheNewCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := newChargeSequence("seq", provider.StatusFailed, provider.StatusPending)
	require.NoError(t, h.registry.Register(seq, nil))
	o := h.order(t, 2)
	pay := models.PayOrderRequest{PaymentMethodID: "pm_card", Provider: "seq"}

	_, err := h.svc.InitiatePayment(ctx, buyer, o.ID, pay)
	require.Error(t, err)

	d, err := h.svc.InitiatePayment(ctx, buyer, o.ID, pay)
	require.NoError(t, err)
	require.Len(t, d.Transactions, 1)
	txn := d.Transactions[0]
	assert.Equal(t, "ch_2", txn.ProviderRef())
	assert.Equal(t, models.TransactionStatusProcessing, txn.Status)
	assert.Equal(t, []string{txn.ID + "-1", txn.ID + "-2"}, seq.keys)

	// a late event about the declined first charge must not fail the retry
	var outcome models.WebhookOutcome
	require.NoError(t, h.store.WithTx(ctx, func(tx *ledger.Tx) error {
		outcome, _, err = h.svc.ApplyPaymentEvent(tx, orders.PaymentEvent{
			Provider:              "seq",
			EventID:               "evt_old",
			ProviderTransactionID: "ch_1",
			Reference:             txn.ID,
			Status:                models.TransactionStatusFailed,
			FailureReason:         "card_declined",
			Payload:               map[string]string{"id": "ch_1"},
		})
		return err
	}))
	assert.Equal(t, models.WebhookOutcomeIgnored, outcome)
	assert.Equal(t, models.TransactionStatusProcessing, h.details(t, o.ID).Transactions[0].Status)

	seq.settle("ch_2", provider.StatusSucceeded)
	h.advance(time.Minute)
	report, err := h.svc.ReconcilePayments(ctx, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	d = h.details(t, o.ID)
	assert.Equal(t, models.OrderStatusPaid, d.Order.Status)
	assert.Equal(t, models.PaymentStatusCaptured, d.Order.PaymentStatus)
	assert.Equal(t, "ch_2", d.Transactions[0].ProviderRef())
	require.NotNil(t, d.Escrow)
}

func TestPaymentRejectsInvalidMethodAndUnknownProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, 1)

	_, err := h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_invalid"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_card", Provider: "paypal"})
	assert.True(t, apperr.HasCode(err, apperr.CodeUnknownProvider))

	_, err = h.svc.InitiatePayment(ctx, seller, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_card"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	assert.Empty(t, h.details(t, o.ID).Transactions)
}

func TestPaidOrderCannotBePaidAgain(t *testing.T) {
	h := newHarness(t)
	d := h.paidOrder(t)

	_, err := h.svc.InitiatePayment(context.Background(), buyer, d.Order.ID, models.PayOrderRequest{PaymentMethodID: "pm_card"})
	assert.True(t, apperr.Is(err, apperr.KindTransition))
	assert.Equal(t, 1, h.mock.Calls("process_payment"))
}

func TestAsyncPaymentSettledByEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, 3)

	details, err := h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_pending"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, details.Order.Status)
	assert.Equal(t, models.PaymentStatusPending, details.Order.PaymentStatus)
	require.Len(t, details.Transactions, 1)
	txn := details.Transactions[0]
	assert.Equal(t, models.TransactionStatusProcessing, txn.Status)
	assert.Nil(t, details.Escrow)

	event := orders.PaymentEvent{
		Provider:              "mock",
		EventID:               "evt_1",
		ProviderTransactionID: provider.ChargeID(txn.ID),
		Amount:                amount("30.00"),
		Currency:              "USD",
		Status:                models.TransactionStatusCompleted,
		Payload:               map[string]string{"id": "evt_1"},
	}
	apply := func(ev orders.PaymentEvent) models.WebhookOutcome {
		var outcome models.WebhookOutcome
		require.NoError(t, h.store.WithTx(ctx, func(tx *ledger.Tx) error {
			var err error
			outcome, _, err = h.svc.ApplyPaymentEvent(tx, ev)
			return err
		}))
		return outcome
	}

	assert.Equal(t, models.WebhookOutcomeApplied, apply(event))
	d := h.details(t, o.ID)
	assert.Equal(t, models.OrderStatusPaid, d.Order.Status)
	require.NotNil(t, d.Escrow)
	assert.Equal(t, "30.00", d.Escrow.Amount.StringFixed(2))

	// a redelivery with a new event id changes nothing
	event.EventID = "evt_2"
	assert.Equal(t, models.WebhookOutcomeNoop, apply(event))

	// a late failure loses against the completed transaction
	event.EventID = "evt_3"
	event.Status = models.TransactionStatusFailed
	event.FailureReason = "card_declined"
	assert.Equal(t, models.WebhookOutcomeIgnored, apply(event))

	d = h.details(t, o.ID)
	assert.Equal(t, models.TransactionStatusCompleted, d.Transactions[0].Status)
	assert.Equal(t, models.PaymentStatusCaptured, d.Order.PaymentStatus)

	var escrows int64
	require.NoError(t, h.store.DB().Model(&models.EscrowHold{}).Where("order_id = ?", o.ID).Count(&escrows).Error)
	assert.EqualValues(t, 1, escrows)
}

func TestPaymentEventAmountMismatchIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, 3)
	details, err := h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_pending"})
	require.NoError(t, err)

	err = h.store.WithTx(ctx, func(tx *ledger.Tx) error {
		_, _, err := h.svc.ApplyPaymentEvent(tx, orders.PaymentEvent{
			Provider:  "mock",
			EventID:   "evt_1",
			Reference: details.Transactions[0].ID,
			Amount:    amount("3.00"),
			Currency:  "USD",
			Status:    models.TransactionStatusCompleted,
		})
		return err
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeLedgerMismatch))
	assert.Equal(t, models.OrderStatusConfirmed, h.details(t, o.ID).Order.Status)
}

func TestUnknownTransactionEventIsRecordedAsOrphan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var outcome models.WebhookOutcome
	require.NoError(t, h.store.WithTx(ctx, func(tx *ledger.Tx) error {
		var err error
		outcome, _, err = h.svc.ApplyPaymentEvent(tx, orders.PaymentEvent{
			Provider:              "mock",
			EventID:               "evt_orphan",
			ProviderTransactionID: "ch_unknown",
			Amount:                amount("12.00"),
			Currency:              "USD",
			Status:                models.TransactionStatusCompleted,
		})
		return err
	}))
	assert.Equal(t, models.WebhookOutcomeOrphaned, outcome)

	var orphan models.PaymentTransaction
	require.NoError(t, h.store.DB().Where("provider_transaction_id = ?", "ch_unknown").First(&orphan).Error)
	assert.Nil(t, orphan.OrderID)
	assert.Equal(t, models.TransactionStatusCompleted, orphan.Status)
}

func TestTimeoutLeavesPaymentInFlightUntilReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, 3)

	_, err := h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_timeout"})
	require.Error(t, err)
	e, ok := apperr.From(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindProvider, e.Kind)
	assert.True(t, e.Transient)

	d := h.details(t, o.ID)
	require.Len(t, d.Transactions, 1)
	txnID := d.Transactions[0].ID
	assert.Equal(t, models.TransactionStatusProcessing, d.Transactions[0].Status)
	assert.Equal(t, models.PaymentStatusProcessing, d.Order.PaymentStatus)

	_, err = h.svc.CancelOrder(ctx, buyer, o.ID, models.CancelOrderRequest{Reason: "changed my mind"})
	assert.True(t, apperr.HasCode(err, apperr.CodePaymentInFlight))

	_, err = h.svc.InitiatePayment(ctx, buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_card"})
	assert.True(t, apperr.HasCode(err, apperr.CodePaymentInFlight), "no second charge while the first is unknown")

	h.advance(time.Minute)
	report, err := h.svc.ReconcilePayments(ctx, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Equal(t, orders.ReconcileReport{Checked: 1, Pending: 1}, report)

	h.mock.Settle(provider.ChargeID(txnID), provider.StatusSucceeded)
	report, err = h.svc.ReconcilePayments(ctx, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Equal(t, orders.ReconcileReport{Checked: 1, Settled: 1}, report)

	d = h.details(t, o.ID)
	assert.Equal(t, models.OrderStatusPaid, d.Order.Status)
	assert.Equal(t, models.TransactionStatusCompleted, d.Transactions[0].Status)
	assert.Equal(t, provider.ChargeID(txnID), d.Transactions[0].ProviderRef())
	require.NotNil(t, d.Escrow)
}

func TestUnavailableProviderFailsTransaction(t *testing.T) {
	h := newHarness(t)
	h.mock.SetOutcome("", provider.MockUnavailable)
	o := h.order(t, 1)

	_, err := h.svc.InitiatePayment(context.Background(), buyer, o.ID, models.PayOrderRequest{PaymentMethodID: "pm_card"})
	e, ok := apperr.From(err)
	require.True(t, ok)
	assert.True(t, e.Transient)

	d := h.details(t, o.ID)
	assert.Equal(t, models.TransactionStatusFailed, d.Transactions[0].Status)
	assert.Equal(t, models.PaymentStatusFailed, d.Order.PaymentStatus)
}
