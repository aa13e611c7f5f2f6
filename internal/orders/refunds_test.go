package orders_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/orders"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/provider"
)

func TestRefundsAreCappedByCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.paidOrder(t).Order.ID

	first, err := h.svc.RequestRefund(ctx, buyer, orderID, models.RequestRefundRequest{Amount: *amount("20.00"), Reason: "one item missing"})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusPending, first.Status)
	assert.Contains(t, h.notes.Types(), notify.TypeRefundRequested)

	_, err = h.svc.RequestRefund(ctx, buyer, orderID, models.RequestRefundRequest{Amount: *amount("15.00"), Reason: "more"})
	assert.True(t, apperr.HasCode(err, apperr.CodeRefundExceedsCapture))

	_, err = h.svc.RequestRefund(ctx, seller, orderID, models.RequestRefundRequest{Amount: *amount("1.00")})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = h.svc.RejectRefund(ctx, seller, first.ID, models.RejectRefundRequest{Notes: "it was delivered"})
	require.NoError(t, err)

	second, err := h.svc.RequestRefund(ctx, buyer, orderID, models.RequestRefundRequest{Amount: *amount("15.00"), Reason: "half"})
	require.NoError(t, err, "rejected refunds no longer count")

	_, err = h.svc.ProcessRefund(ctx, seller, second.ID)
	assert.True(t, apperr.Is(err, apperr.KindTransition), "pending refunds must be approved first")

	_, err = h.svc.ApproveRefund(ctx, buyer, second.ID)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	approved, err := h.svc.ApproveRefund(ctx, seller, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusApproved, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)

	done, err := h.svc.ProcessRefund(ctx, seller, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, done.Status)
	require.NotNil(t, done.RefundTransactionID)

	d := h.details(t, orderID)
	assert.Equal(t, models.OrderStatusPaid, d.Order.Status)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, d.Order.PaymentStatus)
	assert.Equal(t, "15.00", d.Escrow.RefundedAmount.StringFixed(2))
	assert.Equal(t, "15.00", d.Escrow.Remaining().StringFixed(2))
	assert.Equal(t, models.EscrowStatusHeld, d.Escrow.Status)
	require.Len(t, d.Transactions, 2)
	assert.Equal(t, models.TransactionTypeRefund, d.Transactions[1].Type)
	assert.Equal(t, models.TransactionStatusCompleted, d.Transactions[1].Status)

	_, err = h.svc.RejectRefund(ctx, seller, second.ID, models.RejectRefundRequest{Notes: "too late"})
	assert.True(t, apperr.Is(err, apperr.KindTransition))
}

func TestDeclinedRefundIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.paidOrder(t).Order.ID
	h.mock.SetRefundOutcome(provider.MockDecline)

	r, err := h.svc.RequestRefund(ctx, buyer, orderID, models.RequestRefundRequest{Amount: *amount("30.00")})
	require.NoError(t, err)
	_, err = h.svc.ApproveRefund(ctx, operator, r.ID)
	require.NoError(t, err)

	r, err = h.svc.ProcessRefund(ctx, operator, r.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindProvider))
	require.NotNil(t, r)
	assert.Equal(t, models.RefundStatusRejected, r.Status)
	assert.Equal(t, "insufficient_balance", r.ProcessingNotes)

	d := h.details(t, orderID)
	assert.Equal(t, models.PaymentStatusCaptured, d.Order.PaymentStatus)
	assert.True(t, d.Escrow.RefundedAmount.IsZero())
	assert.Contains(t, h.notes.Types(), notify.TypeRefundRejected)
}

func TestTimedOutRefundSettledByEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.paidOrder(t).Order.ID
	h.mock.SetRefundOutcome(provider.MockTimeout)

	r, err := h.svc.RequestRefund(ctx, buyer, orderID, models.RequestRefundRequest{Amount: *amount("30.00")})
	require.NoError(t, err)
	_, err = h.svc.ApproveRefund(ctx, seller, r.ID)
	require.NoError(t, err)

	r, err = h.svc.ProcessRefund(ctx, seller, r.ID)
	e, ok := apperr.From(err)
	require.True(t, ok)
	assert.True(t, e.Transient)
	assert.Equal(t, models.RefundStatusProcessing, r.Status)
	require.NotNil(t, r.RefundTransactionID)

	var outcome models.WebhookOutcome
	require.NoError(t, h.store.WithTx(ctx, func(tx *ledger.Tx) error {
		var err error
		outcome, _, err = h.svc.ApplyRefundEvent(tx, orders.PaymentEvent{
			Provider:              "mock",
			EventID:               "evt_re_1",
			ProviderTransactionID: "re_123",
			Reference:             *r.RefundTransactionID,
			Amount:                amount("30.00"),
			Currency:              "USD",
			Status:                models.TransactionStatusCompleted,
		})
		return err
	}))
	assert.Equal(t, models.WebhookOutcomeApplied, outcome)

	d := h.details(t, orderID)
	assert.Equal(t, models.OrderStatusRefunded, d.Order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, d.Order.PaymentStatus)
	assert.Equal(t, models.EscrowStatusRefunded, d.Escrow.Status)
	require.Len(t, d.Refunds, 1)
	assert.Equal(t, models.RefundStatusCompleted, d.Refunds[0].Status)
}

func TestCancellationRefundCompletingOnDisputedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paid := h.paidOrder(t)
	orderID := paid.Order.ID
	h.mock.SetRefundOutcome(provider.MockTimeout)

	_, err := h.svc.CancelOrder(ctx, seller, orderID, models.CancelOrderRequest{Reason: "out of stock"})
	require.Error(t, err)
	d := h.details(t, orderID)
	require.Len(t, d.Refunds, 1)
	r := d.Refunds[0]
	require.Equal(t, models.RefundStatusProcessing, r.Status)
	require.NotNil(t, r.RefundTransactionID)

	require.NoError(t, h.store.WithTx(ctx, func(tx *ledger.Tx) error {
		_, _, err := h.svc.ApplyChargeback(tx, orders.ChargebackEvent{
			Provider:              "mock",
			EventID:               "evt_cb_1",
			ProviderTransactionID: provider.ChargeID(paid.Transactions[0].ID),
			ChargebackID:          "cb_1",
			Amount:                *amount("30.00"),
			Currency:              "USD",
			Reason:                "fraudulent",
		})
		return err
	}))
	require.Equal(t, models.OrderStatusDisputed, h.details(t, orderID).Order.Status)

	var outcome models.WebhookOutcome
	require.NoError(t, h.store.WithTx(ctx, func(tx *ledger.Tx) error {
		var err error
		outcome, _, err = h.svc.ApplyRefundEvent(tx, orders.PaymentEvent{
			Provider:              "mock",
			EventID:               "evt_re_1",
			ProviderTransactionID: "re_cancel",
			Reference:             *r.RefundTransactionID,
			Amount:                amount("30.00"),
			Currency:              "USD",
			Status:                models.TransactionStatusCompleted,
		})
		return err
	}))
	assert.Equal(t, models.WebhookOutcomeApplied, outcome)

	d = h.details(t, orderID)
	assert.Equal(t, models.OrderStatusRefunded, d.Order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, d.Order.PaymentStatus)
	assert.Nil(t, d.Order.CancelledAt)
	assert.Equal(t, models.RefundStatusCompleted, d.Refunds[0].Status)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("unpaid order is cancelled at once", func(t *testing.T) {
		h := newHarness(t)
		o := h.order(t, 1)

		d, err := h.svc.CancelOrder(ctx, buyer, o.ID, models.CancelOrderRequest{Reason: "changed my mind"})
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, d.Order.Status)
		require.NotNil(t, d.Order.Cancellation)
		assert.Equal(t, buyer.ID, d.Order.Cancellation.RequestedBy)

		_, err = h.svc.CancelOrder(ctx, buyer, o.ID, models.CancelOrderRequest{Reason: "again"})
		assert.True(t, apperr.Is(err, apperr.KindTransition))
	})

	t.Run("buyer request waits for seller consent", func(t *testing.T) {
		h := newHarness(t)
		orderID := h.paidOrder(t).Order.ID

		d, err := h.svc.CancelOrder(ctx, buyer, orderID, models.CancelOrderRequest{Reason: "too slow"})
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPaid, d.Order.Status)
		assert.Equal(t, models.PaymentStatusCaptured, d.Order.PaymentStatus)
		require.NotNil(t, d.Order.Cancellation)
		assert.Equal(t, buyer.ID, d.Order.Cancellation.RequestedBy)
		assert.False(t, d.Order.Cancellation.Approved())
		assert.Empty(t, d.Refunds)
		assert.Equal(t, 0, h.mock.Calls("refund_payment"))
		assert.Contains(t, h.notes.Types(), notify.TypeCancelRequested)

		_, err = h.svc.CancelOrder(ctx, buyer, orderID, models.CancelOrderRequest{Reason: "please"})
		assert.True(t, apperr.HasCode(err, apperr.CodeConsentRequired))
		assert.Equal(t, 0, h.mock.Calls("refund_payment"))

		d, err = h.svc.CancelOrder(ctx, seller, orderID, models.CancelOrderRequest{Reason: "agreed"})
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, d.Order.Status)
		assert.Equal(t, models.PaymentStatusRefunded, d.Order.PaymentStatus)
		assert.Equal(t, models.EscrowStatusRefunded, d.Escrow.Status)
		require.NotNil(t, d.Order.Cancellation)
		assert.Equal(t, buyer.ID, d.Order.Cancellation.RequestedBy)
		assert.Equal(t, "too slow", d.Order.Cancellation.Reason)
		assert.Equal(t, seller.ID, d.Order.Cancellation.ApprovedBy)
		require.Len(t, d.Refunds, 1)
		assert.Equal(t, models.RefundPurposeCancellation, d.Refunds[0].Purpose)
		assert.Equal(t, models.RefundStatusCompleted, d.Refunds[0].Status)
		assert.Equal(t, "30.00", d.Refunds[0].Amount.StringFixed(2))

		_, err = h.svc.CancelOrder(ctx, seller, orderID, models.CancelOrderRequest{Reason: "again"})
		assert.True(t, apperr.Is(err, apperr.KindTransition))
	})

	t.Run("buyer cannot consent on the seller's behalf", func(t *testing.T) {
		h := newHarness(t)
		orderID := h.paidOrder(t).Order.ID

		body := []byte(`{"reason":"too slow","seller_consent":true}`)
		var req models.CancelOrderRequest
		require.NoError(t, json.Unmarshal(body, &req))

		d, err := h.svc.CancelOrder(ctx, buyer, orderID, req)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPaid, d.Order.Status)
		assert.Equal(t, 0, h.mock.Calls("refund_payment"))
	})

	t.Run("seller may cancel a captured order", func(t *testing.T) {
		h := newHarness(t)
		orderID := h.paidOrder(t).Order.ID

		d, err := h.svc.CancelOrder(ctx, seller, orderID, models.CancelOrderRequest{Reason: "out of stock"})
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, d.Order.Status)
	})

	t.Run("delivered order cannot be cancelled", func(t *testing.T) {
		h := newHarness(t)
		orderID := h.paidOrder(t).Order.ID
		_, err := h.svc.MarkDelivered(ctx, seller, orderID)
		require.NoError(t, err)

		_, err = h.svc.CancelOrder(ctx, buyer, orderID, models.CancelOrderRequest{Reason: "late"})
		assert.True(t, apperr.Is(err, apperr.KindTransition))
	})
}
