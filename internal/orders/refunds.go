package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/provider"
)

var refundableStatuses = map[models.OrderStatus]bool{
	models.OrderStatusPaid:       true,
	models.OrderStatusProcessing: true,
	models.OrderStatusShipped:    true,
	models.OrderStatusDelivered:  true,
	models.OrderStatusDisputed:   true,
}

// committedRefunds sums refunds that have not been rejected.
func committedRefunds(refunds []*models.Refund, exclude string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range refunds {
		if r.ID == exclude || r.Status == models.RefundStatusRejected {
			continue
		}
		total = total.Add(r.Amount)
	}
	return total
}

func completedRefunds(refunds []*models.Refund) decimal.Decimal {
	total := decimal.Zero
	for _, r := range refunds {
		if r.Status == models.RefundStatusCompleted {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// RequestRefund asks for money back on a captured order. The amount plus
// every refund not yet rejected may not exceed what was captured.
func (s *Service) RequestRefund(ctx context.Context, actor Actor, orderID string, req models.RequestRefundRequest) (*models.Refund, error) {
	var result models.Refund
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if err := requireBuyer(actor, o); err != nil {
			return err
		}
		if !o.Captured() || !refundableStatuses[o.Status] {
			return apperr.Transition("order", string(o.Status), string(models.OrderStatusRefunded))
		}
		if err := validAmount(req.Amount, o.Currency); err != nil {
			return err
		}
		payment, err := tx.CompletedPayment(o.ID)
		if err != nil {
			return err
		}
		if payment == nil {
			return consistency("request_refund", log.Fields{"order_id": o.ID},
				apperr.Consistency(apperr.CodeLedgerMismatch, "order %s is captured but has no completed payment", o.ID))
		}
		refunds, err := tx.RefundsForOrder(o.ID)
		if err != nil {
			return err
		}
		if committedRefunds(refunds, "").Add(req.Amount).GreaterThan(payment.Amount) {
			return apperr.Validation(apperr.CodeRefundExceedsCapture,
				"refunds for order %s would exceed the captured %s %s", o.OrderNumber, payment.Amount.String(), o.Currency)
		}

		r := &models.Refund{
			ID:                    uuid.NewString(),
			OrderID:               o.ID,
			OriginalTransactionID: payment.ID,
			Amount:                req.Amount,
			Currency:              o.Currency,
			Reason:                req.Reason,
			Purpose:               models.RefundPurposeRefund,
			RequestedBy:           actor.ID,
			Status:                models.RefundStatusPending,
		}
		if err := tx.CreateRefund(r); err != nil {
			return err
		}
		notes = []notify.Notification{refundNote(o.SellerID, notify.TypeRefundRequested, "Refund requested",
			"The buyer asked for a refund on order "+o.OrderNumber+".", o, r)}
		result = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"order_id":  orderID,
		"refund_id": result.ID,
		"amount":    result.Amount.String(),
	}).Info("Refund requested")
	notify.Send(ctx, s.notifier, notes...)
	return &result, nil
}

// fullRefund creates an approved refund for everything still refundable.
func (s *Service) fullRefund(tx *ledger.Tx, o *models.Order, purpose models.RefundPurpose, reason, actorID string) (*models.Refund, error) {
	payment, err := tx.CompletedPayment(o.ID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, consistency("full_refund", log.Fields{"order_id": o.ID},
			apperr.Consistency(apperr.CodeLedgerMismatch, "order %s is captured but has no completed payment", o.ID))
	}
	refunds, err := tx.RefundsForOrder(o.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range refunds {
		if r.Status == models.RefundStatusApproved || r.Status == models.RefundStatusProcessing {
			return nil, apperr.Conflict(apperr.CodePaymentInFlight, "order %s already has a refund in progress", o.OrderNumber)
		}
	}
	amount := payment.Amount.Sub(completedRefunds(refunds))
	if !amount.IsPositive() {
		return nil, apperr.Validation(apperr.CodeRefundExceedsCapture, "nothing left to refund on order %s", o.OrderNumber)
	}

	now := s.clock()
	r := &models.Refund{
		ID:                    uuid.NewString(),
		OrderID:               o.ID,
		OriginalTransactionID: payment.ID,
		Amount:                amount,
		Currency:              o.Currency,
		Reason:                reason,
		Purpose:               purpose,
		RequestedBy:           actorID,
		Status:                models.RefundStatusApproved,
		ApprovedAt:            &now,
	}
	return r, tx.CreateRefund(r)
}

// ApproveRefund lets the seller or an operator accept a pending refund.
func (s *Service) ApproveRefund(ctx context.Context, actor Actor, refundID string) (*models.Refund, error) {
	return s.reviewRefund(ctx, actor, refundID, models.RefundStatusApproved, "")
}

// RejectRefund declines a refund that has not been executed.
func (s *Service) RejectRefund(ctx context.Context, actor Actor, refundID string, req models.RejectRefundRequest) (*models.Refund, error) {
	return s.reviewRefund(ctx, actor, refundID, models.RefundStatusRejected, req.Notes)
}

func (s *Service) reviewRefund(ctx context.Context, actor Actor, refundID string, to models.RefundStatus, notes string) (*models.Refund, error) {
	var result models.Refund
	var out []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		out = nil
		r, err := tx.LockRefund(refundID)
		if err != nil {
			return err
		}
		o, err := tx.LockOrder(r.OrderID)
		if err != nil {
			return err
		}
		if err := requireSeller(actor, o); err != nil {
			return err
		}
		// processing refunds are settled by the provider, not by people
		if r.Status == models.RefundStatusProcessing || !r.Status.CanTransition(to) {
			return apperr.Transition("refund", string(r.Status), string(to))
		}

		r.Status = to
		r.ProcessedBy = actor.ID
		switch to {
		case models.RefundStatusApproved:
			r.ApprovedAt = timePtr(s.clock())
		case models.RefundStatusRejected:
			r.ProcessingNotes = notes
			out = []notify.Notification{refundNote(r.RequestedBy, notify.TypeRefundRejected, "Refund rejected",
				"Your refund on order "+o.OrderNumber+" was rejected.", o, r)}
		}
		if err := tx.SaveRefund(r); err != nil {
			return err
		}
		result = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"refund_id": refundID,
		"status":    result.Status,
		"actor":     actor.ID,
	}).Info("Refund reviewed")
	notify.Send(ctx, s.notifier, out...)
	return &result, nil
}

// ProcessRefund executes an approved refund with the provider. A provider
// failure rejects the refund for good; a new request is needed to retry.
func (s *Service) ProcessRefund(ctx context.Context, actor Actor, refundID string) (*models.Refund, error) {
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		r, err := tx.LockRefund(refundID)
		if err != nil {
			return err
		}
		o, err := tx.LockOrder(r.OrderID)
		if err != nil {
			return err
		}
		return requireSeller(actor, o)
	})
	if err != nil {
		return nil, err
	}
	return s.executeRefund(ctx, refundID)
}

// executeRefund moves an approved refund through the provider.
func (s *Service) executeRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	var refund models.Refund
	var original, refundTxn models.PaymentTransaction
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		r, err := tx.LockRefund(refundID)
		if err != nil {
			return err
		}
		o, err := tx.LockOrder(r.OrderID)
		if err != nil {
			return err
		}
		orig, t, err := s.startRefund(tx, o, r)
		if err != nil {
			return err
		}
		refund, original, refundTxn = *r, *orig, *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	adapter, err := s.providers.Adapter(original.Provider)
	if err != nil {
		return nil, err
	}
	pctx, cancel := s.providerContext(ctx)
	res, callErr := adapter.RefundPayment(pctx, provider.RefundRequest{
		Reference:     refundTxn.ID,
		TransactionID: original.ProviderRef(),
		Amount:        refund.Amount,
		Currency:      refund.Currency,
		Reason:        refund.Reason,
	})
	cancel()

	update := resultUpdate("api", res, callErr)
	var notes []notify.Notification
	var final models.Refund
	err = s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		t, err := tx.LockTransaction(refundTxn.ID)
		if err != nil {
			return err
		}
		_, notes, err = s.settleRefund(tx, t, update)
		if err != nil {
			return err
		}
		r, err := tx.LockRefund(refundID)
		if err != nil {
			return err
		}
		final = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	notify.Send(ctx, s.notifier, notes...)

	if final.Status == models.RefundStatusRejected {
		if callErr == nil {
			callErr = errors.New(final.ProcessingNotes)
		}
		return &final, apperr.Provider(false, callErr)
	}
	if final.Status == models.RefundStatusProcessing && callErr != nil {
		return &final, apperr.Provider(true, callErr)
	}
	return &final, nil
}

// startRefund validates an approved refund against the captured amount and
// the escrow, then records the refund transaction.
func (s *Service) startRefund(tx *ledger.Tx, o *models.Order, r *models.Refund) (*models.PaymentTransaction, *models.PaymentTransaction, error) {
	if !r.Status.CanTransition(models.RefundStatusProcessing) {
		return nil, nil, apperr.Transition("refund", string(r.Status), string(models.RefundStatusProcessing))
	}
	original, err := tx.LockTransaction(r.OriginalTransactionID)
	if err != nil {
		return nil, nil, err
	}
	fields := log.Fields{"order_id": o.ID, "refund_id": r.ID, "amount": r.Amount.String()}
	if original.Status != models.TransactionStatusCompleted {
		return nil, nil, consistency("process_refund", fields,
			apperr.Consistency(apperr.CodeLedgerMismatch, "refund %s points at a payment that was never captured", r.ID))
	}

	refunds, err := tx.RefundsForOrder(o.ID)
	if err != nil {
		return nil, nil, err
	}
	if committedRefunds(refunds, r.ID).Add(r.Amount).GreaterThan(original.Amount) {
		return nil, nil, consistency("process_refund", fields,
			apperr.Consistency(apperr.CodeRefundExceedsCapture, "refund %s would exceed the captured amount", r.ID))
	}
	hold, err := tx.ActiveEscrow(o.ID)
	if err != nil {
		return nil, nil, err
	}
	if hold != nil && r.Amount.GreaterThan(hold.Remaining()) {
		return nil, nil, consistency("process_refund", fields,
			apperr.Consistency(apperr.CodeOverRelease, "refund %s exceeds the %s left in escrow", r.ID, hold.Remaining().String()))
	}

	now := s.clock()
	t := &models.PaymentTransaction{
		ID:       uuid.NewString(),
		OrderID:  &o.ID,
		Provider: original.Provider,
		Type:     models.TransactionTypeRefund,
		Amount:   r.Amount,
		Currency: r.Currency,
		Status:   models.TransactionStatusProcessing,
		Attempts: 1,
	}
	if err := tx.CreateTransaction(t); err != nil {
		return nil, nil, err
	}
	r.RefundTransactionID = &t.ID
	r.Status = models.RefundStatusProcessing
	r.ProcessedAt = &now
	if err := tx.SaveRefund(r); err != nil {
		return nil, nil, err
	}
	return original, t, nil
}

// settleRefund records a provider answer for a refund transaction and
// finishes the refund it belongs to.
func (s *Service) settleRefund(tx *ledger.Tx, t *models.PaymentTransaction, u txnUpdate) (models.WebhookOutcome, []notify.Notification, error) {
	outcome, err := s.updateTransaction(tx, t, u)
	if err != nil {
		return "", nil, err
	}
	switch outcome {
	case models.TransitionIgnored:
		return models.WebhookOutcomeIgnored, nil, nil
	case models.TransitionApply:
	default:
		return models.WebhookOutcomeNoop, nil, nil
	}
	if !t.Status.Terminal() {
		return models.WebhookOutcomeApplied, nil, nil
	}

	r, err := tx.FindRefundByTransaction(t.ID)
	if err != nil {
		return "", nil, err
	}
	if r == nil {
		log.WithField("transaction_id", t.ID).Warn("Refund transaction settled without a refund record")
		return models.WebhookOutcomeApplied, nil, nil
	}
	o, err := tx.LockOrder(r.OrderID)
	if err != nil {
		return "", nil, err
	}

	if t.Status != models.TransactionStatusCompleted {
		r.Status = models.RefundStatusRejected
		r.ProcessingNotes = t.FailureReason
		if err := tx.SaveRefund(r); err != nil {
			return "", nil, err
		}
		log.WithFields(log.Fields{
			"refund_id": r.ID,
			"order_id":  o.ID,
			"reason":    t.FailureReason,
		}).Warn("Refund failed at provider")
		return models.WebhookOutcomeApplied, []notify.Notification{refundNote(r.RequestedBy, notify.TypeRefundRejected,
			"Refund failed", "Your refund on order "+o.OrderNumber+" could not be processed.", o, r)}, nil
	}

	now := s.clock()
	r.Status = models.RefundStatusCompleted
	r.CompletedAt = &now
	if err := tx.SaveRefund(r); err != nil {
		return "", nil, err
	}
	notes, err := s.applyRefund(tx, o, r)
	return models.WebhookOutcomeApplied, notes, err
}

// applyRefund takes a completed refund out of escrow and the order's paid
// amount.
func (s *Service) applyRefund(tx *ledger.Tx, o *models.Order, r *models.Refund) ([]notify.Notification, error) {
	hold, err := tx.ActiveEscrow(o.ID)
	if err != nil {
		return nil, err
	}
	if hold != nil {
		take := r.Amount
		if take.GreaterThan(hold.Remaining()) {
			// the provider already paid out; record what escrow can cover
			_ = consistency("apply_refund", log.Fields{
				"escrow_id": hold.ID,
				"refund_id": r.ID,
				"remaining": hold.Remaining().String(),
				"refund":    r.Amount.String(),
			}, apperr.Consistency(apperr.CodeOverRelease, "refund %s exceeds escrow %s", r.ID, hold.ID))
			take = hold.Remaining()
		}
		hold.RefundedAmount = hold.RefundedAmount.Add(take)
		if hold.Remaining().IsZero() {
			hold.Status = models.EscrowStatusRefunded
		}
		if err := tx.SaveEscrow(hold); err != nil {
			return nil, err
		}
		metrics.EscrowOperations.WithLabelValues("refund").Inc()
	}

	refunds, err := tx.RefundsForOrder(o.ID)
	if err != nil {
		return nil, err
	}
	payment, err := tx.CompletedPayment(o.ID)
	if err != nil {
		return nil, err
	}

	notes := []notify.Notification{refundNote(o.BuyerID, notify.TypeRefundCompleted, "Refund completed",
		"Your refund on order "+o.OrderNumber+" was processed.", o, r)}

	from := o.Status
	if payment == nil || completedRefunds(refunds).LessThan(payment.Amount) {
		o.PaymentStatus = models.PaymentStatusPartiallyRefunded
		return notes, tx.SaveOrder(o)
	}

	o.PaymentStatus = models.PaymentStatusRefunded
	if r.Purpose == models.RefundPurposeCancellation && o.Status.CanTransition(models.OrderStatusCancelled) {
		cancelNotes, err := s.cancelTx(tx, o, r.Reason, r.RequestedBy)
		return append(notes, cancelNotes...), err
	}
	if o.Status.CanTransition(models.OrderStatusRefunded) {
		o.Status = models.OrderStatusRefunded
	} else {
		log.WithFields(log.Fields{
			"order_id": o.ID,
			"status":   o.Status,
		}).Warn("Order fully refunded but its status cannot move to refunded")
	}
	if err := tx.SaveOrder(o); err != nil {
		return nil, err
	}
	if from != o.Status {
		s.logTransition(o, from, System)
	}
	return notes, nil
}

func refundNote(userID string, t notify.Type, title, message string, o *models.Order, r *models.Refund) notify.Notification {
	n := orderNote(userID, t, title, message, o)
	n.Metadata["refund_id"] = r.ID
	n.Metadata["amount"] = r.Amount.String()
	return n
}
