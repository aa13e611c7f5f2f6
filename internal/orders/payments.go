package orders

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

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

// txnUpdate is a status change for a transaction reported by the provider,
// either synchronously or through a webhook
type txnUpdate struct {
	Source                string
	Status                models.TransactionStatus
	ProviderTransactionID string
	FailureReason         string
	// Amount and Currency are checked against the ledger when set.
	Amount   *decimal.Decimal
	Currency string
	// Awaiting means the provider accepted the request and will finish it
	// asynchronously.
	Awaiting bool
	Payload  interface{}
}

// InitiatePayment charges the buyer for an order. A synchronous success
// leaves the order paid with an escrow hold; an asynchronous answer leaves it
// confirmed until a webhook settles it. A retry after a failure reuses the
// failed transaction record.
func (s *Service) InitiatePayment(ctx context.Context, actor Actor, orderID string, req models.PayOrderRequest) (*models.OrderDetails, error) {
	adapter, err := s.providers.Adapter(req.Provider)
	if err != nil {
		return nil, err
	}

	if err := s.validatePaymentMethod(ctx, adapter, req.PaymentMethodID); err != nil {
		return nil, err
	}

	var order models.Order
	var txn models.PaymentTransaction
	err = s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if err := requireBuyer(actor, o); err != nil {
			return err
		}
		if (o.Status != models.OrderStatusPending && o.Status != models.OrderStatusConfirmed) || o.Captured() {
			return apperr.Transition("order", string(o.Status), string(models.OrderStatusPaid))
		}

		t, err := s.paymentAttempt(tx, o, adapter.Name())
		if err != nil {
			return err
		}

		o.PaymentStatus = models.PaymentStatusProcessing
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		order, txn = *o, *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"order_id":       order.ID,
		"transaction_id": txn.ID,
		"provider":       txn.Provider,
		"attempt":        txn.Attempts,
		"amount":         txn.Amount.String(),
	}).Info("Initiating payment")

	res, callErr := s.charge(ctx, adapter, &order, &txn, req.PaymentMethodID)
	update := resultUpdate("api", res, callErr)

	var final models.PaymentTransaction
	var notes []notify.Notification
	err = s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		t, err := tx.LockTransaction(txn.ID)
		if err != nil {
			return err
		}
		_, notes, err = s.settlePayment(tx, t, update)
		if err != nil {
			return err
		}
		final = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	notify.Send(ctx, s.notifier, notes...)

	switch {
	case final.Status == models.TransactionStatusFailed:
		transient := callErr != nil && provider.Transient(callErr)
		return nil, apperr.Provider(transient, errors.New(final.FailureReason))
	case final.Status == models.TransactionStatusProcessing && callErr != nil:
		// the provider may still complete the charge; a webhook or the
		// reconciler settles it
		return nil, apperr.Provider(true, callErr)
	}
	return s.store.OrderDetails(ctx, order.ID)
}

func (s *Service) validatePaymentMethod(ctx context.Context, adapter provider.Adapter, methodID string) error {
	pctx, cancel := s.providerContext(ctx)
	defer cancel()

	ok, err := adapter.ValidatePaymentMethod(pctx, methodID)
	if err != nil {
		return apperr.Provider(provider.Transient(err), err)
	}
	if !ok {
		return apperr.Validation(apperr.CodeInvalidInput, "payment method %s cannot be used", methodID)
	}
	return nil
}

// paymentAttempt returns the transaction for a new attempt, reusing a
// failed or cancelled one in place.
func (s *Service) paymentAttempt(tx *ledger.Tx, o *models.Order, providerName string) (*models.PaymentTransaction, error) {
	latest, err := tx.LatestPaymentTransaction(o.ID)
	if err != nil {
		return nil, err
	}

	if latest == nil {
		t := &models.PaymentTransaction{
			ID:       uuid.NewString(),
			OrderID:  &o.ID,
			Provider: providerName,
			Type:     models.TransactionTypePayment,
			Amount:   o.TotalAmount,
			Currency: o.Currency,
			Status:   models.TransactionStatusProcessing,
			Attempts: 1,
		}
		return t, tx.CreateTransaction(t)
	}

	switch {
	case latest.Status.Retryable():
	case latest.Status == models.TransactionStatusCompleted:
		return nil, consistency("initiate_payment", log.Fields{
			"order_id":       o.ID,
			"transaction_id": latest.ID,
		}, apperr.Consistency(apperr.CodeLedgerMismatch, "order %s has a completed payment but is not captured", o.ID))
	default:
		return nil, apperr.Conflict(apperr.CodePaymentInFlight, "a payment for order %s is already in progress", o.OrderNumber)
	}

	// the earlier charge id stays in the provider response log
	latest.Provider = providerName
	latest.ProviderTransactionID = nil
	latest.Attempts++
	latest.Status = models.TransactionStatusProcessing
	latest.FailureReason = ""
	latest.ProcessedAt = nil
	latest.Amount = o.TotalAmount
	return latest, tx.SaveTransaction(latest)
}

// charge calls the provider with no ledger transaction open. Authorisations
// are captured straight away.
func (s *Service) charge(ctx context.Context, adapter provider.Adapter, o *models.Order, t *models.PaymentTransaction, methodID string) (*provider.Result, error) {
	pctx, cancel := s.providerContext(ctx)
	defer cancel()

	res, err := adapter.ProcessPayment(pctx, provider.PaymentRequest{
		Reference:       t.ID,
		IdempotencyKey:  attemptKey(t),
		OrderID:         o.ID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		PaymentMethodID: methodID,
		CustomerID:      o.BuyerID,
		Description:     "Order " + o.OrderNumber,
	})
	if err != nil || res.Status != provider.StatusAuthorized {
		return res, err
	}
	return adapter.CapturePayment(pctx, res.TransactionID, t.Amount)
}

func attemptKey(t *models.PaymentTransaction) string {
	return t.ID + "-" + strconv.Itoa(t.Attempts)
}

func resultUpdate(source string, res *provider.Result, err error) txnUpdate {
	switch {
	case err != nil && provider.OutcomeUnknown(err):
		return txnUpdate{
			Source:  source,
			Status:  models.TransactionStatusProcessing,
			Payload: map[string]string{"error": "timeout"},
		}
	case err != nil:
		reason := "provider_unavailable"
		if errors.Is(err, provider.ErrRejected) {
			reason = "provider_rejected"
		}
		return txnUpdate{
			Source:        source,
			Status:        models.TransactionStatusFailed,
			FailureReason: reason,
			Payload:       map[string]string{"error": reason},
		}
	}

	u := txnUpdate{Source: source, ProviderTransactionID: res.TransactionID, Payload: res}
	switch res.Status {
	case provider.StatusSucceeded:
		u.Status = models.TransactionStatusCompleted
	case provider.StatusFailed:
		u.Status = models.TransactionStatusFailed
		u.FailureReason = res.FailureReason
		if u.FailureReason == "" {
			u.FailureReason = "declined"
		}
	default:
		u.Status = models.TransactionStatusProcessing
		u.Awaiting = true
	}
	return u
}

// updateTransaction applies u to t under the terminal-wins rule and saves it.
func (s *Service) updateTransaction(tx *ledger.Tx, t *models.PaymentTransaction, u txnUpdate) (models.TransitionOutcome, error) {
	now := s.clock()
	fields := log.Fields{
		"transaction_id": t.ID,
		"provider":       t.Provider,
		"type":           t.Type,
		"source":         u.Source,
		"current":        t.Status,
		"requested":      u.Status,
	}

	if u.Amount != nil && (!u.Amount.Equal(t.Amount) || !strings.EqualFold(u.Currency, t.Currency)) {
		return 0, consistency("transaction_update", fields, apperr.Consistency(apperr.CodeLedgerMismatch,
			"provider reported %s %s for transaction %s recorded as %s %s",
			u.Amount.String(), u.Currency, t.ID, t.Amount.String(), t.Currency))
	}

	if u.ProviderTransactionID != "" && strings.HasPrefix(u.Source, "webhook:") && t.SupersededProviderID(u.ProviderTransactionID) {
		fields["provider_transaction_id"] = u.ProviderTransactionID
		log.WithFields(fields).Warn("Ignoring event for an earlier payment attempt")
		if err := t.AppendProviderResponse(u.Source, now, u.Payload); err != nil {
			return 0, err
		}
		return models.TransitionIgnored, tx.SaveTransaction(t)
	}

	changed := false
	if u.ProviderTransactionID != "" && t.ProviderTransactionID == nil {
		ref := u.ProviderTransactionID
		t.ProviderTransactionID = &ref
		changed = true
	}

	outcome := t.Status.ResolveTransition(u.Status)
	switch outcome {
	case models.TransitionNoop, models.TransitionRejected:
		if !changed && u.Payload == nil {
			return outcome, nil
		}
	case models.TransitionIgnored:
		metrics.TerminalConflicts.WithLabelValues(string(t.Status), string(u.Status)).Inc()
		log.WithFields(fields).Warn("Ignoring status change for terminal transaction")
	case models.TransitionApply:
		t.Status = u.Status
		if u.Status.Terminal() {
			t.ProcessedAt = timePtr(now)
		}
		switch u.Status {
		case models.TransactionStatusCompleted:
			t.SettledAt = timePtr(now)
		case models.TransactionStatusFailed:
			t.FailureReason = u.FailureReason
		}
		log.WithFields(fields).Info("Transaction status changed")
	}

	if u.Payload != nil {
		if err := t.AppendProviderResponse(u.Source, now, u.Payload); err != nil {
			return 0, err
		}
	}
	return outcome, tx.SaveTransaction(t)
}

// settlePayment records a provider answer for a payment transaction and
// drives the order accordingly.
func (s *Service) settlePayment(tx *ledger.Tx, t *models.PaymentTransaction, u txnUpdate) (models.WebhookOutcome, []notify.Notification, error) {
	outcome, err := s.updateTransaction(tx, t, u)
	if err != nil {
		return "", nil, err
	}

	switch outcome {
	case models.TransitionIgnored:
		return models.WebhookOutcomeIgnored, nil, nil
	case models.TransitionApply:
	default:
		if u.Awaiting && t.Status == models.TransactionStatusProcessing && t.OrderID != nil {
			notes, err := s.markAwaiting(tx, *t.OrderID)
			return models.WebhookOutcomeNoop, notes, err
		}
		return models.WebhookOutcomeNoop, nil, nil
	}

	if t.OrderID == nil {
		return models.WebhookOutcomeApplied, nil, nil
	}

	var notes []notify.Notification
	switch t.Status {
	case models.TransactionStatusCompleted:
		notes, err = s.onCaptured(tx, t)
	case models.TransactionStatusFailed, models.TransactionStatusCancelled:
		notes, err = s.onPaymentFailed(tx, t)
	case models.TransactionStatusProcessing:
		if u.Awaiting {
			notes, err = s.markAwaiting(tx, *t.OrderID)
		}
	}
	return models.WebhookOutcomeApplied, notes, err
}

func (s *Service) markAwaiting(tx *ledger.Tx, orderID string) ([]notify.Notification, error) {
	o, err := tx.LockOrder(orderID)
	if err != nil {
		return nil, err
	}
	if o.Captured() || o.PaymentStatus == models.PaymentStatusPending {
		return nil, nil
	}
	from := o.Status
	if o.Status == models.OrderStatusPending {
		if err := setStatus(o, models.OrderStatusConfirmed); err != nil {
			return nil, err
		}
	}
	o.PaymentStatus = models.PaymentStatusPending
	if err := tx.SaveOrder(o); err != nil {
		return nil, err
	}
	if from != o.Status {
		s.logTransition(o, from, System)
	}
	return nil, nil
}

// onCaptured opens escrow and marks the order paid, exactly once per order.
func (s *Service) onCaptured(tx *ledger.Tx, t *models.PaymentTransaction) ([]notify.Notification, error) {
	o, err := tx.LockOrder(*t.OrderID)
	if err != nil {
		return nil, err
	}

	if o.Captured() || (o.Status != models.OrderStatusPending && o.Status != models.OrderStatusConfirmed) {
		// the money moved; keep the transaction and raise the alarm instead
		// of rolling it back
		_ = consistency("payment_captured", log.Fields{
			"order_id":       o.ID,
			"transaction_id": t.ID,
			"order_status":   o.Status,
			"payment_status": o.PaymentStatus,
		}, apperr.Consistency(apperr.CodeLedgerMismatch, "payment captured for order %s that cannot accept it", o.ID))
		return nil, nil
	}

	now := s.clock()
	from := o.Status
	if err := setStatus(o, models.OrderStatusPaid); err != nil {
		return nil, err
	}
	o.PaymentStatus = models.PaymentStatusCaptured
	o.PaidAt = timePtr(now)
	if err := tx.SaveOrder(o); err != nil {
		return nil, err
	}

	hold := &models.EscrowHold{
		ID:             uuid.NewString(),
		OrderID:        o.ID,
		TransactionID:  t.ID,
		Amount:         t.Amount,
		ReleasedAmount: decimal.Zero,
		RefundedAmount: decimal.Zero,
		Currency:       t.Currency,
		Status:         models.EscrowStatusHeld,
		BuyerID:        o.BuyerID,
		SellerID:       o.SellerID,
		AutoReleaseAt:  now.Add(s.cfg.AutoReleaseAfter),
	}
	if err := tx.CreateEscrow(hold); err != nil {
		return nil, err
	}

	amount, _ := t.Amount.Float64()
	metrics.PaymentAmount.WithLabelValues(t.Currency).Observe(amount)
	metrics.EscrowOperations.WithLabelValues("hold").Inc()
	s.logTransition(o, from, System)
	log.WithFields(log.Fields{
		"order_id":        o.ID,
		"escrow_id":       hold.ID,
		"amount":          hold.Amount.String(),
		"auto_release_at": hold.AutoReleaseAt.Format(time.RFC3339),
	}).Info("Escrow hold opened")

	return []notify.Notification{
		orderNote(o.BuyerID, notify.TypePaymentSucceeded, "Payment received",
			"Your payment for order "+o.OrderNumber+" was received and is held in escrow.", o),
		orderNote(o.SellerID, notify.TypePaymentSucceeded, "Order paid",
			"Order "+o.OrderNumber+" has been paid. You can now deliver it.", o),
	}, nil
}

func (s *Service) onPaymentFailed(tx *ledger.Tx, t *models.PaymentTransaction) ([]notify.Notification, error) {
	o, err := tx.LockOrder(*t.OrderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != models.PaymentStatusProcessing && o.PaymentStatus != models.PaymentStatusPending {
		return nil, nil
	}
	o.PaymentStatus = models.PaymentStatusFailed
	if err := tx.SaveOrder(o); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"order_id":       o.ID,
		"transaction_id": t.ID,
		"reason":         t.FailureReason,
	}).Info("Payment failed")

	return []notify.Notification{
		orderNote(o.BuyerID, notify.TypePaymentFailed, "Payment failed",
			"Your payment for order "+o.OrderNumber+" failed. You can try again.", o),
	}, nil
}

// ReconcileReport summarises a ReconcilePayments run
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Settled  int `json:"settled"`
	Pending  int `json:"pending"`
	Failures int `json:"failures"`
}

// ReconcilePayments asks providers about payments stuck in processing for
// longer than olderThan, typically after a timeout whose webhook never came.
func (s *Service) ReconcilePayments(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	ids, err := s.store.StaleTransactionIDs(ctx, s.clock().Add(-olderThan), limit)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		report.Checked++
		settled, err := s.reconcile(ctx, id)
		switch {
		case err != nil:
			report.Failures++
			log.WithField("transaction_id", id).WithError(err).Error("Failed to reconcile transaction")
		case settled:
			report.Settled++
		default:
			report.Pending++
		}
	}
	return report, nil
}

func (s *Service) reconcile(ctx context.Context, txnID string) (bool, error) {
	var snapshot models.PaymentTransaction
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		t, err := tx.LockTransaction(txnID)
		if err != nil {
			return err
		}
		snapshot = *t
		return nil
	})
	if err != nil {
		return false, err
	}

	adapter, err := s.providers.Adapter(snapshot.Provider)
	if err != nil {
		return false, err
	}
	ref := snapshot.ProviderRef()
	if ref == "" {
		ref = snapshot.ID
	}

	pctx, cancel := s.providerContext(ctx)
	res, err := adapter.GetTransactionStatus(pctx, ref)
	cancel()
	if err != nil {
		return false, err
	}
	if res.Status != provider.StatusSucceeded && res.Status != provider.StatusFailed {
		return false, nil
	}

	update := resultUpdate("reconcile", res, nil)
	var notes []notify.Notification
	err = s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		t, err := tx.LockTransaction(txnID)
		if err != nil {
			return err
		}
		_, notes, err = s.settlePayment(tx, t, update)
		return err
	})
	if err != nil {
		return false, err
	}
	notify.Send(ctx, s.notifier, notes...)
	return true, nil
}
