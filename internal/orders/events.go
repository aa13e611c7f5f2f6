package orders

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
)

// PaymentEvent is a verified provider event about a payment or refund
// transaction. Either ProviderTransactionID or Reference identifies it.
type PaymentEvent struct {
	Provider              string
	EventID               string
	ProviderTransactionID string
	Reference             string
	Amount                *decimal.Decimal
	Currency              string
	Status                models.TransactionStatus
	Awaiting              bool
	FailureReason         string
	Payload               interface{}
}

func (ev PaymentEvent) update() txnUpdate {
	return txnUpdate{
		Source:                "webhook:" + ev.EventID,
		Status:                ev.Status,
		ProviderTransactionID: ev.ProviderTransactionID,
		FailureReason:         ev.FailureReason,
		Amount:                ev.Amount,
		Currency:              ev.Currency,
		Awaiting:              ev.Awaiting,
		Payload:               ev.Payload,
	}
}

// ApplyPaymentEvent settles a payment transaction from a webhook. It runs
// inside the caller's ledger transaction. Events for transactions we never
// created are recorded as orphans and attached to no order.
func (s *Service) ApplyPaymentEvent(tx *ledger.Tx, ev PaymentEvent) (models.WebhookOutcome, []notify.Notification, error) {
	t, err := s.findEventTransaction(tx, ev.Provider, ev.ProviderTransactionID, ev.Reference)
	if err != nil {
		return "", nil, err
	}
	if t == nil {
		return models.WebhookOutcomeOrphaned, nil, s.recordOrphan(tx, ev, models.TransactionTypePayment)
	}
	if t.Type != models.TransactionTypePayment {
		log.WithFields(log.Fields{
			"event_id":       ev.EventID,
			"transaction_id": t.ID,
			"type":           t.Type,
		}).Warn("Payment event for a non-payment transaction")
		return models.WebhookOutcomeIgnored, nil, nil
	}
	return s.settlePayment(tx, t, ev.update())
}

// ApplyRefundEvent settles a refund transaction from a webhook.
func (s *Service) ApplyRefundEvent(tx *ledger.Tx, ev PaymentEvent) (models.WebhookOutcome, []notify.Notification, error) {
	t, err := s.findEventTransaction(tx, ev.Provider, ev.ProviderTransactionID, ev.Reference)
	if err != nil {
		return "", nil, err
	}
	if t == nil {
		return models.WebhookOutcomeOrphaned, nil, s.recordOrphan(tx, ev, models.TransactionTypeRefund)
	}
	if t.Type != models.TransactionTypeRefund {
		log.WithFields(log.Fields{
			"event_id":       ev.EventID,
			"transaction_id": t.ID,
			"type":           t.Type,
		}).Warn("Refund event for a non-refund transaction")
		return models.WebhookOutcomeIgnored, nil, nil
	}
	return s.settleRefund(tx, t, ev.update())
}

func (s *Service) findEventTransaction(tx *ledger.Tx, providerName, providerTxnID, reference string) (*models.PaymentTransaction, error) {
	if providerTxnID != "" {
		t, err := tx.FindTransactionByProviderRef(providerName, providerTxnID)
		if err != nil || t != nil {
			return t, err
		}
	}
	if reference == "" {
		return nil, nil
	}
	return tx.FindTransactionByReference(providerName, reference)
}

// recordOrphan keeps the event in the ledger so an operator can match it by
// hand later. Events without a provider id or an amount cannot be stored as
// a transaction and are only logged.
func (s *Service) recordOrphan(tx *ledger.Tx, ev PaymentEvent, kind models.TransactionType) error {
	if ev.ProviderTransactionID == "" || ev.Amount == nil || ev.Currency == "" {
		log.WithFields(log.Fields{
			"event_id":                ev.EventID,
			"provider":                ev.Provider,
			"provider_transaction_id": ev.ProviderTransactionID,
			"reference":               ev.Reference,
			"type":                    kind,
		}).Warn("Webhook for unknown transaction is too sparse to record")
		return nil
	}
	ref := ev.ProviderTransactionID
	t := &models.PaymentTransaction{
		ID:                    uuid.NewString(),
		Provider:              ev.Provider,
		ProviderTransactionID: &ref,
		Type:                  kind,
		Amount:                *ev.Amount,
		Currency:              ev.Currency,
		Status:                ev.Status,
		FailureReason:         ev.FailureReason,
		Attempts:              1,
	}
	if t.Status.Terminal() {
		t.ProcessedAt = timePtr(s.clock())
	}
	if err := t.AppendProviderResponse("webhook:"+ev.EventID, s.clock(), ev.Payload); err != nil {
		return err
	}
	if err := tx.CreateTransaction(t); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event_id":                ev.EventID,
		"provider":                ev.Provider,
		"provider_transaction_id": ev.ProviderTransactionID,
		"reference":               ev.Reference,
		"orphan_id":               t.ID,
	}).Warn("Webhook for unknown transaction recorded as orphan")
	return nil
}

// ChargebackEvent reports that the buyer's bank pulled the money back.
type ChargebackEvent struct {
	Provider              string
	EventID               string
	ProviderTransactionID string
	Reference             string
	ChargebackID          string
	Amount                decimal.Decimal
	Currency              string
	Reason                string
	Payload               interface{}
}

// ApplyChargeback records a chargeback against the original payment and
// opens a dispute on its order. The dispute window does not apply.
func (s *Service) ApplyChargeback(tx *ledger.Tx, ev ChargebackEvent) (models.WebhookOutcome, []notify.Notification, error) {
	payment, err := s.findEventTransaction(tx, ev.Provider, ev.ProviderTransactionID, ev.Reference)
	if err != nil {
		return "", nil, err
	}
	if payment == nil {
		amount := ev.Amount
		orphan := PaymentEvent{
			Provider:              ev.Provider,
			EventID:               ev.EventID,
			ProviderTransactionID: ev.ChargebackID,
			Amount:                &amount,
			Currency:              ev.Currency,
			Status:                models.TransactionStatusCompleted,
			Payload:               ev.Payload,
		}
		return models.WebhookOutcomeOrphaned, nil, s.recordOrphan(tx, orphan, models.TransactionTypeChargeback)
	}

	existing, err := tx.FindTransactionByProviderRef(ev.Provider, ev.ChargebackID)
	if err != nil {
		return "", nil, err
	}
	if existing != nil {
		return models.WebhookOutcomeNoop, nil, nil
	}

	now := s.clock()
	ref := ev.ChargebackID
	chargeback := &models.PaymentTransaction{
		ID:                    uuid.NewString(),
		OrderID:               payment.OrderID,
		Provider:              ev.Provider,
		ProviderTransactionID: &ref,
		Type:                  models.TransactionTypeChargeback,
		Amount:                ev.Amount,
		Currency:              ev.Currency,
		Status:                models.TransactionStatusCompleted,
		FailureReason:         ev.Reason,
		Attempts:              1,
		ProcessedAt:           &now,
		SettledAt:             &now,
	}
	if err := chargeback.AppendProviderResponse("webhook:"+ev.EventID, now, ev.Payload); err != nil {
		return "", nil, err
	}
	if err := tx.CreateTransaction(chargeback); err != nil {
		return "", nil, err
	}

	fields := log.Fields{
		"event_id":      ev.EventID,
		"chargeback_id": ev.ChargebackID,
		"payment_id":    payment.ID,
		"amount":        ev.Amount.String(),
	}
	if payment.OrderID == nil {
		log.WithFields(fields).Warn("Chargeback recorded for a payment with no order")
		return models.WebhookOutcomeApplied, nil, nil
	}

	o, err := tx.LockOrder(*payment.OrderID)
	if err != nil {
		return "", nil, err
	}
	fields["order_id"] = o.ID
	if o.Status == models.OrderStatusDisputed {
		log.WithFields(fields).Info("Chargeback recorded for an order already in dispute")
		return models.WebhookOutcomeApplied, nil, nil
	}

	notes, err := s.openDispute(tx, o, "chargeback: "+ev.Reason, "", models.DisputeSourceChargeback, System, false)
	if apperr.Is(err, apperr.KindTransition) {
		// keep the chargeback; an operator handles the order by hand
		log.WithFields(fields).WithField("order_status", o.Status).Warn("Chargeback could not open a dispute")
		return models.WebhookOutcomeApplied, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	log.WithFields(fields).Warn("Chargeback opened a dispute")
	return models.WebhookOutcomeApplied, notes, nil
}
