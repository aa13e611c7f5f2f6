// Package webhook verifies, deduplicates and applies payment provider events.
package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/orders"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/provider"
)

// Event types understood by the ingestor
const (
	TypePaymentSucceeded  = "payment.succeeded"
	TypePaymentFailed     = "payment.failed"
	TypePaymentProcessing = "payment.processing"
	TypeRefundSucceeded   = "refund.succeeded"
	TypeRefundFailed      = "refund.failed"
	TypeChargebackCreated = "chargeback.created"
	TypeDisputeCreated    = "dispute.created"
)

type envelope struct {
	ID        string          `json:"id" validate:"required,max=128"`
	Type      string          `json:"type" validate:"required,max=64"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// paymentData is the data of payment.* and refund.* events
type paymentData struct {
	TransactionID string `json:"transaction_id" validate:"required_without=Reference,max=128"`
	Reference     string `json:"reference" validate:"required_without=TransactionID,max=64"`
	Amount        string `json:"amount" validate:"omitempty,numeric"`
	Currency      string `json:"currency" validate:"omitempty,len=3,alpha"`
	FailureReason string `json:"failure_reason" validate:"max=500"`
}

// chargebackData is the data of chargeback.created and dispute.created;
// ChargebackID carries the provider's dispute id for the latter.
type chargebackData struct {
	ChargebackID  string `json:"chargeback_id" validate:"required,max=128"`
	TransactionID string `json:"transaction_id" validate:"required_without=Reference,max=128"`
	Reference     string `json:"reference" validate:"required_without=TransactionID,max=64"`
	Amount        string `json:"amount" validate:"required,numeric"`
	Currency      string `json:"currency" validate:"required,len=3,alpha"`
	Reason        string `json:"reason" validate:"max=255"`
}

type applyFunc func(tx *ledger.Tx) (models.WebhookOutcome, []notify.Notification, error)

// Ingestor is the single entry point for provider webhooks
type Ingestor struct {
	registry *provider.Registry
	store    *ledger.Store
	service  *orders.Service
	notifier notify.Emitter
	validate *validator.Validate
	now      func() time.Time
}

func NewIngestor(registry *provider.Registry, store *ledger.Store, service *orders.Service, notifier notify.Emitter) *Ingestor {
	return &Ingestor{
		registry: registry,
		store:    store,
		service:  service,
		notifier: notifier,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Ingest verifies and applies one webhook delivery. Nothing is written when
// the signature or the payload is bad. A redelivered event is acknowledged
// with the noop outcome.
func (i *Ingestor) Ingest(ctx context.Context, providerName, signature string, payload []byte) (models.WebhookOutcome, error) {
	verifier, ok := i.registry.Verifier(providerName)
	if !ok {
		metrics.WebhookEvents.WithLabelValues(providerName, "", "rejected").Inc()
		log.WithField("provider", providerName).Warn("Webhook from unknown provider")
		return "", apperr.Auth(apperr.CodeBadSignature, "unknown webhook provider")
	}
	if err := verifier.Verify(payload, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, "", "rejected").Inc()
		log.WithField("provider", providerName).WithError(err).Warn("Webhook signature rejected")
		return "", apperr.Auth(apperr.CodeBadSignature, "invalid webhook signature")
	}

	env, err := i.decodeEnvelope(payload)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, "", "malformed").Inc()
		return "", err
	}
	apply, err := i.route(providerName, env, payload)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, env.Type, "malformed").Inc()
		return "", err
	}

	var outcome models.WebhookOutcome
	var notes []notify.Notification
	err = i.store.WithTx(ctx, func(tx *ledger.Tx) error {
		outcome, notes = "", nil
		record := &models.WebhookEvent{
			ID:         uuid.NewString(),
			Provider:   providerName,
			EventID:    env.ID,
			Type:       env.Type,
			OccurredAt: env.Timestamp.UTC(),
			ReceivedAt: i.now().UTC(),
		}
		inserted, err := tx.RecordWebhookEvent(record)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = models.WebhookOutcomeNoop
			return nil
		}
		outcome, notes, err = apply(tx)
		if err != nil {
			return err
		}
		return tx.SetWebhookOutcome(record, outcome)
	})
	fields := log.Fields{
		"provider": providerName,
		"event_id": env.ID,
		"type":     env.Type,
	}
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, env.Type, "error").Inc()
		log.WithFields(fields).WithError(err).Error("Failed to apply webhook")
		return "", err
	}

	metrics.WebhookEvents.WithLabelValues(providerName, env.Type, string(outcome)).Inc()
	log.WithFields(fields).WithField("outcome", outcome).Info("Webhook processed")
	notify.Send(ctx, i.notifier, notes...)
	return outcome, nil
}

func (i *Ingestor) decodeEnvelope(payload []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperr.Validation(apperr.CodeMalformedPayload, "webhook body is not a valid event")
	}
	if err := i.validate.Struct(&env); err != nil {
		return nil, apperr.Validation(apperr.CodeMalformedPayload, "webhook event is incomplete: %s", fieldErrors(err))
	}
	return &env, nil
}

// route decodes the data of env according to its type and returns what to
// run inside the ledger transaction.
func (i *Ingestor) route(providerName string, env *envelope, raw []byte) (applyFunc, error) {
	payload := json.RawMessage(raw)

	switch env.Type {
	case TypePaymentSucceeded, TypePaymentFailed, TypePaymentProcessing, TypeRefundSucceeded, TypeRefundFailed:
		var data paymentData
		if err := i.decodeData(env, &data); err != nil {
			return nil, err
		}
		ev := orders.PaymentEvent{
			Provider:              providerName,
			EventID:               env.ID,
			ProviderTransactionID: data.TransactionID,
			Reference:             data.Reference,
			Currency:              strings.ToUpper(data.Currency),
			FailureReason:         data.FailureReason,
			Payload:               payload,
		}
		if data.Amount != "" {
			if data.Currency == "" {
				return nil, apperr.Validation(apperr.CodeMalformedPayload, "event %s has an amount without a currency", env.ID)
			}
			amount, err := decimal.NewFromString(data.Amount)
			if err != nil {
				return nil, apperr.Validation(apperr.CodeMalformedPayload, "event %s has an invalid amount", env.ID)
			}
			ev.Amount = &amount
		}

		switch env.Type {
		case TypePaymentSucceeded, TypeRefundSucceeded:
			ev.Status = models.TransactionStatusCompleted
		case TypePaymentFailed, TypeRefundFailed:
			ev.Status = models.TransactionStatusFailed
			if ev.FailureReason == "" {
				ev.FailureReason = "failed"
			}
		default:
			ev.Status = models.TransactionStatusProcessing
			ev.Awaiting = true
		}

		if strings.HasPrefix(env.Type, "refund.") {
			return func(tx *ledger.Tx) (models.WebhookOutcome, []notify.Notification, error) {
				return i.service.ApplyRefundEvent(tx, ev)
			}, nil
		}
		return func(tx *ledger.Tx) (models.WebhookOutcome, []notify.Notification, error) {
			return i.service.ApplyPaymentEvent(tx, ev)
		}, nil

	case TypeChargebackCreated, TypeDisputeCreated:
		var data chargebackData
		if err := i.decodeData(env, &data); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return nil, apperr.Validation(apperr.CodeMalformedPayload, "event %s has an invalid amount", env.ID)
		}
		ev := orders.ChargebackEvent{
			Provider:              providerName,
			EventID:               env.ID,
			ProviderTransactionID: data.TransactionID,
			Reference:             data.Reference,
			ChargebackID:          data.ChargebackID,
			Amount:                amount,
			Currency:              strings.ToUpper(data.Currency),
			Reason:                data.Reason,
			Payload:               payload,
		}
		return func(tx *ledger.Tx) (models.WebhookOutcome, []notify.Notification, error) {
			return i.service.ApplyChargeback(tx, ev)
		}, nil
	}

	return func(*ledger.Tx) (models.WebhookOutcome, []notify.Notification, error) {
		log.WithFields(log.Fields{
			"provider": providerName,
			"event_id": env.ID,
			"type":     env.Type,
		}).Info("Ignoring webhook of unhandled type")
		return models.WebhookOutcomeIgnored, nil, nil
	}, nil
}

func (i *Ingestor) decodeData(env *envelope, into interface{}) error {
	if err := json.Unmarshal(env.Data, into); err != nil {
		return apperr.Validation(apperr.CodeMalformedPayload, "%s data does not match its schema", env.Type)
	}
	if err := i.validate.Struct(into); err != nil {
		return apperr.Validation(apperr.CodeMalformedPayload, "%s data is invalid: %s", env.Type, fieldErrors(err))
	}
	return nil
}

func fieldErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
	}
	return strings.Join(fields, ", ")
}
