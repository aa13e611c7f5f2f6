package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionType distinguishes money movements recorded against an order
type TransactionType string

const (
	TransactionTypePayment    TransactionType = "payment"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeChargeback TransactionType = "chargeback"
	TransactionTypeFee        TransactionType = "fee"
)

// TransactionStatus is the state of a PaymentTransaction
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusCancelled  TransactionStatus = "cancelled"
)

// Terminal reports whether the status can no longer be changed by events.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed || s == TransactionStatusCancelled
}

// Retryable reports whether a new attempt may reuse the record.
func (s TransactionStatus) Retryable() bool {
	return s == TransactionStatusFailed || s == TransactionStatusCancelled
}

// TransitionOutcome is the result of resolving a requested status change
// against the terminal-wins rule.
type TransitionOutcome int

const (
	// TransitionApply means the new status must be written.
	TransitionApply TransitionOutcome = iota
	// TransitionNoop means the status is already what was requested.
	TransitionNoop
	// TransitionIgnored means the record is terminal with a different
	// status; the request loses.
	TransitionIgnored
	// TransitionRejected means the request moves backwards.
	TransitionRejected
)

var transactionRank = map[TransactionStatus]int{
	TransactionStatusPending:    0,
	TransactionStatusProcessing: 1,
}

// ResolveTransition decides what to do when something asks the transaction
// to move from s to next.
func (s TransactionStatus) ResolveTransition(next TransactionStatus) TransitionOutcome {
	switch {
	case s == next:
		return TransitionNoop
	case s.Terminal():
		return TransitionIgnored
	case next.Terminal():
		return TransitionApply
	case transactionRank[next] > transactionRank[s]:
		return TransitionApply
	default:
		return TransitionRejected
	}
}

// PaymentTransaction is one attempt to move money
type PaymentTransaction struct {
	ID                    string            `gorm:"primaryKey;size:36" json:"id"`
	OrderID               *string           `gorm:"index;size:36" json:"order_id,omitempty"`
	Provider              string            `gorm:"size:32;not null;uniqueIndex:idx_provider_txn" json:"provider"`
	ProviderTransactionID *string           `gorm:"size:128;uniqueIndex:idx_provider_txn" json:"provider_transaction_id,omitempty"`
	Type                  TransactionType   `gorm:"size:20;not null" json:"type"`
	Amount                decimal.Decimal   `gorm:"type:decimal(18,4);not null" json:"amount"`
	Currency              string            `gorm:"size:3;not null" json:"currency"`
	Status                TransactionStatus `gorm:"size:20;index;not null" json:"status"`
	FailureReason         string            `gorm:"size:500" json:"failure_reason,omitempty"`
	ProviderResponse      datatypes.JSON    `json:"-"`
	Attempts              int               `gorm:"not null" json:"attempts"`
	ProcessedAt           *time.Time        `json:"processed_at,omitempty"`
	SettledAt             *time.Time        `json:"settled_at,omitempty"`
	Version               int64             `gorm:"not null" json:"-"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// ProviderResponseEntry is one element of the append-only provider log
type ProviderResponseEntry struct {
	Source  string          `json:"source"`
	At      time.Time       `json:"at"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// AppendProviderResponse adds payload to the provider response log without
// touching earlier entries.
func (t *PaymentTransaction) AppendProviderResponse(source string, at time.Time, payload interface{}) error {
	var entries []ProviderResponseEntry
	if len(t.ProviderResponse) > 0 {
		if err := json.Unmarshal(t.ProviderResponse, &entries); err != nil {
			return fmt.Errorf("decode provider response log: %w", err)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode provider payload: %w", err)
	}
	entries = append(entries, ProviderResponseEntry{Source: source, At: at.UTC(), Attempt: t.Attempts, Payload: raw})
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode provider response log: %w", err)
	}
	t.ProviderResponse = datatypes.JSON(encoded)
	return nil
}

// ProviderResponses decodes the provider response log.
func (t *PaymentTransaction) ProviderResponses() ([]ProviderResponseEntry, error) {
	var entries []ProviderResponseEntry
	if len(t.ProviderResponse) == 0 {
		return entries, nil
	}
	err := json.Unmarshal(t.ProviderResponse, &entries)
	return entries, err
}

// ProviderRef returns the provider transaction id or "".
func (t *PaymentTransaction) ProviderRef() string {
	if t.ProviderTransactionID == nil {
		return ""
	}
	return *t.ProviderTransactionID
}

// SupersededProviderID reports whether id belongs to an earlier attempt
// rather than the one in flight.
func (t *PaymentTransaction) SupersededProviderID(id string) bool {
	if t.Attempts <= 1 {
		return false
	}
	if t.ProviderTransactionID != nil {
		return *t.ProviderTransactionID != id
	}
	entries, err := t.ProviderResponses()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Attempt >= t.Attempts {
			continue
		}
		var answer struct {
			TransactionID string `json:"transaction_id"`
		}
		if json.Unmarshal(e.Payload, &answer) == nil && answer.TransactionID == id {
			return true
		}
	}
	return false
}
