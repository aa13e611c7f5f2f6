package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefundStatus is the state of a refund request
type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusApproved   RefundStatus = "approved"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusCompleted  RefundStatus = "completed"
	RefundStatusRejected   RefundStatus = "rejected"
)

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundStatusPending:    {RefundStatusApproved, RefundStatusRejected},
	RefundStatusApproved:   {RefundStatusProcessing, RefundStatusRejected},
	RefundStatusProcessing: {RefundStatusCompleted, RefundStatusRejected},
}

// CanTransition reports whether the refund state machine allows s -> to.
func (s RefundStatus) CanTransition(to RefundStatus) bool {
	for _, next := range refundTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Final reports whether the refund is immutable.
func (s RefundStatus) Final() bool {
	return s == RefundStatusCompleted || s == RefundStatusRejected
}

// RefundPurpose records why a refund exists, which decides the order's
// final status when it completes in full
type RefundPurpose string

const (
	RefundPurposeRefund       RefundPurpose = "refund"
	RefundPurposeCancellation RefundPurpose = "cancellation"
	RefundPurposeDispute      RefundPurpose = "dispute"
)

// Refund is a request to return funds to the buyer
type Refund struct {
	ID                    string          `gorm:"primaryKey;size:36" json:"id"`
	OrderID               string          `gorm:"index;size:36;not null" json:"order_id"`
	OriginalTransactionID string          `gorm:"size:36;not null" json:"original_transaction_id"`
	RefundTransactionID   *string         `gorm:"uniqueIndex;size:36" json:"refund_transaction_id,omitempty"`
	Amount                decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	Currency              string          `gorm:"size:3;not null" json:"currency"`
	Reason                string          `gorm:"size:255;not null" json:"reason"`
	Purpose               RefundPurpose   `gorm:"size:20;not null" json:"purpose"`
	RequestedBy           string          `gorm:"size:64;not null" json:"requested_by"`
	Status                RefundStatus    `gorm:"size:20;index;not null" json:"status"`
	ProcessedBy           string          `gorm:"size:64" json:"processed_by,omitempty"`
	ProcessingNotes       string          `gorm:"size:1000" json:"processing_notes,omitempty"`
	ApprovedAt            *time.Time      `json:"approved_at,omitempty"`
	ProcessedAt           *time.Time      `json:"processed_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	Version               int64           `gorm:"not null" json:"-"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// RequestRefundRequest asks for part or all of an order's payment back
type RequestRefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required,max=255"`
}

// RejectRefundRequest declines a refund
type RejectRefundRequest struct {
	Notes string `json:"notes" binding:"required,max=1000"`
}
