package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the state of an escrow hold
type EscrowStatus string

const (
	EscrowStatusHeld           EscrowStatus = "held"
	EscrowStatusPartialRelease EscrowStatus = "partial_release"
	EscrowStatusReleased       EscrowStatus = "released"
	EscrowStatusRefunded       EscrowStatus = "refunded"
	EscrowStatusDisputed       EscrowStatus = "disputed"
	EscrowStatusExpired        EscrowStatus = "expired"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowStatusHeld:           {EscrowStatusPartialRelease, EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusDisputed, EscrowStatusExpired},
	EscrowStatusPartialRelease: {EscrowStatusPartialRelease, EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusDisputed},
	EscrowStatusDisputed:       {EscrowStatusReleased, EscrowStatusRefunded},
}

// CanTransition reports whether the escrow state machine allows s -> to.
func (s EscrowStatus) CanTransition(to EscrowStatus) bool {
	for _, next := range escrowTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the hold still controls funds.
func (s EscrowStatus) Active() bool {
	return s == EscrowStatusHeld || s == EscrowStatusPartialRelease || s == EscrowStatusDisputed
}

// Releasable reports whether funds may be released from the hold.
func (s EscrowStatus) Releasable() bool {
	return s == EscrowStatusHeld || s == EscrowStatusPartialRelease
}

// EscrowHold holds captured funds until delivery is confirmed
type EscrowHold struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	OrderID        string          `gorm:"index;size:36;not null" json:"order_id"`
	TransactionID  string          `gorm:"uniqueIndex;size:36;not null" json:"transaction_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	ReleasedAmount decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"released_amount"`
	RefundedAmount decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"refunded_amount"`
	Currency       string          `gorm:"size:3;not null" json:"currency"`
	Status         EscrowStatus    `gorm:"size:20;index;not null" json:"status"`
	BuyerID        string          `gorm:"size:64;not null" json:"buyer_id"`
	SellerID       string          `gorm:"size:64;not null" json:"seller_id"`
	AutoReleaseAt  time.Time       `gorm:"index" json:"auto_release_at"`
	ReleaseReason  string          `gorm:"size:255" json:"release_reason,omitempty"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
	ReleasedBy     string          `gorm:"size:64" json:"released_by,omitempty"`
	DisputeReason  string          `gorm:"size:255" json:"dispute_reason,omitempty"`
	DisputedAt     *time.Time      `json:"disputed_at,omitempty"`
	Version        int64           `gorm:"not null" json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining is the amount still controlled by the hold.
func (e *EscrowHold) Remaining() decimal.Decimal {
	return e.Amount.Sub(e.ReleasedAmount).Sub(e.RefundedAmount)
}

// ReleaseEscrowRequest releases part or all of a hold; an empty amount
// releases the remainder
type ReleaseEscrowRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason" binding:"required,max=255"`
}

// DisputeEscrowRequest freezes a hold
type DisputeEscrowRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}
