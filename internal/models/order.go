package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusDisputed   OrderStatus = "disputed"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// PaymentStatus tracks money movement for an order independently of its
// fulfilment status
type PaymentStatus string

const (
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
)

// DeliveryStatus only ever moves forward
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusShipped    DeliveryStatus = "shipped"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
)

var deliveryRank = map[DeliveryStatus]int{
	DeliveryStatusPending:    0,
	DeliveryStatusProcessing: 1,
	DeliveryStatusShipped:    2,
	DeliveryStatusDelivered:  3,
}

// Advances reports whether moving from d to next is a forward step.
func (d DeliveryStatus) Advances(next DeliveryStatus) bool {
	return deliveryRank[next] > deliveryRank[d]
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusPaid, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusDisputed, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusDisputed, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled, OrderStatusDisputed, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusCompleted, OrderStatusDisputed, OrderStatusRefunded},
	OrderStatusDisputed:   {OrderStatusCompleted, OrderStatusRefunded},
	// completed orders can still be disputed inside the dispute window
	OrderStatusCompleted: {OrderStatusDisputed},
}

// CanTransition reports whether the order state machine allows from -> to.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are expected. Completed
// orders are terminal even though a dispute may reopen them.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// Order is one purchase intent
type Order struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	OrderNumber     string          `gorm:"uniqueIndex;size:32;not null" json:"order_number"`
	BuyerID         string          `gorm:"index;size:64;not null" json:"buyer_id"`
	SellerID        string          `gorm:"index;size:64;not null" json:"seller_id"`
	ListingID       string          `gorm:"index;size:64;not null" json:"listing_id"`
	Quantity        int             `gorm:"not null" json:"quantity"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"total_amount"`
	Currency        string          `gorm:"size:3;not null" json:"currency"`
	PlatformFee     decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"platform_fee"`
	ProcessingFee   decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"processing_fee"`
	SellerAmount    decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"seller_amount"`
	Status          OrderStatus     `gorm:"size:20;index;not null" json:"status"`
	PaymentStatus   PaymentStatus   `gorm:"size:20;not null" json:"payment_status"`
	DeliveryStatus  DeliveryStatus  `gorm:"size:20;not null" json:"delivery_status"`
	Notes           string          `gorm:"size:1000" json:"notes,omitempty"`
	ResolutionNotes string          `gorm:"size:2000" json:"resolution_notes,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	ShippedAt       *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	Version         int64           `gorm:"not null" json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Present only once the order has been disputed / cancelled.
	Dispute      *OrderDispute      `gorm:"foreignKey:OrderID" json:"dispute,omitempty"`
	Cancellation *OrderCancellation `gorm:"foreignKey:OrderID" json:"cancellation,omitempty"`
}

// Captured reports whether buyer funds are currently held by the platform.
func (o *Order) Captured() bool {
	return o.PaymentStatus == PaymentStatusCaptured || o.PaymentStatus == PaymentStatusPartiallyRefunded
}

// DisputeSource tells who opened a dispute
type DisputeSource string

const (
	DisputeSourceBuyer      DisputeSource = "buyer"
	DisputeSourceSeller     DisputeSource = "seller"
	DisputeSourceOperator   DisputeSource = "operator"
	DisputeSourceChargeback DisputeSource = "chargeback"
)

// OrderDispute holds the data that only exists for disputed orders
type OrderDispute struct {
	ID         string        `gorm:"primaryKey;size:36" json:"id"`
	OrderID    string        `gorm:"uniqueIndex;size:36;not null" json:"order_id"`
	Reason     string        `gorm:"size:255;not null" json:"reason"`
	Details    string        `gorm:"size:4000" json:"details,omitempty"`
	Source     DisputeSource `gorm:"size:20;not null" json:"source"`
	OpenedBy   string        `gorm:"size:64" json:"opened_by"`
	OpenedAt   time.Time     `json:"opened_at"`
	Outcome    string        `gorm:"size:20" json:"outcome,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// OrderCancellation records a cancellation. For a captured order the buyer's
// request stays pending until the seller approves it.
type OrderCancellation struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	OrderID     string     `gorm:"uniqueIndex;size:36;not null" json:"order_id"`
	Reason      string     `gorm:"size:255;not null" json:"reason"`
	RequestedBy string     `gorm:"size:64" json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	ApprovedBy  string     `gorm:"size:64" json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

// Approved reports whether the cancellation no longer waits for consent
func (c *OrderCancellation) Approved() bool {
	return c != nil && c.ApprovedAt != nil
}

// CreateOrderRequest represents the request to create a new order
type CreateOrderRequest struct {
	ListingID string `json:"listing_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
	Notes     string `json:"notes" binding:"max=1000"`
}

// PayOrderRequest starts a payment attempt for an order
type PayOrderRequest struct {
	PaymentMethodID string `json:"payment_method_id" binding:"required"`
	Provider        string `json:"provider"`
}

// CancelOrderRequest cancels an order. On a captured order a buyer's request
// only asks the seller, who consents by cancelling it too.
type CancelOrderRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

// OpenDisputeRequest opens a dispute on a paid order
type OpenDisputeRequest struct {
	Reason  string `json:"reason" binding:"required,max=255"`
	Details string `json:"details" binding:"max=4000"`
}

// ResolveDisputeRequest settles a disputed order
type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=release refund"`
	Notes   string `json:"notes" binding:"max=2000"`
}

// OrderDetails is the read model returned by the order endpoint
type OrderDetails struct {
	Order        *Order                `json:"order"`
	Transactions []*PaymentTransaction `json:"transactions"`
	Escrow       *EscrowHold           `json:"escrow,omitempty"`
	Refunds      []*Refund             `json:"refunds"`
}
