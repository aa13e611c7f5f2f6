package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus is owned by the catalog; this service only reads it
type ListingStatus string

const (
	ListingStatusActive  ListingStatus = "active"
	ListingStatusPaused  ListingStatus = "paused"
	ListingStatusSoldOut ListingStatus = "sold_out"
	ListingStatusRemoved ListingStatus = "removed"
)

// Listing represents a catalog entry a buyer can order from
type Listing struct {
	ID                string          `gorm:"primaryKey;size:64" json:"id"`
	SellerID          string          `gorm:"index;size:64;not null" json:"seller_id"`
	Title             string          `gorm:"size:255" json:"title"`
	Price             decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"price"`
	Currency          string          `gorm:"size:3;not null" json:"currency"`
	QuantityAvailable int             `gorm:"not null" json:"quantity_available"`
	Status            ListingStatus   `gorm:"size:20;not null" json:"status"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Purchasable reports whether new orders may be placed against the listing.
func (l *Listing) Purchasable() bool {
	return l.Status == ListingStatusActive && l.Price.IsPositive()
}
