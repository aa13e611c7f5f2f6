// Package catalog reads listings owned by the marketplace catalog. This
// service never writes them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
)

// Catalog looks up listings by id
type Catalog interface {
	GetListing(ctx context.Context, id string) (*models.Listing, error)
}

// Gorm reads listings from the shared marketplace database
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var l models.Listing
	err := g.db.WithContext(ctx).First(&l, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("listing", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load listing %s: %w", id, err)
	}
	return &l, nil
}

// Static serves listings from memory. It backs local runs and tests.
type Static struct {
	mu       sync.RWMutex
	listings map[string]models.Listing
}

func NewStatic(listings ...models.Listing) *Static {
	s := &Static{listings: make(map[string]models.Listing, len(listings))}
	for _, l := range listings {
		s.Put(l)
	}
	return s
}

// Put adds or replaces a listing.
func (s *Static) Put(l models.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

func (s *Static) GetListing(_ context.Context, id string) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, apperr.NotFound("listing", id)
	}
	return &l, nil
}
