package patterns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
)

// ErrBulkheadFull is returned when no slot frees up before the acquire timeout
var ErrBulkheadFull = errors.New("bulkhead full")

// Bulkhead caps concurrent calls to one provider
type Bulkhead struct {
	semaphore      chan struct{}
	name           string
	provider       string
	acquireTimeout time.Duration
}

// NewBulkhead creates a new bulkhead with specified capacity
func NewBulkhead(size int, name, provider string, acquireTimeout time.Duration) *Bulkhead {
	if size <= 0 {
		size = 1
	}
	if acquireTimeout <= 0 {
		acquireTimeout = time.Second
	}
	return &Bulkhead{
		semaphore:      make(chan struct{}, size),
		name:           name,
		provider:       provider,
		acquireTimeout: acquireTimeout,
	}
}

// Execute runs fn once a slot is available
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	timer := time.NewTimer(b.acquireTimeout)
	defer timer.Stop()

	select {
	case b.semaphore <- struct{}{}:
		metrics.BulkheadActiveRequests.WithLabelValues(b.provider, b.name).Inc()
		defer func() {
			<-b.semaphore
			metrics.BulkheadActiveRequests.WithLabelValues(b.provider, b.name).Dec()
		}()
		return fn()

	case <-timer.C:
		metrics.BulkheadRejectedRequests.WithLabelValues(b.provider, b.name).Inc()
		return fmt.Errorf("bulkhead %s: %w", b.name, ErrBulkheadFull)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name returns the bulkhead name
func (b *Bulkhead) Name() string {
	return b.name
}
