package patterns

import (
	"context"
	"time"
)

// DefaultTimeout is the default deadline for a provider call
const DefaultTimeout = 10 * time.Second

// WithTimeout derives a fail-fast context; a zero duration means DefaultTimeout
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(parent, d)
}
