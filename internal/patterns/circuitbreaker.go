package patterns

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
)

// ErrCircuitOpen is returned when the breaker refuses a call without making it
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerSettings tunes when a provider circuit trips
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
	// IsSuccessful decides which errors count against the circuit. Nil means
	// every error does.
	IsSuccessful func(err error) bool
}

// DefaultBreakerSettings trips after 60% failures over at least 3 requests
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,                // Max requests allowed in half-open state
		Interval:     15 * time.Second, // Window to track failures
		Timeout:      30 * time.Second, // Time to wait before half-open
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// CircuitBreaker wraps gobreaker with metrics
type CircuitBreaker struct {
	*gobreaker.CircuitBreaker
	name     string
	provider string
}

// NewCircuitBreaker creates a breaker for one provider with Prometheus metrics
func NewCircuitBreaker(name, provider string, s BreakerSettings) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(provider, cbName).Set(float64(stateValue(to)))

			log.WithFields(log.Fields{
				"circuit":  cbName,
				"provider": provider,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}
	if s.IsSuccessful != nil {
		settings.IsSuccessful = s.IsSuccessful
	}

	metrics.CircuitBreakerState.WithLabelValues(provider, name).Set(0)

	return &CircuitBreaker{
		CircuitBreaker: gobreaker.NewCircuitBreaker(settings),
		name:           name,
		provider:       provider,
	}
}

// Execute runs fn through the breaker. Refusals are reported as ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := cb.CircuitBreaker.Execute(fn)
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues(cb.provider, cb.name).Inc()
	}
	return result, FormatError(cb.name, err)
}

// StateValue returns 0=closed, 1=open, 2=half-open
func (cb *CircuitBreaker) StateValue() int {
	return stateValue(cb.State())
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return -1
	}
}

// FormatError turns gobreaker refusals into ErrCircuitOpen and leaves other
// errors alone
func FormatError(circuitName string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("circuit breaker %s is open: %w", circuitName, ErrCircuitOpen)
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit breaker %s: too many requests in half-open state: %w", circuitName, ErrCircuitOpen)
	}
	return err
}
