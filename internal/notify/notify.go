// Package notify hands user-visible events to the notification system.
// Delivery is fire-and-forget: a failed notification is logged and counted,
// never returned to the code that changed financial state.
package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
)

// Type names a notification kind
type Type string

const (
	TypeOrderCreated     Type = "order_created"
	TypePaymentSucceeded Type = "payment_succeeded"
	TypePaymentFailed    Type = "payment_failed"
	TypeOrderShipped     Type = "order_shipped"
	TypeOrderDelivered   Type = "order_delivered"
	TypeOrderCompleted   Type = "order_completed"
	TypeOrderCancelled   Type = "order_cancelled"
	TypeCancelRequested  Type = "cancellation_requested"
	TypeOrderDisputed    Type = "order_disputed"
	TypeDisputeResolved  Type = "dispute_resolved"
	TypeEscrowReleased   Type = "escrow_released"
	TypeRefundRequested  Type = "refund_requested"
	TypeRefundCompleted  Type = "refund_completed"
	TypeRefundRejected   Type = "refund_rejected"
)

// Notification is one message for one user
type Notification struct {
	UserID    string            `json:"user_id"`
	Type      Type              `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Emitter delivers notifications
type Emitter interface {
	Notify(ctx context.Context, n Notification) error
}

// Send delivers every notification and swallows failures.
func Send(ctx context.Context, e Emitter, notes ...Notification) {
	if e == nil {
		return
	}
	for _, n := range notes {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		if err := e.Notify(ctx, n); err != nil {
			metrics.NotificationFailures.WithLabelValues(emitterName(e)).Inc()
			log.WithFields(log.Fields{
				"user_id": n.UserID,
				"type":    n.Type,
			}).WithError(err).Warn("Failed to send notification")
		}
	}
}

// Log writes notifications to the service log
type Log struct{}

func (Log) Notify(_ context.Context, n Notification) error {
	log.WithFields(log.Fields{
		"user_id":  n.UserID,
		"type":     n.Type,
		"title":    n.Title,
		"metadata": n.Metadata,
	}).Info("Notification")
	return nil
}

// Recorder keeps notifications in memory. Read Sent only once no more
// notifications can arrive.
type Recorder struct {
	mu   sync.Mutex
	Sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, n)
	return nil
}

// Types lists the recorded notification types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]Type, 0, len(r.Sent))
	for _, n := range r.Sent {
		types = append(types, n.Type)
	}
	return types
}

func emitterName(e Emitter) string {
	switch e.(type) {
	case *Kafka:
		return "kafka"
	case Log:
		return "log"
	default:
		return "other"
	}
}
