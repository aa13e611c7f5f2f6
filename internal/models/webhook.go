package models

import "time"

// WebhookOutcome summarises what applying an event did
type WebhookOutcome string

const (
	WebhookOutcomeApplied  WebhookOutcome = "applied"
	WebhookOutcomeNoop     WebhookOutcome = "noop"
	WebhookOutcomeOrphaned WebhookOutcome = "orphaned"
	WebhookOutcomeIgnored  WebhookOutcome = "ignored"
)

// WebhookEvent records every provider event that passed verification. The
// (provider, event_id) pair is the dedup key.
type WebhookEvent struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	Provider   string         `gorm:"size:32;not null;uniqueIndex:idx_webhook_event" json:"provider"`
	EventID    string         `gorm:"size:128;not null;uniqueIndex:idx_webhook_event" json:"event_id"`
	Type       string         `gorm:"size:64;not null" json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Outcome    WebhookOutcome `gorm:"size:20" json:"outcome"`
	ReceivedAt time.Time      `json:"received_at"`
}
