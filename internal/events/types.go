// Package events defines the normalized webhook event shapes delivered by
// the WhatsApp gateway. MessageEvent is the only shape consumed by the
// conversation engine; status and connection events feed observability.
package events

import "time"

// MessageEvent is an inbound user text message.
type MessageEvent struct {
	Phone     string    `json:"phone"`
	Text      string    `json:"text"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent reports delivery status for a previously sent message.
type StatusEvent struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionEvent reports gateway session connectivity changes.
type ConnectionEvent struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
