package models

import "time"

// PendingMessage is a chat message authored offline, held locally until
// confirmed delivery. The client-generated ID doubles as the idempotency key
// on the message endpoint.
type PendingMessage struct {
	ID             UUID   `db:"id" json:"id"`
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	RecipientID    string `db:"recipient_id" json:"recipient_id"`
	Content        string `db:"content" json:"content"`
	EnqueuedAt     int64  `db:"enqueued_at" json:"enqueued_at"`
	Synced         bool   `db:"synced" json:"synced"`
}

// TableName returns the table name for PendingMessage.
func (PendingMessage) TableName() string {
	return "pending_messages"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (m *PendingMessage) EnqueuedAtTime() time.Time {
	return time.Unix(m.EnqueuedAt, 0)
}
