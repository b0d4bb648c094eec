package models

import "time"

// Queue item statuses.
const (
	QueueStatusPending   = "pending"
	QueueStatusFailed    = "failed"
	QueueStatusCompleted = "completed"
)

// QueueItem is a generic queued write without a specialized repository. Replay
// order is queue order. Items carry bounded-retry state: a delivery failure
// pushes NextRetryAt out with exponential backoff, and after MaxRetries the
// item is parked as failed rather than retried forever.
type QueueItem struct {
	ID          UUID   `db:"id" json:"id"`
	Method      string `db:"method" json:"method"`
	Target      string `db:"target" json:"target"`
	Headers     string `db:"headers" json:"headers,omitempty"` // JSON-encoded
	Body        []byte `db:"body" json:"body,omitempty"`
	RetryCount  int    `db:"retry_count" json:"retry_count"`
	MaxRetries  int    `db:"max_retries" json:"max_retries"`
	NextRetryAt int64  `db:"next_retry_at" json:"next_retry_at"`
	Status      string `db:"status" json:"status"`
	LastError   string `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt  int64  `db:"enqueued_at" json:"enqueued_at"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "pending_queue"
}

// Ready reports whether the item is due for a delivery attempt.
func (q *QueueItem) Ready(now time.Time) bool {
	return q.Status == QueueStatusPending && q.NextRetryAt <= now.Unix()
}
