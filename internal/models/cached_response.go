package models

import "time"

// CachedResponse is a time-boxed copy of a successful network response. A read
// past ExpiresAt must be treated as absent, not as stale-but-valid. Version is
// the deployment tag of the proxy that wrote the entry; entries from retired
// versions are purged on activation.
type CachedResponse struct {
	ID        UUID   `db:"id" json:"id"`
	Category  string `db:"category" json:"category"` // dynamic, static
	Version   string `db:"version" json:"version"`
	Headers   string `db:"headers" json:"headers,omitempty"` // JSON-encoded
	Body      []byte `db:"body" json:"body"`
	CachedAt  int64  `db:"cached_at" json:"cached_at"`
	ExpiresAt int64  `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CachedResponse.
func (CachedResponse) TableName() string {
	return "cached_responses"
}

// Expired reports whether the entry is past its expiry at the given instant.
func (c *CachedResponse) Expired(now time.Time) bool {
	return c.ExpiresAt <= now.Unix()
}
