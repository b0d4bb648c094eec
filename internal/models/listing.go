package models

import (
	"encoding/json"
	"time"
)

// PendingListing is a marketplace listing drafted offline. Payload carries the
// full create-listing request and is delivered as-is; it is never partially
// applied.
type PendingListing struct {
	ID         UUID            `db:"id" json:"id"`
	CropName   string          `db:"crop_name" json:"crop_name"`
	Quantity   float64         `db:"quantity" json:"quantity"`
	Price      float64         `db:"price" json:"price"`
	Region     string          `db:"region" json:"region"`
	Quality    string          `db:"quality" json:"quality"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	Synced     bool            `db:"synced" json:"synced"`
}

// TableName returns the table name for PendingListing.
func (PendingListing) TableName() string {
	return "pending_listings"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (l *PendingListing) EnqueuedAtTime() time.Time {
	return time.Unix(l.EnqueuedAt, 0)
}
