// Package syncer drains unsynced records from the persistent local store and
// delivers them to the marketplace endpoints.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agropulse/backend/internal/models"
	"github.com/agropulse/backend/internal/uuid"
)

// Deliverer attempts delivery of one queued record. Implementations must
// treat a timeout identically to a failure: the record stays unsynced.
type Deliverer interface {
	DeliverMessage(ctx context.Context, m *models.PendingMessage) error
	DeliverListing(ctx context.Context, l *models.PendingListing) error
	DeliverQueueItem(ctx context.Context, item *models.QueueItem) error
}

// HTTPDeliverer posts queued records to their REST endpoints. The record's
// client-generated ID is sent as the Idempotency-Key header; the endpoints
// deduplicate on it, so re-delivering after an unacknowledged success cannot
// create a second server-side entity.
type HTTPDeliverer struct {
	MessageURL string
	ListingURL string
	Client     *http.Client
}

// NewHTTPDeliverer creates a deliverer with the standard request timeout.
func NewHTTPDeliverer(messageURL, listingURL string, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		MessageURL: messageURL,
		ListingURL: listingURL,
		Client:     &http.Client{Timeout: timeout},
	}
}

// DeliverMessage posts a pending message to the create-message endpoint.
func (d *HTTPDeliverer) DeliverMessage(ctx context.Context, m *models.PendingMessage) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return d.post(ctx, d.MessageURL, m.ID.String(), body)
}

// DeliverListing posts the stored create-listing payload whole.
func (d *HTTPDeliverer) DeliverListing(ctx context.Context, l *models.PendingListing) error {
	return d.post(ctx, d.ListingURL, l.ID.String(), l.Payload)
}

// DeliverQueueItem replays a generic queued write against its stored target.
func (d *HTTPDeliverer) DeliverQueueItem(ctx context.Context, item *models.QueueItem) error {
	req, err := http.NewRequestWithContext(ctx, item.Method, item.Target, bytes.NewReader(item.Body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if err := uuid.Validate(item.ID.String()); err != nil {
		return fmt.Errorf("unusable idempotency key: %w", err)
	}

	if item.Headers != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(item.Headers), &headers); err != nil {
			return fmt.Errorf("failed to decode stored headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("Idempotency-Key", item.ID.String())

	return d.do(req)
}

func (d *HTTPDeliverer) post(ctx context.Context, url, idempotencyKey string, body []byte) error {
	// A malformed key would defeat server-side deduplication; refuse to send.
	if err := uuid.Validate(idempotencyKey); err != nil {
		return fmt.Errorf("unusable idempotency key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	return d.do(req)
}

func (d *HTTPDeliverer) do(req *http.Request) error {
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the endpoint already holds this idempotency key: an earlier
	// attempt landed but the acknowledgment was lost. Count it as delivered.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery rejected: status %d", resp.StatusCode)
	}
	return nil
}
