// Package db provides CRUD repository operations for the offline collections.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/agropulse/backend/internal/models"
	"github.com/agropulse/backend/internal/uuid"
)

// DefaultMaxRetries bounds delivery attempts for generic queue items before
// they are parked as failed. Drafts are not subject to this bound.
const DefaultMaxRetries = 3

// Repository provides typed access to the four offline collections. Every
// mutation is a single atomic per-record statement; derived counts are always
// recomputed from the store, never maintained incrementally.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// PendingMessage Operations
// =====================================================

// CreatePendingMessage persists a drafted message. An empty ID is assigned a
// fresh UUID; the ID doubles as the idempotency key on delivery.
func (r *Repository) CreatePendingMessage(m *models.PendingMessage) error {
	if m.ID == "" {
		m.ID = models.UUID(uuid.New())
	}
	if m.EnqueuedAt == 0 {
		m.EnqueuedAt = time.Now().Unix()
	}
	m.Synced = false

	query := `
	INSERT INTO pending_messages (id, conversation_id, recipient_id, content, enqueued_at, synced)
	VALUES (?, ?, ?, ?, ?, 0)
	`
	_, err := r.db.Exec(query, m.ID, m.ConversationID, m.RecipientID, m.Content, m.EnqueuedAt)
	return err
}

// GetPendingMessage retrieves a pending message by ID.
func (r *Repository) GetPendingMessage(id string) (*models.PendingMessage, error) {
	query := `
	SELECT id, conversation_id, recipient_id, content, enqueued_at, synced
	FROM pending_messages WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var m models.PendingMessage
	err = stmt.QueryRow(id).Scan(&m.ID, &m.ConversationID, &m.RecipientID,
		&m.Content, &m.EnqueuedAt, &m.Synced)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListUnsyncedMessages returns all messages awaiting delivery, oldest first.
func (r *Repository) ListUnsyncedMessages() ([]*models.PendingMessage, error) {
	query := `
	SELECT id, conversation_id, recipient_id, content, enqueued_at, synced
	FROM pending_messages WHERE synced = 0 ORDER BY enqueued_at
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.PendingMessage
	for rows.Next() {
		var m models.PendingMessage
		err := rows.Scan(&m.ID, &m.ConversationID, &m.RecipientID,
			&m.Content, &m.EnqueuedAt, &m.Synced)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// ListMessagesByConversation returns unsynced messages for one conversation.
func (r *Repository) ListMessagesByConversation(conversationID string) ([]*models.PendingMessage, error) {
	query := `
	SELECT id, conversation_id, recipient_id, content, enqueued_at, synced
	FROM pending_messages WHERE conversation_id = ? AND synced = 0 ORDER BY enqueued_at
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.PendingMessage
	for rows.Next() {
		var m models.PendingMessage
		err := rows.Scan(&m.ID, &m.ConversationID, &m.RecipientID,
			&m.Content, &m.EnqueuedAt, &m.Synced)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkMessageSynced flips the synced flag after confirmed delivery. Marking a
// record the user deleted mid-drain is a no-op, not an error; both sides of
// that race tolerate last-write-wins.
func (r *Repository) MarkMessageSynced(id string) error {
	query := `UPDATE pending_messages SET synced = 1 WHERE id = ? AND synced = 0`
	_, err := r.db.Exec(query, id)
	return err
}

// DeletePendingMessage removes a draft. Deleting an absent or already-synced
// record is a no-op so a stale "pending" view cannot destroy delivered data.
func (r *Repository) DeletePendingMessage(id string) error {
	query := `DELETE FROM pending_messages WHERE id = ? AND synced = 0`
	_, err := r.db.Exec(query, id)
	return err
}

// DeleteSyncedMessages removes delivered messages after the UI has shown its
// transitional "sent" state.
func (r *Repository) DeleteSyncedMessages() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM pending_messages WHERE synced = 1`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountUnsyncedMessages recomputes the pending message count from the store.
func (r *Repository) CountUnsyncedMessages() (int, error) {
	stmt, err := r.PrepareStmt(`SELECT COUNT(*) FROM pending_messages WHERE synced = 0`)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRow().Scan(&n)
	return n, err
}

// =====================================================
// PendingListing Operations
// =====================================================

// CreatePendingListing persists a drafted listing.
func (r *Repository) CreatePendingListing(l *models.PendingListing) error {
	if l.ID == "" {
		l.ID = models.UUID(uuid.New())
	}
	if l.EnqueuedAt == 0 {
		l.EnqueuedAt = time.Now().Unix()
	}
	l.Synced = false

	query := `
	INSERT INTO pending_listings (id, crop_name, quantity, price, region, quality, payload, enqueued_at, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`
	_, err := r.db.Exec(query, l.ID, l.CropName, l.Quantity, l.Price, l.Region,
		l.Quality, []byte(l.Payload), l.EnqueuedAt)
	return err
}

// GetPendingListing retrieves a pending listing by ID.
func (r *Repository) GetPendingListing(id string) (*models.PendingListing, error) {
	query := `
	SELECT id, crop_name, quantity, price, region, quality, payload, enqueued_at, synced
	FROM pending_listings WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var l models.PendingListing
	var payload []byte
	err = stmt.QueryRow(id).Scan(&l.ID, &l.CropName, &l.Quantity, &l.Price,
		&l.Region, &l.Quality, &payload, &l.EnqueuedAt, &l.Synced)
	if err != nil {
		return nil, err
	}
	l.Payload = payload
	return &l, nil
}

// ListUnsyncedListings returns all listings awaiting delivery, oldest first.
func (r *Repository) ListUnsyncedListings() ([]*models.PendingListing, error) {
	query := `
	SELECT id, crop_name, quantity, price, region, quality, payload, enqueued_at, synced
	FROM pending_listings WHERE synced = 0 ORDER BY enqueued_at
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*models.PendingListing
	for rows.Next() {
		var l models.PendingListing
		var payload []byte
		err := rows.Scan(&l.ID, &l.CropName, &l.Quantity, &l.Price,
			&l.Region, &l.Quality, &payload, &l.EnqueuedAt, &l.Synced)
		if err != nil {
			return nil, err
		}
		l.Payload = payload
		listings = append(listings, &l)
	}
	return listings, rows.Err()
}

// MarkListingSynced flips the synced flag after confirmed delivery.
func (r *Repository) MarkListingSynced(id string) error {
	query := `UPDATE pending_listings SET synced = 1 WHERE id = ? AND synced = 0`
	_, err := r.db.Exec(query, id)
	return err
}

// DeletePendingListing removes a draft; absent or synced records are a no-op.
func (r *Repository) DeletePendingListing(id string) error {
	query := `DELETE FROM pending_listings WHERE id = ? AND synced = 0`
	_, err := r.db.Exec(query, id)
	return err
}

// DeleteSyncedListings removes delivered listings.
func (r *Repository) DeleteSyncedListings() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM pending_listings WHERE synced = 1`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountUnsyncedListings recomputes the pending listing count from the store.
func (r *Repository) CountUnsyncedListings() (int, error) {
	stmt, err := r.PrepareStmt(`SELECT COUNT(*) FROM pending_listings WHERE synced = 0`)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRow().Scan(&n)
	return n, err
}

// =====================================================
// CachedResponse Operations
// =====================================================

// PutCachedResponse upserts a cache entry keyed by request identity.
func (r *Repository) PutCachedResponse(c *models.CachedResponse) error {
	query := `
	INSERT INTO cached_responses (id, category, version, headers, body, cached_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		category = excluded.category,
		version = excluded.version,
		headers = excluded.headers,
		body = excluded.body,
		cached_at = excluded.cached_at,
		expires_at = excluded.expires_at
	`
	_, err := r.db.Exec(query, c.ID, c.Category, c.Version, c.Headers, c.Body,
		c.CachedAt, c.ExpiresAt)
	return err
}

// GetCachedResponse returns the entry for id if it has not expired at now.
// An expired entry is reported as absent (sql.ErrNoRows), never as stale.
func (r *Repository) GetCachedResponse(id string, now time.Time) (*models.CachedResponse, error) {
	query := `
	SELECT id, category, version, headers, body, cached_at, expires_at
	FROM cached_responses WHERE id = ? AND expires_at > ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var c models.CachedResponse
	err = stmt.QueryRow(id, now.Unix()).Scan(&c.ID, &c.Category, &c.Version,
		&c.Headers, &c.Body, &c.CachedAt, &c.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCachedByCategory returns the unexpired entries for one category.
func (r *Repository) ListCachedByCategory(category string, now time.Time) ([]*models.CachedResponse, error) {
	query := `
	SELECT id, category, version, headers, body, cached_at, expires_at
	FROM cached_responses WHERE category = ? AND expires_at > ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(category, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.CachedResponse
	for rows.Next() {
		var c models.CachedResponse
		err := rows.Scan(&c.ID, &c.Category, &c.Version, &c.Headers, &c.Body,
			&c.CachedAt, &c.ExpiresAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &c)
	}
	return entries, rows.Err()
}

// CountCachedResponses returns the number of stored cache entries, expired
// ones included.
func (r *Repository) CountCachedResponses() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM cached_responses`).Scan(&n)
	return n, err
}

// DeleteExpiredResponses sweeps entries strictly past their expiry. Safe to
// run concurrently from both execution contexts.
func (r *Repository) DeleteExpiredResponses(now time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM cached_responses WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RetireCacheVersions removes every entry not written by the current proxy
// version. Called on activation when a new version takes over.
func (r *Repository) RetireCacheVersions(currentVersion string) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM cached_responses WHERE version != ?`, currentVersion)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// =====================================================
// Generic Queue Operations
// =====================================================

// CreateQueueItem enqueues a generic write for deferred replay.
func (r *Repository) CreateQueueItem(item *models.QueueItem) error {
	if item.ID == "" {
		item.ID = models.UUID(uuid.New())
	}
	now := time.Now().Unix()
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = now
	}
	if item.NextRetryAt == 0 {
		item.NextRetryAt = now
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = DefaultMaxRetries
	}
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}

	query := `
	INSERT INTO pending_queue (id, method, target, headers, body, retry_count, max_retries, next_retry_at, status, last_error, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, item.ID, item.Method, item.Target, item.Headers,
		item.Body, item.RetryCount, item.MaxRetries, item.NextRetryAt,
		item.Status, item.LastError, item.EnqueuedAt)
	return err
}

// ListReadyQueueItems returns pending items due for delivery, in queue order.
func (r *Repository) ListReadyQueueItems(now time.Time) ([]*models.QueueItem, error) {
	query := `
	SELECT id, method, target, headers, body, retry_count, max_retries, next_retry_at, status, last_error, enqueued_at
	FROM pending_queue WHERE status = ? AND next_retry_at <= ? ORDER BY enqueued_at
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(models.QueueStatusPending, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		err := rows.Scan(&item.ID, &item.Method, &item.Target, &item.Headers,
			&item.Body, &item.RetryCount, &item.MaxRetries, &item.NextRetryAt,
			&item.Status, &item.LastError, &item.EnqueuedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// CompleteQueueItem removes a delivered item from the queue.
func (r *Repository) CompleteQueueItem(id string) error {
	_, err := r.db.Exec(`DELETE FROM pending_queue WHERE id = ?`, id)
	return err
}

// FailQueueItem records a delivery failure, pushing the next attempt out with
// exponential backoff (2^retry_count minutes, capped at one hour). Once
// retry_count reaches max_retries the item is parked as failed; it stays in
// the store until retried or cleared. The mutation is a single UPDATE so that
// both execution contexts can record failures against the shared store
// without losing an increment. A missing record is a no-op.
func (r *Repository) FailQueueItem(id string, deliveryErr error) error {
	query := `
	UPDATE pending_queue
	SET retry_count = retry_count + 1,
	    next_retry_at = ? + MIN(3600, 60 << MIN(retry_count + 1, 6)),
	    status = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE status END,
	    last_error = ?
	WHERE id = ?
	`
	_, err := r.db.Exec(query, time.Now().Unix(), models.QueueStatusFailed,
		deliveryErr.Error(), id)
	return err
}

// RetryFailedQueueItems resets parked items for another round of attempts.
func (r *Repository) RetryFailedQueueItems() (int64, error) {
	query := `
	UPDATE pending_queue
	SET status = ?, retry_count = 0, next_retry_at = ?, last_error = ''
	WHERE status = ?
	`
	result, err := r.db.Exec(query, models.QueueStatusPending, time.Now().Unix(),
		models.QueueStatusFailed)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountPendingQueueItems recomputes the generic queue depth from the store.
func (r *Repository) CountPendingQueueItems() (int, error) {
	stmt, err := r.PrepareStmt(`SELECT COUNT(*) FROM pending_queue WHERE status = ?`)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRow(models.QueueStatusPending).Scan(&n)
	return n, err
}

func (r *Repository) getQueueItem(id string) (*models.QueueItem, error) {
	query := `
	SELECT id, method, target, headers, body, retry_count, max_retries, next_retry_at, status, last_error, enqueued_at
	FROM pending_queue WHERE id = ?
	`
	var item models.QueueItem
	err := r.db.QueryRow(query, id).Scan(&item.ID, &item.Method, &item.Target,
		&item.Headers, &item.Body, &item.RetryCount, &item.MaxRetries,
		&item.NextRetryAt, &item.Status, &item.LastError, &item.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// =====================================================
// Maintenance
// =====================================================

// ClearAll wipes every offline collection. Only invoked by explicit user
// action or support tooling; the store is never auto-wiped.
func (r *Repository) ClearAll() error {
	tables := []string{"pending_messages", "pending_listings", "cached_responses", "pending_queue"}
	for _, table := range tables {
		if _, err := r.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
