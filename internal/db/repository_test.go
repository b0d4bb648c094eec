package db

import (
	"errors"
	"testing"
	"time"

	"github.com/agropulse/backend/internal/models"
)

// newTestRepo opens a fresh store in a temp directory with the schema applied.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	repo := NewRepository(store.DB)
	t.Cleanup(func() {
		repo.Close()
		store.Close()
	})
	return repo
}

func TestCreatePendingMessage_AssignsIDAndTimestamp(t *testing.T) {
	repo := newTestRepo(t)

	m := &models.PendingMessage{
		ConversationID: "conv-1",
		RecipientID:    "farmer-2",
		Content:        "is the maize still available?",
	}
	if err := repo.CreatePendingMessage(m); err != nil {
		t.Fatalf("CreatePendingMessage() failed: %v", err)
	}

	if m.ID == "" {
		t.Error("expected a generated ID")
	}
	if m.EnqueuedAt == 0 {
		t.Error("expected EnqueuedAt to be set")
	}
	if m.Synced {
		t.Error("new message must not be marked synced")
	}

	got, err := repo.GetPendingMessage(m.ID.String())
	if err != nil {
		t.Fatalf("GetPendingMessage() failed: %v", err)
	}
	if got.Content != m.Content {
		t.Errorf("Content = %q, want %q", got.Content, m.Content)
	}
	if got.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want conv-1", got.ConversationID)
	}
}

func TestListUnsyncedMessages_OldestFirst(t *testing.T) {
	repo := newTestRepo(t)

	for i, content := range []string{"first", "second", "third"} {
		m := &models.PendingMessage{
			ConversationID: "conv-1",
			RecipientID:    "farmer-2",
			Content:        content,
			EnqueuedAt:     int64(1000 + i),
		}
		if err := repo.CreatePendingMessage(m); err != nil {
			t.Fatalf("CreatePendingMessage(%q) failed: %v", content, err)
		}
	}

	messages, err := repo.ListUnsyncedMessages()
	if err != nil {
		t.Fatalf("ListUnsyncedMessages() failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	if messages[0].Content != "first" || messages[2].Content != "third" {
		t.Errorf("messages not in enqueue order: %q, %q, %q",
			messages[0].Content, messages[1].Content, messages[2].Content)
	}
}

func TestMarkMessageSynced_ExcludesFromPending(t *testing.T) {
	repo := newTestRepo(t)

	m := &models.PendingMessage{ConversationID: "c", RecipientID: "r", Content: "x"}
	if err := repo.CreatePendingMessage(m); err != nil {
		t.Fatalf("CreatePendingMessage() failed: %v", err)
	}

	if err := repo.MarkMessageSynced(m.ID.String()); err != nil {
		t.Fatalf("MarkMessageSynced() failed: %v", err)
	}

	count, err := repo.CountUnsyncedMessages()
	if err != nil {
		t.Fatalf("CountUnsyncedMessages() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestMarkMessageSynced_MissingRecordIsNoOp(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.MarkMessageSynced("nonexistent"); err != nil {
		t.Errorf("MarkMessageSynced() on missing record should be a no-op, got %v", err)
	}
}

func TestDeletePendingMessage_OnlyRemovesUnsynced(t *testing.T) {
	repo := newTestRepo(t)

	m := &models.PendingMessage{ConversationID: "c", RecipientID: "r", Content: "x"}
	if err := repo.CreatePendingMessage(m); err != nil {
		t.Fatalf("CreatePendingMessage() failed: %v", err)
	}

	// Concurrent sync wins: once marked synced, a user delete must not
	// remove the delivered record.
	if err := repo.MarkMessageSynced(m.ID.String()); err != nil {
		t.Fatalf("MarkMessageSynced() failed: %v", err)
	}
	if err := repo.DeletePendingMessage(m.ID.String()); err != nil {
		t.Fatalf("DeletePendingMessage() failed: %v", err)
	}

	if _, err := repo.GetPendingMessage(m.ID.String()); err != nil {
		t.Error("synced message should survive a delete attempt")
	}
}

func TestPendingMessages_SurviveReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	repo := NewRepository(store.DB)

	m := &models.PendingMessage{ConversationID: "c", RecipientID: "r", Content: "durable"}
	if err := repo.CreatePendingMessage(m); err != nil {
		t.Fatalf("CreatePendingMessage() failed: %v", err)
	}
	repo.Close()
	store.Close()

	// Simulated restart.
	store, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	repo = NewRepository(store.DB)
	defer repo.Close()

	messages, err := repo.ListUnsyncedMessages()
	if err != nil {
		t.Fatalf("ListUnsyncedMessages() failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "durable" {
		t.Errorf("expected the enqueued message to survive restart, got %v", messages)
	}
}

func TestListingLifecycle(t *testing.T) {
	repo := newTestRepo(t)

	l := &models.PendingListing{
		Payload: []byte(`{"cropName":"maize","quantity":50,"region":"Rift Valley"}`),
	}
	if err := repo.CreatePendingListing(l); err != nil {
		t.Fatalf("CreatePendingListing() failed: %v", err)
	}

	count, err := repo.CountUnsyncedListings()
	if err != nil {
		t.Fatalf("CountUnsyncedListings() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	if err := repo.MarkListingSynced(l.ID.String()); err != nil {
		t.Fatalf("MarkListingSynced() failed: %v", err)
	}
	count, _ = repo.CountUnsyncedListings()
	if count != 0 {
		t.Errorf("count after sync = %d, want 0", count)
	}

	removed, err := repo.DeleteSyncedListings()
	if err != nil {
		t.Fatalf("DeleteSyncedListings() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestCachedResponse_ExpiryIsAbsence(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Now()
	entry := &models.CachedResponse{
		ID:        "https://api.example.com/listings",
		Category:  "dynamic",
		Version:   "v1",
		Body:      []byte(`[]`),
		CachedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	}
	if err := repo.PutCachedResponse(entry); err != nil {
		t.Fatalf("PutCachedResponse() failed: %v", err)
	}

	if _, err := repo.GetCachedResponse(entry.ID.String(), now); err != nil {
		t.Fatalf("GetCachedResponse() before expiry failed: %v", err)
	}

	// Past expiry the entry must read as absent, never stale-but-valid.
	_, err := repo.GetCachedResponse(entry.ID.String(), now.Add(2*time.Hour))
	if err == nil {
		t.Error("expected expired entry to be absent")
	}
}

func TestPutCachedResponse_UpsertsByID(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Now()
	first := &models.CachedResponse{
		ID: "https://api.example.com/me", Category: "dynamic", Version: "v1",
		Body: []byte(`{"name":"old"}`), CachedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix(),
	}
	if err := repo.PutCachedResponse(first); err != nil {
		t.Fatalf("PutCachedResponse() failed: %v", err)
	}

	second := *first
	second.Body = []byte(`{"name":"new"}`)
	if err := repo.PutCachedResponse(&second); err != nil {
		t.Fatalf("PutCachedResponse() upsert failed: %v", err)
	}

	got, err := repo.GetCachedResponse(first.ID.String(), now)
	if err != nil {
		t.Fatalf("GetCachedResponse() failed: %v", err)
	}
	if string(got.Body) != `{"name":"new"}` {
		t.Errorf("Body = %s, want the rewritten body", got.Body)
	}
}

func TestRetireCacheVersions(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Now()
	for _, e := range []*models.CachedResponse{
		{ID: "/a", Category: "static", Version: "v1", Body: []byte("a"),
			CachedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()},
		{ID: "/b", Category: "static", Version: "v2", Body: []byte("b"),
			CachedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()},
	} {
		if err := repo.PutCachedResponse(e); err != nil {
			t.Fatalf("PutCachedResponse(%s) failed: %v", e.ID, err)
		}
	}

	retired, err := repo.RetireCacheVersions("v2")
	if err != nil {
		t.Fatalf("RetireCacheVersions() failed: %v", err)
	}
	if retired != 1 {
		t.Errorf("retired = %d, want 1", retired)
	}

	if _, err := repo.GetCachedResponse("/a", now); err == nil {
		t.Error("v1 entry should be gone after retirement")
	}
	if _, err := repo.GetCachedResponse("/b", now); err != nil {
		t.Errorf("v2 entry should survive retirement: %v", err)
	}
}

func TestDeleteExpiredResponses(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Now()
	for _, e := range []*models.CachedResponse{
		{ID: "/live", Category: "static", Version: "v1", Body: []byte("x"),
			CachedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()},
		{ID: "/dead", Category: "static", Version: "v1", Body: []byte("x"),
			CachedAt: now.Add(-2 * time.Hour).Unix(), ExpiresAt: now.Add(-time.Hour).Unix()},
	} {
		if err := repo.PutCachedResponse(e); err != nil {
			t.Fatalf("PutCachedResponse(%s) failed: %v", e.ID, err)
		}
	}

	removed, err := repo.DeleteExpiredResponses(now)
	if err != nil {
		t.Fatalf("DeleteExpiredResponses() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestQueueItem_BackoffAndParking(t *testing.T) {
	repo := newTestRepo(t)

	item := &models.QueueItem{
		Method: "POST",
		Target: "https://api.example.com/orders",
		Body:   []byte(`{"qty":3}`),
	}
	if err := repo.CreateQueueItem(item); err != nil {
		t.Fatalf("CreateQueueItem() failed: %v", err)
	}
	if item.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", item.MaxRetries, DefaultMaxRetries)
	}

	deliveryErr := errors.New("connection refused")
	for i := 0; i < DefaultMaxRetries; i++ {
		if err := repo.FailQueueItem(item.ID.String(), deliveryErr); err != nil {
			t.Fatalf("FailQueueItem() attempt %d failed: %v", i+1, err)
		}
	}

	got, err := repo.getQueueItem(item.ID.String())
	if err != nil {
		t.Fatalf("getQueueItem() failed: %v", err)
	}
	if got.Status != models.QueueStatusFailed {
		t.Errorf("Status = %q, want %q after exhausting retries", got.Status, models.QueueStatusFailed)
	}
	if got.LastError != "connection refused" {
		t.Errorf("LastError = %q, want the delivery error", got.LastError)
	}

	// Parked items are not ready, but they are still in the store.
	ready, err := repo.ListReadyQueueItems(time.Now().Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("ListReadyQueueItems() failed: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("parked item must not be listed as ready, got %d", len(ready))
	}

	restored, err := repo.RetryFailedQueueItems()
	if err != nil {
		t.Fatalf("RetryFailedQueueItems() failed: %v", err)
	}
	if restored != 1 {
		t.Errorf("restored = %d, want 1", restored)
	}

	count, err := repo.CountPendingQueueItems()
	if err != nil {
		t.Fatalf("CountPendingQueueItems() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("pending count = %d, want 1 after retry reset", count)
	}
}

func TestFailQueueItem_MissingRecordIsNoOp(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.FailQueueItem("nonexistent", errors.New("x")); err != nil {
		t.Errorf("FailQueueItem() on missing record should be a no-op, got %v", err)
	}
}

func TestFailQueueItem_BackoffSchedule(t *testing.T) {
	repo := newTestRepo(t)

	item := &models.QueueItem{Method: "POST", Target: "/x", MaxRetries: 20}
	if err := repo.CreateQueueItem(item); err != nil {
		t.Fatalf("CreateQueueItem() failed: %v", err)
	}

	// 2^retry_count minutes, capped at one hour.
	wantDelays := []int64{120, 240, 480, 960, 1920, 3600, 3600}
	for i, want := range wantDelays {
		before := time.Now().Unix()
		if err := repo.FailQueueItem(item.ID.String(), errors.New("refused")); err != nil {
			t.Fatalf("FailQueueItem() attempt %d failed: %v", i+1, err)
		}
		got, err := repo.getQueueItem(item.ID.String())
		if err != nil {
			t.Fatalf("getQueueItem() failed: %v", err)
		}
		delay := got.NextRetryAt - before
		if delay < want || delay > want+2 {
			t.Errorf("attempt %d: next_retry_at delay = %ds, want ~%ds", i+1, delay, want)
		}
	}
}

func TestFailQueueItem_SharedStoreKeepsEveryIncrement(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	// Foreground and proxy hold separate handles over the same store.
	foreground := NewRepository(store.DB)
	defer foreground.Close()
	proxy := NewRepository(store.DB)
	defer proxy.Close()

	item := &models.QueueItem{Method: "POST", Target: "/x", MaxRetries: 10}
	if err := foreground.CreateQueueItem(item); err != nil {
		t.Fatalf("CreateQueueItem() failed: %v", err)
	}

	if err := foreground.FailQueueItem(item.ID.String(), errors.New("a")); err != nil {
		t.Fatalf("foreground FailQueueItem() failed: %v", err)
	}
	if err := proxy.FailQueueItem(item.ID.String(), errors.New("b")); err != nil {
		t.Fatalf("proxy FailQueueItem() failed: %v", err)
	}

	got, err := foreground.getQueueItem(item.ID.String())
	if err != nil {
		t.Fatalf("getQueueItem() failed: %v", err)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 (one per recorded failure)", got.RetryCount)
	}
	if got.LastError != "b" {
		t.Errorf("LastError = %q, want the latest failure", got.LastError)
	}
}

func TestListCachedByCategory(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Now()
	for _, e := range []*models.CachedResponse{
		{ID: "/api/prices", Category: "dynamic", Version: "v1", Body: []byte("p"),
			CachedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()},
		{ID: "/api/weather", Category: "dynamic", Version: "v1", Body: []byte("w"),
			CachedAt: now.Add(-2 * time.Hour).Unix(), ExpiresAt: now.Add(-time.Hour).Unix()},
		{ID: "/logo.png", Category: "static", Version: "v1", Body: []byte("x"),
			CachedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()},
	} {
		if err := repo.PutCachedResponse(e); err != nil {
			t.Fatalf("PutCachedResponse(%s) failed: %v", e.ID, err)
		}
	}

	entries, err := repo.ListCachedByCategory("dynamic", now)
	if err != nil {
		t.Fatalf("ListCachedByCategory() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (expired and static entries excluded)", len(entries))
	}
	if entries[0].ID != "/api/prices" {
		t.Errorf("ID = %q, want /api/prices", entries[0].ID)
	}
}

func TestClearAll(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.CreatePendingMessage(&models.PendingMessage{
		ConversationID: "c", RecipientID: "r", Content: "x",
	}); err != nil {
		t.Fatalf("CreatePendingMessage() failed: %v", err)
	}
	if err := repo.CreateQueueItem(&models.QueueItem{Method: "POST", Target: "/x"}); err != nil {
		t.Fatalf("CreateQueueItem() failed: %v", err)
	}

	if err := repo.ClearAll(); err != nil {
		t.Fatalf("ClearAll() failed: %v", err)
	}

	msgs, _ := repo.CountUnsyncedMessages()
	queued, _ := repo.CountPendingQueueItems()
	if msgs != 0 || queued != 0 {
		t.Errorf("expected empty store after ClearAll, got %d messages, %d queue items", msgs, queued)
	}
}
