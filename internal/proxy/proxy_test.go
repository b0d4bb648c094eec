package proxy

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/db"
	"github.com/agropulse/backend/internal/models"
	"github.com/agropulse/backend/internal/syncer"
)

// nopDeliverer accepts everything.
type nopDeliverer struct{}

func (nopDeliverer) DeliverMessage(context.Context, *models.PendingMessage) error { return nil }
func (nopDeliverer) DeliverListing(context.Context, *models.PendingListing) error { return nil }
func (nopDeliverer) DeliverQueueItem(context.Context, *models.QueueItem) error    { return nil }

func newTestCoordinator(t *testing.T, repo *db.Repository) *syncer.Coordinator {
	t.Helper()
	return syncer.NewCoordinator(repo, nopDeliverer{}, nil, zap.NewNop())
}

func TestProxy_HandleWakeDrainsQueues(t *testing.T) {
	transport, repo := newTestTransport(t, newStubBase())

	if err := repo.CreatePendingMessage(&models.PendingMessage{
		ConversationID: "c", RecipientID: "r", Content: "sent while asleep",
	}); err != nil {
		t.Fatalf("CreatePendingMessage() failed: %v", err)
	}

	px := New(transport, repo, newTestCoordinator(t, repo), nil, nil, time.Hour, zap.NewNop())

	result, err := px.HandleWake(context.Background())
	if err != nil {
		t.Fatalf("HandleWake() failed: %v", err)
	}
	if result.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", result.Delivered)
	}

	count, _ := repo.CountUnsyncedMessages()
	if count != 0 {
		t.Errorf("pending count = %d, want 0 after a wake drain", count)
	}
}

func TestProxy_SweeperRemovesExpiredEntries(t *testing.T) {
	transport, repo := newTestTransport(t, newStubBase())

	past := time.Now().Add(-2 * time.Hour)
	if err := repo.PutCachedResponse(&models.CachedResponse{
		ID: "/expired", Category: CategoryStatic, Version: "v1",
		Body: []byte("x"), CachedAt: past.Unix(), ExpiresAt: past.Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("PutCachedResponse() failed: %v", err)
	}

	px := New(transport, repo, newTestCoordinator(t, repo), nil, nil, 10*time.Millisecond, zap.NewNop())
	px.StartSweeper()
	defer px.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := repo.CountCachedResponses()
		if err != nil {
			t.Fatalf("failed to count cache entries: %v", err)
		}
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper never removed the expired entry")
}
