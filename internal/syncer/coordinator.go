package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/db"
)

// Collection names used in synced notifications.
const (
	CollectionMessages = "messages"
	CollectionListings = "listings"
	CollectionQueue    = "queue"
)

// Notifier receives per-item synced notifications. Notifications are
// idempotent to receive more than once; consumers recompute counts from the
// store rather than decrementing them.
type Notifier interface {
	ItemSynced(collection, id string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) ItemSynced(collection, id string) {}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(collection, id string)

func (f NotifierFunc) ItemSynced(collection, id string) { f(collection, id) }

// Result summarizes one drain.
type Result struct {
	Delivered int
	Failed    int
	StartTime time.Time
	Duration  time.Duration
}

type drain struct {
	done   chan struct{}
	result Result
	err    error
}

// Coordinator drains unsynced records on trigger: reconnect, explicit user
// action, or a wake from the background proxy. Concurrent Drain calls
// collapse into the single in-flight drain; late callers wait on it and
// observe its result rather than starting a second pass.
type Coordinator struct {
	repo      *db.Repository
	deliverer Deliverer
	notifier  Notifier
	log       *zap.Logger

	mu       sync.Mutex
	inflight *drain
}

// NewCoordinator creates a Coordinator. A nil notifier discards
// notifications.
func NewCoordinator(repo *db.Repository, deliverer Deliverer, notifier Notifier, log *zap.Logger) *Coordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Coordinator{
		repo:      repo,
		deliverer: deliverer,
		notifier:  notifier,
		log:       log,
	}
}

// IsSyncing reports whether a drain is in flight.
func (c *Coordinator) IsSyncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Drain runs one full pass over all unsynced records. If a drain is already
// running, the call waits for it and returns its result.
func (c *Coordinator) Drain(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if d := c.inflight; d != nil {
		c.mu.Unlock()
		select {
		case <-d.done:
			return d.result, d.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	d := &drain{done: make(chan struct{})}
	c.inflight = d
	c.mu.Unlock()

	d.result, d.err = c.drainAll(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(d.done)

	return d.result, d.err
}

// drainAll processes the three collections independently. Within a collection
// records are attempted sequentially so the same record is never submitted
// twice concurrently.
func (c *Coordinator) drainAll(ctx context.Context) (Result, error) {
	result := Result{StartTime: time.Now()}

	var mu sync.Mutex
	var wg sync.WaitGroup
	tally := func(delivered, failed int) {
		mu.Lock()
		result.Delivered += delivered
		result.Failed += failed
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		tally(c.drainMessages(ctx))
	}()
	go func() {
		defer wg.Done()
		tally(c.drainListings(ctx))
	}()
	go func() {
		defer wg.Done()
		tally(c.drainQueue(ctx))
	}()
	wg.Wait()

	result.Duration = time.Since(result.StartTime)

	c.log.Info("drain completed",
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (c *Coordinator) drainMessages(ctx context.Context) (delivered, failed int) {
	msgs, err := c.repo.ListUnsyncedMessages()
	if err != nil {
		c.log.Error("failed to read unsynced messages", zap.Error(err))
		return 0, 0
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			return delivered, failed
		}
		if err := c.deliverer.DeliverMessage(ctx, m); err != nil {
			// Record stays unsynced for the next trigger.
			c.log.Debug("message delivery failed",
				zap.String("id", m.ID.String()), zap.Error(err))
			failed++
			continue
		}
		if err := c.repo.MarkMessageSynced(m.ID.String()); err != nil {
			c.log.Error("failed to mark message synced",
				zap.String("id", m.ID.String()), zap.Error(err))
			failed++
			continue
		}
		delivered++
		c.notifier.ItemSynced(CollectionMessages, m.ID.String())
	}
	return delivered, failed
}

func (c *Coordinator) drainListings(ctx context.Context) (delivered, failed int) {
	listings, err := c.repo.ListUnsyncedListings()
	if err != nil {
		c.log.Error("failed to read unsynced listings", zap.Error(err))
		return 0, 0
	}

	for _, l := range listings {
		if ctx.Err() != nil {
			return delivered, failed
		}
		if err := c.deliverer.DeliverListing(ctx, l); err != nil {
			c.log.Debug("listing delivery failed",
				zap.String("id", l.ID.String()), zap.Error(err))
			failed++
			continue
		}
		if err := c.repo.MarkListingSynced(l.ID.String()); err != nil {
			c.log.Error("failed to mark listing synced",
				zap.String("id", l.ID.String()), zap.Error(err))
			failed++
			continue
		}
		delivered++
		c.notifier.ItemSynced(CollectionListings, l.ID.String())
	}
	return delivered, failed
}

func (c *Coordinator) drainQueue(ctx context.Context) (delivered, failed int) {
	items, err := c.repo.ListReadyQueueItems(time.Now())
	if err != nil {
		c.log.Error("failed to read pending queue", zap.Error(err))
		return 0, 0
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return delivered, failed
		}
		if err := c.deliverer.DeliverQueueItem(ctx, item); err != nil {
			if ferr := c.repo.FailQueueItem(item.ID.String(), err); ferr != nil {
				c.log.Error("failed to record queue failure",
					zap.String("id", item.ID.String()), zap.Error(ferr))
			}
			c.log.Debug("queue item delivery failed",
				zap.String("id", item.ID.String()),
				zap.String("target", item.Target),
				zap.Error(err))
			failed++
			continue
		}
		if err := c.repo.CompleteQueueItem(item.ID.String()); err != nil {
			c.log.Error("failed to complete queue item",
				zap.String("id", item.ID.String()), zap.Error(err))
			failed++
			continue
		}
		delivered++
		c.notifier.ItemSynced(CollectionQueue, item.ID.String())
	}
	return delivered, failed
}
