package queue

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/dvmesh/backend/internal/metrics"
	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/store"
)

const (
	batchSize   = 50
	pollPeriod  = 5 * time.Second
	claimLease  = 5 * time.Minute
	maxAttempts = 10
	baseBackoff = 10 * time.Second
	maxBackoff  = 30 * time.Minute
	ackTimeout  = 10 * time.Second
)

// Publisher is the per-relay send path; satisfied by relayclient.Client.
type Publisher interface {
	Publish(ctx context.Context, relayURL string, ev *nostr.Event) (accepted bool, message string, err error)
}

// Worker drains the outbound queue. One Worker instance runs per process;
// within a batch the enqueue order is preserved.
type Worker struct {
	store       *store.Store
	publisher   Publisher
	relays      []string
	concurrency int
	logger      *log.Logger
}

// NewWorker wires a queue worker against the relay set.
func NewWorker(st *store.Store, pub Publisher, relays []string, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		store:       st,
		publisher:   pub,
		relays:      relays,
		concurrency: concurrency,
		logger:      log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Run drains batches until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil {
				w.logger.Printf("drain failed: %v", err)
			}
		}
	}
}

// drainOnce claims one due batch under a short lease and publishes it. The
// lease keeps a second consumer (another pod) from double-claiming while
// this one is mid-flight; a crash simply lets the lease expire and the batch
// redelivers, which relays dedupe by event id.
func (w *Worker) drainOnce(ctx context.Context) error {
	var batch []store.QueueItem
	err := w.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		batch, err = tx.ClaimQueueBatch(ctx, batchSize, time.Now())
		if err != nil {
			return err
		}
		for _, it := range batch {
			if err := tx.RescheduleQueueItem(ctx, it.ID, it.Attempts, time.Now().Add(claimLease)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, item := range batch {
		w.deliver(ctx, item)
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, item store.QueueItem) {
	var ev nostr.Event
	if err := json.Unmarshal(item.EventJSON, &ev); err != nil {
		// A corrupt payload can never succeed; drop it rather than retry forever.
		w.logger.Printf("dropping corrupt queue item %d: %v", item.ID, err)
		w.store.DeleteQueueItem(ctx, item.ID)
		return
	}

	accepted := w.fanOut(ctx, &ev)
	if accepted {
		metrics.QueueDelivered.Inc()
		if err := w.store.DeleteQueueItem(ctx, item.ID); err != nil {
			w.logger.Printf("delete delivered item %d: %v", item.ID, err)
		}
		return
	}

	attempts := item.Attempts + 1
	if attempts >= maxAttempts {
		metrics.QueueAbandoned.Inc()
		w.logger.Printf("⚠️  giving up on event %s after %d attempts", ev.ID, attempts)
		w.store.DeleteQueueItem(ctx, item.ID)
		return
	}
	backoff := baseBackoff << (attempts - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	metrics.QueueRetried.Inc()
	if err := w.store.RescheduleQueueItem(ctx, item.ID, attempts, time.Now().Add(backoff)); err != nil {
		w.logger.Printf("reschedule item %d: %v", item.ID, err)
	}
}

// fanOut publishes to every relay under the concurrency cap. Delivery
// succeeds when at least one relay accepts.
func (w *Worker) fanOut(ctx context.Context, ev *nostr.Event) bool {
	sem := make(chan struct{}, w.concurrency)
	results := make(chan bool, len(w.relays))
	var wg sync.WaitGroup

	for _, relay := range w.relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, ackTimeout)
			defer cancel()
			accepted, msg, err := w.publisher.Publish(callCtx, relayURL, ev)
			if err != nil {
				w.logger.Printf("publish %s to %s: %v", ev.ID, relayURL, err)
				results <- false
				return
			}
			if !accepted {
				w.logger.Printf("relay %s refused %s: %s", relayURL, ev.ID, msg)
			}
			results <- accepted
		}(relay)
	}
	wg.Wait()
	close(results)

	for ok := range results {
		if ok {
			return true
		}
	}
	return false
}
