// Package queue delivers signed events to the configured relay set with
// at-least-once semantics. The queue itself is a durable Postgres table so
// a crash between enqueue and publish loses nothing; the worker drains it
// in FIFO batches.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dvmesh/backend/internal/nostr"
)

// Sink is the durable destination for outbound events; *store.Store
// satisfies it in and out of a transaction.
type Sink interface {
	EnqueueEvent(ctx context.Context, eventID string, eventJSON []byte) error
}

// Enqueue makes the events durable on the given store view. Passing a
// transactional store ties the enqueue to the caller's transaction, which is
// how job transitions and their outbound events commit atomically.
func Enqueue(ctx context.Context, st Sink, events ...*nostr.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		if err := st.EnqueueEvent(ctx, ev.ID, payload); err != nil {
			return fmt.Errorf("enqueue event %s: %w", ev.ID, err)
		}
	}
	return nil
}
