package store

import (
	"context"
	"time"
)

// EnqueueEvent appends a signed event to the durable outbound queue. The
// enqueue is usually performed inside the same transaction as the job
// transition that produced the event.
func (s *Store) EnqueueEvent(ctx context.Context, eventID string, eventJSON []byte) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbound_queue (event_id, event_json, attempts, next_attempt, created_at)
		VALUES ($1,$2,0,now(),now())`,
		eventID, eventJSON)
	return err
}

// ClaimQueueBatch picks up to limit due items in FIFO order, locking them
// against concurrent consumers for the duration of the transaction.
func (s *Store) ClaimQueueBatch(ctx context.Context, limit int, now time.Time) ([]QueueItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, event_id, event_json, attempts, next_attempt, created_at
		FROM outbound_queue
		WHERE next_attempt <= $2
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.EventID, &it.EventJSON, &it.Attempts,
			&it.NextAttempt, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteQueueItem removes a delivered item.
func (s *Store) DeleteQueueItem(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM outbound_queue WHERE id = $1`, id)
	return err
}

// RescheduleQueueItem records a failed attempt and its backoff deadline.
func (s *Store) RescheduleQueueItem(ctx context.Context, id int64, attempts int, nextAttempt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbound_queue SET attempts = $2, next_attempt = $3 WHERE id = $1`,
		id, attempts, nextAttempt)
	return err
}

// QueueDepth returns the number of undelivered items.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM outbound_queue`).Scan(&n)
	return n, err
}
