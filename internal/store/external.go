package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// UpsertExternalDVM records a handler-info event from a non-local agent,
// latest-wins by event timestamp per (pubkey, d_tag).
func (s *Store) UpsertExternalDVM(ctx context.Context, d *ExternalDVM) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO external_dvms (pubkey, d_tag, kinds, content, event_id,
			event_created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (pubkey, d_tag) DO UPDATE SET
			kinds = EXCLUDED.kinds,
			content = EXCLUDED.content,
			event_id = EXCLUDED.event_id,
			event_created_at = EXCLUDED.event_created_at,
			updated_at = now()
		WHERE external_dvms.event_created_at < EXCLUDED.event_created_at`,
		d.Pubkey, d.DTag, pq.Array(d.Kinds), d.Content, d.EventID, d.EventCreatedAt)
	return err
}

// ListExternalDVMs returns known external handlers, newest first.
func (s *Store) ListExternalDVMs(ctx context.Context, limit, offset int) ([]ExternalDVM, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT pubkey, d_tag, kinds, content, event_id, event_created_at, updated_at
		FROM external_dvms ORDER BY event_created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExternalDVM
	for rows.Next() {
		var d ExternalDVM
		if err := rows.Scan(&d.Pubkey, &d.DTag, pq.Array(&d.Kinds), &d.Content,
			&d.EventID, &d.EventCreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertHeartbeat stores the latest liveness beacon per user.
func (s *Store) UpsertHeartbeat(ctx context.Context, h *Heartbeat) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO heartbeats (user_id, pubkey, status, capacity, kinds,
			event_id, last_seen, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			capacity = EXCLUDED.capacity,
			kinds = EXCLUDED.kinds,
			event_id = EXCLUDED.event_id,
			last_seen = EXCLUDED.last_seen,
			updated_at = now()`,
		h.UserID, h.Pubkey, h.Status, h.Capacity, pq.Array(h.Kinds),
		h.EventID, h.LastSeen)
	return err
}

// GetHeartbeat returns the latest beacon for a user.
func (s *Store) GetHeartbeat(ctx context.Context, userID string) (*Heartbeat, error) {
	var h Heartbeat
	err := s.q.QueryRowContext(ctx, `
		SELECT user_id, pubkey, status, capacity, kinds, event_id, last_seen, updated_at
		FROM heartbeats WHERE user_id = $1`, userID).
		Scan(&h.UserID, &h.Pubkey, &h.Status, &h.Capacity, pq.Array(&h.Kinds),
			&h.EventID, &h.LastSeen, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// StaleHeartbeatUserIDs returns users whose beacon is older than the cutoff.
func (s *Store) StaleHeartbeatUserIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT user_id FROM heartbeats WHERE last_seen < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
