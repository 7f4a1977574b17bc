package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/dvmesh/backend/internal/nostr"
)

// InsertRelayEvent persists an accepted event. Replaceable and
// parameterized-replaceable kinds collapse to the latest per natural key
// (pubkey, kind[, d-tag]): older rows sharing the key are deleted first,
// and an event older than the stored one is silently dropped.
func (s *Store) InsertRelayEvent(ctx context.Context, e *nostr.Event) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	dTag := ""
	if nostr.IsParamReplaceable(e.Kind) {
		dTag = e.Tags.First("d")
	}

	if nostr.IsReplaceable(e.Kind) || nostr.IsParamReplaceable(e.Kind) {
		var newest int64
		err := s.q.QueryRowContext(ctx, `
			SELECT COALESCE(max(created_at), 0) FROM relay_events
			WHERE pubkey = $1 AND kind = $2 AND d_tag = $3`,
			e.PubKey, e.Kind, dTag).Scan(&newest)
		if err != nil {
			return err
		}
		if newest > e.CreatedAt {
			return nil
		}
		if _, err := s.q.ExecContext(ctx, `
			DELETE FROM relay_events
			WHERE pubkey = $1 AND kind = $2 AND d_tag = $3`,
			e.PubKey, e.Kind, dTag); err != nil {
			return err
		}
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO relay_events (id, pubkey, created_at, kind, tags, content,
			sig, d_tag, stored_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content, e.Sig, dTag)
	return err
}

// DeleteRelayEventsByAuthor removes the referenced events when their author
// publishes a kind-5 deletion.
func (s *Store) DeleteRelayEventsByAuthor(ctx context.Context, author string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM relay_events WHERE pubkey = $1 AND id = ANY($2)`,
		author, pq.Array(eventIDs))
	return err
}

// QueryRelayEvents returns stored events matching the filter, newest first.
func (s *Store) QueryRelayEvents(ctx context.Context, f *nostr.Filter) ([]nostr.Event, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.IDs) > 0 {
		conds = append(conds, "id = ANY("+arg(pq.Array(f.IDs))+")")
	}
	if len(f.Authors) > 0 {
		conds = append(conds, "pubkey = ANY("+arg(pq.Array(f.Authors))+")")
	}
	if len(f.Kinds) > 0 {
		kinds := make([]int64, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int64(k)
		}
		conds = append(conds, "kind = ANY("+arg(pq.Array(kinds))+")")
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= "+arg(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at <= "+arg(*f.Until))
	}
	for name, values := range f.Tags {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM jsonb_array_elements(tags) t
			WHERE t->>0 = `+arg(name)+` AND t->>1 = ANY(`+arg(pq.Array(values))+`))`)
	}

	query := `SELECT id, pubkey, created_at, kind, tags, content, sig FROM relay_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query += " LIMIT " + arg(limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []nostr.Event
	for rows.Next() {
		var e nostr.Event
		var tags []byte
		if err := rows.Scan(&e.ID, &e.PubKey, &e.CreatedAt, &e.Kind, &tags,
			&e.Content, &e.Sig); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tags, &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneRelayEvents removes non-replaceable events older than the cutoff.
func (s *Store) PruneRelayEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM relay_events
		WHERE stored_at < $1
		  AND NOT (kind = 0 OR kind = 3
			OR (kind >= 10000 AND kind <= 19999)
			OR (kind >= 30000 AND kind <= 39999))`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddZapCredit accumulates zap-receipt value seen for an external author
// against the relay's own identity; the zap gate reads it back.
func (s *Store) AddZapCredit(ctx context.Context, pubkey string, msats int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO relay_zap_credits (pubkey, total_msats, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (pubkey) DO UPDATE SET
			total_msats = relay_zap_credits.total_msats + EXCLUDED.total_msats,
			updated_at = now()`,
		pubkey, msats)
	return err
}

// ZapCredit returns the accumulated zap value for a pubkey.
func (s *Store) ZapCredit(ctx context.Context, pubkey string) (int64, error) {
	var msats int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT total_msats FROM relay_zap_credits WHERE pubkey = $1), 0)`,
		pubkey).Scan(&msats)
	return msats, err
}
