package store

import "context"

// UpsertSwarmSubmission records one provider's entry, unique per
// (swarm, provider); a resubmission replaces the previous content.
func (s *Store) UpsertSwarmSubmission(ctx context.Context, sub *SwarmSubmission) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO swarm_submissions (swarm_id, provider_pubkey, content,
			bolt11, price_msats, event_id, winner, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,false,now())
		ON CONFLICT (swarm_id, provider_pubkey) DO UPDATE SET
			content = EXCLUDED.content,
			bolt11 = EXCLUDED.bolt11,
			price_msats = EXCLUDED.price_msats,
			event_id = EXCLUDED.event_id`,
		sub.SwarmID, sub.ProviderPubkey, sub.Content, sub.Bolt11,
		sub.PriceMsats, sub.EventID)
	return err
}

// ListSwarmSubmissions returns all entries for a swarm in arrival order.
func (s *Store) ListSwarmSubmissions(ctx context.Context, swarmID string) ([]SwarmSubmission, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT swarm_id, provider_pubkey, content, bolt11, price_msats,
			event_id, winner, created_at
		FROM swarm_submissions WHERE swarm_id = $1 ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SwarmSubmission
	for rows.Next() {
		var sub SwarmSubmission
		if err := rows.Scan(&sub.SwarmID, &sub.ProviderPubkey, &sub.Content,
			&sub.Bolt11, &sub.PriceMsats, &sub.EventID, &sub.Winner,
			&sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetSwarmSubmission fetches one provider's entry.
func (s *Store) GetSwarmSubmission(ctx context.Context, swarmID, providerPubkey string) (*SwarmSubmission, error) {
	subs, err := s.ListSwarmSubmissions(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ProviderPubkey == providerPubkey {
			return &subs[i], nil
		}
	}
	return nil, ErrNotFound
}

// MarkSwarmWinner flags exactly one submission as the winner. Selecting a
// second winner for the same swarm is a conflict.
func (s *Store) MarkSwarmWinner(ctx context.Context, swarmID, providerPubkey string) error {
	var already bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM swarm_submissions WHERE swarm_id = $1 AND winner)`,
		swarmID).Scan(&already)
	if err != nil {
		return err
	}
	if already {
		return ErrConflict
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE swarm_submissions SET winner = true
		WHERE swarm_id = $1 AND provider_pubkey = $2`,
		swarmID, providerPubkey)
	if err != nil {
		return err
	}
	return requireRow(res)
}
