package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const agentCols = `id, username, pubkey, enc_privkey, enc_privkey_iv, api_key_hash,
	lightning_address, enc_nwc_uri, enc_nwc_uri_iv, role, display_name, online,
	last_seen_at, created_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	var a Agent
	var lastSeen sql.NullTime
	err := row.Scan(&a.ID, &a.Username, &a.Pubkey, &a.EncPrivKey, &a.EncPrivKeyIV,
		&a.APIKeyHash, &a.LightningAddress, &a.EncNWCURI, &a.EncNWCURIIV,
		&a.Role, &a.DisplayName, &a.Online, &lastSeen, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return &a, nil
}

// CreateAgent inserts a new agent row. Username and pubkey are unique.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO agents (id, username, pubkey, enc_privkey, enc_privkey_iv,
			api_key_hash, lightning_address, enc_nwc_uri, enc_nwc_uri_iv,
			role, display_name, online, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,now())`,
		a.ID, a.Username, a.Pubkey, a.EncPrivKey, a.EncPrivKeyIV,
		a.APIKeyHash, a.LightningAddress, a.EncNWCURI, a.EncNWCURIIV,
		a.Role, a.DisplayName)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetAgent fetches an agent by local id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
}

// GetAgentByUsername fetches an agent by handle.
func (s *Store) GetAgentByUsername(ctx context.Context, username string) (*Agent, error) {
	return scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE username = $1`, username))
}

// GetAgentByPubkey fetches an agent by its public key.
func (s *Store) GetAgentByPubkey(ctx context.Context, pubkey string) (*Agent, error) {
	return scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE pubkey = $1`, pubkey))
}

// GetAgentByAPIKeyHash resolves a bearer-token digest to its agent.
func (s *Store) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error) {
	return scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE api_key_hash = $1`, hash))
}

// AgentPubkeyExists reports whether a pubkey belongs to a registered agent.
// The relay admission pipeline uses this to classify authors.
func (s *Store) AgentPubkeyExists(ctx context.Context, pubkey string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM agents WHERE pubkey = $1)`, pubkey).Scan(&exists)
	return exists, err
}

// UpdateAgentProfile updates the agent-mutable profile fields.
func (s *Store) UpdateAgentProfile(ctx context.Context, a *Agent) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE agents SET lightning_address = $2, enc_nwc_uri = $3,
			enc_nwc_uri_iv = $4, display_name = $5
		WHERE id = $1`,
		a.ID, a.LightningAddress, a.EncNWCURI, a.EncNWCURIIV, a.DisplayName)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListAgentPubkeys returns every registered pubkey.
func (s *Store) ListAgentPubkeys(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT pubkey FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// ListAgents returns every agent, paged.
func (s *Store) ListAgents(ctx context.Context, limit, offset int) ([]Agent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+agentCols+` FROM agents ORDER BY created_at LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TouchAgentSeen marks an agent online with a fresh last-seen stamp.
func (s *Store) TouchAgentSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE agents SET online = true, last_seen_at = $2 WHERE id = $1`, userID, at)
	return err
}

// MarkAgentsOffline flips online=false for agents silent since the cutoff.
func (s *Store) MarkAgentsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE agents SET online = false
		 WHERE online = true AND (last_seen_at IS NULL OR last_seen_at < $1)`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
