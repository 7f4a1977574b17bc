package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

const jobCols = `id, user_id, role, kind, status, input, input_type, output,
	params, bid_msats, price_msats, customer_pubkey, provider_pubkey,
	request_event_id, result_event_id, event_id, result, bolt11, payment_hash,
	swarm_id, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var params []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Role, &j.Kind, &j.Status, &j.Input,
		&j.InputType, &j.Output, &params, &j.BidMsats, &j.PriceMsats,
		&j.CustomerPubkey, &j.ProviderPubkey, &j.RequestEventID,
		&j.ResultEventID, &j.EventID, &j.Result, &j.Bolt11, &j.PaymentHash,
		&j.SwarmID, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, fmt.Errorf("decode job params: %w", err)
		}
	}
	return &j, nil
}

// CreateJob inserts a job row. A unique index on
// (request_event_id, user_id, role) where status in (open, processing)
// prevents duplicate active provider rows for one request.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}
	if j.Params == nil {
		params = []byte("{}")
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, role, kind, status, input, input_type,
			output, params, bid_msats, price_msats, customer_pubkey,
			provider_pubkey, request_event_id, result_event_id, event_id,
			result, bolt11, payment_hash, swarm_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,now(),now())`,
		j.ID, j.UserID, j.Role, j.Kind, j.Status, j.Input, j.InputType,
		j.Output, params, j.BidMsats, j.PriceMsats, j.CustomerPubkey,
		j.ProviderPubkey, j.RequestEventID, j.ResultEventID, j.EventID,
		j.Result, j.Bolt11, j.PaymentHash, j.SwarmID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.q.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
}

// GetCustomerJobByRequest returns the single customer row for a request.
func (s *Store) GetCustomerJobByRequest(ctx context.Context, requestEventID string) (*Job, error) {
	return scanJob(s.q.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE request_event_id = $1 AND role = 'customer'`,
		requestEventID))
}

// GetProviderJobForUser returns this user's latest provider row for a
// request, regardless of status.
func (s *Store) GetProviderJobForUser(ctx context.Context, requestEventID, userID string) (*Job, error) {
	return scanJob(s.q.QueryRowContext(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE request_event_id = $1 AND user_id = $2 AND role = 'provider'
		ORDER BY created_at DESC LIMIT 1`,
		requestEventID, userID))
}

// ListProviderJobsByRequest returns every provider row for a request.
func (s *Store) ListProviderJobsByRequest(ctx context.Context, requestEventID string) ([]Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE request_event_id = $1 AND role = 'provider'
		ORDER BY created_at`, requestEventID)
}

// ListJobs returns a user's jobs in one projection, optionally filtered by
// status and kind.
func (s *Store) ListJobs(ctx context.Context, userID, role, status string, kind, limit, offset int) ([]Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE user_id = $1 AND role = $2
		  AND ($3 = '' OR status = $3)
		  AND ($4 = 0 OR kind = $4)
		ORDER BY created_at DESC LIMIT $5 OFFSET $6`,
		userID, role, status, kind, limit, offset)
}

// ListOpenMarket lists open customer jobs, excluding the viewer's own.
func (s *Store) ListOpenMarket(ctx context.Context, kind int, excludeUserID string, limit, offset int) ([]Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE role = 'customer' AND status = 'open'
		  AND ($1 = 0 OR kind = $1)
		  AND ($2 = '' OR user_id <> $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		kind, excludeUserID, limit, offset)
}

// ListOpenRequestEventIDs returns request ids of customer jobs still waiting
// for a result. The dvm-results poller subscribes on these.
func (s *Store) ListOpenRequestEventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT request_event_id FROM jobs
		WHERE role = 'customer' AND status IN ('open','processing')
		  AND request_event_id <> ''`)
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

// ListCustomerJobsByUserStatus returns a user's customer rows in one status.
// Used by the board-results scanner.
func (s *Store) ListCustomerJobsByUserStatus(ctx context.Context, userID, status string) ([]Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE user_id = $1 AND role = 'customer' AND status = $2
		ORDER BY created_at`, userID, status)
}

// UpdateJob persists every mutable job field. When fromStatuses is non-empty
// the update only applies while the row still holds one of those statuses;
// a miss returns ErrConflict. This is the optimistic guard that serializes
// transitions per row.
func (s *Store) UpdateJob(ctx context.Context, j *Job, fromStatuses ...string) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}
	if j.Params == nil {
		params = []byte("{}")
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE jobs SET status = $2, input = $3, params = $4, bid_msats = $5,
			price_msats = $6, provider_pubkey = $7, result_event_id = $8,
			result = $9, bolt11 = $10, payment_hash = $11, updated_at = now()
		WHERE id = $1
		  AND (cardinality($12::text[]) = 0 OR status = ANY($12))`,
		j.ID, j.Status, j.Input, params, j.BidMsats, j.PriceMsats,
		j.ProviderPubkey, j.ResultEventID, j.Result, j.Bolt11, j.PaymentHash,
		pq.Array(fromStatuses))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if len(fromStatuses) > 0 {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

// SetJobPaymentHash records the settlement preimage on its own, outside the
// completion transaction, as soon as the payment clears. A completion retry
// sees the hash and must not pay again.
func (s *Store) SetJobPaymentHash(ctx context.Context, id, preimage string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE jobs SET payment_hash = $2, updated_at = now() WHERE id = $1`,
		id, preimage)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectedProviderUserIDs returns users whose provider row for this request
// was rejected; a re-fan-out must skip them.
func (s *Store) RejectedProviderUserIDs(ctx context.Context, requestEventID string) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM jobs
		WHERE request_event_id = $1 AND role = 'provider' AND status = 'rejected'`,
		requestEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]Job, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
