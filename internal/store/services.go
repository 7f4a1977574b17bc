package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const serviceCols = `id, user_id, pubkey, kinds, description, price_min_msats,
	price_max_msats, direct_request_enabled, active, jobs_completed,
	jobs_rejected, total_earned_msats, total_zap_received, avg_response_ms,
	last_job_at, last_handler_event_id, created_at, updated_at`

func scanService(row interface{ Scan(...interface{}) error }) (*Service, error) {
	var sv Service
	var lastJob sql.NullTime
	err := row.Scan(&sv.ID, &sv.UserID, &sv.Pubkey, pq.Array(&sv.Kinds),
		&sv.Description, &sv.PriceMinMsats, &sv.PriceMaxMsats,
		&sv.DirectRequestEnabled, &sv.Active, &sv.JobsCompleted,
		&sv.JobsRejected, &sv.TotalEarnedMsats, &sv.TotalZapReceived,
		&sv.AvgResponseMs, &lastJob, &sv.LastHandlerEventID,
		&sv.CreatedAt, &sv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan service: %w", err)
	}
	if lastJob.Valid {
		sv.LastJobAt = &lastJob.Time
	}
	return &sv, nil
}

// CreateService inserts the provider's service registration; unique per user.
func (s *Store) CreateService(ctx context.Context, sv *Service) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO services (id, user_id, pubkey, kinds, description,
			price_min_msats, price_max_msats, direct_request_enabled, active,
			last_handler_event_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())`,
		sv.ID, sv.UserID, sv.Pubkey, pq.Array(sv.Kinds), sv.Description,
		sv.PriceMinMsats, sv.PriceMaxMsats, sv.DirectRequestEnabled,
		sv.Active, sv.LastHandlerEventID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UpdateService replaces the registration's mutable fields.
func (s *Store) UpdateService(ctx context.Context, sv *Service) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE services SET kinds = $2, description = $3, price_min_msats = $4,
			price_max_msats = $5, direct_request_enabled = $6, active = $7,
			last_handler_event_id = $8, updated_at = now()
		WHERE user_id = $1`,
		sv.UserID, pq.Array(sv.Kinds), sv.Description, sv.PriceMinMsats,
		sv.PriceMaxMsats, sv.DirectRequestEnabled, sv.Active,
		sv.LastHandlerEventID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetServiceByUserID fetches a provider's registration.
func (s *Store) GetServiceByUserID(ctx context.Context, userID string) (*Service, error) {
	return scanService(s.q.QueryRowContext(ctx,
		`SELECT `+serviceCols+` FROM services WHERE user_id = $1`, userID))
}

// GetServiceByPubkey fetches a registration by provider pubkey.
func (s *Store) GetServiceByPubkey(ctx context.Context, pubkey string) (*Service, error) {
	return scanService(s.q.QueryRowContext(ctx,
		`SELECT `+serviceCols+` FROM services WHERE pubkey = $1`, pubkey))
}

// ListActiveServicesForKind returns active registrations serving a kind.
// Fan-out iterates this set.
func (s *Store) ListActiveServicesForKind(ctx context.Context, kind int) ([]Service, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+serviceCols+` FROM services WHERE active AND $1 = ANY(kinds)`,
		int64(kind))
	if err != nil {
		return nil, err
	}
	return collectServices(rows)
}

// ListServices returns registrations, paged.
func (s *Store) ListServices(ctx context.Context, limit, offset int) ([]Service, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+serviceCols+` FROM services ORDER BY created_at LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	return collectServices(rows)
}

// ListProviderPubkeys returns every registered provider pubkey; pollers
// build #p filters from this set.
func (s *Store) ListProviderPubkeys(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT pubkey FROM services WHERE active`)
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

// ListProviderKinds returns the distinct kinds any active service serves.
func (s *Store) ListProviderKinds(ctx context.Context) ([]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT DISTINCT unnest(kinds) FROM services WHERE active ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var k int
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RecordServiceCompletion folds one completed job into the provider's
// cumulative stats. The running response-time average is recomputed from the
// previous average and count.
func (s *Store) RecordServiceCompletion(ctx context.Context, userID string, earnedMsats int64, responseMs int64, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE services SET
			avg_response_ms = CASE WHEN jobs_completed = 0 THEN $3
				ELSE (avg_response_ms * jobs_completed + $3) / (jobs_completed + 1) END,
			jobs_completed = jobs_completed + 1,
			total_earned_msats = total_earned_msats + $2,
			last_job_at = $4,
			updated_at = now()
		WHERE user_id = $1`,
		userID, earnedMsats, responseMs, at)
	return err
}

// RecordServiceRejection bumps the rejection counter.
func (s *Store) RecordServiceRejection(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE services SET jobs_rejected = jobs_rejected + 1, updated_at = now()
		WHERE user_id = $1`, userID)
	return err
}

// AddServiceEarnings adds a settled payout to the provider's earnings total.
// Completion counts accrue at result submission; earnings only at settlement.
func (s *Store) AddServiceEarnings(ctx context.Context, userID string, msats int64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE services SET total_earned_msats = total_earned_msats + $2,
			updated_at = now()
		WHERE user_id = $1`, userID, msats)
	return err
}

// AddZapReceived adds a zap amount to the provider's running total. The
// total is additive only; it is never recomputed from scratch.
func (s *Store) AddZapReceived(ctx context.Context, pubkey string, msats int64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE services SET total_zap_received = total_zap_received + $2,
			updated_at = now()
		WHERE pubkey = $1`, pubkey, msats)
	return err
}

func collectServices(rows *sql.Rows) ([]Service, error) {
	defer rows.Close()
	var out []Service
	for rows.Next() {
		sv, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sv)
	}
	return out, rows.Err()
}
