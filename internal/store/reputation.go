package store

import (
	"context"
)

// UpsertTrust records a (truster, target) declaration; idempotent per pair.
func (s *Store) UpsertTrust(ctx context.Context, t *TrustDeclaration) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO trust_declarations (truster_user_id, target_pubkey, event_id, created_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (truster_user_id, target_pubkey)
		DO UPDATE SET event_id = EXCLUDED.event_id`,
		t.TrusterUserID, t.TargetPubkey, t.EventID)
	return err
}

// DeleteTrust revokes a declaration.
func (s *Store) DeleteTrust(ctx context.Context, trusterUserID, targetPubkey string) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM trust_declarations
		WHERE truster_user_id = $1 AND target_pubkey = $2`,
		trusterUserID, targetPubkey)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountTrustedBy counts distinct trusters of a target.
func (s *Store) CountTrustedBy(ctx context.Context, targetPubkey string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `
		SELECT count(DISTINCT truster_user_id) FROM trust_declarations
		WHERE target_pubkey = $1`, targetPubkey).Scan(&n)
	return n, err
}

// CountTrustedByFollows counts trusters of target whose own pubkey is in the
// viewer's follow set.
func (s *Store) CountTrustedByFollows(ctx context.Context, targetPubkey, viewerUserID string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `
		SELECT count(DISTINCT t.truster_user_id)
		FROM trust_declarations t
		JOIN agents a ON a.id = t.truster_user_id
		JOIN follows f ON f.pubkey = a.pubkey AND f.user_id = $2
		WHERE t.target_pubkey = $1`, targetPubkey, viewerUserID).Scan(&n)
	return n, err
}

// InsertReportOnce stores a report, idempotent on the source event id.
func (s *Store) InsertReportOnce(ctx context.Context, r *Report) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reports (event_id, reporter_pubkey, target_pubkey,
			report_type, target_event_id, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (event_id) DO NOTHING`,
		r.EventID, r.ReporterPubkey, r.TargetPubkey, r.ReportType, r.TargetEventID)
	return err
}

// CountDistinctReporters counts distinct reporter pubkeys against a target.
func (s *Store) CountDistinctReporters(ctx context.Context, targetPubkey string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `
		SELECT count(DISTINCT reporter_pubkey) FROM reports
		WHERE target_pubkey = $1`, targetPubkey).Scan(&n)
	return n, err
}

// InsertReviewOnce stores a review, once per (job, reviewer).
func (s *Store) InsertReviewOnce(ctx context.Context, r *Review) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reviews (id, job_id, job_event_id, reviewer_pubkey,
			target_pubkey, rating, role, kind, event_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (job_id, reviewer_pubkey) DO NOTHING`,
		r.ID, r.JobID, r.JobEventID, r.ReviewerPubkey, r.TargetPubkey,
		r.Rating, r.Role, r.Kind, r.EventID)
	return err
}

// ReviewStats returns (avg rating, count) for a target pubkey.
func (s *Store) ReviewStats(ctx context.Context, targetPubkey string) (float64, int64, error) {
	var avg float64
	var count int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(avg(rating), 0), count(*) FROM reviews
		WHERE target_pubkey = $1`, targetPubkey).Scan(&avg, &count)
	return avg, count, err
}
