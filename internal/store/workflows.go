package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateWorkflow inserts a workflow envelope with its steps.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workflows (id, user_id, status, input, bid_msats, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())`,
		w.ID, w.UserID, w.Status, w.Input, w.BidMsats)
	if err != nil {
		return err
	}
	for _, step := range w.Steps {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO workflow_steps (workflow_id, step_index, kind,
				description, provider, input, output, job_id, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			w.ID, step.Index, step.Kind, step.Description, step.Provider,
			step.Input, step.Output, step.JobID, step.Status)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// GetWorkflow fetches a workflow with its steps in index order.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, status, input, bid_msats, created_at, updated_at
		FROM workflows WHERE id = $1`, id).
		Scan(&w.ID, &w.UserID, &w.Status, &w.Input, &w.BidMsats, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT workflow_id, step_index, kind, description, provider, input,
			output, job_id, status
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st WorkflowStep
		if err := rows.Scan(&st.WorkflowID, &st.Index, &st.Kind, &st.Description,
			&st.Provider, &st.Input, &st.Output, &st.JobID, &st.Status); err != nil {
			return nil, err
		}
		w.Steps = append(w.Steps, st)
	}
	return &w, rows.Err()
}

// GetWorkflowStepByJobID resolves the step a DVM job belongs to, if any.
func (s *Store) GetWorkflowStepByJobID(ctx context.Context, jobID string) (*WorkflowStep, error) {
	var st WorkflowStep
	err := s.q.QueryRowContext(ctx, `
		SELECT workflow_id, step_index, kind, description, provider, input,
			output, job_id, status
		FROM workflow_steps WHERE job_id = $1`, jobID).
		Scan(&st.WorkflowID, &st.Index, &st.Kind, &st.Description, &st.Provider,
			&st.Input, &st.Output, &st.JobID, &st.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateWorkflowStatus sets the envelope status.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id, status string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE workflows SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateWorkflowStep persists a step's mutable fields.
func (s *Store) UpdateWorkflowStep(ctx context.Context, st *WorkflowStep) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE workflow_steps SET input = $3, output = $4, job_id = $5, status = $6
		WHERE workflow_id = $1 AND step_index = $2`,
		st.WorkflowID, st.Index, st.Input, st.Output, st.JobID, st.Status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("workflow %s step %d: %w", st.WorkflowID, st.Index, ErrNotFound)
	}
	return nil
}
