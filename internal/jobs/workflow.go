package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

// WorkflowStepInput describes one stage of a workflow chain.
type WorkflowStepInput struct {
	Kind        int
	Description string
	Provider    string
}

// CreateWorkflowInput is the payload of a new workflow.
type CreateWorkflowInput struct {
	Input    string
	Steps    []WorkflowStepInput
	BidMsats int64
}

// CreateWorkflow writes the workflow with all its steps and posts step 0 as
// a live DVM request. Each step gets an equal share of the total bid.
func (e *Engine) CreateWorkflow(ctx context.Context, agent *store.Agent, in CreateWorkflowInput) (*store.Workflow, error) {
	if in.Input == "" {
		return nil, validation("input is required")
	}
	if len(in.Steps) == 0 {
		return nil, validation("at least one step is required")
	}
	for i, step := range in.Steps {
		if !nostr.IsJobRequest(step.Kind) {
			return nil, validation("step %d kind %d is not in the DVM request range", i, step.Kind)
		}
	}

	stepBid := in.BidMsats / int64(len(in.Steps))
	w := &store.Workflow{
		ID:       uuid.NewString(),
		UserID:   agent.ID,
		Status:   StatusProcessing,
		Input:    in.Input,
		BidMsats: in.BidMsats,
	}
	for i, step := range in.Steps {
		st := store.WorkflowStep{
			WorkflowID:  w.ID,
			Index:       i,
			Kind:        step.Kind,
			Description: step.Description,
			Provider:    step.Provider,
			Status:      "pending",
		}
		if i == 0 {
			st.Input = in.Input
		}
		w.Steps = append(w.Steps, st)
	}

	firstJob, firstEvent, err := e.buildStepJob(agent, &w.Steps[0], stepBid)
	if err != nil {
		return nil, err
	}
	w.Steps[0].JobID = firstJob.ID
	w.Steps[0].Status = StatusOpen

	err = e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateWorkflow(ctx, w); err != nil {
			return err
		}
		if err := tx.CreateJob(ctx, firstJob); err != nil {
			return err
		}
		if firstJob.ProviderPubkey == "" {
			if err := e.fanOut(ctx, tx, firstJob, nil); err != nil {
				return err
			}
		}
		return queue.Enqueue(ctx, tx, firstEvent)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("workflow created", "workflow_id", w.ID, "steps", len(w.Steps))
	return w, nil
}

// buildStepJob signs a step's DVM request and shapes its customer job row.
func (e *Engine) buildStepJob(agent *store.Agent, step *store.WorkflowStep, bidMsats int64) (*store.Job, *nostr.Event, error) {
	providerPubkey := step.Provider
	if decoded, err := nostr.DecodeNpub(step.Provider); err == nil {
		providerPubkey = decoded
	}
	ev, err := signer.JobRequest(step.Kind, step.Input, "text", "", bidMsats, nil, providerPubkey)
	if err != nil {
		return nil, nil, validation("%v", err)
	}
	if err := e.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
		return nil, nil, fmt.Errorf("sign workflow step request: %w", err)
	}
	job := &store.Job{
		ID:             uuid.NewString(),
		UserID:         agent.ID,
		Role:           RoleCustomer,
		Kind:           step.Kind,
		Status:         StatusOpen,
		Input:          step.Input,
		InputType:      "text",
		BidMsats:       bidMsats,
		CustomerPubkey: agent.Pubkey,
		ProviderPubkey: providerPubkey,
		RequestEventID: ev.ID,
		EventID:        ev.ID,
	}
	return job, ev, nil
}

// advanceWorkflow reacts to a result landing on a customer job that belongs
// to a workflow step: the step completes, its output becomes the next step's
// input, and the next request goes out. The final step completes the whole
// workflow. Jobs outside any workflow are a no-op.
func (e *Engine) advanceWorkflow(ctx context.Context, tx Store, job *store.Job) error {
	step, err := tx.GetWorkflowStepByJobID(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if step.Status == StatusCompleted {
		return nil
	}

	step.Status = StatusCompleted
	step.Output = job.Result
	if err := tx.UpdateWorkflowStep(ctx, step); err != nil {
		return err
	}

	w, err := tx.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return err
	}
	if step.Index+1 >= len(w.Steps) {
		return tx.UpdateWorkflowStatus(ctx, w.ID, StatusCompleted)
	}

	owner, err := tx.GetAgent(ctx, w.UserID)
	if err != nil {
		return err
	}
	next := w.Steps[step.Index+1]
	next.Input = step.Output
	stepBid := w.BidMsats / int64(len(w.Steps))
	nextJob, nextEvent, err := e.buildStepJob(owner, &next, stepBid)
	if err != nil {
		return err
	}
	next.JobID = nextJob.ID
	next.Status = StatusOpen
	if err := tx.UpdateWorkflowStep(ctx, &next); err != nil {
		return err
	}
	if err := tx.CreateJob(ctx, nextJob); err != nil {
		return err
	}
	if nextJob.ProviderPubkey == "" {
		if err := e.fanOut(ctx, tx, nextJob, nil); err != nil {
			return err
		}
	}
	return queue.Enqueue(ctx, tx, nextEvent)
}
