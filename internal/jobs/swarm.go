package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

// PostSwarmInput is the payload of a new swarm task: one input fanned out to
// independent provider slots, with a single winner paid at selection.
type PostSwarmInput struct {
	Input       string
	BidMsats    int64
	JudgePubkey string
}

// PostSwarm publishes a swarm task and writes its customer job.
func (e *Engine) PostSwarm(ctx context.Context, agent *store.Agent, in PostSwarmInput) (*store.Job, error) {
	if in.Input == "" {
		return nil, validation("input is required")
	}

	swarmID := uuid.NewString()
	ev := signer.SwarmRequest(in.Input, swarmID, in.JudgePubkey, in.BidMsats)
	if err := e.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
		return nil, fmt.Errorf("sign swarm request: %w", err)
	}

	job := &store.Job{
		ID:             uuid.NewString(),
		UserID:         agent.ID,
		Role:           RoleCustomer,
		Kind:           ev.Kind,
		Status:         StatusOpen,
		Input:          in.Input,
		InputType:      "text",
		BidMsats:       in.BidMsats,
		CustomerPubkey: agent.Pubkey,
		RequestEventID: ev.ID,
		EventID:        ev.ID,
		SwarmID:        swarmID,
	}

	err := e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		if err := e.fanOut(ctx, tx, job, nil); err != nil {
			return err
		}
		return queue.Enqueue(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("swarm posted", "swarm_id", swarmID, "job_id", job.ID)
	return job, nil
}

// SwarmSubmissions lists the entries accumulated for the caller's swarm.
func (e *Engine) SwarmSubmissions(ctx context.Context, agent *store.Agent, jobID string) ([]store.SwarmSubmission, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != agent.ID || job.SwarmID == "" {
		return nil, ErrForbidden
	}
	return e.store.ListSwarmSubmissions(ctx, job.SwarmID)
}

// SelectSwarmWinner picks one submission, pays only that provider, and
// completes the swarm job. Selecting twice is a conflict.
func (e *Engine) SelectSwarmWinner(ctx context.Context, agent *store.Agent, jobID, providerPubkey string) (*CompleteOutcome, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != agent.ID || job.Role != RoleCustomer || job.SwarmID == "" {
		return nil, ErrForbidden
	}
	if job.Status == StatusCompleted || job.Status == StatusCancelled {
		return nil, ErrBadState
	}

	sub, err := e.store.GetSwarmSubmission(ctx, job.SwarmID, providerPubkey)
	if err != nil {
		return nil, err
	}

	payable := payableMsats(job.BidMsats, sub.PriceMsats)

	outcome := &CompleteOutcome{}
	switch {
	case payable > 0 && job.PaymentHash != "":
		// Paid on a prior attempt whose commit failed; report, don't re-pay.
		fee := e.settler.FeeMsats(payable)
		outcome.PaidMsats = payable - fee
		outcome.FeeMsats = fee
		outcome.FeePaid = fee > 0
	case payable > 0:
		if agent.EncNWCURI == "" {
			return nil, validation("no wallet linked; cannot pay %d msats", payable)
		}
		providerAddress := ""
		if sub.Bolt11 == "" {
			providerAgent, err := e.store.GetAgentByPubkey(ctx, providerPubkey)
			if err == nil {
				providerAddress = providerAgent.LightningAddress
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		receipt, err := e.settler.Settle(ctx, agent.EncNWCURI, agent.EncNWCURIIV,
			payable, sub.Bolt11, providerAddress)
		if receipt != nil {
			outcome.FeeMsats = receipt.FeeMsats
			outcome.FeePaid = receipt.FeePaid
			outcome.PaidMsats = receipt.PaidMsats
		}
		if err != nil {
			return outcome, err
		}
		job.PaymentHash = receipt.Preimage
		if err := e.store.SetJobPaymentHash(ctx, job.ID, receipt.Preimage); err != nil {
			e.logger.Error("recording payment hash failed after payment",
				"job_id", job.ID, "error", err)
			return outcome, err
		}
	}

	err = e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.MarkSwarmWinner(ctx, job.SwarmID, providerPubkey); err != nil {
			return err
		}
		job.Status = StatusCompleted
		job.ProviderPubkey = providerPubkey
		job.Result = sub.Content
		job.ResultEventID = sub.EventID
		return tx.UpdateJob(ctx, job,
			StatusOpen, StatusProcessing, StatusResultAvailable)
	})
	if err != nil {
		return outcome, err
	}
	e.logger.Info("swarm winner selected", "swarm_id", job.SwarmID,
		"winner", providerPubkey, "paid_msats", outcome.PaidMsats)
	return outcome, nil
}
