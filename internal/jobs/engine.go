// Package jobs drives the DVM job lifecycle: the dual-projection state
// machine, outbound event construction, and settlement on completion.
// Every transition commits in one transaction with the outbound enqueue,
// so a crash never leaves a published event without its row or vice versa.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/payments"
	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

// Job statuses shared by both projections.
const (
	StatusOpen            = "open"
	StatusProcessing      = "processing"
	StatusResultAvailable = "result_available"
	StatusCompleted       = "completed"
	StatusCancelled       = "cancelled"
	StatusError           = "error"
	StatusRejected        = "rejected"
)

const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
)

// flagThreshold is how many distinct reporters flag a provider out of
// fan-out.
const flagThreshold = 3

var (
	// ErrForbidden rejects an operation by a user who does not own the
	// relevant projection.
	ErrForbidden = errors.New("operation not allowed for this user")
	// ErrBadState rejects a transition the state machine does not permit.
	ErrBadState = errors.New("job state does not allow this operation")
	// ErrValidation wraps input validation failures.
	ErrValidation = errors.New("invalid input")
)

func validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Settler is the payment dependency; satisfied by payments.Settler.
type Settler interface {
	Settle(ctx context.Context, encWalletURI, walletURIIV string,
		payableMsats int64, providerBolt11, providerAddress string) (*payments.Receipt, error)
	FeeMsats(payableMsats int64) int64
}

// Engine is the job lifecycle coordinator.
type Engine struct {
	store   Store
	keys    *signer.Keystore
	settler Settler
	logger  *slog.Logger
}

// NewEngine wires the engine against the Postgres store.
func NewEngine(st *store.Store, keys *signer.Keystore, settler Settler) *Engine {
	return &Engine{
		store:   sqlStore{Store: st},
		keys:    keys,
		settler: settler,
		logger:  slog.Default().With("component", "jobs"),
	}
}

// PostRequestInput is the payload of a new DVM request.
type PostRequestInput struct {
	Kind      int
	Input     string
	InputType string
	Output    string
	BidMsats  int64
	Params    map[string]string
	// Provider pins the request to one provider (pubkey hex or npub).
	Provider string
}

// PostRequest signs and publishes a DVM request and writes the customer
// projection. Without a pinned provider the request fans out locally to
// every eligible service.
func (e *Engine) PostRequest(ctx context.Context, agent *store.Agent, in PostRequestInput) (*store.Job, error) {
	if !nostr.IsJobRequest(in.Kind) {
		return nil, validation("kind %d is not in the DVM request range", in.Kind)
	}
	if in.Input == "" {
		return nil, validation("input is required")
	}

	providerPubkey := ""
	if in.Provider != "" {
		var err error
		providerPubkey, err = e.resolveDirectProvider(ctx, agent, in.Provider, in.Kind)
		if err != nil {
			return nil, err
		}
	}

	ev, err := signer.JobRequest(in.Kind, in.Input, in.InputType, in.Output,
		in.BidMsats, in.Params, providerPubkey)
	if err != nil {
		return nil, validation("%v", err)
	}
	if err := e.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	job := &store.Job{
		ID:             uuid.NewString(),
		UserID:         agent.ID,
		Role:           RoleCustomer,
		Kind:           in.Kind,
		Status:         StatusOpen,
		Input:          in.Input,
		InputType:      in.InputType,
		Output:         in.Output,
		Params:         in.Params,
		BidMsats:       in.BidMsats,
		CustomerPubkey: agent.Pubkey,
		ProviderPubkey: providerPubkey,
		RequestEventID: ev.ID,
		EventID:        ev.ID,
	}

	err = e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		if providerPubkey == "" {
			if err := e.fanOut(ctx, tx, job, nil); err != nil {
				return err
			}
		}
		return queue.Enqueue(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("job posted", "job_id", job.ID, "kind", job.Kind, "event_id", ev.ID)
	return job, nil
}

// resolveDirectProvider validates a pinned provider: registered, active,
// serving the kind, opted into direct requests, and payable.
func (e *Engine) resolveDirectProvider(ctx context.Context, customer *store.Agent, provider string, kind int) (string, error) {
	pubkey := provider
	if decoded, err := nostr.DecodeNpub(provider); err == nil {
		pubkey = decoded
	}
	svc, err := e.store.GetServiceByPubkey(ctx, pubkey)
	if errors.Is(err, store.ErrNotFound) {
		return "", validation("provider %s has no registered service", provider)
	}
	if err != nil {
		return "", err
	}
	if !svc.Active {
		return "", validation("provider service is not active")
	}
	if !serviceServes(svc, kind) {
		return "", validation("provider does not serve kind %d", kind)
	}
	if !svc.DirectRequestEnabled {
		return "", validation("provider does not accept direct requests")
	}
	if svc.UserID == customer.ID {
		return "", validation("cannot direct a request at yourself")
	}
	providerAgent, err := e.store.GetAgent(ctx, svc.UserID)
	if err != nil {
		return "", err
	}
	if providerAgent.LightningAddress == "" {
		return "", validation("provider has no payment address")
	}
	return pubkey, nil
}

// fanOut inserts a provider row for every eligible active service. skip
// carries user ids excluded from this delivery (already-rejected providers
// on a re-fan-out).
func (e *Engine) fanOut(ctx context.Context, tx Store, customerJob *store.Job, skip map[string]bool) error {
	services, err := tx.ListActiveServicesForKind(ctx, customerJob.Kind)
	if err != nil {
		return err
	}
	minZapMsats := int64(0)
	if v, ok := customerJob.Params["min_zap_sats"]; ok {
		sats, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return validation("min_zap_sats param: %v", err)
		}
		minZapMsats = sats * 1000
	}

	for i := range services {
		svc := &services[i]
		if svc.UserID == customerJob.UserID || skip[svc.UserID] {
			continue
		}
		if svc.TotalZapReceived < minZapMsats {
			continue
		}
		flagged, err := tx.CountDistinctReporters(ctx, svc.Pubkey)
		if err != nil {
			return err
		}
		if flagged >= flagThreshold {
			continue
		}
		providerJob := &store.Job{
			ID:             uuid.NewString(),
			UserID:         svc.UserID,
			Role:           RoleProvider,
			Kind:           customerJob.Kind,
			Status:         StatusOpen,
			Input:          customerJob.Input,
			InputType:      customerJob.InputType,
			Output:         customerJob.Output,
			Params:         customerJob.Params,
			BidMsats:       customerJob.BidMsats,
			CustomerPubkey: customerJob.CustomerPubkey,
			ProviderPubkey: svc.Pubkey,
			RequestEventID: customerJob.RequestEventID,
			EventID:        customerJob.RequestEventID,
			SwarmID:        customerJob.SwarmID,
		}
		if err := tx.CreateJob(ctx, providerJob); errors.Is(err, store.ErrConflict) {
			// Already has an active row for this request.
			continue
		} else if err != nil {
			return err
		}
	}
	return nil
}

// Accept claims an open customer job as a provider, or reopens the caller's
// own errored customer job. A provider with a rejected row for the request
// may still accept explicitly; only the fan-out excludes them.
func (e *Engine) Accept(ctx context.Context, agent *store.Agent, jobID string) (*store.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.UserID == agent.ID && job.Role == RoleCustomer {
		if job.Status != StatusError {
			return nil, ErrBadState
		}
		job.Status = StatusOpen
		job.Result = ""
		job.ResultEventID = ""
		if err := e.store.UpdateJob(ctx, job, StatusError); err != nil {
			return nil, err
		}
		return job, nil
	}

	customerJob := job
	if job.Role != RoleCustomer {
		customerJob, err = e.store.GetCustomerJobByRequest(ctx, job.RequestEventID)
		if err != nil {
			return nil, err
		}
	}
	if customerJob.UserID == agent.ID {
		return nil, validation("cannot accept your own request")
	}
	if customerJob.Status != StatusOpen && customerJob.Status != StatusProcessing {
		return nil, ErrBadState
	}

	providerJob := &store.Job{
		ID:             uuid.NewString(),
		UserID:         agent.ID,
		Role:           RoleProvider,
		Kind:           customerJob.Kind,
		Status:         StatusProcessing,
		Input:          customerJob.Input,
		InputType:      customerJob.InputType,
		Output:         customerJob.Output,
		Params:         customerJob.Params,
		BidMsats:       customerJob.BidMsats,
		CustomerPubkey: customerJob.CustomerPubkey,
		ProviderPubkey: agent.Pubkey,
		RequestEventID: customerJob.RequestEventID,
		EventID:        customerJob.RequestEventID,
		SwarmID:        customerJob.SwarmID,
	}
	if err := e.store.CreateJob(ctx, providerJob); errors.Is(err, store.ErrConflict) {
		// Promote the existing open row instead.
		existing, gerr := e.store.GetProviderJobForUser(ctx, customerJob.RequestEventID, agent.ID)
		if gerr != nil {
			return nil, gerr
		}
		existing.Status = StatusProcessing
		if uerr := e.store.UpdateJob(ctx, existing, StatusOpen); uerr != nil {
			return nil, uerr
		}
		return existing, nil
	} else if err != nil {
		return nil, err
	}
	return providerJob, nil
}

// SubmitFeedback publishes a kind-7000 status event and moves the provider
// row; a local customer row follows in the same transaction.
func (e *Engine) SubmitFeedback(ctx context.Context, agent *store.Agent, jobID, status, content string) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.UserID != agent.ID || job.Role != RoleProvider {
		return "", ErrForbidden
	}
	if job.Status == StatusCompleted || job.Status == StatusRejected {
		return "", ErrBadState
	}

	ev, err := signer.JobFeedback(status, job.RequestEventID, job.CustomerPubkey, content)
	if err != nil {
		return "", validation("%v", err)
	}
	if err := e.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
		return "", fmt.Errorf("sign feedback: %w", err)
	}

	err = e.store.WithTx(ctx, func(tx Store) error {
		job.Status = status
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := e.applyFeedbackLocally(ctx, tx, job.RequestEventID, status); err != nil {
			return err
		}
		return queue.Enqueue(ctx, tx, ev)
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// applyFeedbackLocally moves the customer row when the customer is a local
// user; a miss on the optimistic guard just means the row already advanced.
func (e *Engine) applyFeedbackLocally(ctx context.Context, tx Store, requestEventID, status string) error {
	customerJob, err := tx.GetCustomerJobByRequest(ctx, requestEventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch status {
	case StatusProcessing:
		customerJob.Status = StatusProcessing
		err = tx.UpdateJob(ctx, customerJob, StatusOpen)
	case StatusError:
		customerJob.Status = StatusError
		err = tx.UpdateJob(ctx, customerJob, StatusOpen, StatusProcessing, StatusResultAvailable, StatusError)
	}
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// SubmitResultInput is a provider's result payload.
type SubmitResultInput struct {
	Content    string
	PriceMsats int64
	Bolt11     string
}

// SubmitResult publishes the kind+1000 result, finishes the provider row,
// and (same-site) moves a local customer row to result_available.
func (e *Engine) SubmitResult(ctx context.Context, agent *store.Agent, jobID string, in SubmitResultInput) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.UserID != agent.ID || job.Role != RoleProvider {
		return "", ErrForbidden
	}
	if job.Status != StatusOpen && job.Status != StatusProcessing {
		return "", ErrBadState
	}
	if in.Content == "" {
		return "", validation("result content is required")
	}

	ev, err := signer.JobResult(job.Kind, job.RequestEventID, job.CustomerPubkey,
		in.Content, in.PriceMsats, in.Bolt11)
	if err != nil {
		return "", validation("%v", err)
	}
	if err := e.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
		return "", fmt.Errorf("sign result: %w", err)
	}

	responseMs := time.Since(job.CreatedAt).Milliseconds()
	err = e.store.WithTx(ctx, func(tx Store) error {
		job.Status = StatusCompleted
		job.Result = in.Content
		job.ResultEventID = ev.ID
		job.PriceMsats = in.PriceMsats
		job.Bolt11 = in.Bolt11
		if err := tx.UpdateJob(ctx, job, StatusOpen, StatusProcessing); err != nil {
			return err
		}
		if err := tx.RecordServiceCompletion(ctx, agent.ID, 0, responseMs, time.Now()); err != nil {
			return err
		}
		if err := e.applyResultLocally(ctx, tx, job.RequestEventID, agent.Pubkey,
			in.Content, ev.ID, in.PriceMsats, in.Bolt11); err != nil {
			return err
		}
		return queue.Enqueue(ctx, tx, ev)
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("result submitted", "job_id", job.ID, "event_id", ev.ID)
	return ev.ID, nil
}

// applyResultLocally records the first arriving result on a local customer
// row. First writer wins the optimistic guard; later results only finish
// their own provider rows.
func (e *Engine) applyResultLocally(ctx context.Context, tx Store,
	requestEventID, providerPubkey, result, resultEventID string, priceMsats int64, bolt11 string) error {

	customerJob, err := tx.GetCustomerJobByRequest(ctx, requestEventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	customerJob.Status = StatusResultAvailable
	customerJob.ProviderPubkey = providerPubkey
	customerJob.Result = result
	customerJob.ResultEventID = resultEventID
	customerJob.PriceMsats = priceMsats
	customerJob.Bolt11 = bolt11
	err = tx.UpdateJob(ctx, customerJob, StatusOpen, StatusProcessing)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.advanceWorkflow(ctx, tx, customerJob)
}

// Reject returns a delivered result. The customer row reopens, the winning
// provider row flips to rejected, and the request re-fans-out to providers
// not yet rejected for it.
func (e *Engine) Reject(ctx context.Context, agent *store.Agent, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != agent.ID || job.Role != RoleCustomer {
		return ErrForbidden
	}
	if job.Status != StatusResultAvailable {
		return ErrBadState
	}

	rejectedPubkey := job.ProviderPubkey
	return e.store.WithTx(ctx, func(tx Store) error {
		providerRows, err := tx.ListProviderJobsByRequest(ctx, job.RequestEventID)
		if err != nil {
			return err
		}
		for i := range providerRows {
			pr := &providerRows[i]
			if pr.ProviderPubkey != rejectedPubkey || pr.Status != StatusCompleted {
				continue
			}
			pr.Status = StatusRejected
			if err := tx.UpdateJob(ctx, pr, StatusCompleted); err != nil {
				return err
			}
			if err := tx.RecordServiceRejection(ctx, pr.UserID); err != nil {
				return err
			}
		}

		job.Status = StatusOpen
		job.ProviderPubkey = ""
		job.Result = ""
		job.ResultEventID = ""
		job.PriceMsats = 0
		job.Bolt11 = ""
		job.PaymentHash = ""
		if err := tx.UpdateJob(ctx, job, StatusResultAvailable); err != nil {
			return err
		}

		skip, err := tx.RejectedProviderUserIDs(ctx, job.RequestEventID)
		if err != nil {
			return err
		}
		return e.fanOut(ctx, tx, job, skip)
	})
}

// Cancel abandons a request and publishes a deletion for it.
func (e *Engine) Cancel(ctx context.Context, agent *store.Agent, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != agent.ID || job.Role != RoleCustomer {
		return ErrForbidden
	}
	if job.Status == StatusCompleted || job.Status == StatusCancelled {
		return ErrBadState
	}

	ev := signer.Deletion([]string{job.RequestEventID}, "job cancelled")
	if err := e.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
		return fmt.Errorf("sign deletion: %w", err)
	}

	return e.store.WithTx(ctx, func(tx Store) error {
		job.Status = StatusCancelled
		if err := tx.UpdateJob(ctx, job,
			StatusOpen, StatusProcessing, StatusResultAvailable, StatusError); err != nil {
			return err
		}
		return queue.Enqueue(ctx, tx, ev)
	})
}

// CompleteOutcome reports what a completion paid.
type CompleteOutcome struct {
	PaidMsats int64
	FeeMsats  int64
	FeePaid   bool
}

// Complete confirms a delivered result and settles payment. On any payment
// failure the job stays in result_available and the caller may retry; a paid
// fee with a failed provider leg is reported so the caller can reconcile.
// Completing an already-completed job repeats the first outcome.
func (e *Engine) Complete(ctx context.Context, agent *store.Agent, jobID string) (*CompleteOutcome, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != agent.ID || job.Role != RoleCustomer {
		return nil, ErrForbidden
	}
	if job.Status == StatusCompleted {
		return e.settledOutcome(job), nil
	}
	if job.Status != StatusResultAvailable {
		return nil, ErrBadState
	}

	payable := payableMsats(job.BidMsats, job.PriceMsats)

	outcome := &CompleteOutcome{}
	switch {
	case payable > 0 && job.PaymentHash != "":
		// A prior attempt paid but its completion transaction did not commit.
		// The row still carries the preimage; never pay twice.
		*outcome = *e.settledOutcome(job)
	case payable > 0:
		if agent.EncNWCURI == "" {
			return nil, validation("no wallet linked; cannot pay %d msats", payable)
		}
		providerAddress := ""
		if job.Bolt11 == "" {
			providerAgent, err := e.store.GetAgentByPubkey(ctx, job.ProviderPubkey)
			if err == nil {
				providerAddress = providerAgent.LightningAddress
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		receipt, err := e.settler.Settle(ctx, agent.EncNWCURI, agent.EncNWCURIIV,
			payable, job.Bolt11, providerAddress)
		if receipt != nil {
			outcome.FeeMsats = receipt.FeeMsats
			outcome.FeePaid = receipt.FeePaid
			outcome.PaidMsats = receipt.PaidMsats
		}
		if err != nil {
			return outcome, err
		}
		job.PaymentHash = receipt.Preimage
		// Persist the preimage on its own before the completion transaction,
		// so a failed commit cannot lose the fact that money moved.
		if err := e.store.SetJobPaymentHash(ctx, job.ID, receipt.Preimage); err != nil {
			e.logger.Error("recording payment hash failed after payment",
				"job_id", job.ID, "error", err)
			return outcome, err
		}
	}

	err = e.store.WithTx(ctx, func(tx Store) error {
		job.Status = StatusCompleted
		if err := tx.UpdateJob(ctx, job, StatusResultAvailable); err != nil {
			return err
		}
		if outcome.PaidMsats > 0 {
			if svc, err := tx.GetServiceByPubkey(ctx, job.ProviderPubkey); err == nil {
				return tx.AddServiceEarnings(ctx, svc.UserID, outcome.PaidMsats)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The payment went out but the row did not advance; a retry of the
		// guarded update is safe, re-paying is not. Surface loudly.
		e.logger.Error("completion commit failed after payment", "job_id", job.ID, "error", err)
		return outcome, err
	}
	e.logger.Info("job completed", "job_id", job.ID, "paid_msats", outcome.PaidMsats)
	return outcome, nil
}

// payableMsats is the amount owed for a result: the bid, capped down by a
// lower quoted price.
func payableMsats(bidMsats, priceMsats int64) int64 {
	payable := bidMsats
	if priceMsats > 0 && priceMsats < payable {
		payable = priceMsats
	}
	return payable
}

// settledOutcome reconstructs what a finished settlement paid from the
// persisted row. The fee leg runs before the provider leg, so a recorded
// preimage implies any configured fee was paid too.
func (e *Engine) settledOutcome(job *store.Job) *CompleteOutcome {
	if job.PaymentHash == "" {
		return &CompleteOutcome{}
	}
	payable := payableMsats(job.BidMsats, job.PriceMsats)
	fee := e.settler.FeeMsats(payable)
	return &CompleteOutcome{
		PaidMsats: payable - fee,
		FeeMsats:  fee,
		FeePaid:   fee > 0,
	}
}

// RegisterServiceInput describes a provider's service registration.
type RegisterServiceInput struct {
	Kinds                []int
	Description          string
	PriceMinMsats        int64
	PriceMaxMsats        int64
	DirectRequestEnabled bool
}

// RegisterService writes the (unique per user) service row and publishes one
// handler-info event per served kind.
func (e *Engine) RegisterService(ctx context.Context, agent *store.Agent, in RegisterServiceInput) (*store.Service, error) {
	if len(in.Kinds) == 0 {
		return nil, validation("at least one kind is required")
	}
	for _, k := range in.Kinds {
		if !nostr.IsJobRequest(k) {
			return nil, validation("kind %d is not in the DVM request range", k)
		}
	}

	events := make([]*nostr.Event, 0, len(in.Kinds))
	lastEventID := ""
	for _, k := range in.Kinds {
		ev := signer.HandlerInfo("dvm-"+strconv.Itoa(k), []int{k}, in.Description)
		if err := e.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
			return nil, fmt.Errorf("sign handler info: %w", err)
		}
		events = append(events, ev)
		lastEventID = ev.ID
	}

	kinds := make([]int64, len(in.Kinds))
	for i, k := range in.Kinds {
		kinds[i] = int64(k)
	}
	svc := &store.Service{
		ID:                   uuid.NewString(),
		UserID:               agent.ID,
		Pubkey:               agent.Pubkey,
		Kinds:                kinds,
		Description:          in.Description,
		PriceMinMsats:        in.PriceMinMsats,
		PriceMaxMsats:        in.PriceMaxMsats,
		DirectRequestEnabled: in.DirectRequestEnabled,
		Active:               true,
		LastHandlerEventID:   lastEventID,
	}

	err := e.store.WithTx(ctx, func(tx Store) error {
		err := tx.CreateService(ctx, svc)
		if errors.Is(err, store.ErrConflict) {
			err = tx.UpdateService(ctx, svc)
		}
		if err != nil {
			return err
		}
		return queue.Enqueue(ctx, tx, events...)
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func serviceServes(svc *store.Service, kind int) bool {
	for _, k := range svc.Kinds {
		if int(k) == kind {
			return true
		}
	}
	return false
}
