package jobs

import (
	"context"
	"time"

	"github.com/dvmesh/backend/internal/store"
)

// Store is the persistence surface the engine drives. *store.Store provides
// every method except WithTx, whose closure is retyped by sqlStore so
// transactional code stays written against this interface.
type Store interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	CreateJob(ctx context.Context, j *store.Job) error
	UpdateJob(ctx context.Context, j *store.Job, fromStatuses ...string) error
	SetJobPaymentHash(ctx context.Context, id, preimage string) error
	GetCustomerJobByRequest(ctx context.Context, requestEventID string) (*store.Job, error)
	GetProviderJobForUser(ctx context.Context, requestEventID, userID string) (*store.Job, error)
	ListProviderJobsByRequest(ctx context.Context, requestEventID string) ([]store.Job, error)
	RejectedProviderUserIDs(ctx context.Context, requestEventID string) (map[string]bool, error)

	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgentByPubkey(ctx context.Context, pubkey string) (*store.Agent, error)

	CreateService(ctx context.Context, sv *store.Service) error
	UpdateService(ctx context.Context, sv *store.Service) error
	GetServiceByPubkey(ctx context.Context, pubkey string) (*store.Service, error)
	ListActiveServicesForKind(ctx context.Context, kind int) ([]store.Service, error)
	RecordServiceCompletion(ctx context.Context, userID string, earnedMsats int64, responseMs int64, at time.Time) error
	RecordServiceRejection(ctx context.Context, userID string) error
	AddServiceEarnings(ctx context.Context, userID string, msats int64) error
	CountDistinctReporters(ctx context.Context, targetPubkey string) (int64, error)

	CreateWorkflow(ctx context.Context, w *store.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	GetWorkflowStepByJobID(ctx context.Context, jobID string) (*store.WorkflowStep, error)
	UpdateWorkflowStep(ctx context.Context, st *store.WorkflowStep) error
	UpdateWorkflowStatus(ctx context.Context, id, status string) error

	UpsertSwarmSubmission(ctx context.Context, sub *store.SwarmSubmission) error
	ListSwarmSubmissions(ctx context.Context, swarmID string) ([]store.SwarmSubmission, error)
	GetSwarmSubmission(ctx context.Context, swarmID, providerPubkey string) (*store.SwarmSubmission, error)
	MarkSwarmWinner(ctx context.Context, swarmID, providerPubkey string) error

	EnqueueEvent(ctx context.Context, eventID string, eventJSON []byte) error

	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// sqlStore adapts the concrete Postgres store to the Store interface.
type sqlStore struct {
	*store.Store
}

func (s sqlStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.Store.WithTx(ctx, func(tx *store.Store) error {
		return fn(sqlStore{Store: tx})
	})
}
