package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvmesh/backend/internal/payments"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

// fakeStore is an in-memory Store with the same conflict semantics as the
// Postgres layer: one active provider row per (request, user) and optimistic
// status guards on updates.
type fakeStore struct {
	jobs      map[string]*store.Job
	jobOrder  []string
	agents    map[string]*store.Agent
	services  map[string]*store.Service // keyed by user id
	reporters map[string]int64
	workflows map[string]*store.Workflow
	subs      map[string]map[string]*store.SwarmSubmission
	queued    []string

	earningsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      map[string]*store.Job{},
		agents:    map[string]*store.Agent{},
		services:  map[string]*store.Service{},
		reporters: map[string]int64{},
		workflows: map[string]*store.Workflow{},
		subs:      map[string]map[string]*store.SwarmSubmission{},
	}
}

func cloneJob(j *store.Job) *store.Job { c := *j; return &c }

func (f *fakeStore) GetJob(_ context.Context, id string) (*store.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (f *fakeStore) CreateJob(_ context.Context, j *store.Job) error {
	for _, cur := range f.jobs {
		if cur.RequestEventID == j.RequestEventID && cur.UserID == j.UserID &&
			cur.Role == j.Role &&
			(cur.Status == StatusOpen || cur.Status == StatusProcessing) {
			return store.ErrConflict
		}
	}
	c := cloneJob(j)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	f.jobs[c.ID] = c
	f.jobOrder = append(f.jobOrder, c.ID)
	return nil
}

func (f *fakeStore) UpdateJob(_ context.Context, j *store.Job, fromStatuses ...string) error {
	cur, ok := f.jobs[j.ID]
	if !ok {
		return store.ErrNotFound
	}
	if len(fromStatuses) > 0 {
		hit := false
		for _, s := range fromStatuses {
			if cur.Status == s {
				hit = true
			}
		}
		if !hit {
			return store.ErrConflict
		}
	}
	cur.Status = j.Status
	cur.Input = j.Input
	cur.Params = j.Params
	cur.BidMsats = j.BidMsats
	cur.PriceMsats = j.PriceMsats
	cur.ProviderPubkey = j.ProviderPubkey
	cur.ResultEventID = j.ResultEventID
	cur.Result = j.Result
	cur.Bolt11 = j.Bolt11
	cur.PaymentHash = j.PaymentHash
	return nil
}

func (f *fakeStore) SetJobPaymentHash(_ context.Context, id, preimage string) error {
	cur, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	cur.PaymentHash = preimage
	return nil
}

func (f *fakeStore) GetCustomerJobByRequest(_ context.Context, requestEventID string) (*store.Job, error) {
	for _, id := range f.jobOrder {
		j := f.jobs[id]
		if j.RequestEventID == requestEventID && j.Role == RoleCustomer {
			return cloneJob(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetProviderJobForUser(_ context.Context, requestEventID, userID string) (*store.Job, error) {
	var found *store.Job
	for _, id := range f.jobOrder {
		j := f.jobs[id]
		if j.RequestEventID == requestEventID && j.UserID == userID && j.Role == RoleProvider {
			found = j
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return cloneJob(found), nil
}

func (f *fakeStore) ListProviderJobsByRequest(_ context.Context, requestEventID string) ([]store.Job, error) {
	var out []store.Job
	for _, id := range f.jobOrder {
		j := f.jobs[id]
		if j.RequestEventID == requestEventID && j.Role == RoleProvider {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

func (f *fakeStore) RejectedProviderUserIDs(_ context.Context, requestEventID string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, j := range f.jobs {
		if j.RequestEventID == requestEventID && j.Role == RoleProvider && j.Status == StatusRejected {
			out[j.UserID] = true
		}
	}
	return out, nil
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeStore) GetAgentByPubkey(_ context.Context, pubkey string) (*store.Agent, error) {
	for _, a := range f.agents {
		if a.Pubkey == pubkey {
			c := *a
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateService(_ context.Context, sv *store.Service) error {
	if _, ok := f.services[sv.UserID]; ok {
		return store.ErrConflict
	}
	c := *sv
	f.services[sv.UserID] = &c
	return nil
}

func (f *fakeStore) UpdateService(_ context.Context, sv *store.Service) error {
	c := *sv
	f.services[sv.UserID] = &c
	return nil
}

func (f *fakeStore) GetServiceByPubkey(_ context.Context, pubkey string) (*store.Service, error) {
	for _, sv := range f.services {
		if sv.Pubkey == pubkey {
			c := *sv
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListActiveServicesForKind(_ context.Context, kind int) ([]store.Service, error) {
	var out []store.Service
	for _, sv := range f.services {
		if sv.Active && serviceServes(sv, kind) {
			out = append(out, *sv)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordServiceCompletion(_ context.Context, userID string, earnedMsats, _ int64, _ time.Time) error {
	if sv, ok := f.services[userID]; ok {
		sv.JobsCompleted++
		sv.TotalEarnedMsats += earnedMsats
	}
	return nil
}

func (f *fakeStore) RecordServiceRejection(_ context.Context, userID string) error {
	if sv, ok := f.services[userID]; ok {
		sv.JobsRejected++
	}
	return nil
}

func (f *fakeStore) AddServiceEarnings(_ context.Context, userID string, msats int64) error {
	if f.earningsErr != nil {
		return f.earningsErr
	}
	if sv, ok := f.services[userID]; ok {
		sv.TotalEarnedMsats += msats
	}
	return nil
}

func (f *fakeStore) CountDistinctReporters(_ context.Context, targetPubkey string) (int64, error) {
	return f.reporters[targetPubkey], nil
}

func (f *fakeStore) CreateWorkflow(_ context.Context, w *store.Workflow) error {
	c := *w
	c.Steps = append([]store.WorkflowStep(nil), w.Steps...)
	f.workflows[w.ID] = &c
	return nil
}

func (f *fakeStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	w, ok := f.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *w
	c.Steps = append([]store.WorkflowStep(nil), w.Steps...)
	return &c, nil
}

func (f *fakeStore) GetWorkflowStepByJobID(_ context.Context, jobID string) (*store.WorkflowStep, error) {
	for _, w := range f.workflows {
		for i := range w.Steps {
			if w.Steps[i].JobID == jobID && jobID != "" {
				c := w.Steps[i]
				return &c, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateWorkflowStep(_ context.Context, st *store.WorkflowStep) error {
	w, ok := f.workflows[st.WorkflowID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range w.Steps {
		if w.Steps[i].Index == st.Index {
			w.Steps[i] = *st
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) UpdateWorkflowStatus(_ context.Context, id, status string) error {
	w, ok := f.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = status
	return nil
}

func (f *fakeStore) UpsertSwarmSubmission(_ context.Context, sub *store.SwarmSubmission) error {
	if f.subs[sub.SwarmID] == nil {
		f.subs[sub.SwarmID] = map[string]*store.SwarmSubmission{}
	}
	c := *sub
	f.subs[sub.SwarmID][sub.ProviderPubkey] = &c
	return nil
}

func (f *fakeStore) ListSwarmSubmissions(_ context.Context, swarmID string) ([]store.SwarmSubmission, error) {
	var out []store.SwarmSubmission
	for _, s := range f.subs[swarmID] {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) GetSwarmSubmission(_ context.Context, swarmID, providerPubkey string) (*store.SwarmSubmission, error) {
	s, ok := f.subs[swarmID][providerPubkey]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (f *fakeStore) MarkSwarmWinner(_ context.Context, swarmID, providerPubkey string) error {
	s, ok := f.subs[swarmID][providerPubkey]
	if !ok {
		return store.ErrNotFound
	}
	s.Winner = true
	return nil
}

func (f *fakeStore) EnqueueEvent(_ context.Context, eventID string, _ []byte) error {
	f.queued = append(f.queued, eventID)
	return nil
}

// WithTx rolls the whole fake back when fn fails, mirroring the Postgres
// transaction. Writes made outside WithTx, like SetJobPaymentHash, survive.
func (f *fakeStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	snap := f.snapshot()
	if err := fn(f); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

type fakeSnapshot struct {
	jobs      map[string]*store.Job
	jobOrder  []string
	services  map[string]*store.Service
	workflows map[string]*store.Workflow
	subs      map[string]map[string]*store.SwarmSubmission
	queued    []string
}

func (f *fakeStore) snapshot() fakeSnapshot {
	s := fakeSnapshot{
		jobs:      map[string]*store.Job{},
		jobOrder:  append([]string(nil), f.jobOrder...),
		services:  map[string]*store.Service{},
		workflows: map[string]*store.Workflow{},
		subs:      map[string]map[string]*store.SwarmSubmission{},
		queued:    append([]string(nil), f.queued...),
	}
	for id, j := range f.jobs {
		s.jobs[id] = cloneJob(j)
	}
	for id, sv := range f.services {
		c := *sv
		s.services[id] = &c
	}
	for id, w := range f.workflows {
		c := *w
		c.Steps = append([]store.WorkflowStep(nil), w.Steps...)
		s.workflows[id] = &c
	}
	for swarmID, m := range f.subs {
		s.subs[swarmID] = map[string]*store.SwarmSubmission{}
		for pk, sub := range m {
			c := *sub
			s.subs[swarmID][pk] = &c
		}
	}
	return s
}

func (f *fakeStore) restore(s fakeSnapshot) {
	f.jobs = s.jobs
	f.jobOrder = s.jobOrder
	f.services = s.services
	f.workflows = s.workflows
	f.subs = s.subs
	f.queued = s.queued
}

func (f *fakeStore) providerJobs(requestEventID string) []*store.Job {
	var out []*store.Job
	for _, id := range f.jobOrder {
		j := f.jobs[id]
		if j.RequestEventID == requestEventID && j.Role == RoleProvider {
			out = append(out, j)
		}
	}
	return out
}

// fakeSettler pays with a canned preimage and counts invocations.
type fakeSettler struct {
	feePercent float64
	preimage   string
	calls      int
	err        error
}

func (s *fakeSettler) FeeMsats(payableMsats int64) int64 {
	if s.feePercent <= 0 {
		return 0
	}
	return int64(float64(payableMsats) * s.feePercent / 100)
}

func (s *fakeSettler) Settle(_ context.Context, _, _ string,
	payableMsats int64, _, _ string) (*payments.Receipt, error) {

	s.calls++
	if s.err != nil {
		return &payments.Receipt{}, s.err
	}
	fee := s.FeeMsats(payableMsats)
	return &payments.Receipt{
		Preimage:  s.preimage,
		PaidMsats: payableMsats - fee,
		FeeMsats:  fee,
		FeePaid:   fee > 0,
	}, nil
}

func newLifecycleFixture(t *testing.T) (*Engine, *fakeStore, *fakeSettler, *signer.Keystore) {
	t.Helper()
	ks, err := signer.NewKeystore(make([]byte, 32))
	require.NoError(t, err)
	f := newFakeStore()
	settler := &fakeSettler{feePercent: 10, preimage: "d00d"}
	e := &Engine{store: f, keys: ks, settler: settler, logger: slog.Default()}
	return e, f, settler, ks
}

func newLifecycleAgent(t *testing.T, ks *signer.Keystore, f *fakeStore, name string) *store.Agent {
	t.Helper()
	pubkey, encPriv, iv, err := ks.GenerateKeypair()
	require.NoError(t, err)
	a := &store.Agent{
		ID:               name,
		Username:         name,
		Pubkey:           pubkey,
		EncPrivKey:       encPriv,
		EncPrivKeyIV:     iv,
		LightningAddress: name + "@wallet.example",
		EncNWCURI:        "sealed",
		EncNWCURIIV:      "iv",
	}
	f.agents[a.ID] = a
	return a
}

func addLifecycleService(f *fakeStore, a *store.Agent, kinds ...int64) *store.Service {
	sv := &store.Service{
		ID:     "svc-" + a.ID,
		UserID: a.ID,
		Pubkey: a.Pubkey,
		Kinds:  kinds,
		Active: true,
	}
	f.services[a.ID] = sv
	return sv
}

func TestPostRequestFansOutToEligibleServices(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")
	carol := newLifecycleAgent(t, ks, f, "carol")
	dave := newLifecycleAgent(t, ks, f, "dave")

	addLifecycleService(f, alice, 5001) // requester's own service
	addLifecycleService(f, bob, 5001)
	addLifecycleService(f, carol, 5001)
	addLifecycleService(f, dave, 5002) // wrong kind
	f.reporters[carol.Pubkey] = 3      // flagged out

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "translate this"})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, job.Status)
	assert.Len(t, f.queued, 1)

	providers := f.providerJobs(job.RequestEventID)
	require.Len(t, providers, 1)
	assert.Equal(t, bob.ID, providers[0].UserID)
	assert.Equal(t, StatusOpen, providers[0].Status)
}

func TestPostRequestMinZapParamFiltersProviders(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")
	carol := newLifecycleAgent(t, ks, f, "carol")
	addLifecycleService(f, bob, 5001).TotalZapReceived = 50_000
	addLifecycleService(f, carol, 5001).TotalZapReceived = 200_000

	job, err := e.PostRequest(ctx, alice, PostRequestInput{
		Kind:   5001,
		Input:  "hi",
		Params: map[string]string{"min_zap_sats": "100"},
	})
	require.NoError(t, err)

	providers := f.providerJobs(job.RequestEventID)
	require.Len(t, providers, 1)
	assert.Equal(t, carol.ID, providers[0].UserID)
}

func TestAcceptClaimsOpenRequest(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi"})
	require.NoError(t, err)

	// The requester cannot claim their own open request.
	_, err = e.Accept(ctx, alice, job.ID)
	assert.ErrorIs(t, err, ErrBadState)

	claimed, err := e.Accept(ctx, bob, job.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleProvider, claimed.Role)
	assert.Equal(t, StatusProcessing, claimed.Status)
	assert.Equal(t, bob.Pubkey, claimed.ProviderPubkey)
}

func TestAcceptPromotesExistingFanOutRow(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")
	addLifecycleService(f, bob, 5001)

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi"})
	require.NoError(t, err)
	require.Len(t, f.providerJobs(job.RequestEventID), 1)

	claimed, err := e.Accept(ctx, bob, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, claimed.Status)

	// Still exactly one provider row for bob, and a second accept conflicts.
	assert.Len(t, f.providerJobs(job.RequestEventID), 1)
	_, err = e.Accept(ctx, bob, job.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAcceptFinishedRequestIsBadState(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi"})
	require.NoError(t, err)
	f.jobs[job.ID].Status = StatusCompleted

	_, err = e.Accept(ctx, bob, job.ID)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestSubmitResultDeliversToCustomer(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")
	addLifecycleService(f, bob, 5001)

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi", BidMsats: 500_000})
	require.NoError(t, err)
	claimed, err := e.Accept(ctx, bob, job.ID)
	require.NoError(t, err)

	resultEventID, err := e.SubmitResult(ctx, bob, claimed.ID, SubmitResultInput{
		Content:    "bonjour",
		PriceMsats: 400_000,
		Bolt11:     "lnbc4m1...",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resultEventID)

	assert.Equal(t, StatusCompleted, f.jobs[claimed.ID].Status)
	assert.Equal(t, int64(1), f.services[bob.ID].JobsCompleted)

	customer := f.jobs[job.ID]
	assert.Equal(t, StatusResultAvailable, customer.Status)
	assert.Equal(t, "bonjour", customer.Result)
	assert.Equal(t, bob.Pubkey, customer.ProviderPubkey)
	assert.Equal(t, int64(400_000), customer.PriceMsats)
	assert.Equal(t, resultEventID, customer.ResultEventID)

	// A result on a finished provider row is rejected.
	_, err = e.SubmitResult(ctx, bob, claimed.ID, SubmitResultInput{Content: "again"})
	assert.ErrorIs(t, err, ErrBadState)
}

func TestFeedbackMovesBothProjections(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi"})
	require.NoError(t, err)
	claimed, err := e.Accept(ctx, bob, job.ID)
	require.NoError(t, err)

	_, err = e.SubmitFeedback(ctx, bob, claimed.ID, StatusProcessing, "working")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, f.jobs[job.ID].Status)

	_, err = e.SubmitFeedback(ctx, bob, claimed.ID, StatusError, "model crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusError, f.jobs[job.ID].Status)

	// The customer reopens their own errored request.
	reopened, err := e.Accept(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, reopened.Status)
	assert.Empty(t, reopened.Result)
}

func TestRejectReopensAndExcludesProvider(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")
	carol := newLifecycleAgent(t, ks, f, "carol")
	addLifecycleService(f, bob, 5001)

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi"})
	require.NoError(t, err)
	claimed, err := e.Accept(ctx, bob, job.ID)
	require.NoError(t, err)
	_, err = e.SubmitResult(ctx, bob, claimed.ID, SubmitResultInput{Content: "meh"})
	require.NoError(t, err)

	// Carol registers before the reject; the re-fan-out reaches her but must
	// skip the rejected provider even though his service still matches.
	addLifecycleService(f, carol, 5001)

	require.NoError(t, e.Reject(ctx, alice, job.ID))

	customer := f.jobs[job.ID]
	assert.Equal(t, StatusOpen, customer.Status)
	assert.Empty(t, customer.Result)
	assert.Empty(t, customer.ProviderPubkey)
	assert.Equal(t, int64(1), f.services[bob.ID].JobsRejected)

	var bobStatuses []string
	carolRows := 0
	for _, pj := range f.providerJobs(job.RequestEventID) {
		switch pj.UserID {
		case bob.ID:
			bobStatuses = append(bobStatuses, pj.Status)
		case carol.ID:
			carolRows++
			assert.Equal(t, StatusOpen, pj.Status)
		}
	}
	assert.Equal(t, []string{StatusRejected}, bobStatuses)
	assert.Equal(t, 1, carolRows)
}

func TestCancelPublishesDeletion(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi"})
	require.NoError(t, err)
	queuedBefore := len(f.queued)

	require.NoError(t, e.Cancel(ctx, alice, job.ID))
	assert.Equal(t, StatusCancelled, f.jobs[job.ID].Status)
	assert.Len(t, f.queued, queuedBefore+1)

	assert.ErrorIs(t, e.Cancel(ctx, alice, job.ID), ErrBadState)
	_, err = e.Accept(ctx, bob, job.ID)
	assert.ErrorIs(t, err, ErrBadState)
}

// deliverResult drives a request through accept and result so the customer
// row sits in result_available, and returns the customer job id.
func deliverResult(t *testing.T, e *Engine, f *fakeStore, ks *signer.Keystore,
	alice *store.Agent, bidMsats, priceMsats int64) string {
	t.Helper()
	bob := newLifecycleAgent(t, ks, f, fmt.Sprintf("bob-%d", len(f.agents)))
	addLifecycleService(f, bob, 5001)
	ctx := context.Background()

	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi", BidMsats: bidMsats})
	require.NoError(t, err)
	claimed, err := e.Accept(ctx, bob, job.ID)
	require.NoError(t, err)
	_, err = e.SubmitResult(ctx, bob, claimed.ID, SubmitResultInput{
		Content:    "done",
		PriceMsats: priceMsats,
		Bolt11:     "lnbc...",
	})
	require.NoError(t, err)
	return job.ID
}

func TestCompleteSettlesAndRecordsEarnings(t *testing.T) {
	e, f, settler, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	jobID := deliverResult(t, e, f, ks, alice, 100_000, 80_000)

	outcome, err := e.Complete(ctx, alice, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(72_000), outcome.PaidMsats)
	assert.Equal(t, int64(8_000), outcome.FeeMsats)
	assert.True(t, outcome.FeePaid)
	assert.Equal(t, 1, settler.calls)

	job := f.jobs[jobID]
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "d00d", job.PaymentHash)

	sv, err := f.GetServiceByPubkey(ctx, job.ProviderPubkey)
	require.NoError(t, err)
	assert.Equal(t, int64(72_000), sv.TotalEarnedMsats)
}

func TestCompleteTwiceReturnsFirstOutcome(t *testing.T) {
	e, f, settler, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	jobID := deliverResult(t, e, f, ks, alice, 100_000, 80_000)

	first, err := e.Complete(ctx, alice, jobID)
	require.NoError(t, err)

	second, err := e.Complete(ctx, alice, jobID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, settler.calls)
	assert.Equal(t, StatusCompleted, f.jobs[jobID].Status)
}

func TestCompleteRetryAfterPaymentDoesNotPayTwice(t *testing.T) {
	e, f, settler, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	jobID := deliverResult(t, e, f, ks, alice, 100_000, 80_000)

	// First attempt pays, then the completion transaction fails. The
	// preimage must survive the rollback.
	f.earningsErr = fmt.Errorf("connection reset")
	_, err := e.Complete(ctx, alice, jobID)
	require.Error(t, err)
	assert.Equal(t, 1, settler.calls)
	assert.Equal(t, StatusResultAvailable, f.jobs[jobID].Status)
	assert.Equal(t, "d00d", f.jobs[jobID].PaymentHash)

	// The retry completes the row without touching the wallet again.
	f.earningsErr = nil
	outcome, err := e.Complete(ctx, alice, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, settler.calls)
	assert.Equal(t, int64(72_000), outcome.PaidMsats)
	assert.Equal(t, int64(8_000), outcome.FeeMsats)
	assert.Equal(t, StatusCompleted, f.jobs[jobID].Status)
}

func TestCompleteBeforeResultIsBadState(t *testing.T) {
	e, f, settler, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	job, err := e.PostRequest(ctx, alice, PostRequestInput{Kind: 5001, Input: "hi"})
	require.NoError(t, err)

	_, err = e.Complete(ctx, alice, job.ID)
	assert.ErrorIs(t, err, ErrBadState)
	assert.Zero(t, settler.calls)
}

func TestWorkflowAdvancesThroughSteps(t *testing.T) {
	e, f, _, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")

	w, err := e.CreateWorkflow(ctx, alice, CreateWorkflowInput{
		Input:    "raw text",
		BidMsats: 200_000,
		Steps: []WorkflowStepInput{
			{Kind: 5001, Description: "summarize"},
			{Kind: 5002, Description: "translate"},
		},
	})
	require.NoError(t, err)

	step0JobID := w.Steps[0].JobID
	require.NotEmpty(t, step0JobID)

	claimed, err := e.Accept(ctx, bob, step0JobID)
	require.NoError(t, err)
	_, err = e.SubmitResult(ctx, bob, claimed.ID, SubmitResultInput{Content: "summary"})
	require.NoError(t, err)

	stored, err := f.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Steps[0].Status)
	assert.Equal(t, "summary", stored.Steps[0].Output)
	assert.Equal(t, StatusProcessing, stored.Status)

	// Step 1 went out as a fresh request seeded with step 0's output.
	step1JobID := stored.Steps[1].JobID
	require.NotEmpty(t, step1JobID)
	step1 := f.jobs[step1JobID]
	assert.Equal(t, 5002, step1.Kind)
	assert.Equal(t, "summary", step1.Input)
	assert.Equal(t, StatusOpen, step1.Status)

	claimed2, err := e.Accept(ctx, bob, step1JobID)
	require.NoError(t, err)
	_, err = e.SubmitResult(ctx, bob, claimed2.ID, SubmitResultInput{Content: "resume"})
	require.NoError(t, err)

	stored, err = f.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, StatusCompleted, stored.Steps[1].Status)
}

func TestSwarmWinnerPaidOnce(t *testing.T) {
	e, f, settler, ks := newLifecycleFixture(t)
	ctx := context.Background()

	alice := newLifecycleAgent(t, ks, f, "alice")
	bob := newLifecycleAgent(t, ks, f, "bob")

	job, err := e.PostSwarm(ctx, alice, PostSwarmInput{Input: "best slogan", BidMsats: 100_000})
	require.NoError(t, err)

	require.NoError(t, f.UpsertSwarmSubmission(ctx, &store.SwarmSubmission{
		SwarmID:        job.SwarmID,
		ProviderPubkey: bob.Pubkey,
		Content:        "buy more sats",
		Bolt11:         "lnbc1m1...",
	}))

	outcome, err := e.SelectSwarmWinner(ctx, alice, job.ID, bob.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, int64(90_000), outcome.PaidMsats)
	assert.Equal(t, 1, settler.calls)
	assert.True(t, f.subs[job.SwarmID][bob.Pubkey].Winner)
	assert.Equal(t, StatusCompleted, f.jobs[job.ID].Status)

	_, err = e.SelectSwarmWinner(ctx, alice, job.ID, bob.Pubkey)
	assert.ErrorIs(t, err, ErrBadState)
	assert.Equal(t, 1, settler.calls)
}
