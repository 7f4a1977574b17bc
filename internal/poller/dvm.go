package poller

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/relay"
	"github.com/dvmesh/backend/internal/store"
)

// offlineAfter is how long an agent may go without a heartbeat before it is
// marked offline.
const offlineAfter = 600 * time.Second

// Set bundles the poller dependencies. Register wires every poller onto a
// Runner.
type Set struct {
	store  *store.Store
	fetch  Fetcher
	relays []string
	engine *jobs.Engine
	logger *slog.Logger
}

// NewSet builds the poller set.
func NewSet(st *store.Store, fetch Fetcher, relays []string, engine *jobs.Engine) *Set {
	return &Set{
		store:  st,
		fetch:  fetch,
		relays: relays,
		engine: engine,
		logger: slog.Default().With("component", "poller"),
	}
}

// Register adds the ingestion pollers to a runner.
func (s *Set) Register(r *Runner) {
	r.Add("followed-users", s.followedUsers)
	r.Add("own-posts", s.ownPosts)
	r.Add("community", s.community)
	r.Add("contact-sync", s.contactSync)
	r.Add("reactions", s.reactions)
	r.Add("replies", s.replies)
	r.Add("dvm-results", s.dvmResults)
	r.Add("dvm-requests", s.dvmRequests)
	r.Add("provider-zaps", s.providerZaps)
	r.Add("reports", s.reports)
	r.Add("external-dvm", s.externalDVM)
	r.Add("trust", s.trust)
	r.Add("heartbeats", s.heartbeats)
	r.Add("reviews", s.reviews)
}

// dvmResults ingests results and feedback for requests still waiting on one.
func (s *Set) dvmResults(ctx context.Context, since int64) (int64, error) {
	openIDs, err := s.store.ListOpenRequestEventIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(openIDs) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Since: sincePtr(since),
		Tags:  map[string][]string{"e": openIDs},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		switch {
		case nostr.IsJobResult(ev.Kind):
			err = s.engine.ApplyResultEvent(ctx, ev)
		case ev.Kind == nostr.KindJobFeedback:
			err = s.engine.ApplyFeedbackEvent(ctx, ev)
		default:
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
	}
	return maxCreatedAt, nil
}

// dvmRequests fans out externally authored requests to local services.
func (s *Set) dvmRequests(ctx context.Context, since int64) (int64, error) {
	kinds, err := s.store.ListProviderKinds(ctx)
	if err != nil {
		return 0, err
	}
	if len(kinds) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: kinds,
		Since: sincePtr(since),
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		if err := s.engine.IngestExternalRequest(ctx, &events[i]); err != nil {
			return maxCreatedAt, err
		}
		maxCreatedAt = max64(maxCreatedAt, events[i].CreatedAt)
	}
	return maxCreatedAt, nil
}

// providerZaps adds zap receipts addressed to local providers to their
// running totals. The total is additive; replays are fenced by the
// watermark, not by recomputation.
func (s *Set) providerZaps(ctx context.Context, since int64) (int64, error) {
	pubkeys, err := s.store.ListProviderPubkeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(pubkeys) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindZapReceipt},
		Since: sincePtr(since),
		Tags:  map[string][]string{"p": pubkeys},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		target := ev.Tags.First("p")
		_, msats := relay.ParseZapReceipt(ev)
		if target != "" && msats > 0 {
			if err := s.store.AddZapReceived(ctx, target, msats); err != nil {
				return maxCreatedAt, err
			}
		}
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
	}
	return maxCreatedAt, nil
}

// reports records abuse reports against local providers, once per event.
func (s *Set) reports(ctx context.Context, since int64) (int64, error) {
	pubkeys, err := s.store.ListProviderPubkeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(pubkeys) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindReport},
		Since: sincePtr(since),
		Tags:  map[string][]string{"p": pubkeys},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		pTag := ev.Tags.Find("p")
		if len(pTag) < 2 {
			continue
		}
		report := &store.Report{
			EventID:        ev.ID,
			ReporterPubkey: ev.PubKey,
			TargetPubkey:   pTag[1],
			TargetEventID:  ev.Tags.First("e"),
		}
		if len(pTag) > 2 {
			report.ReportType = pTag[2]
		}
		if err := s.store.InsertReportOnce(ctx, report); err != nil {
			return maxCreatedAt, err
		}
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
	}
	return maxCreatedAt, nil
}

// externalDVM catalogs handler-info events from the wider network,
// latest-wins per (pubkey, d-tag). The first run deliberately has no since
// bound so the catalog backfills.
func (s *Set) externalDVM(ctx context.Context, since int64) (int64, error) {
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindHandlerInfo},
		Since: sincePtr(since),
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		var kinds []int64
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "k" {
				if k, err := strconv.ParseInt(tag[1], 10, 64); err == nil {
					kinds = append(kinds, k)
				}
			}
		}
		err := s.store.UpsertExternalDVM(ctx, &store.ExternalDVM{
			Pubkey:         ev.PubKey,
			DTag:           ev.Tags.First("d"),
			Kinds:          kinds,
			Content:        ev.Content,
			EventID:        ev.ID,
			EventCreatedAt: ev.CreatedAt,
		})
		if err != nil {
			return maxCreatedAt, err
		}
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
	}
	return maxCreatedAt, nil
}

// trust records trust declarations whose author is a local user.
func (s *Set) trust(ctx context.Context, since int64) (int64, error) {
	pubkeys, err := s.store.ListProviderPubkeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(pubkeys) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindTrustAssert},
		Since: sincePtr(since),
		Tags:  map[string][]string{"p": pubkeys},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		truster, err := s.store.GetAgentByPubkey(ctx, ev.PubKey)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		target := ev.Tags.First("p")
		if target == "" {
			continue
		}
		if err := s.store.UpsertTrust(ctx, &store.TrustDeclaration{
			TrusterUserID: truster.ID,
			TargetPubkey:  target,
			EventID:       ev.ID,
		}); err != nil {
			return maxCreatedAt, err
		}
	}
	return maxCreatedAt, nil
}

// heartbeats ingests liveness beacons and ages out silent agents.
func (s *Set) heartbeats(ctx context.Context, since int64) (int64, error) {
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindHeartbeat},
		Since: sincePtr(since),
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		agent, err := s.store.GetAgentByPubkey(ctx, ev.PubKey)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		hb := &store.Heartbeat{
			UserID:   agent.ID,
			Pubkey:   ev.PubKey,
			Status:   ev.Tags.First("status"),
			EventID:  ev.ID,
			LastSeen: time.Unix(ev.CreatedAt, 0),
		}
		if v := ev.Tags.First("capacity"); v != "" {
			hb.Capacity, _ = strconv.Atoi(v)
		}
		if tag := ev.Tags.Find("kinds"); len(tag) > 1 {
			for _, v := range tag[1:] {
				if k, err := strconv.ParseInt(v, 10, 64); err == nil {
					hb.Kinds = append(hb.Kinds, k)
				}
			}
		}
		if err := s.store.UpsertHeartbeat(ctx, hb); err != nil {
			return maxCreatedAt, err
		}
		if err := s.store.TouchAgentSeen(ctx, agent.ID, hb.LastSeen); err != nil {
			return maxCreatedAt, err
		}
	}

	if _, err := s.store.MarkAgentsOffline(ctx, time.Now().Add(-offlineAfter)); err != nil {
		return maxCreatedAt, err
	}
	return maxCreatedAt, nil
}

// reviews records ratings against local jobs, once per (job, reviewer).
func (s *Set) reviews(ctx context.Context, since int64) (int64, error) {
	pubkeys, err := s.store.ListProviderPubkeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(pubkeys) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindReview},
		Since: sincePtr(since),
		Tags:  map[string][]string{"p": pubkeys},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		jobEventID := ev.Tags.First("d")
		if jobEventID == "" {
			continue
		}
		job, err := s.store.GetCustomerJobByRequest(ctx, jobEventID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		rating, err := strconv.ParseFloat(ev.Tags.First("rating"), 64)
		if err != nil || rating < 0 || rating > 5 {
			continue
		}
		kind := 0
		if v := ev.Tags.First("kind"); v != "" {
			kind, _ = strconv.Atoi(v)
		}
		if err := s.store.InsertReviewOnce(ctx, &store.Review{
			ID:             uuid.NewString(),
			JobID:          job.ID,
			JobEventID:     jobEventID,
			ReviewerPubkey: ev.PubKey,
			TargetPubkey:   ev.Tags.First("p"),
			Rating:         rating,
			Role:           ev.Tags.First("role"),
			Kind:           kind,
			EventID:        ev.ID,
		}); err != nil {
			return maxCreatedAt, err
		}
	}
	return maxCreatedAt, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
