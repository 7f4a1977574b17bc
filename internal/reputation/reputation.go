// Package reputation aggregates trust declarations, zap totals, delivery
// statistics, and ratings into per-agent reputation objects. Admission
// control and the HTTP surface both read through a short-TTL cache.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/dvmesh/backend/internal/kv"
	"github.com/dvmesh/backend/internal/store"
)

const (
	cacheTTL     = 300 * time.Second
	refreshEvery = 60 * time.Second
	cachePrefix  = "rep:"
)

// Reputation is the full per-agent view.
type Reputation struct {
	Pubkey   string         `json:"pubkey"`
	Score    int64          `json:"score"`
	WoT      WoTFacet       `json:"wot"`
	Zaps     ZapsFacet      `json:"zaps"`
	Reviews  ReviewsFacet   `json:"reviews"`
	Platform PlatformFacet  `json:"platform"`
	Flags    ReporterCounts `json:"flags"`
}

type WoTFacet struct {
	TrustedBy int64 `json:"trusted_by"`
	// TrustedByYourFollows is viewer-relative and only filled on direct
	// queries, never in the cache-wide refresh.
	TrustedByYourFollows int64 `json:"trusted_by_your_follows,omitempty"`
}

type ZapsFacet struct {
	TotalReceivedSats int64 `json:"total_received_sats"`
}

type ReviewsFacet struct {
	AvgRating   float64 `json:"avg_rating"`
	ReviewCount int64   `json:"review_count"`
}

type PlatformFacet struct {
	JobsCompleted   int64      `json:"jobs_completed"`
	JobsRejected    int64      `json:"jobs_rejected"`
	CompletionRate  float64    `json:"completion_rate"`
	AvgResponseS    float64    `json:"avg_response_s"`
	TotalEarnedSats int64      `json:"total_earned_sats"`
	LastJobAt       *time.Time `json:"last_job_at,omitempty"`
}

type ReporterCounts struct {
	DistinctReporters int64 `json:"distinct_reporters"`
}

// Aggregator computes and caches reputation objects.
type Aggregator struct {
	store  *store.Store
	cache  kv.Client
	logger *slog.Logger
}

// NewAggregator wires the aggregator.
func NewAggregator(st *store.Store, cache kv.Client) *Aggregator {
	return &Aggregator{
		store:  st,
		cache:  cache,
		logger: slog.Default().With("component", "reputation"),
	}
}

// Get reads the reputation for a pubkey through the cache, recomputing
// synchronously on a miss. A non-empty viewerUserID adds the viewer-relative
// web-of-trust count on top of the cached object.
func (a *Aggregator) Get(ctx context.Context, pubkey, viewerUserID string) (*Reputation, error) {
	rep, err := a.cached(ctx, pubkey)
	if err != nil {
		rep, err = a.Compute(ctx, pubkey)
		if err != nil {
			return nil, err
		}
		a.put(ctx, rep)
	}
	if viewerUserID != "" {
		n, err := a.store.CountTrustedByFollows(ctx, pubkey, viewerUserID)
		if err != nil {
			return nil, err
		}
		rep.WoT.TrustedByYourFollows = n
	}
	return rep, nil
}

// Compute builds a fresh reputation object from the store.
func (a *Aggregator) Compute(ctx context.Context, pubkey string) (*Reputation, error) {
	rep := &Reputation{Pubkey: pubkey}

	trustedBy, err := a.store.CountTrustedBy(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	rep.WoT.TrustedBy = trustedBy

	avgRating, reviewCount, err := a.store.ReviewStats(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	rep.Reviews = ReviewsFacet{AvgRating: avgRating, ReviewCount: reviewCount}

	reporters, err := a.store.CountDistinctReporters(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	rep.Flags.DistinctReporters = reporters

	svc, err := a.store.GetServiceByPubkey(ctx, pubkey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if svc != nil {
		rep.Zaps.TotalReceivedSats = svc.TotalZapReceived / 1000
		rep.Platform = PlatformFacet{
			JobsCompleted:   svc.JobsCompleted,
			JobsRejected:    svc.JobsRejected,
			AvgResponseS:    float64(svc.AvgResponseMs) / 1000,
			TotalEarnedSats: svc.TotalEarnedMsats / 1000,
			LastJobAt:       svc.LastJobAt,
		}
		if total := svc.JobsCompleted + svc.JobsRejected; total > 0 {
			rep.Platform.CompletionRate = float64(svc.JobsCompleted) / float64(total)
		}
	}

	rep.Score = Score(rep.WoT.TrustedBy, rep.Zaps.TotalReceivedSats,
		rep.Platform.JobsCompleted, rep.Reviews.AvgRating)
	return rep, nil
}

// Score is the composite admission score.
func Score(trustedBy, zapSats, jobsCompleted int64, avgRating float64) int64 {
	score := trustedBy * 100
	if zapSats > 0 {
		score += int64(math.Floor(math.Log10(float64(zapSats)) * 10))
	}
	score += jobsCompleted * 5
	score += int64(math.Floor(avgRating * 20))
	return score
}

// Run refreshes every known agent's cached reputation on a fixed period
// until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.refreshAll(ctx); err != nil {
				a.logger.Warn("refresh failed", "error", err)
			}
		}
	}
}

func (a *Aggregator) refreshAll(ctx context.Context) error {
	pubkeys, err := a.store.ListAgentPubkeys(ctx)
	if err != nil {
		return err
	}
	for _, pk := range pubkeys {
		rep, err := a.Compute(ctx, pk)
		if err != nil {
			a.logger.Warn("compute failed", "pubkey", pk, "error", err)
			continue
		}
		a.put(ctx, rep)
	}
	return nil
}

func (a *Aggregator) cached(ctx context.Context, pubkey string) (*Reputation, error) {
	raw, err := a.cache.Get(ctx, cachePrefix+pubkey)
	if err != nil {
		return nil, err
	}
	var rep Reputation
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (a *Aggregator) put(ctx context.Context, rep *Reputation) {
	raw, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, cachePrefix+rep.Pubkey, raw, cacheTTL); err != nil {
		a.logger.Warn("cache write failed", "pubkey", rep.Pubkey, "error", err)
	}
}
