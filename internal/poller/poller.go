// Package poller runs the periodic relay ingestion tasks. Each poller is a
// named task with a monotone created_at watermark in the KV namespace; ticks
// are single-flight per name so a slow iteration never overlaps itself.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dvmesh/backend/internal/kv"
	"github.com/dvmesh/backend/internal/metrics"
	"github.com/dvmesh/backend/internal/nostr"
)

// Fetcher pulls stored events from one relay; satisfied by
// relayclient.Client.
type Fetcher interface {
	Fetch(ctx context.Context, relayURL string, filters []nostr.Filter) ([]nostr.Event, error)
}

// Func is one poller iteration. It returns the highest created_at it
// processed, or 0 when nothing was processed (the watermark then stays put).
type Func func(ctx context.Context, since int64) (maxCreatedAt int64, err error)

type poller struct {
	name    string
	fn      Func
	running atomic.Bool
	// sinceless pollers (external-dvm first run) pass 0 as since on an
	// empty watermark instead of skipping.
}

// Runner drives the poller set on a fixed tick.
type Runner struct {
	tick    time.Duration
	kv      kv.Client
	pollers []*poller
	logger  *slog.Logger
}

// NewRunner builds an empty runner; register pollers with Add.
func NewRunner(tick time.Duration, kvc kv.Client) *Runner {
	if tick <= 0 {
		tick = 60 * time.Second
	}
	return &Runner{
		tick:   tick,
		kv:     kvc,
		logger: slog.Default().With("component", "poller"),
	}
}

// Add registers a named poller.
func (r *Runner) Add(name string, fn Func) {
	r.pollers = append(r.pollers, &poller{name: name, fn: fn})
}

// Run ticks until the context is cancelled. One immediate pass runs at
// startup so a fresh deploy does not wait a full tick.
func (r *Runner) Run(ctx context.Context) {
	r.tickAll(ctx)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tickAll(ctx)
		}
	}
}

func (r *Runner) tickAll(ctx context.Context) {
	for _, p := range r.pollers {
		if !p.running.CompareAndSwap(false, true) {
			continue
		}
		go func(p *poller) {
			defer p.running.Store(false)
			r.runOne(ctx, p)
		}(p)
	}
}

func (r *Runner) runOne(ctx context.Context, p *poller) {
	since := r.watermark(ctx, p.name)
	maxCreatedAt, err := p.fn(ctx, since)
	if err != nil {
		metrics.PollerErrors.WithLabelValues(p.name).Inc()
		r.logger.Warn("poller iteration failed", "poller", p.name, "error", err)
		return
	}
	if maxCreatedAt > 0 {
		r.setWatermark(ctx, p.name, maxCreatedAt+1)
	}
	metrics.PollerTicks.WithLabelValues(p.name).Inc()
}

func (r *Runner) watermark(ctx context.Context, name string) int64 {
	raw, err := r.kv.Get(ctx, "wm:"+name)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (r *Runner) setWatermark(ctx context.Context, name string, wm int64) {
	if err := r.kv.Set(ctx, "wm:"+name, []byte(strconv.FormatInt(wm, 10)), 0); err != nil {
		r.logger.Warn("watermark write failed", "poller", name, "error", err)
	}
}

// gather fetches a filter set from every relay, drops events that fail
// signature verification, dedups by id, and returns the survivors in
// created_at order.
func gather(ctx context.Context, fetcher Fetcher, relays []string, filters []nostr.Filter, logger *slog.Logger) []nostr.Event {
	seen := make(map[string]struct{})
	var out []nostr.Event
	for _, relay := range relays {
		events, err := fetcher.Fetch(ctx, relay, filters)
		if err != nil {
			logger.Warn("fetch failed", "relay", relay, "error", err)
			// Partial results from a broken read still count.
		}
		for i := range events {
			ev := events[i]
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			if err := ev.Verify(); err != nil {
				logger.Warn("dropping unverifiable event", "id", ev.ID, "error", err)
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// sincePtr shapes a watermark for a filter; zero means no lower bound.
func sincePtr(since int64) *int64 {
	if since <= 0 {
		return nil
	}
	return &since
}
