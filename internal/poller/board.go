package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/relay"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

// boardDedupSeconds is the window in which the same (author, input) pair is
// accepted once.
const boardDedupSeconds = 300

// intentRules map inbound message keywords to DVM request kinds, first match
// wins.
var intentRules = []struct {
	pattern *regexp.Regexp
	kind    int
}{
	{regexp.MustCompile(`(?i)\bsummar(y|ize|ise)\b`), 5001},
	{regexp.MustCompile(`(?i)\btranslat(e|ion)\b`), 5002},
	{regexp.MustCompile(`(?i)\b(write|generate|draft)\b.*\btext\b|\btext generation\b`), 5050},
	{regexp.MustCompile(`(?i)\b(image|picture|draw)\b`), 5100},
	{regexp.MustCompile(`(?i)\btranscri(be|ption)\b`), 5000},
}

// Board is the public job-board agent: it watches its own inbox, turns
// natural-language asks into DVM requests posted under its identity, and
// routes finished results back to the requester.
type Board struct {
	store       *store.Store
	fetch       Fetcher
	relays      []string
	engine      *jobs.Engine
	keys        *signer.Keystore
	agentID     string
	maxBidMsats int64
	logger      *slog.Logger
}

// NewBoard wires the board against the agent row acting as the board
// identity.
func NewBoard(st *store.Store, fetch Fetcher, relays []string, engine *jobs.Engine,
	keys *signer.Keystore, agentID string, maxBidSats int64) *Board {
	return &Board{
		store:       st,
		fetch:       fetch,
		relays:      relays,
		engine:      engine,
		keys:        keys,
		agentID:     agentID,
		maxBidMsats: maxBidSats * 1000,
		logger:      slog.Default().With("component", "board"),
	}
}

// Register adds the board pollers to a runner.
func (b *Board) Register(r *Runner) {
	r.Add("board-inbox", b.inbox)
	r.Add("board-results", b.results)
}

// inbox scans messages addressed to the board and posts a DVM request for
// each recognizable ask.
func (b *Board) inbox(ctx context.Context, since int64) (int64, error) {
	agent, err := b.store.GetAgent(ctx, b.agentID)
	if err != nil {
		return 0, err
	}
	events := gather(ctx, b.fetch, b.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindEncryptedDM, nostr.KindNote, nostr.KindZapReceipt},
		Since: sincePtr(since),
		Tags:  map[string][]string{"p": {agent.Pubkey}},
	}}, b.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		author, input, err := b.extractAsk(ev, agent)
		if err != nil {
			b.logger.Warn("unreadable board message", "id", ev.ID, "error", err)
			continue
		}
		if author == agent.Pubkey || input == "" {
			continue
		}
		kind, ok := classifyIntent(input)
		if !ok {
			continue
		}
		dup, err := b.store.RecentBoardInput(ctx, b.agentID, author, input, boardDedupSeconds)
		if err != nil {
			return maxCreatedAt, err
		}
		if dup {
			continue
		}
		params := map[string]string{"requester": author, "source": ev.ID}
		if ev.Kind == nostr.KindEncryptedDM {
			params["via"] = "dm"
		}
		_, err = b.engine.PostRequest(ctx, agent, jobs.PostRequestInput{
			Kind:     kind,
			Input:    input,
			BidMsats: b.maxBidMsats,
			Params:   params,
		})
		if err != nil {
			b.logger.Warn("board request failed", "source", ev.ID, "error", err)
			continue
		}
		b.logger.Info("board accepted ask", "kind", kind, "requester", author)
	}
	return maxCreatedAt, nil
}

// extractAsk pulls (author, plaintext ask) out of an inbox event. Direct
// messages decrypt with the board key; zap receipts carry the ask as the zap
// request comment.
func (b *Board) extractAsk(ev *nostr.Event, agent *store.Agent) (string, string, error) {
	switch ev.Kind {
	case nostr.KindNote:
		return ev.PubKey, strings.TrimSpace(ev.Content), nil
	case nostr.KindEncryptedDM:
		key, err := b.keys.SharedSecret(agent.EncPrivKey, agent.EncPrivKeyIV, ev.PubKey)
		if err != nil {
			return "", "", err
		}
		plain, err := nostr.DecryptDM(key, ev.Content)
		if err != nil {
			return "", "", err
		}
		return ev.PubKey, strings.TrimSpace(string(plain)), nil
	case nostr.KindZapReceipt:
		sender, _ := relay.ParseZapReceipt(ev)
		if sender == "" {
			return "", "", fmt.Errorf("zap receipt without embedded request")
		}
		desc := ev.Tags.First("description")
		var request nostr.Event
		if err := requestFromDescription(desc, &request); err != nil {
			return "", "", err
		}
		return sender, strings.TrimSpace(request.Content), nil
	}
	return "", "", nil
}

func requestFromDescription(desc string, out *nostr.Event) error {
	if desc == "" {
		return fmt.Errorf("empty description")
	}
	return json.Unmarshal([]byte(desc), out)
}

// classifyIntent maps an ask onto a request kind.
func classifyIntent(input string) (int, bool) {
	for _, rule := range intentRules {
		if rule.pattern.MatchString(input) {
			return rule.kind, true
		}
	}
	return 0, false
}

// results is not a relay poll: it scans the board's own delivered jobs,
// replies to the requester with the result, and settles payment.
func (b *Board) results(ctx context.Context, _ int64) (int64, error) {
	agent, err := b.store.GetAgent(ctx, b.agentID)
	if err != nil {
		return 0, err
	}
	delivered, err := b.store.ListCustomerJobsByUserStatus(ctx, b.agentID, jobs.StatusResultAvailable)
	if err != nil {
		return 0, err
	}

	for i := range delivered {
		job := &delivered[i]
		requester := job.Params["requester"]
		if requester == "" {
			continue
		}
		if err := b.replyWithResult(ctx, agent, job, requester); err != nil {
			b.logger.Warn("board reply failed", "job_id", job.ID, "error", err)
			continue
		}
		if job.BidMsats > 0 {
			if _, err := b.engine.Complete(ctx, agent, job.ID); err != nil {
				b.logger.Warn("board settlement failed", "job_id", job.ID, "error", err)
			}
		} else {
			job.Status = jobs.StatusCompleted
			if err := b.store.UpdateJob(ctx, job, jobs.StatusResultAvailable); err != nil &&
				!errors.Is(err, store.ErrConflict) {
				return 0, err
			}
		}
	}
	// Not watermarked; the status scan is its own fence.
	return 0, nil
}

// replyWithResult sends the finished result back the way it came: a DM when
// the ask arrived encrypted, a threaded note otherwise.
func (b *Board) replyWithResult(ctx context.Context, agent *store.Agent, job *store.Job, requester string) error {
	sourceEventID := job.Params["source"]
	viaDM := job.Params["via"] == "dm"

	var ev *nostr.Event
	if viaDM {
		key, err := b.keys.SharedSecret(agent.EncPrivKey, agent.EncPrivKeyIV, requester)
		if err != nil {
			return err
		}
		content, err := nostr.EncryptDM(key, []byte(job.Result))
		if err != nil {
			return err
		}
		ev = signer.DirectMessage(requester, content)
	} else {
		ev = signer.Note(job.Result, "", sourceEventID, requester)
	}
	if err := b.keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
		return err
	}
	return b.store.WithTx(ctx, func(tx *store.Store) error {
		return queue.Enqueue(ctx, tx, ev)
	})
}
