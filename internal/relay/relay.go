// Package relay implements the gossip relay gateway: a WebSocket server
// accepting EVENT, REQ, and CLOSE frames from any client, with an admission
// pipeline gating external writes behind proof-of-work and a zap deposit.
// One Relay instance runs per process so live broadcast needs no cross-pod
// coordination.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dvmesh/backend/internal/metrics"
	"github.com/dvmesh/backend/internal/nostr"
)

// Store is the slice of persistence the relay needs.
type Store interface {
	InsertRelayEvent(ctx context.Context, e *nostr.Event) error
	QueryRelayEvents(ctx context.Context, f *nostr.Filter) ([]nostr.Event, error)
	DeleteRelayEventsByAuthor(ctx context.Context, author string, eventIDs []string) error
	PruneRelayEvents(ctx context.Context, cutoff time.Time) (int64, error)
	AddZapCredit(ctx context.Context, pubkey string, msats int64) error
	ZapCredit(ctx context.Context, pubkey string) (int64, error)
	AgentPubkeyExists(ctx context.Context, pubkey string) (bool, error)
}

// Options configure admission.
type Options struct {
	// Pubkey is the relay's own identity; the zap gate counts receipts
	// addressed to it.
	Pubkey string
	// MinPoW is the minimum leading-zero-bit difficulty for external writes.
	MinPoW int
	// MinZapSats is the deposit an external author needs before the relay
	// stores their DVM requests.
	MinZapSats int64
	// RetentionDays bounds storage of non-replaceable events.
	RetentionDays int
	// Name and Description fill the NIP-11 information document.
	Name        string
	Description string
}

// Relay is the process-wide gateway instance.
type Relay struct {
	store Store
	opts  Options

	mu    sync.RWMutex
	conns map[*connection]struct{}

	logger *slog.Logger
}

// New builds the relay gateway.
func New(st Store, opts Options) *Relay {
	if opts.MinPoW <= 0 {
		opts.MinPoW = 20
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	return &Relay{
		store:  st,
		opts:   opts,
		conns:  make(map[*connection]struct{}),
		logger: slog.Default().With("component", "relay"),
	}
}

// Handler routes the relay's single endpoint: WebSocket upgrades, the
// NIP-11 information document on Accept: application/nostr+json, and a
// plain-text banner otherwise.
func (r *Relay) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
			r.handleWebSocket(w, req)
			return
		}
		if strings.Contains(req.Header.Get("Accept"), "application/nostr+json") ||
			req.URL.Path == "/info" {
			r.handleInfo(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(r.opts.Name + " - gossip relay\n"))
	})
}

// infoDocument is the NIP-11 relay metadata payload.
type infoDocument struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Pubkey        string         `json:"pubkey,omitempty"`
	SupportedNIPs []int          `json:"supported_nips"`
	Software      string         `json:"software"`
	Version       string         `json:"version"`
	Limitation    infoLimitation `json:"limitation"`
}

type infoLimitation struct {
	MaxSubscriptions int  `json:"max_subscriptions"`
	MaxFilters       int  `json:"max_filters"`
	MinPoWDifficulty int  `json:"min_pow_difficulty"`
	AuthRequired     bool `json:"auth_required"`
	PaymentRequired  bool `json:"payment_required"`
}

func (r *Relay) handleInfo(w http.ResponseWriter, _ *http.Request) {
	doc := infoDocument{
		Name:          r.opts.Name,
		Description:   r.opts.Description,
		Pubkey:        r.opts.Pubkey,
		SupportedNIPs: []int{1, 9, 11, 13, 57},
		Software:      "https://github.com/dvmesh/backend",
		Version:       "1.0",
		Limitation: infoLimitation{
			MaxSubscriptions: maxSubscriptions,
			MaxFilters:       maxFiltersPerSub,
			MinPoWDifficulty: r.opts.MinPoW,
			PaymentRequired:  r.opts.MinZapSats > 0,
		},
	}
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(doc)
}

// broadcast delivers an accepted event to every live subscription it
// matches.
func (r *Relay) broadcast(ev *nostr.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn := range r.conns {
		conn.notify(ev)
	}
}

func (r *Relay) register(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	metrics.RelayConnections.Inc()
}

func (r *Relay) unregister(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; ok {
		delete(r.conns, c)
		metrics.RelayConnections.Dec()
	}
}

// RunPruner deletes expired non-replaceable events once a day until the
// context is cancelled.
func (r *Relay) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -r.opts.RetentionDays)
			n, err := r.store.PruneRelayEvents(ctx, cutoff)
			if err != nil {
				r.logger.Warn("prune failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("pruned events", "count", n)
			}
		}
	}
}
