package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvmesh/backend/internal/metrics"
	"github.com/dvmesh/backend/internal/nostr"
)

// maxFutureDrift bounds how far ahead of the relay clock an event may claim
// to be created.
const maxFutureDrift = 600 * time.Second

// admit runs the full admission pipeline. It returns (accepted, message);
// message is the machine-readable prefix convention relays answer in OK
// frames ("blocked: ...", "invalid: ...", "pow: ...").
func (r *Relay) admit(ctx context.Context, ev *nostr.Event) (bool, string) {
	if !kindAllowed(ev.Kind) {
		metrics.RelayAdmission.WithLabelValues("blocked_kind").Inc()
		return false, "blocked: kind not allowed"
	}

	if err := ev.Verify(); err != nil {
		metrics.RelayAdmission.WithLabelValues("bad_signature").Inc()
		return false, "invalid: bad signature"
	}

	if time.Unix(ev.CreatedAt, 0).After(time.Now().Add(maxFutureDrift)) {
		metrics.RelayAdmission.WithLabelValues("future").Inc()
		return false, "invalid: created_at too far in future"
	}

	exempt, err := r.exemptFromGates(ctx, ev)
	if err != nil {
		r.logger.Warn("author classification failed", "pubkey", ev.PubKey, "error", err)
		// Fail closed into the PoW path rather than storing unvetted writes.
		exempt = false
	}

	if !exempt {
		if bits := nostr.LeadingZeroBits(ev.ID); bits < r.opts.MinPoW {
			metrics.RelayAdmission.WithLabelValues("pow").Inc()
			return false, fmt.Sprintf("pow: required difficulty %d", r.opts.MinPoW)
		}
		if nostr.IsJobRequest(ev.Kind) && r.opts.MinZapSats > 0 {
			credit, err := r.store.ZapCredit(ctx, ev.PubKey)
			if err != nil {
				r.logger.Warn("zap credit lookup failed", "pubkey", ev.PubKey, "error", err)
				credit = 0
			}
			if credit < r.opts.MinZapSats*1000 {
				metrics.RelayAdmission.WithLabelValues("zap_gate").Inc()
				return false, fmt.Sprintf("blocked: zap of at least %d sats required", r.opts.MinZapSats)
			}
		}
	}

	metrics.RelayAdmission.WithLabelValues("accepted").Inc()
	return true, ""
}

// exemptFromGates classifies the author and kind. Registered agents, DVM
// results and feedback, and zap receipts skip the PoW and zap gates.
func (r *Relay) exemptFromGates(ctx context.Context, ev *nostr.Event) (bool, error) {
	if nostr.IsJobResult(ev.Kind) || ev.Kind == nostr.KindJobFeedback {
		return true, nil
	}
	if ev.Kind == nostr.KindZapReceipt {
		return true, nil
	}
	return r.store.AgentPubkeyExists(ctx, ev.PubKey)
}

// accept persists (or broadcasts) an admitted event and applies its side
// effects: deletions remove referenced events, zap receipts addressed to the
// relay accrue gate credit.
func (r *Relay) accept(ctx context.Context, ev *nostr.Event) error {
	switch {
	case ev.Kind == nostr.KindDeletion:
		if refs := ev.Tags.Values("e"); len(refs) > 0 {
			if err := r.store.DeleteRelayEventsByAuthor(ctx, ev.PubKey, refs); err != nil {
				return err
			}
		}
		if err := r.store.InsertRelayEvent(ctx, ev); err != nil {
			return err
		}
	case nostr.IsEphemeral(ev.Kind):
		// Broadcast only; never persisted.
	default:
		if err := r.store.InsertRelayEvent(ctx, ev); err != nil {
			return err
		}
	}

	if ev.Kind == nostr.KindZapReceipt {
		r.creditZap(ctx, ev)
	}

	r.broadcast(ev)
	return nil
}

// creditZap parses a zap receipt and, when it is addressed to the relay's
// own pubkey, credits the zap sender toward the zap gate.
func (r *Relay) creditZap(ctx context.Context, receipt *nostr.Event) {
	if r.opts.Pubkey == "" || receipt.Tags.First("p") != r.opts.Pubkey {
		return
	}
	sender, msats := ParseZapReceipt(receipt)
	if sender == "" || msats <= 0 {
		return
	}
	if err := r.store.AddZapCredit(ctx, sender, msats); err != nil {
		r.logger.Warn("zap credit update failed", "pubkey", sender, "error", err)
	}
}

// ParseZapReceipt extracts (sender pubkey, amount in msats) from a kind-9735
// receipt. The embedded zap request rides in the description tag; its amount
// tag is authoritative, with the bolt11 tag as fallback.
func ParseZapReceipt(receipt *nostr.Event) (string, int64) {
	desc := receipt.Tags.First("description")
	if desc == "" {
		return "", 0
	}
	var request nostr.Event
	if err := json.Unmarshal([]byte(desc), &request); err != nil {
		return "", 0
	}
	msats := parseMsats(request.Tags.First("amount"))
	if msats == 0 {
		msats = Bolt11AmountMsats(receipt.Tags.First("bolt11"))
	}
	return request.PubKey, msats
}

func parseMsats(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// Bolt11AmountMsats decodes the amount from a bolt11 invoice's
// human-readable part. Returns 0 when absent or malformed.
func Bolt11AmountMsats(invoice string) int64 {
	if len(invoice) < 4 || invoice[:4] != "lnbc" {
		return 0
	}
	rest := invoice[4:]
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return 0
	}
	var amount int64
	for _, c := range rest[:digits] {
		amount = amount*10 + int64(c-'0')
	}
	// Multiplier maps the hrp unit to millisatoshis (1 BTC = 1e11 msat).
	switch {
	case digits < len(rest) && rest[digits] == 'm':
		return amount * 100_000_000
	case digits < len(rest) && rest[digits] == 'u':
		return amount * 100_000
	case digits < len(rest) && rest[digits] == 'n':
		return amount * 100
	case digits < len(rest) && rest[digits] == 'p':
		if amount%10 != 0 {
			return 0
		}
		return amount / 10
	default:
		return amount * 100_000_000_000
	}
}

// kindAllowed is the storable-kind whitelist.
func kindAllowed(kind int) bool {
	switch kind {
	case nostr.KindMetadata, nostr.KindNote, nostr.KindContacts,
		nostr.KindEncryptedDM, nostr.KindDeletion, nostr.KindRepost,
		nostr.KindReaction, nostr.KindGroupReply, nostr.KindReport,
		nostr.KindZapRequest, nostr.KindZapReceipt, nostr.KindEscrowResult,
		nostr.KindHeartbeat, nostr.KindTrustAssert, nostr.KindReview,
		nostr.KindHandlerInfo:
		return true
	}
	if kind >= nostr.JobRequestMin && kind <= nostr.KindJobFeedback {
		return true
	}
	return false
}
