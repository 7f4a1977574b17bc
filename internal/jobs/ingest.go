package jobs

import (
	"context"
	"errors"
	"strconv"

	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/store"
)

// Ingest callbacks invoked by the relay pollers. They are idempotent: the
// optimistic status guards absorb replays and out-of-order delivery.

// ApplyResultEvent reconciles an incoming DVM result (6xxx) with the local
// customer job it answers. Swarm results accumulate as submissions instead
// of closing the job.
func (e *Engine) ApplyResultEvent(ctx context.Context, ev *nostr.Event) error {
	requestEventID := ev.Tags.First("e")
	if requestEventID == "" {
		return nil
	}
	job, err := e.store.GetCustomerJobByRequest(ctx, requestEventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	priceMsats, bolt11 := amountTag(ev)

	if job.SwarmID != "" {
		return e.store.UpsertSwarmSubmission(ctx, &store.SwarmSubmission{
			SwarmID:        job.SwarmID,
			ProviderPubkey: ev.PubKey,
			Content:        ev.Content,
			Bolt11:         bolt11,
			PriceMsats:     priceMsats,
			EventID:        ev.ID,
		})
	}

	return e.store.WithTx(ctx, func(tx Store) error {
		return e.applyResultLocally(ctx, tx, requestEventID, ev.PubKey,
			ev.Content, ev.ID, priceMsats, bolt11)
	})
}

// ApplyFeedbackEvent reconciles an incoming kind-7000 status event with the
// local customer job.
func (e *Engine) ApplyFeedbackEvent(ctx context.Context, ev *nostr.Event) error {
	status := ev.Tags.First("status")
	if status != StatusProcessing && status != StatusError {
		return nil
	}
	requestEventID := ev.Tags.First("e")
	if requestEventID == "" {
		return nil
	}
	return e.store.WithTx(ctx, func(tx Store) error {
		return e.applyFeedbackLocally(ctx, tx, requestEventID, status)
	})
}

// IngestExternalRequest fans out an externally authored DVM request to the
// local services that can serve it. No customer row is written; the customer
// lives elsewhere on the network.
func (e *Engine) IngestExternalRequest(ctx context.Context, ev *nostr.Event) error {
	if !nostr.IsJobRequest(ev.Kind) {
		return nil
	}
	input, inputType := "", "text"
	if tag := ev.Tags.Find("i"); len(tag) > 1 {
		input = tag[1]
		if len(tag) > 2 && tag[2] != "" {
			inputType = tag[2]
		}
	}
	bidMsats := int64(0)
	if v := ev.Tags.First("bid"); v != "" {
		bidMsats, _ = strconv.ParseInt(v, 10, 64)
	}
	params := map[string]string{}
	for _, tag := range ev.Tags {
		if len(tag) >= 3 && tag[0] == "param" {
			params[tag[1]] = tag[2]
		}
	}

	// A locally authored request already fanned out at post time; keying the
	// shadow row to the local author also keeps their own service out.
	authorUserID := ""
	if agent, err := e.store.GetAgentByPubkey(ctx, ev.PubKey); err == nil {
		authorUserID = agent.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	shadow := &store.Job{
		UserID:         authorUserID,
		Kind:           ev.Kind,
		Input:          input,
		InputType:      inputType,
		Output:         ev.Tags.First("output"),
		Params:         params,
		BidMsats:       bidMsats,
		CustomerPubkey: ev.PubKey,
		RequestEventID: ev.ID,
		SwarmID:        ev.Tags.First("swarm"),
	}
	return e.store.WithTx(ctx, func(tx Store) error {
		return e.fanOut(ctx, tx, shadow, nil)
	})
}

// amountTag parses the optional ["amount", <msats>, <bolt11>?] tag.
func amountTag(ev *nostr.Event) (int64, string) {
	tag := ev.Tags.Find("amount")
	if len(tag) < 2 {
		return 0, ""
	}
	msats, err := strconv.ParseInt(tag[1], 10, 64)
	if err != nil {
		return 0, ""
	}
	bolt11 := ""
	if len(tag) > 2 {
		bolt11 = tag[2]
	}
	return msats, bolt11
}
