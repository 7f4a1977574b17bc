package signer

import (
	"fmt"
	"strconv"

	"github.com/dvmesh/backend/internal/nostr"
)

// Event builders. Each returns an unsigned draft with kind and tags set per
// the wire conventions; the caller signs it via Keystore.Sign.

// Metadata builds a kind-0 profile event; content is compact profile JSON.
func Metadata(profileJSON string) *nostr.Event {
	return &nostr.Event{Kind: nostr.KindMetadata, Content: profileJSON, Tags: nostr.Tags{}}
}

// Note builds a kind-1 note. rootID/replyID add e-tags with their markers;
// mention adds a p-tag.
func Note(content, rootID, replyID, mention string) *nostr.Event {
	tags := nostr.Tags{}
	if rootID != "" {
		tags = append(tags, []string{"e", rootID, "", "root"})
	}
	if replyID != "" {
		tags = append(tags, []string{"e", replyID, "", "reply"})
	}
	if mention != "" {
		tags = append(tags, []string{"p", mention})
	}
	return &nostr.Event{Kind: nostr.KindNote, Content: content, Tags: tags}
}

// DirectMessage builds a kind-4 message; content must already be encrypted
// for the recipient.
func DirectMessage(recipientPubkey, encryptedContent string) *nostr.Event {
	return &nostr.Event{
		Kind:    nostr.KindEncryptedDM,
		Content: encryptedContent,
		Tags:    nostr.Tags{{"p", recipientPubkey}},
	}
}

// ContactList builds a kind-3 follow list, one p-tag per followee.
func ContactList(pubkeys []string) *nostr.Event {
	tags := make(nostr.Tags, 0, len(pubkeys))
	for _, pk := range pubkeys {
		tags = append(tags, []string{"p", pk})
	}
	return &nostr.Event{Kind: nostr.KindContacts, Tags: tags}
}

// Deletion builds a kind-5 event referencing the events to delete.
func Deletion(eventIDs []string, reason string) *nostr.Event {
	tags := make(nostr.Tags, 0, len(eventIDs))
	for _, id := range eventIDs {
		tags = append(tags, []string{"e", id})
	}
	return &nostr.Event{Kind: nostr.KindDeletion, Content: reason, Tags: tags}
}

// Repost builds a kind-6 repost of another event.
func Repost(eventID, authorPubkey, content string) *nostr.Event {
	return &nostr.Event{
		Kind:    nostr.KindRepost,
		Content: content,
		Tags:    nostr.Tags{{"e", eventID}, {"p", authorPubkey}},
	}
}

// Reaction builds a kind-7 reaction ("+" by convention).
func Reaction(eventID, authorPubkey, content string) *nostr.Event {
	if content == "" {
		content = "+"
	}
	return &nostr.Event{
		Kind:    nostr.KindReaction,
		Content: content,
		Tags:    nostr.Tags{{"e", eventID}, {"p", authorPubkey}},
	}
}

// JobRequest builds a DVM request in [5000,5999].
func JobRequest(kind int, input, inputType, output string, bidMsats int64, params map[string]string, providerPubkey string) (*nostr.Event, error) {
	if !nostr.IsJobRequest(kind) {
		return nil, fmt.Errorf("kind %d is not a job request kind", kind)
	}
	if inputType == "" {
		inputType = "text"
	}
	tags := nostr.Tags{{"i", input, inputType}}
	if output != "" {
		tags = append(tags, []string{"output", output})
	}
	if bidMsats > 0 {
		tags = append(tags, []string{"bid", strconv.FormatInt(bidMsats, 10)})
	}
	for k, v := range params {
		tags = append(tags, []string{"param", k, v})
	}
	if providerPubkey != "" {
		tags = append(tags, []string{"p", providerPubkey})
	}
	return &nostr.Event{Kind: kind, Tags: tags}, nil
}

// JobResult builds the kind+1000 result for a request.
func JobResult(requestKind int, requestEventID, customerPubkey, content string, amountMsats int64, bolt11 string) (*nostr.Event, error) {
	if !nostr.IsJobRequest(requestKind) {
		return nil, fmt.Errorf("kind %d is not a job request kind", requestKind)
	}
	tags := nostr.Tags{
		{"e", requestEventID},
		{"p", customerPubkey},
	}
	if amountMsats > 0 {
		amount := []string{"amount", strconv.FormatInt(amountMsats, 10)}
		if bolt11 != "" {
			amount = append(amount, bolt11)
		}
		tags = append(tags, amount)
	}
	return &nostr.Event{
		Kind:    nostr.ResultKind(requestKind),
		Content: content,
		Tags:    tags,
	}, nil
}

// JobFeedback builds a kind-7000 status event; status is "processing" or
// "error".
func JobFeedback(status, requestEventID, customerPubkey, content string) (*nostr.Event, error) {
	if status != "processing" && status != "error" {
		return nil, fmt.Errorf("feedback status %q not allowed", status)
	}
	return &nostr.Event{
		Kind:    nostr.KindJobFeedback,
		Content: content,
		Tags: nostr.Tags{
			{"status", status},
			{"e", requestEventID},
			{"p", customerPubkey},
		},
	}, nil
}

// ZapRequest builds a kind-9734 zap request.
func ZapRequest(targetPubkey string, amountMsats int64, relays []string, eventID, lnurl, comment string) *nostr.Event {
	tags := nostr.Tags{
		{"p", targetPubkey},
		{"amount", strconv.FormatInt(amountMsats, 10)},
		append([]string{"relays"}, relays...),
	}
	if eventID != "" {
		tags = append(tags, []string{"e", eventID})
	}
	if lnurl != "" {
		tags = append(tags, []string{"lnurl", lnurl})
	}
	return &nostr.Event{Kind: nostr.KindZapRequest, Content: comment, Tags: tags}
}

// Report builds a kind-1984 abuse report.
func Report(targetPubkey, reportType, targetEventID, content string) *nostr.Event {
	tags := nostr.Tags{{"p", targetPubkey, reportType}}
	if targetEventID != "" {
		tags = append(tags, []string{"e", targetEventID, reportType})
	}
	return &nostr.Event{Kind: nostr.KindReport, Content: content, Tags: tags}
}

// EscrowResult builds a kind-21117 escrowed-result envelope: the digest is
// published, the payload is released after payment.
func EscrowResult(customerPubkey, requestEventID, resultHash, preview string) *nostr.Event {
	tags := nostr.Tags{
		{"p", customerPubkey},
		{"e", requestEventID},
		{"hash", resultHash},
	}
	if preview != "" {
		tags = append(tags, []string{"preview", preview})
	}
	return &nostr.Event{Kind: nostr.KindEscrowResult, Tags: tags}
}

// HandlerInfo builds a kind-31990 service registration for one or more
// kinds; content is a compact capability document.
func HandlerInfo(dTag string, kinds []int, content string) *nostr.Event {
	tags := nostr.Tags{{"d", dTag}}
	for _, k := range kinds {
		tags = append(tags, []string{"k", strconv.Itoa(k)})
	}
	return &nostr.Event{Kind: nostr.KindHandlerInfo, Content: content, Tags: tags}
}

// Heartbeat builds a kind-30333 liveness beacon.
func Heartbeat(dTag, status string, capacity int, kinds []int, price string) *nostr.Event {
	tags := nostr.Tags{{"d", dTag}, {"status", status}}
	if capacity > 0 {
		tags = append(tags, []string{"capacity", strconv.Itoa(capacity)})
	}
	if len(kinds) > 0 {
		kindTag := []string{"kinds"}
		for _, k := range kinds {
			kindTag = append(kindTag, strconv.Itoa(k))
		}
		tags = append(tags, kindTag)
	}
	if price != "" {
		tags = append(tags, []string{"price", price})
	}
	return &nostr.Event{Kind: nostr.KindHeartbeat, Tags: tags}
}

// Review builds a kind-31117 rating against a completed job.
func Review(jobEventID, targetPubkey string, rating float64, role string, kind int, content string) *nostr.Event {
	return &nostr.Event{
		Kind:    nostr.KindReview,
		Content: content,
		Tags: nostr.Tags{
			{"d", jobEventID},
			{"p", targetPubkey},
			{"rating", strconv.FormatFloat(rating, 'f', -1, 64)},
			{"role", role},
			{"kind", strconv.Itoa(kind)},
		},
	}
}

// TrustAssertion builds a kind-30382 trust declaration.
func TrustAssertion(targetPubkey, assertion string) *nostr.Event {
	return &nostr.Event{
		Kind: nostr.KindTrustAssert,
		Tags: nostr.Tags{
			{"d", targetPubkey},
			{"p", targetPubkey},
			{"assertion", assertion},
		},
	}
}

// WorkflowRequest builds a kind-5117 workflow envelope with one step tag per
// stage.
func WorkflowRequest(input string, stepKinds []int, bidMsats int64) *nostr.Event {
	tags := nostr.Tags{{"i", input, "text"}}
	for i, k := range stepKinds {
		tags = append(tags, []string{"step", strconv.Itoa(i), strconv.Itoa(k)})
	}
	if bidMsats > 0 {
		tags = append(tags, []string{"bid", strconv.FormatInt(bidMsats, 10)})
	}
	return &nostr.Event{Kind: nostr.KindJobWorkflow, Tags: tags}
}

// SwarmRequest builds a kind-5118 swarm task.
func SwarmRequest(input, swarmID, judgePubkey string, bidMsats int64) *nostr.Event {
	tags := nostr.Tags{
		{"i", input, "text"},
		{"swarm", swarmID},
	}
	if judgePubkey != "" {
		tags = append(tags, []string{"judge", judgePubkey})
	}
	if bidMsats > 0 {
		tags = append(tags, []string{"bid", strconv.FormatInt(bidMsats, 10)})
	}
	return &nostr.Event{Kind: nostr.KindJobSwarm, Tags: tags}
}
