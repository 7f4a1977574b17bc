package nostr

// Event kinds used across the system. The DVM convention maps a request
// kind k in [5000,5999] to the result kind k+1000, with feedback at 7000.
const (
	KindMetadata     = 0
	KindNote         = 1
	KindContacts     = 3
	KindEncryptedDM  = 4
	KindDeletion     = 5
	KindRepost       = 6
	KindReaction     = 7
	KindGroupReply   = 1111
	KindReport       = 1984
	KindZapRequest   = 9734
	KindZapReceipt   = 9735
	KindEscrowResult = 21117

	KindWalletRequest  = 23194
	KindWalletResponse = 23195

	KindHeartbeat     = 30333
	KindTrustAssert   = 30382
	KindReview        = 31117
	KindHandlerInfo   = 31990
	KindJobWorkflow   = 5117
	KindJobSwarm      = 5118
	KindJobFeedback   = 7000
)

// Kind band boundaries.
const (
	JobRequestMin = 5000
	JobRequestMax = 5999
	JobResultMin  = 6000
	JobResultMax  = 6999

	ephemeralMin = 20000
	ephemeralMax = 29999

	replaceableMin = 10000
	replaceableMax = 19999

	paramReplaceableMin = 30000
	paramReplaceableMax = 39999
)

// IsJobRequest reports whether kind is a DVM job request.
func IsJobRequest(kind int) bool {
	return kind >= JobRequestMin && kind <= JobRequestMax
}

// IsJobResult reports whether kind is a DVM job result.
func IsJobResult(kind int) bool {
	return kind >= JobResultMin && kind <= JobResultMax
}

// ResultKind maps a request kind to its result kind.
func ResultKind(requestKind int) int {
	return requestKind + 1000
}

// IsEphemeral reports whether events of this kind are broadcast but never
// persisted by relays.
func IsEphemeral(kind int) bool {
	return kind >= ephemeralMin && kind <= ephemeralMax
}

// IsReplaceable reports whether relays keep only the latest event per
// (pubkey, kind).
func IsReplaceable(kind int) bool {
	return kind == KindMetadata || kind == KindContacts ||
		(kind >= replaceableMin && kind <= replaceableMax)
}

// IsParamReplaceable reports whether relays keep only the latest event per
// (pubkey, kind, d-tag).
func IsParamReplaceable(kind int) bool {
	return kind >= paramReplaceableMin && kind <= paramReplaceableMax
}
