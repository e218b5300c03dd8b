package nostr

// Well-known event kinds the engine cares about. Kinds outside this set are
// stored and indexed but get no kind-specific handling.
const (
	KindMetadata        = 0
	KindTextNote        = 1
	KindRecommendRelay  = 2
	KindContactList     = 3
	KindEncryptedDM     = 4
	KindDeletion        = 5
	KindRepost          = 6
	KindReaction        = 7
	KindGiftWrap        = 1059
	KindZapReceipt      = 9735
	KindRelayList       = 10002
	KindClientAuth      = 22242
	KindFollowSets      = 30000
	KindLongFormContent = 30023
)

// IsReplaceable reports whether at most one event of this kind is retained
// per author (or per author+d-tag for parameterized kinds).
func IsReplaceable(kind int) bool {
	return kind == KindMetadata ||
		kind == KindContactList ||
		(kind >= 10000 && kind < 20000) ||
		IsParameterizedReplaceable(kind)
}

// IsParameterizedReplaceable reports whether the kind is replaceable per
// (author, d-tag) rather than per author alone.
func IsParameterizedReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// IsFeedDisplayable reports whether events of this kind can appear in a feed
// (and therefore participate in content search).
func IsFeedDisplayable(kind int) bool {
	switch kind {
	case KindTextNote, KindRepost, KindEncryptedDM, KindLongFormContent:
		return true
	}
	return false
}

// IsDirectMessage reports whether the kind carries a private message.
func IsDirectMessage(kind int) bool {
	return kind == KindEncryptedDM || kind == KindGiftWrap
}
