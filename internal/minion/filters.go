package minion

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/storage"
)

// feedKinds returns the event kinds the user wants in feeds, per settings.
func feedKinds(st *storage.Storage) []int {
	kinds := []int{nostrx.KindTextNote}
	if st.ReadSettingBool(storage.SettingReposts) {
		kinds = append(kinds, nostrx.KindRepost)
	}
	if st.ReadSettingBool(storage.SettingShowLongForm) {
		kinds = append(kinds, nostrx.KindLongFormContent)
	}
	return kinds
}

// mentionKinds returns the kinds subscribed for events tagging the local
// user.
func mentionKinds(st *storage.Storage) []int {
	kinds := feedKinds(st)
	if st.ReadSettingBool(storage.SettingReactions) {
		kinds = append(kinds, nostrx.KindReaction, nostrx.KindZapReceipt)
	}
	if st.ReadSettingBool(storage.SettingDirectMessages) {
		kinds = append(kinds, nostrx.KindEncryptedDM, nostrx.KindGiftWrap)
	}
	return kinds
}

// resumeSince computes the since watermark for a re-subscription: the last
// EOSE time rewound by the overlap, falling back to the chunk window, and
// never earlier than the global floor.
func resumeSince(st *storage.Storage, eoseAt int64, chunkSetting string) nostr.Timestamp {
	var since int64
	if eoseAt > 0 {
		since = eoseAt - st.ReadSettingInt(storage.SettingOverlapSecs)
	} else {
		since = time.Now().Unix() - st.ReadSettingInt(chunkSetting)
	}
	return nostr.Timestamp(storage.ClampSince(since))
}

// generalFeedFilters builds the main feed filter set for the given authors:
// their feed events plus anything tagging the local user.
func generalFeedFilters(st *storage.Storage, authors []string, eoseAt int64) nostr.Filters {
	feedSince := resumeSince(st, eoseAt, storage.SettingFeedChunkSecs)
	mentionSince := resumeSince(st, eoseAt, storage.SettingRepliesChunkSecs)

	var filters nostr.Filters
	if len(authors) > 0 {
		filters = append(filters, nostr.Filter{
			Authors: authors,
			Kinds:   feedKinds(st),
			Since:   &feedSince,
		})
		// Keep their profiles and relay lists current too.
		filters = append(filters, nostr.Filter{
			Authors: authors,
			Kinds:   []int{nostrx.KindMetadata, nostrx.KindRelayList},
		})
	}

	if me := st.ReadPublicKey(); me != "" {
		filters = append(filters, nostr.Filter{
			Kinds: mentionKinds(st),
			Tags:  nostr.TagMap{"p": []string{me}},
			Since: &mentionSince,
		})
	}

	return filters
}

// personFeedFilters builds the filter set for one person's feed.
func personFeedFilters(st *storage.Storage, pubkey string) nostr.Filters {
	since := resumeSince(st, 0, storage.SettingFeedChunkSecs)
	return nostr.Filters{{
		Authors: []string{pubkey},
		Kinds:   feedKinds(st),
		Since:   &since,
	}}
}

// threadFeedFilters builds the filter set for a thread: the missing
// ancestors by id, and replies to every id we know about.
func threadFeedFilters(st *storage.Storage, ids []string) nostr.Filters {
	since := resumeSince(st, 0, storage.SettingRepliesChunkSecs)

	kinds := feedKinds(st)
	if st.ReadSettingBool(storage.SettingReactions) {
		kinds = append(kinds, nostrx.KindReaction, nostrx.KindZapReceipt)
	}
	kinds = append(kinds, nostrx.KindDeletion)

	return nostr.Filters{
		{IDs: ids},
		{
			Kinds: kinds,
			Tags:  nostr.TagMap{"e": ids},
			Since: &since,
		},
	}
}

// metadataFilters fetches profiles, contact lists and relay lists for the
// given pubkeys.
func metadataFilters(pubkeys []string) nostr.Filters {
	return nostr.Filters{{
		Authors: pubkeys,
		Kinds:   []int{nostrx.KindMetadata, nostrx.KindContactList, nostrx.KindRelayList},
	}}
}

// followingFilters pulls the local user's own contact list.
func followingFilters(me string) nostr.Filters {
	limit := 1
	return nostr.Filters{{
		Authors: []string{me},
		Kinds:   []int{nostrx.KindContactList},
		Limit:   limit,
	}}
}
