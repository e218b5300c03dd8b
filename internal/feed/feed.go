// Package feed computes ordered event-id lists for the presentation layer
// from storage indexes: the following feed, person feeds, threads and DM
// channels. Recomputation is rate-limited; between recomputes queries
// return the cached result.
package feed

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/storage"
)

// Feed serves feed queries with a small recompute cache.
type Feed struct {
	storage *storage.Storage
	log     *ops.Logger

	mu           sync.Mutex
	following    []string
	lastComputed time.Time
	threadedMode bool

	dismissed map[string]struct{}
}

// New creates the feed calculator.
func New(st *storage.Storage, log *ops.Logger) *Feed {
	return &Feed{
		storage:   st,
		log:       log.WithComponent("feed"),
		dismissed: make(map[string]struct{}),
	}
}

// Dismiss hides an event from feeds for this session.
func (f *Feed) Dismiss(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed[id] = struct{}{}
	f.lastComputed = time.Time{}
}

func (f *Feed) isDismissed(id string) bool {
	_, ok := f.dismissed[id]
	return ok
}

// feedKinds are the kinds that appear in feeds, per settings.
func (f *Feed) feedKinds() []int {
	kinds := []int{nostrx.KindTextNote}
	if f.storage.ReadSettingBool(storage.SettingReposts) {
		kinds = append(kinds, nostrx.KindRepost)
	}
	if f.storage.ReadSettingBool(storage.SettingShowLongForm) {
		kinds = append(kinds, nostrx.KindLongFormContent)
	}
	return kinds
}

// Following returns the main feed: recent events by followed authors.
// Threaded mode yields roots only, ordered by latest reply activity; flat
// mode orders by created_at.
func (f *Feed) Following(threaded bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	interval := time.Duration(f.storage.ReadSettingInt(storage.SettingFeedRecomputeMs)) * time.Millisecond
	if threaded == f.threadedMode && time.Since(f.lastComputed) < interval {
		return append([]string(nil), f.following...), nil
	}

	ids, err := f.computeFollowing(threaded)
	if err != nil {
		return nil, err
	}
	f.following = ids
	f.threadedMode = threaded
	f.lastComputed = time.Now()
	return append([]string(nil), ids...), nil
}

func (f *Feed) computeFollowing(threaded bool) ([]string, error) {
	followed, err := f.storage.GetFollowedPubkeys()
	if err != nil {
		return nil, err
	}
	if me := f.storage.ReadPublicKey(); me != "" {
		followed = append(followed, me)
	}
	if len(followed) == 0 {
		return nil, nil
	}

	since := time.Now().Unix() - f.storage.ReadSettingInt(storage.SettingFeedChunkSecs)

	events, err := f.storage.FindEvents(f.feedKinds(), followed, since, func(e *nostr.Event) bool {
		if f.isDismissed(e.ID) {
			return false
		}
		if threaded && nostrx.ParseThreadRefs(e).IsReply() {
			return false
		}
		return true
	}, !threaded)
	if err != nil {
		return nil, err
	}

	if threaded {
		f.sortByLatestActivity(events)
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// sortByLatestActivity orders roots by the newest reply anywhere below
// them, falling back to their own timestamps.
func (f *Feed) sortByLatestActivity(events []*nostr.Event) {
	activity := make(map[string]int64, len(events))
	for _, e := range events {
		activity[e.ID] = f.latestReplyTime(e.ID, int64(e.CreatedAt), 0)
	}
	sortIDsBy(events, activity)
}

func sortIDsBy(events []*nostr.Event, activity map[string]int64) {
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			ti, tj := activity[events[i].ID], activity[events[j].ID]
			if tj > ti || (tj == ti && events[j].ID > events[i].ID) {
				events[i], events[j] = events[j], events[i]
			}
		}
	}
}

const maxThreadDepth = 32

func (f *Feed) latestReplyTime(id string, floor int64, depth int) int64 {
	if depth >= maxThreadDepth {
		return floor
	}
	replies, err := f.storage.GetRepliesToID(id)
	if err != nil {
		return floor
	}
	latest := floor
	for _, replyID := range replies {
		reply, err := f.storage.ReadEvent(replyID)
		if err != nil {
			continue
		}
		t := f.latestReplyTime(replyID, int64(reply.CreatedAt), depth+1)
		if t > latest {
			latest = t
		}
	}
	return latest
}

// Person returns the most recent events authored by one pubkey, capped.
func (f *Feed) Person(pubkey string, limit int) ([]string, error) {
	events, err := f.storage.FindEvents(f.feedKinds(), []string{pubkey}, 0, nil, true)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// ClimbThread walks an event's reply chain to the highest locally-known
// ancestor. The walk stops at the first missing link; ids referenced but
// not stored are returned with the relay hints their e tags carried.
func (f *Feed) ClimbThread(id string) (highest string, missing []string, relayHints []string, err error) {
	current := id
	hintSet := make(map[string]struct{})

	for {
		event, err := f.storage.ReadEvent(current)
		if err == storage.ErrNotFound {
			break
		}
		if err != nil {
			return "", nil, nil, err
		}

		refs := nostrx.ParseThreadRefs(event)
		for _, hint := range refs.RelayHints {
			hintSet[hint] = struct{}{}
		}
		if refs.ReplyToID == "" {
			break
		}

		if has, err := f.storage.HasEvent(refs.ReplyToID); err != nil {
			return "", nil, nil, err
		} else if !has {
			missing = append(missing, refs.ReplyToID)
			if refs.RootID != "" && refs.RootID != refs.ReplyToID {
				missing = append(missing, refs.RootID)
			}
			break
		}
		current = refs.ReplyToID
	}

	for hint := range hintSet {
		relayHints = append(relayHints, hint)
	}
	return current, missing, relayHints, nil
}

// Thread returns the thread containing the event: the highest local
// ancestor, then every reply below it, transitively, in depth-first order
// with siblings ordered chronologically.
func (f *Feed) Thread(id string) ([]string, error) {
	root, _, _, err := f.ClimbThread(id)
	if err != nil {
		return nil, err
	}

	var ids []string
	seen := make(map[string]struct{})
	var walk func(string, int)
	walk = func(current string, depth int) {
		if depth >= maxThreadDepth {
			return
		}
		if _, ok := seen[current]; ok {
			return
		}
		seen[current] = struct{}{}
		ids = append(ids, current)

		replies, err := f.storage.GetRepliesToID(current)
		if err != nil {
			return
		}
		// Order siblings chronologically.
		type entry struct {
			id string
			at int64
		}
		entries := make([]entry, 0, len(replies))
		for _, replyID := range replies {
			reply, err := f.storage.ReadEvent(replyID)
			if err != nil {
				continue
			}
			entries = append(entries, entry{id: replyID, at: int64(reply.CreatedAt)})
		}
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				if entries[j].at < entries[i].at {
					entries[i], entries[j] = entries[j], entries[i]
				}
			}
		}
		for _, e := range entries {
			walk(e.id, depth+1)
		}
	}
	walk(root, 0)

	return ids, nil
}

// DmChannels lists the local user's conversations.
func (f *Feed) DmChannels() ([]*storage.DmChannelData, error) {
	return f.storage.DmChannels()
}

// DmEvents returns a channel's message ids, newest first.
func (f *Feed) DmEvents(channel storage.DmChannel) ([]string, error) {
	return f.storage.DmEvents(channel)
}
