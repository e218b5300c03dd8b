package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/nbd-wtf/go-nostr"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
)

func decodeEvent(raw []byte) (*nostr.Event, error) {
	var event nostr.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to decode stored event: %w", err)
	}
	return &event, nil
}

// WriteEvent stores a validated event and maintains the secondary indexes.
// Gift wraps are unwrapped when the local key allows it; an envelope we
// cannot open yet is still stored and remembered for re-indexing after the
// key is unlocked. Re-writing the same id is a no-op on the primary table
// and a duplicate-safe upsert on the indexes.
func (s *Storage) WriteEvent(event *nostr.Event, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		raw, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}

		indexable := event
		if event.Kind == nostrx.KindGiftWrap {
			unwrapped := false
			if u := s.getUnwrapper(); u != nil {
				if rumor, err := u.UnwrapGiftWrap(event); err == nil {
					clone := *rumor
					clone.ID = event.ID
					indexable = &clone
					unwrapped = true
				}
			}
			if !unwrapped {
				if err := txn.Put(s.unindexedWraps, idBytes(event.ID), []byte{}, 0); err != nil {
					return err
				}
			}
		}

		if err := s.indexEvent(txn, indexable); err != nil {
			return err
		}

		return txn.Put(s.events, idBytes(event.ID), raw, 0)
	})
}

// ReadEvent returns the stored event, or ErrNotFound.
func (s *Storage) ReadEvent(id string) (*nostr.Event, error) {
	var event *nostr.Event
	err := s.env.View(func(txn *lmdb.Txn) error {
		raw, err := txn.Get(s.events, idBytes(id))
		if lmdb.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		event, err = decodeEvent(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// HasEvent reports whether the event is in the primary table.
func (s *Storage) HasEvent(id string) (bool, error) {
	found := false
	err := s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		_, err := txn.Get(s.events, idBytes(id))
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// DeleteEvent removes the event from the primary table, from
// event_seen_on_relay and from event_viewed. Relationships are retained so
// that a later re-ingestion rediscovers them; stale tag/hashtag index
// entries are tolerated until the next RebuildEventIndices.
func (s *Storage) DeleteEvent(id string, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		rawID := idBytes(id)

		if raw, err := txn.Get(s.events, rawID); err == nil {
			if event, derr := decodeEvent(raw); derr == nil {
				if err := s.deindexEvent(txn, s.indexableEvent(event)); err != nil {
					return err
				}
			}
		} else if !lmdb.IsNotFound(err) {
			return err
		}

		// Collect seen-on keys first; in-iteration deletion is not allowed.
		var deletions [][]byte
		cur, err := txn.OpenCursor(s.eventSeenOn)
		if err != nil {
			return err
		}
		k, _, err := cur.Get(rawID, nil, lmdb.SetRange)
		for err == nil && bytes.HasPrefix(k, rawID) {
			deletions = append(deletions, append([]byte(nil), k...))
			k, _, err = cur.Get(nil, nil, lmdb.Next)
		}
		cur.Close()
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		for _, key := range deletions {
			if err := txn.Del(s.eventSeenOn, key, nil); err != nil && !lmdb.IsNotFound(err) {
				return err
			}
		}

		if err := txn.Del(s.eventViewed, rawID, nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		if err := txn.Del(s.unindexedWraps, rawID, nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}

		if err := txn.Del(s.events, rawID, nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
}

// ReplaceEvent applies replaceable-kind supersession: strictly older
// versions are deleted; if any strictly newer version exists the event is
// rejected with ErrNotLatest; otherwise it is inserted. Returns
// ErrNotReplaceable for non-replaceable kinds.
func (s *Storage) ReplaceEvent(event *nostr.Event, txn *lmdb.Txn) error {
	if !nostrx.IsReplaceable(event.Kind) {
		return ErrNotReplaceable
	}

	param := eventParameter(event)
	existing, err := s.FindEvents([]int{event.Kind}, []string{event.PubKey}, 0, func(e *nostr.Event) bool {
		if nostrx.IsParameterizedReplaceable(event.Kind) {
			return eventParameter(e) == param
		}
		return true
	}, false)
	if err != nil {
		return err
	}

	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		foundNewer := false
		for _, old := range existing {
			if old.ID == event.ID {
				continue
			}
			newer := old.CreatedAt > event.CreatedAt ||
				(old.CreatedAt == event.CreatedAt && old.ID > event.ID)
			if newer {
				foundNewer = true
				continue
			}
			if err := s.DeleteEvent(old.ID, txn); err != nil {
				return err
			}
		}

		if foundNewer {
			return ErrNotLatest
		}

		return s.WriteEvent(event, txn)
	})
}

// GetReplaceableEvent returns the current version for (kind, pubkey) and,
// for parameterized kinds, the d-tag parameter.
func (s *Storage) GetReplaceableEvent(kind int, pubkey, parameter string) (*nostr.Event, error) {
	if !nostrx.IsReplaceable(kind) {
		return nil, ErrNotReplaceable
	}
	events, err := s.FindEvents([]int{kind}, []string{pubkey}, 0, func(e *nostr.Event) bool {
		if nostrx.IsParameterizedReplaceable(kind) {
			return eventParameter(e) == parameter
		}
		return true
	}, true)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

// eventParameter returns the event's d-tag value ("" when absent).
func eventParameter(event *nostr.Event) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// FindEventIDs returns the set of event ids matching the given kinds,
// optionally restricted by authors and by a minimum created_at. Kinds are
// required. Index hits that no longer resolve to a primary row are kept
// here (callers filter via the primary table); this tolerates the stale
// entries pruning leaves behind.
func (s *Storage) FindEventIDs(kinds []int, authors []string, since int64) (map[string]struct{}, error) {
	if len(kinds) == 0 {
		return nil, ErrNoKinds
	}

	var ids map[string]struct{}
	err := s.env.View(func(txn *lmdb.Txn) error {
		var err error
		switch {
		case since == 0:
			ids, err = s.findEkPk(txn, kinds, authors)
		case len(authors) == 0:
			ids, err = s.findEkC(txn, kinds, since)
		default:
			group1, err1 := s.findEkPk(txn, kinds, authors)
			if err1 != nil {
				return err1
			}
			group2, err2 := s.findEkC(txn, kinds, since)
			if err2 != nil {
				return err2
			}
			ids = intersect(group1, group2)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Storage) findEkPk(txn *lmdb.Txn, kinds []int, authors []string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	cur, err := txn.OpenCursor(s.eventEkPkIndex)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	for _, kind := range kinds {
		if len(authors) == 0 {
			// Scan every author under this kind.
			var prefix [4]byte
			binary.BigEndian.PutUint32(prefix[:], uint32(kind))
			k, v, err := cur.Get(prefix[:], nil, lmdb.SetRange)
			for err == nil && bytes.HasPrefix(k, prefix[:]) {
				ids[fmtID(v)] = struct{}{}
				k, v, err = cur.Get(nil, nil, lmdb.Next)
			}
			if err != nil && !lmdb.IsNotFound(err) {
				return nil, err
			}
			continue
		}

		for _, author := range authors {
			vals, err := dupValues(txn, s.eventEkPkIndex, ekPkKey(kind, author))
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				ids[fmtID(v)] = struct{}{}
			}
		}
	}

	return ids, nil
}

func (s *Storage) findEkC(txn *lmdb.Txn, kinds []int, since int64) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	cur, err := txn.OpenCursor(s.eventEkCIndex)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	for _, kind := range kinds {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(kind))
		// Keys sort newest first; stop once created_at recedes past since.
		end := ekCKey(kind, since)

		k, v, err := cur.Get(prefix[:], nil, lmdb.SetRange)
		for err == nil && bytes.HasPrefix(k, prefix[:]) && bytes.Compare(k, end) <= 0 {
			ids[fmtID(v)] = struct{}{}
			k, v, err = cur.Get(nil, nil, lmdb.Next)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return nil, err
		}
	}

	return ids, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// FindEvents resolves FindEventIDs hits against the primary table,
// post-filters with f, and optionally sorts in reverse chronological order
// (created_at desc, id desc as a stable tie-break).
func (s *Storage) FindEvents(kinds []int, authors []string, since int64, f func(*nostr.Event) bool, sorted bool) ([]*nostr.Event, error) {
	ids, err := s.FindEventIDs(kinds, authors, since)
	if err != nil {
		return nil, err
	}

	var events []*nostr.Event
	err = s.env.View(func(txn *lmdb.Txn) error {
		for id := range ids {
			raw, err := txn.Get(s.events, idBytes(id))
			if lmdb.IsNotFound(err) {
				continue // stale index entry
			}
			if err != nil {
				return err
			}
			event, err := decodeEvent(raw)
			if err != nil {
				continue
			}
			if f == nil || f(event) {
				events = append(events, event)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sorted {
		sortEventsReverse(events)
	}
	return events, nil
}

func sortEventsReverse(events []*nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}

// FindTaggedEvents returns events carrying the given indexed tag. Only the
// tag names in the index allow-list may be queried; an empty tagValue
// matches any value of the tag.
func (s *Storage) FindTaggedEvents(tagName string, tagValue string, f func(*nostr.Event) bool, sorted bool) ([]*nostr.Event, error) {
	if !indexedTags[tagName] {
		return nil, ErrTagNotIndexed
	}

	var events []*nostr.Event
	err := s.env.View(func(txn *lmdb.Txn) error {
		var idVals [][]byte
		if tagValue != "" {
			vals, err := dupValues(txn, s.eventTagIndex, tagKey(tagName, tagValue))
			if err != nil {
				return err
			}
			idVals = vals
		} else {
			prefix := append([]byte(tagName), 0x22)
			cur, err := txn.OpenCursor(s.eventTagIndex)
			if err != nil {
				return err
			}
			k, v, err := cur.Get(prefix, nil, lmdb.SetRange)
			for err == nil && bytes.HasPrefix(k, prefix) {
				idVals = append(idVals, append([]byte(nil), v...))
				k, v, err = cur.Get(nil, nil, lmdb.Next)
			}
			cur.Close()
			if err != nil && !lmdb.IsNotFound(err) {
				return err
			}
		}

		seen := make(map[string]struct{}, len(idVals))
		for _, v := range idVals {
			id := fmtID(v)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			raw, err := txn.Get(s.events, idBytes(id))
			if lmdb.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			event, err := decodeEvent(raw)
			if err != nil {
				continue
			}
			if f == nil || f(event) {
				events = append(events, event)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sorted {
		sortEventsReverse(events)
	}
	return events, nil
}

// EventIDsWithHashtag returns the ids indexed under a hashtag.
func (s *Storage) EventIDsWithHashtag(hashtag string) ([]string, error) {
	var ids []string
	err := s.env.View(func(txn *lmdb.Txn) error {
		vals, err := dupValues(txn, s.hashtags, truncKey([]byte(hashtag)))
		if err != nil {
			return err
		}
		for _, v := range vals {
			ids = append(ids, fmtID(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Prune deletes every event older than cutoff along with its seen-on,
// viewed and hashtag entries. Relationship tables are left alone: deletion
// evidence must survive the deleted event. Returns the number of events
// removed.
func (s *Storage) Prune(cutoff int64) (int, error) {
	// Collect ids first, outside any write transaction.
	prune := make(map[string]struct{})
	err := s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		cur, err := txn.OpenCursor(s.events)
		if err != nil {
			return err
		}
		defer cur.Close()

		for {
			_, raw, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			createdAt := gjsonCreatedAt(raw)
			if createdAt < cutoff {
				prune[gjsonID(raw)] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(prune) == 0 {
		return 0, nil
	}

	err = s.env.Update(func(txn *lmdb.Txn) error {
		// Hashtag values hold the ids, so scan and collect before deleting.
		type dupEntry struct{ key, val []byte }
		var hashtagDeletions []dupEntry
		cur, err := txn.OpenCursor(s.hashtags)
		if err != nil {
			return err
		}
		for {
			k, v, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				cur.Close()
				return err
			}
			if _, gone := prune[fmtID(v)]; gone {
				hashtagDeletions = append(hashtagDeletions, dupEntry{
					key: append([]byte(nil), k...),
					val: append([]byte(nil), v...),
				})
			}
		}
		cur.Close()
		for _, d := range hashtagDeletions {
			if err := txn.Del(s.hashtags, d.key, d.val); err != nil && !lmdb.IsNotFound(err) {
				return err
			}
		}

		for id := range prune {
			if err := s.DeleteEvent(id, txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(prune), nil
}

func fmtID(raw []byte) string {
	return fmt.Sprintf("%x", raw)
}

// EarliestWatermark is the floor for resume watermarks: 2020-01-01.
const EarliestWatermark = 1577836800

// ClampSince applies the watermark floor.
func ClampSince(since int64) int64 {
	if since < EarliestWatermark {
		return EarliestWatermark
	}
	if since > math.MaxInt64-1 {
		return math.MaxInt64 - 1
	}
	return since
}
