package storage

import (
	"encoding/binary"
	"math"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/nbd-wtf/go-nostr"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
)

// Only these tag names are indexed. "p" additionally requires that the value
// is the local user, so the index answers "events tagging me" cheaply.
var indexedTags = map[string]bool{
	"a":          true,
	"d":          true,
	"delegation": true,
	"p":          true,
}

func ekPkKey(kind int, pubkey string) []byte {
	key := make([]byte, 0, 4+32)
	key = binary.BigEndian.AppendUint32(key, uint32(kind))
	key = append(key, idBytes(pubkey)...)
	return truncKey(key)
}

// ekCKey inverts created_at so that ascending big-endian byte order walks
// reverse-chronologically.
func ekCKey(kind int, createdAt int64) []byte {
	key := make([]byte, 0, 4+8)
	key = binary.BigEndian.AppendUint32(key, uint32(kind))
	key = binary.BigEndian.AppendUint64(key, uint64(math.MaxInt64-createdAt))
	return truncKey(key)
}

func tagKey(name, value string) []byte {
	key := make([]byte, 0, len(name)+1+len(value))
	key = append(key, name...)
	key = append(key, 0x22)
	key = append(key, value...)
	return truncKey(key)
}

// indexEvent writes all four secondary indexes for the event. For gift
// wraps the caller passes the inner rumor here, not the envelope.
func (s *Storage) indexEvent(txn *lmdb.Txn, event *nostr.Event) error {
	id := idBytes(event.ID)

	if err := txn.Put(s.eventEkPkIndex, ekPkKey(event.Kind, event.PubKey), id, 0); err != nil {
		return err
	}
	if err := txn.Put(s.eventEkCIndex, ekCKey(event.Kind, int64(event.CreatedAt)), id, 0); err != nil {
		return err
	}

	localUser := s.ReadPublicKey()
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[1] == "" {
			continue
		}
		name, value := tag[0], tag[1]
		if !indexedTags[name] {
			continue
		}
		if name == "p" && value != localUser {
			continue
		}
		if err := txn.Put(s.eventTagIndex, tagKey(name, value), id, 0); err != nil {
			return err
		}
	}

	for _, hashtag := range nostrx.Hashtags(event) {
		if err := txn.Put(s.hashtags, truncKey([]byte(hashtag)), id, 0); err != nil {
			return err
		}
	}

	return nil
}

// deindexEvent removes the ek_pk and ek_c entries for the event. Tag and
// hashtag entries are left behind (the id is in the value, and dup scans
// tolerate stale ids); they are cleaned by RebuildEventIndices.
func (s *Storage) deindexEvent(txn *lmdb.Txn, event *nostr.Event) error {
	id := idBytes(event.ID)

	if err := txn.Del(s.eventEkPkIndex, ekPkKey(event.Kind, event.PubKey), id); err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	if err := txn.Del(s.eventEkCIndex, ekCKey(event.Kind, int64(event.CreatedAt)), id); err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	return nil
}

// dupValues collects every duplicate value stored under key.
func dupValues(txn *lmdb.Txn, dbi lmdb.DBI, key []byte) ([][]byte, error) {
	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out [][]byte
	_, v, err := cur.Get(key, nil, lmdb.SetKey)
	for err == nil {
		out = append(out, append([]byte(nil), v...))
		_, v, err = cur.Get(nil, nil, lmdb.NextDup)
	}
	if err != nil && !lmdb.IsNotFound(err) {
		return nil, err
	}
	return out, nil
}

// RebuildEventIndices clears the four index tables and re-derives them from
// the primary event table. Gift wraps are re-unwrapped so the rumor is what
// gets indexed.
func (s *Storage) RebuildEventIndices(txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		for _, dbi := range []lmdb.DBI{s.eventEkPkIndex, s.eventEkCIndex, s.eventTagIndex, s.hashtags} {
			if err := txn.Drop(dbi, false); err != nil {
				return err
			}
		}

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

			event, err := decodeEvent(raw)
			if err != nil {
				continue
			}
			indexable := s.indexableEvent(event)
			if err := s.indexEvent(txn, indexable); err != nil {
				return err
			}
		}

		return s.WriteSettingBool(FlagRebuildIndexesNeeded, false, txn)
	})
}

// indexableEvent returns the inner rumor for a gift wrap when the local key
// can open it, otherwise the event itself.
func (s *Storage) indexableEvent(event *nostr.Event) *nostr.Event {
	if event.Kind != nostrx.KindGiftWrap {
		return event
	}
	if u := s.getUnwrapper(); u != nil {
		if rumor, err := u.UnwrapGiftWrap(event); err == nil {
			// The rumor is unsigned; keep the envelope id so index hits
			// resolve back to the stored event.
			clone := *rumor
			clone.ID = event.ID
			return &clone
		}
	}
	return event
}
