package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

func seenKey(id, relayURL string) []byte {
	key := append(idBytes(id), []byte(relayURL)...)
	return truncKey(key)
}

// AddEventSeenOnRelay records the first time an event was seen on a relay.
// Later sightings do not move the timestamp.
func (s *Storage) AddEventSeenOnRelay(id, relayURL string, when int64, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		key := seenKey(id, relayURL)
		if _, err := txn.Get(s.eventSeenOn, key); err == nil {
			return nil
		} else if !lmdb.IsNotFound(err) {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(when))
		return txn.Put(s.eventSeenOn, key, buf[:], 0)
	})
}

// EventSeenOnRelays returns the relay URLs an event has been seen on, with
// first-seen times.
func (s *Storage) EventSeenOnRelays(id string) (map[string]int64, error) {
	out := make(map[string]int64)
	prefix := idBytes(id)

	err := s.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(s.eventSeenOn)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, v, err := cur.Get(prefix, nil, lmdb.SetRange)
		for err == nil && bytes.HasPrefix(k, prefix) {
			if len(v) == 8 {
				out[string(k[len(prefix):])] = int64(binary.BigEndian.Uint64(v))
			}
			k, v, err = cur.Get(nil, nil, lmdb.Next)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkEventViewed flags an event as viewed by the local user.
func (s *Storage) MarkEventViewed(id string, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		return txn.Put(s.eventViewed, idBytes(id), []byte{}, 0)
	})
}

// IsEventViewed reports whether the event has been viewed.
func (s *Storage) IsEventViewed(id string) (bool, error) {
	viewed := false
	err := s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		_, err := txn.Get(s.eventViewed, idBytes(id))
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		viewed = true
		return nil
	})
	return viewed, err
}

// UnindexedGiftWrapIDs lists gift wraps stored before the key was available.
func (s *Storage) UnindexedGiftWrapIDs() ([]string, error) {
	var ids []string
	err := s.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(s.unindexedWraps)
		if err != nil {
			return err
		}
		defer cur.Close()
		for {
			k, _, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			ids = append(ids, fmtID(k))
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RetryUnindexedGiftWraps re-indexes stored gift wraps once the key has
// been unlocked. Successfully unwrapped envelopes leave the retry table.
func (s *Storage) RetryUnindexedGiftWraps() error {
	ids, err := s.UnindexedGiftWrapIDs()
	if err != nil {
		return err
	}
	u := s.getUnwrapper()
	if u == nil {
		return nil
	}

	for _, id := range ids {
		event, err := s.ReadEvent(id)
		if err == ErrNotFound {
			err = s.env.Update(func(txn *lmdb.Txn) error {
				derr := txn.Del(s.unindexedWraps, idBytes(id), nil)
				if lmdb.IsNotFound(derr) {
					return nil
				}
				return derr
			})
			if err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		rumor, uerr := u.UnwrapGiftWrap(event)
		if uerr != nil {
			continue // still locked for this envelope
		}

		err = s.env.Update(func(txn *lmdb.Txn) error {
			clone := *rumor
			clone.ID = event.ID
			if err := s.indexEvent(txn, &clone); err != nil {
				return err
			}
			derr := txn.Del(s.unindexedWraps, idBytes(id), nil)
			if lmdb.IsNotFound(derr) {
				return nil
			}
			return derr
		})
		if err != nil {
			return err
		}
	}
	return nil
}
