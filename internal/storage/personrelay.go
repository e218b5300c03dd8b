package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// Direction selects which side of a person's relay usage we care about:
// Read ranks where they read (to reach them), Write ranks where they
// publish (to fetch their events).
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// PersonRelay accumulates the evidence that a person uses a relay. Each
// timestamp is the last time that kind of evidence was observed.
type PersonRelay struct {
	Pubkey string `json:"pubkey"`
	Relay  string `json:"relay"`

	// Read/Write are the author's own signed claims from their relay list.
	Read  bool `json:"read,omitempty"`
	Write bool `json:"write,omitempty"`

	// LastSuggestedStatement is an author self-statement, e.g. the relay
	// map inside their kind-3 content. It carries no direction info.
	LastSuggestedStatement int64 `json:"last_suggested_statement,omitempty"`

	// LastSuggestedContact is a contact-list p-tag relay hint.
	LastSuggestedContact int64 `json:"last_suggested_contact,omitempty"`

	// LastSuggestedNip05 is an unsigned DNS-based hint.
	LastSuggestedNip05 int64 `json:"last_suggested_nip05,omitempty"`

	// LastFetched is verified happened-to-work-before evidence.
	LastFetched int64 `json:"last_fetched,omitempty"`

	// LastSuggestedKind2 is a signed kind-2 relay recommendation.
	LastSuggestedKind2 int64 `json:"last_suggested_kind2,omitempty"`

	// LastSuggestedByTag is an anybody-signed tag mention.
	LastSuggestedByTag int64 `json:"last_suggested_bytag,omitempty"`
}

func personRelayKey(pubkey, url string) []byte {
	return truncKey(append(idBytes(pubkey), []byte(url)...))
}

// ReadPersonRelay returns the record, or ErrNotFound.
func (s *Storage) ReadPersonRelay(pubkey, url string) (*PersonRelay, error) {
	var pr *PersonRelay
	err := s.env.View(func(txn *lmdb.Txn) error {
		raw, err := txn.Get(s.personRelays, personRelayKey(pubkey, url))
		if lmdb.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec PersonRelay
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to decode person relay: %w", err)
		}
		pr = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// ModifyPersonRelay reads (or creates) the (pubkey, relay) record and
// writes back fn's changes. The relay record is created too, so scoring
// always finds a rank and success rate.
func (s *Storage) ModifyPersonRelay(pubkey, url string, txn *lmdb.Txn, fn func(*PersonRelay)) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		if err := s.WriteRelayIfMissing(url, txn); err != nil {
			return err
		}

		rec := &PersonRelay{Pubkey: pubkey, Relay: url}
		if raw, err := txn.Get(s.personRelays, personRelayKey(pubkey, url)); err == nil {
			if jerr := json.Unmarshal(raw, rec); jerr != nil {
				return fmt.Errorf("failed to decode person relay: %w", jerr)
			}
		} else if !lmdb.IsNotFound(err) {
			return err
		}

		fn(rec)

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Put(s.personRelays, personRelayKey(pubkey, url), raw, 0)
	})
}

// GetPersonRelays returns every relay record for a pubkey.
func (s *Storage) GetPersonRelays(pubkey string) ([]*PersonRelay, error) {
	var out []*PersonRelay
	err := s.env.View(func(txn *lmdb.Txn) error {
		var err error
		out, err = s.getPersonRelaysTxn(txn, pubkey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) getPersonRelaysTxn(txn *lmdb.Txn, pubkey string) ([]*PersonRelay, error) {
	prefix := idBytes(pubkey)
	var out []*PersonRelay

	cur, err := txn.OpenCursor(s.personRelays)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	k, v, err := cur.Get(prefix, nil, lmdb.SetRange)
	for err == nil && bytes.HasPrefix(k, prefix) {
		var rec PersonRelay
		if jerr := json.Unmarshal(v, &rec); jerr == nil {
			out = append(out, &rec)
		}
		k, v, err = cur.Get(nil, nil, lmdb.Next)
	}
	if err != nil && !lmdb.IsNotFound(err) {
		return nil, err
	}
	return out, nil
}

// SetPersonRelayList replaces the author's signed read/write claims with
// those of their latest relay list: clear all, then set the given ones.
func (s *Storage) SetPersonRelayList(pubkey string, readRelays, writeRelays []string, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		existing, err := s.getPersonRelaysTxn(txn, pubkey)
		if err != nil {
			return err
		}
		for _, rec := range existing {
			if rec.Read || rec.Write {
				if err := s.ModifyPersonRelay(pubkey, rec.Relay, txn, func(pr *PersonRelay) {
					pr.Read = false
					pr.Write = false
				}); err != nil {
					return err
				}
			}
		}
		for _, url := range readRelays {
			if err := s.ModifyPersonRelay(pubkey, url, txn, func(pr *PersonRelay) {
				pr.Read = true
			}); err != nil {
				return err
			}
		}
		for _, url := range writeRelays {
			if err := s.ModifyPersonRelay(pubkey, url, txn, func(pr *PersonRelay) {
				pr.Write = true
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) deletePersonRelaysForURL(txn *lmdb.Txn, url string) error {
	var deletions [][]byte
	cur, err := txn.OpenCursor(s.personRelays)
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
		var rec PersonRelay
		if jerr := json.Unmarshal(v, &rec); jerr == nil && rec.Relay == url {
			deletions = append(deletions, append([]byte(nil), k...))
		}
	}
	cur.Close()
	for _, key := range deletions {
		if err := txn.Del(s.personRelays, key, nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// RelayScore is a candidate relay for a person with its computed score.
type RelayScore struct {
	URL   string
	Score uint64
}

// Evidence base scores decay by elapsed time over a per-source fade
// period, minimum one period. The explicit read/write claim does not decay.
func fadeScore(when int64, now int64, fadePeriod int64, base uint64) uint64 {
	if when <= 0 {
		return 0
	}
	elapsed := now - when
	if elapsed < 0 {
		elapsed = 0
	}
	periods := uint64(elapsed/fadePeriod) + 1
	return base / periods
}

const day = int64(60 * 60 * 24)

func scorePersonRelay(pr *PersonRelay, dir Direction, now int64) uint64 {
	var score uint64

	// The author-signed explicit claim for the matching direction.
	if dir == DirectionWrite && pr.Write {
		score += 20
	}
	if dir == DirectionRead && pr.Read {
		score += 20
	}

	// The self-statement timestamp carries no direction info, so both
	// directions consult it.
	score += fadeScore(pr.LastSuggestedStatement, now, 30*day, 10)
	score += fadeScore(pr.LastSuggestedContact, now, 30*day, 7)
	score += fadeScore(pr.LastSuggestedNip05, now, 15*day, 4)
	score += fadeScore(pr.LastFetched, now, 3*day, 3)
	score += fadeScore(pr.LastSuggestedKind2, now, 30*day, 2)
	score += fadeScore(pr.LastSuggestedByTag, now, 2*day, 1)

	return score
}

// GetBestRelays ranks the candidate relays for a person in the given
// direction. Evidence scores are modulated by the relay's local rank and
// success rate; when fewer than num_relays_per_person candidates remain the
// list is padded with our own relays (READ for Write direction, WRITE for
// Read direction) at a fixed low score.
func (s *Storage) GetBestRelays(pubkey string, dir Direction) ([]RelayScore, error) {
	return s.getBestRelaysAt(pubkey, dir, time.Now().Unix())
}

func (s *Storage) getBestRelaysAt(pubkey string, dir Direction, now int64) ([]RelayScore, error) {
	records, err := s.GetPersonRelays(pubkey)
	if err != nil {
		return nil, err
	}

	ranked := make([]RelayScore, 0, len(records))
	for _, pr := range records {
		score := scorePersonRelay(pr, dir, now)

		relay, err := s.ReadOrCreateRelay(pr.Relay, nil)
		if err != nil {
			return nil, err
		}
		score = uint64(float32(score) * (float32(relay.Rank) / 3.0) * (relay.SuccessRate() * 2.0))

		ranked = append(ranked, RelayScore{URL: pr.Relay, Score: score})
	}

	sortRelayScores(ranked)

	n := int(s.ReadSettingInt(SettingNumRelaysPerPerson))
	if len(ranked) < n {
		var usage uint64
		if dir == DirectionWrite {
			usage = RelayUsageRead
		} else {
			usage = RelayUsageWrite
		}
		ours, err := s.FilterRelays(func(r *Relay) bool {
			if !r.HasUsageBits(usage) {
				return false
			}
			for _, rs := range ranked {
				if rs.URL == r.URL {
					return false
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		const padScore = 2
		for _, r := range ours {
			if len(ranked) >= n {
				break
			}
			ranked = append(ranked, RelayScore{URL: r.URL, Score: padScore})
		}
	}

	return ranked, nil
}

func sortRelayScores(scores []RelayScore) {
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].URL < scores[j].URL
	})
}
