package storage

import (
	"encoding/json"
	"fmt"

	"github.com/PowerDNS/lmdb-go/lmdb"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
)

// Relay usage bits. READ/WRITE express the local user's preference;
// INBOX/OUTBOX mirror the user's own published relay list; ADVERTISE marks
// relays the user announces; DISCOVER marks relays used to find relay lists.
const (
	RelayUsageRead uint64 = 1 << iota
	RelayUsageWrite
	RelayUsageAdvertise
	RelayUsageInbox
	RelayUsageOutbox
	RelayUsageDiscover
)

// Relay is the local record for a relay URL.
type Relay struct {
	URL string `json:"url"`

	SuccessCount uint64 `json:"success_count"`
	FailureCount uint64 `json:"failure_count"`

	LastConnectedAt   int64 `json:"last_connected_at,omitempty"`
	LastGeneralEoseAt int64 `json:"last_general_eose_at,omitempty"`

	// Rank weights this relay in scoring; 3 is neutral, 0 disables it.
	Rank   uint8 `json:"rank"`
	Hidden bool  `json:"hidden,omitempty"`

	UsageBits uint64 `json:"usage_bits,omitempty"`

	// Nip11 caches the relay's information document when probed.
	Nip11 *nostrx.RelayInformationDocument `json:"nip11,omitempty"`
}

// NewRelay returns a relay record with defaults.
func NewRelay(url string) *Relay {
	return &Relay{URL: url, Rank: 3}
}

// HasUsageBits reports whether all the given bits are set.
func (r *Relay) HasUsageBits(bits uint64) bool {
	return r.UsageBits&bits == bits
}

// SuccessRate is attempts succeeded over attempts made, defaulting to 0.5
// when there is no history.
func (r *Relay) SuccessRate() float32 {
	attempts := r.SuccessCount + r.FailureCount
	if attempts == 0 {
		return 0.5
	}
	return float32(r.SuccessCount) / float32(attempts)
}

// ReadRelay returns the relay record, or ErrNotFound.
func (s *Storage) ReadRelay(url string) (*Relay, error) {
	var relay *Relay
	err := s.env.View(func(txn *lmdb.Txn) error {
		raw, err := txn.Get(s.relays, truncKey([]byte(url)))
		if lmdb.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var r Relay
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("failed to decode relay: %w", err)
		}
		relay = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// WriteRelay stores the relay record.
func (s *Storage) WriteRelay(relay *Relay, txn *lmdb.Txn) error {
	raw, err := json.Marshal(relay)
	if err != nil {
		return err
	}
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		return txn.Put(s.relays, truncKey([]byte(relay.URL)), raw, 0)
	})
}

// WriteRelayIfMissing creates a default record for the URL when absent.
func (s *Storage) WriteRelayIfMissing(url string, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		_, err := txn.Get(s.relays, truncKey([]byte(url)))
		if err == nil {
			return nil
		}
		if !lmdb.IsNotFound(err) {
			return err
		}
		raw, err := json.Marshal(NewRelay(url))
		if err != nil {
			return err
		}
		return txn.Put(s.relays, truncKey([]byte(url)), raw, 0)
	})
}

// ReadOrCreateRelay returns the record, creating a default when absent.
func (s *Storage) ReadOrCreateRelay(url string, txn *lmdb.Txn) (*Relay, error) {
	relay, err := s.ReadRelay(url)
	if err == nil {
		return relay, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	relay = NewRelay(url)
	if err := s.WriteRelay(relay, txn); err != nil {
		return nil, err
	}
	return relay, nil
}

// ModifyRelay reads (or creates) the relay and writes back fn's changes.
func (s *Storage) ModifyRelay(url string, txn *lmdb.Txn, fn func(*Relay)) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		relay := NewRelay(url)
		if raw, err := txn.Get(s.relays, truncKey([]byte(url))); err == nil {
			if jerr := json.Unmarshal(raw, relay); jerr != nil {
				return fmt.Errorf("failed to decode relay: %w", jerr)
			}
		} else if !lmdb.IsNotFound(err) {
			return err
		}

		fn(relay)

		raw, err := json.Marshal(relay)
		if err != nil {
			return err
		}
		return txn.Put(s.relays, truncKey([]byte(url)), raw, 0)
	})
}

// DeleteRelay removes the relay record and every person-relay row under it.
func (s *Storage) DeleteRelay(url string, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		if err := txn.Del(s.relays, truncKey([]byte(url)), nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return s.deletePersonRelaysForURL(txn, url)
	})
}

// FilterRelays returns every relay passing f.
func (s *Storage) FilterRelays(f func(*Relay) bool) ([]*Relay, error) {
	var out []*Relay
	err := s.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(s.relays)
		if err != nil {
			return err
		}
		defer cur.Close()

		for {
			_, raw, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			var r Relay
			if jerr := json.Unmarshal(raw, &r); jerr != nil {
				continue
			}
			if f == nil || f(&r) {
				clone := r
				out = append(out, &clone)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
