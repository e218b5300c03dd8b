package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/nbd-wtf/go-nostr"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
)

// Relationship kinds.
const (
	RelReply      = "reply"
	RelMention    = "mention"
	RelReaction   = "reaction"
	RelZapReceipt = "zap_receipt"
	RelDeletion   = "deletion"
)

// Relationship is one edge from a target event (or event address) to a
// related event. The Type tag selects which of the optional fields apply.
type Relationship struct {
	Type string `json:"type"`

	// By is the author of the related event, for reaction, zap and
	// deletion edges.
	By string `json:"by,omitempty"`

	// Symbol is the reaction symbol (defaulting to "+").
	Symbol string `json:"symbol,omitempty"`

	// Millisats is the zap amount.
	Millisats int64 `json:"millisats,omitempty"`

	// Reason is the deletion reason.
	Reason string `json:"reason,omitempty"`
}

// EventAddr addresses a (parameterized) replaceable event.
type EventAddr struct {
	Kind   int
	Author string
	DTag   string
}

// ParseEventAddr parses an "a" tag value of the form kind:author:dtag.
func ParseEventAddr(value string) (EventAddr, bool) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 {
		return EventAddr{}, false
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return EventAddr{}, false
	}
	if len(parts[1]) != 64 {
		return EventAddr{}, false
	}
	addr := EventAddr{Kind: kind, Author: parts[1]}
	if len(parts) == 3 {
		addr.DTag = parts[2]
	}
	return addr, true
}

func relByIDKey(targetID, relatedID string) []byte {
	key := append(idBytes(targetID), idBytes(relatedID)...)
	return truncKey(key)
}

func addrPrefix(addr EventAddr) []byte {
	key := make([]byte, 0, 4+32+len(addr.DTag))
	key = binary.BigEndian.AppendUint32(key, uint32(addr.Kind))
	key = append(key, idBytes(addr.Author)...)
	key = append(key, addr.DTag...)
	return key
}

func relByAddrKey(addr EventAddr, relatedID string) []byte {
	return truncKey(append(addrPrefix(addr), idBytes(relatedID)...))
}

// AddRelationshipByID records a relationship from a target event id to a
// related event id. Duplicate rows are absorbed by the DupSort table.
func (s *Storage) AddRelationshipByID(targetID, relatedID string, rel Relationship, txn *lmdb.Txn) error {
	val, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		err := txn.Put(s.relationsByID, relByIDKey(targetID, relatedID), val, 0)
		if lmdb.IsErrno(err, lmdb.KeyExist) {
			return nil
		}
		return err
	})
}

// AddRelationshipByAddr records a relationship from a replaceable event
// address to a related event id.
func (s *Storage) AddRelationshipByAddr(addr EventAddr, relatedID string, rel Relationship, txn *lmdb.Txn) error {
	val, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		err := txn.Put(s.relationsByAddr, relByAddrKey(addr, relatedID), val, 0)
		if lmdb.IsErrno(err, lmdb.KeyExist) {
			return nil
		}
		return err
	})
}

// RelatedEntry pairs a related event id with the relationship recorded
// against it.
type RelatedEntry struct {
	RelatedID    string
	Relationship Relationship
}

// FindRelationshipsByID returns every relationship whose target is the
// given event id.
func (s *Storage) FindRelationshipsByID(targetID string) ([]RelatedEntry, error) {
	prefix := idBytes(targetID)
	return s.scanRelationships(s.relationsByID, prefix)
}

// FindRelationshipsByAddr returns every relationship whose target is the
// given replaceable event address.
func (s *Storage) FindRelationshipsByAddr(addr EventAddr) ([]RelatedEntry, error) {
	return s.scanRelationships(s.relationsByAddr, addrPrefix(addr))
}

func (s *Storage) scanRelationships(dbi lmdb.DBI, prefix []byte) ([]RelatedEntry, error) {
	var out []RelatedEntry
	err := s.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, v, err := cur.Get(prefix, nil, lmdb.SetRange)
		for err == nil && bytes.HasPrefix(k, prefix) {
			if len(k) >= len(prefix)+32 {
				var rel Relationship
				if jerr := json.Unmarshal(v, &rel); jerr == nil {
					out = append(out, RelatedEntry{
						RelatedID:    fmtID(k[len(k)-32:]),
						Relationship: rel,
					})
				}
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

// ClearRelationships drops both relationship tables; used before a rebuild.
func (s *Storage) ClearRelationships(txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		if err := txn.Drop(s.relationsByID, false); err != nil {
			return err
		}
		return txn.Drop(s.relationsByAddr, false)
	})
}

// ForEachEvent streams every stored event to fn. Used by the relationship
// rebuild.
func (s *Storage) ForEachEvent(fn func(*nostr.Event) error) error {
	return s.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(s.events)
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
			event, err := decodeEvent(raw)
			if err != nil {
				continue
			}
			if err := fn(event); err != nil {
				return err
			}
		}
	})
}

// GetReplies returns ids of events that reply to the given event, whether
// recorded against its id or (for replaceable events) its address.
func (s *Storage) GetReplies(event *nostr.Event) ([]string, error) {
	entries, err := s.FindRelationshipsByID(event.ID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Relationship.Type == RelReply {
			out = append(out, e.RelatedID)
		}
	}

	if nostrx.IsParameterizedReplaceable(event.Kind) {
		addrEntries, err := s.FindRelationshipsByAddr(EventAddr{
			Kind:   event.Kind,
			Author: event.PubKey,
			DTag:   eventParameter(event),
		})
		if err != nil {
			return nil, err
		}
		for _, e := range addrEntries {
			if e.Relationship.Type == RelReply {
				out = append(out, e.RelatedID)
			}
		}
	}

	return out, nil
}

// GetRepliesToID returns ids of events recorded as replies to the id.
func (s *Storage) GetRepliesToID(id string) ([]string, error) {
	entries, err := s.FindRelationshipsByID(id)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Relationship.Type == RelReply {
			out = append(out, e.RelatedID)
		}
	}
	return out, nil
}

// ReactionCount is a reaction symbol with its tally.
type ReactionCount struct {
	Symbol string
	Count  int
}

// GetReactions tallies reactions to an event, one per reacting pubkey,
// dropping the author's self-reaction. The second return reports whether
// the local user already reacted.
func (s *Storage) GetReactions(id string) ([]ReactionCount, bool, error) {
	selfReacted := false
	localUser := s.ReadPublicKey()

	var targetAuthor string
	if target, err := s.ReadEvent(id); err == nil {
		targetAuthor = target.PubKey
	}

	entries, err := s.FindRelationshipsByID(id)
	if err != nil {
		return nil, false, err
	}

	// One reaction per pubkey; later rows overwrite earlier ones.
	perPubkey := make(map[string]string)
	for _, e := range entries {
		if e.Relationship.Type != RelReaction {
			continue
		}
		by := e.Relationship.By
		if by == "" || by == targetAuthor {
			continue // self-reactions don't count
		}
		symbol := e.Relationship.Symbol
		if symbol == "" {
			symbol = "+"
		}
		perPubkey[by] = symbol
		if localUser != "" && by == localUser {
			selfReacted = true
		}
	}

	counts := make(map[string]int)
	for _, symbol := range perPubkey {
		counts[symbol]++
	}

	out := make([]ReactionCount, 0, len(counts))
	for symbol, count := range counts {
		out = append(out, ReactionCount{Symbol: symbol, Count: count})
	}
	sortReactionCounts(out)
	return out, selfReacted, nil
}

func sortReactionCounts(counts []ReactionCount) {
	// Stable order: by symbol, ascending.
	for i := 0; i < len(counts); i++ {
		for j := i + 1; j < len(counts); j++ {
			if counts[j].Symbol < counts[i].Symbol {
				counts[i], counts[j] = counts[j], counts[i]
			}
		}
	}
}

// GetZapTotal sums zap receipt amounts recorded against an event.
func (s *Storage) GetZapTotal(id string) (int64, error) {
	entries, err := s.FindRelationshipsByID(id)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Relationship.Type == RelZapReceipt {
			total += e.Relationship.Millisats
		}
	}
	return total, nil
}

// GetDeletions returns the reasons of valid deletions of the event. A
// deletion only applies when its author matches the target's author and it
// postdates the target.
func (s *Storage) GetDeletions(target *nostr.Event) ([]string, error) {
	reasons := []string{}

	collect := func(entries []RelatedEntry) error {
		for _, e := range entries {
			if e.Relationship.Type != RelDeletion {
				continue
			}
			if e.Relationship.By != target.PubKey {
				continue // cross-author deletions never apply
			}
			deleting, err := s.ReadEvent(e.RelatedID)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if deleting.CreatedAt > target.CreatedAt {
				reasons = append(reasons, e.Relationship.Reason)
			}
		}
		return nil
	}

	entries, err := s.FindRelationshipsByID(target.ID)
	if err != nil {
		return nil, err
	}
	if err := collect(entries); err != nil {
		return nil, err
	}

	if nostrx.IsParameterizedReplaceable(target.Kind) {
		addrEntries, err := s.FindRelationshipsByAddr(EventAddr{
			Kind:   target.Kind,
			Author: target.PubKey,
			DTag:   eventParameter(target),
		})
		if err != nil {
			return nil, err
		}
		if err := collect(addrEntries); err != nil {
			return nil, err
		}
	}

	return reasons, nil
}
