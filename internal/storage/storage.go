package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/nbd-wtf/go-nostr"
)

// LMDB caps keys at 511 bytes. Longer keys are truncated; lookups may then
// return a superset of matches which callers filter in-process.
const maxKeySize = 511

// The map is sized in virtual address space; pages are only materialized as
// data is written.
const mapSize = 24 * 1024 * 1024 * 1024

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrNotReplaceable = errors.New("storage: event kind is not replaceable")
	ErrNotLatest      = errors.New("storage: a newer replaceable version exists")
	ErrNoKinds        = errors.New("storage: at least one event kind is required")
	ErrTagNotIndexed  = errors.New("storage: tag name is not indexed")
	ErrListNotFound   = errors.New("storage: person list not found")
)

// Unwrapper opens gift-wrap envelopes with the local private key. The signer
// satisfies this; storage holds it behind an atomic pointer so gift wraps
// that arrive before the key is unlocked can be retried later.
type Unwrapper interface {
	UnwrapGiftWrap(event *nostr.Event) (*nostr.Event, error)
}

// Storage is the LMDB-backed persistence layer. All calls are synchronous
// but fast, so callers just wait on them. One writer at a time; readers
// never block the writer.
type Storage struct {
	env *lmdb.Env

	// general holds settings and flags under well-known string keys.
	general lmdb.DBI

	events          lmdb.DBI // id -> serialized event
	eventEkPkIndex  lmdb.DBI // kind||pubkey -> id (dup)
	eventEkCIndex   lmdb.DBI // kind||inverted created_at -> id (dup)
	eventTagIndex   lmdb.DBI // tagname 0x22 tagvalue -> id (dup)
	hashtags        lmdb.DBI // hashtag -> id (dup)
	eventSeenOn     lmdb.DBI // id||relay url -> unixtime
	eventViewed     lmdb.DBI // id -> {}
	relationsByID   lmdb.DBI // target id||related id -> relationship (dup)
	relationsByAddr lmdb.DBI // kind||author||dtag||related id -> relationship (dup)
	people          lmdb.DBI // pubkey -> person
	personRelays    lmdb.DBI // pubkey||relay url -> person relay
	relays          lmdb.DBI // relay url -> relay
	personLists     lmdb.DBI // list id -> dup (pubkey||public flag)
	personListsMeta lmdb.DBI // list id -> list metadata
	unindexedWraps  lmdb.DBI // gift wrap id -> {}

	unwrapper atomic.Pointer[Unwrapper]
}

// Open opens (creating if necessary) the database environment in dir.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create LMDB env: %w", err)
	}
	if err := env.SetMaxDBs(32); err != nil {
		return nil, fmt.Errorf("failed to set max dbs: %w", err)
	}
	if err := env.SetMapSize(mapSize); err != nil {
		return nil, fmt.Errorf("failed to set map size: %w", err)
	}
	if err := env.Open(dir, lmdb.NoTLS, 0o644); err != nil {
		return nil, fmt.Errorf("failed to open LMDB at %s: %w", dir, err)
	}

	s := &Storage{env: env}

	// Create all tables up front so later transactions never race on
	// DBI creation.
	err = env.Update(func(txn *lmdb.Txn) error {
		open := func(name string, flags uint) (lmdb.DBI, error) {
			return txn.OpenDBI(name, lmdb.Create|flags)
		}

		var err error
		if s.general, err = open("general", 0); err != nil {
			return err
		}
		if s.events, err = open("events", 0); err != nil {
			return err
		}
		if s.eventEkPkIndex, err = open("event_ek_pk_index", lmdb.DupSort); err != nil {
			return err
		}
		if s.eventEkCIndex, err = open("event_ek_c_index", lmdb.DupSort); err != nil {
			return err
		}
		if s.eventTagIndex, err = open("event_tag_index", lmdb.DupSort); err != nil {
			return err
		}
		if s.hashtags, err = open("hashtags", lmdb.DupSort); err != nil {
			return err
		}
		if s.eventSeenOn, err = open("event_seen_on_relay", 0); err != nil {
			return err
		}
		if s.eventViewed, err = open("event_viewed", 0); err != nil {
			return err
		}
		if s.relationsByID, err = open("relationships_by_id", lmdb.DupSort); err != nil {
			return err
		}
		if s.relationsByAddr, err = open("relationships_by_addr", lmdb.DupSort); err != nil {
			return err
		}
		if s.people, err = open("people", 0); err != nil {
			return err
		}
		if s.personRelays, err = open("person_relays", 0); err != nil {
			return err
		}
		if s.relays, err = open("relays", 0); err != nil {
			return err
		}
		if s.personLists, err = open("person_lists", lmdb.DupSort); err != nil {
			return err
		}
		if s.personListsMeta, err = open("person_lists_metadata", 0); err != nil {
			return err
		}
		if s.unindexedWraps, err = open("unindexed_giftwraps", 0); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open tables: %w", err)
	}

	if err := s.initPersonLists(); err != nil {
		env.Close()
		return nil, err
	}

	return s, nil
}

// Close flushes and closes the environment.
func (s *Storage) Close() error {
	err := s.env.Sync(true)
	s.env.Close()
	if err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

// Sync forces the data to disk.
func (s *Storage) Sync() error {
	if err := s.env.Sync(true); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

// SetUnwrapper installs the gift-wrap opener (normally the signer, once
// its key is available).
func (s *Storage) SetUnwrapper(u Unwrapper) {
	s.unwrapper.Store(&u)
}

func (s *Storage) getUnwrapper() Unwrapper {
	if p := s.unwrapper.Load(); p != nil {
		return *p
	}
	return nil
}

// Update runs fn inside a single write transaction. Use it to bundle many
// write operations atomically; every write method also accepts a nil txn
// and will then open and commit its own.
func (s *Storage) Update(fn func(txn *lmdb.Txn) error) error {
	return s.env.Update(fn)
}

// View runs fn inside a read transaction.
func (s *Storage) View(fn func(txn *lmdb.Txn) error) error {
	return s.env.View(fn)
}

// inTxn runs fn in the supplied write transaction, or opens and commits a
// fresh one when txn is nil.
func (s *Storage) inTxn(txn *lmdb.Txn, fn func(txn *lmdb.Txn) error) error {
	if txn != nil {
		return fn(txn)
	}
	return s.env.Update(fn)
}

// truncKey enforces the LMDB key size limit.
func truncKey(key []byte) []byte {
	if len(key) > maxKeySize {
		return key[:maxKeySize]
	}
	return key
}

// idBytes decodes a 64-char hex event id or pubkey into its 32 raw bytes.
// Invalid input yields the raw string bytes, which still make a usable
// (if odd) key.
func idBytes(hexID string) []byte {
	b, err := hex.DecodeString(hexID)
	if err != nil {
		return []byte(hexID)
	}
	return b
}
