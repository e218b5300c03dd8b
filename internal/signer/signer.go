// Package signer holds the local identity: the public key and the
// optionally-unlocked private key, encrypted at rest.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip13"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip49"
	"github.com/nbd-wtf/go-nostr/nip59"
)

var (
	ErrNoPrivateKey   = errors.New("signer: no private key available")
	ErrKeyLocked      = errors.New("signer: private key is locked")
	ErrAlreadyHaveKey = errors.New("signer: a private key already exists")
)

// KeySecurity tracks how carefully the key has been handled. Medium means
// never exported in cleartext since generation; Weak means it has been
// exported at least once. Exporting downgrades Medium to Weak irreversibly.
type KeySecurity uint8

const (
	KeySecurityWeak   KeySecurity = 0
	KeySecurityMedium KeySecurity = 1
)

func (ks KeySecurity) securityByte() nip49.KeySecurityByte {
	if ks == KeySecurityMedium {
		return nip49.NotKnownToHaveBeenHandledInsecurely
	}
	return nip49.KnownToHaveBeenHandledInsecurely
}

// PreEvent is an event before signing: everything but id and signature.
type PreEvent struct {
	Kind      int
	CreatedAt int64
	Tags      nostr.Tags
	Content   string
}

// State reports what the signer currently holds.
type State int

const (
	// StateFresh means no key at all.
	StateFresh State = iota
	// StateEncrypted means a key exists but is locked.
	StateEncrypted
	// StateReady means the key is unlocked and signing works.
	StateReady
)

// Signer protects the private key behind a read/write lock; signing takes
// the read lock so many signatures can proceed concurrently.
type Signer struct {
	mu sync.RWMutex

	encrypted string // ncryptsec blob, "" when fresh
	privkey   string // hex, "" when locked
	pubkey    string
	security  KeySecurity
}

// New returns a fresh signer with no key.
func New() *Signer {
	return &Signer{}
}

// LoadEncrypted installs a persisted encrypted key blob, leaving the
// signer locked. The public key and security level are supplied separately
// since the blob cannot reveal them without the passphrase.
func (s *Signer) LoadEncrypted(blob, pubkey string, security KeySecurity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encrypted = blob
	s.pubkey = pubkey
	s.privkey = ""
	s.security = security
}

// State reports the current signer state.
func (s *Signer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.privkey != "":
		return StateReady
	case s.encrypted != "":
		return StateEncrypted
	default:
		return StateFresh
	}
}

// IsReady reports whether signing is possible.
func (s *Signer) IsReady() bool {
	return s.State() == StateReady
}

// PublicKey returns the hex public key, or "" when unknown.
func (s *Signer) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubkey
}

// KeySecurity returns the current key security level.
func (s *Signer) KeySecurity() KeySecurity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.security
}

// Generate creates a fresh private key, encrypts it with the passphrase
// and returns the encrypted blob for persistence. Fails when a key is
// already present.
func (s *Signer) Generate(passphrase string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encrypted != "" || s.privkey != "" {
		return "", ErrAlreadyHaveKey
	}

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}

	blob, err := nip49.Encrypt(sk, passphrase, 16, KeySecurityMedium.securityByte())
	if err != nil {
		return "", fmt.Errorf("failed to encrypt private key: %w", err)
	}

	s.privkey = sk
	s.pubkey = pk
	s.encrypted = blob
	s.security = KeySecurityMedium
	return blob, nil
}

// Import installs a private key given as nsec or hex, encrypts it and
// returns the blob. Imported keys are Weak: they have existed in
// cleartext outside our custody.
func (s *Signer) Import(key, passphrase string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := key
	if prefix, value, err := nip19.Decode(key); err == nil {
		if prefix != "nsec" {
			return "", fmt.Errorf("signer: expected nsec, got %s", prefix)
		}
		sk = value.(string)
	}

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}

	blob, err := nip49.Encrypt(sk, passphrase, 16, KeySecurityWeak.securityByte())
	if err != nil {
		return "", fmt.Errorf("failed to encrypt private key: %w", err)
	}

	s.privkey = sk
	s.pubkey = pk
	s.encrypted = blob
	s.security = KeySecurityWeak
	return blob, nil
}

// Unlock decrypts the stored key with the passphrase.
func (s *Signer) Unlock(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encrypted == "" {
		return ErrNoPrivateKey
	}

	sk, err := nip49.Decrypt(s.encrypted, passphrase)
	if err != nil {
		return fmt.Errorf("failed to decrypt private key: %w", err)
	}

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return fmt.Errorf("decrypted key is invalid: %w", err)
	}

	s.privkey = sk
	s.pubkey = pk
	return nil
}

// Lock forgets the cleartext key, keeping the encrypted blob.
func (s *Signer) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privkey = ""
}

// Delete forgets everything.
func (s *Signer) Delete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privkey = ""
	s.encrypted = ""
	s.pubkey = ""
	s.security = KeySecurityWeak
}

// ChangePassphrase re-encrypts the key under a new passphrase and returns
// the new blob for persistence.
func (s *Signer) ChangePassphrase(oldPass, newPass string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encrypted == "" {
		return "", ErrNoPrivateKey
	}

	sk, err := nip49.Decrypt(s.encrypted, oldPass)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt private key: %w", err)
	}

	blob, err := nip49.Encrypt(sk, newPass, 16, s.security.securityByte())
	if err != nil {
		return "", fmt.Errorf("failed to re-encrypt private key: %w", err)
	}

	s.encrypted = blob
	return blob, nil
}

// ExportPrivateKey returns the cleartext key as nsec after verifying the
// passphrase. Export downgrades key security to Weak; the returned blob
// reflects that and must be persisted by the caller.
func (s *Signer) ExportPrivateKey(passphrase string) (nsec, newBlob string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encrypted == "" {
		return "", "", ErrNoPrivateKey
	}

	sk, err := nip49.Decrypt(s.encrypted, passphrase)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt private key: %w", err)
	}

	nsec, err = nip19.EncodePrivateKey(sk)
	if err != nil {
		return "", "", err
	}

	s.security = KeySecurityWeak
	blob, err := nip49.Encrypt(sk, passphrase, 16, KeySecurityWeak.securityByte())
	if err != nil {
		return "", "", fmt.Errorf("failed to re-encrypt private key: %w", err)
	}
	s.encrypted = blob

	return nsec, blob, nil
}

// SignPreEvent builds and signs an event, optionally mining the requested
// number of leading zero bits first.
func (s *Signer) SignPreEvent(pre PreEvent, powBits int) (*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.privkey == "" {
		if s.encrypted != "" {
			return nil, ErrKeyLocked
		}
		return nil, ErrNoPrivateKey
	}

	event := nostr.Event{
		PubKey:    s.pubkey,
		CreatedAt: nostr.Timestamp(pre.CreatedAt),
		Kind:      pre.Kind,
		Tags:      pre.Tags,
		Content:   pre.Content,
	}
	if event.Tags == nil {
		event.Tags = nostr.Tags{}
	}

	if powBits > 0 {
		tag, err := nip13.DoWork(context.Background(), event, powBits)
		if err != nil {
			return nil, fmt.Errorf("proof of work failed: %w", err)
		}
		event.Tags = append(event.Tags, tag)
	}

	if err := event.Sign(s.privkey); err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	return &event, nil
}

// SignEvent signs a prepared event in place (used for AUTH challenges).
func (s *Signer) SignEvent(event *nostr.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.privkey == "" {
		if s.encrypted != "" {
			return ErrKeyLocked
		}
		return ErrNoPrivateKey
	}
	return event.Sign(s.privkey)
}

// UnwrapGiftWrap opens a sealed envelope with the local key and returns
// the inner rumor. Satisfies the storage Unwrapper interface.
func (s *Signer) UnwrapGiftWrap(event *nostr.Event) (*nostr.Event, error) {
	s.mu.RLock()
	sk := s.privkey
	s.mu.RUnlock()

	if sk == "" {
		return nil, ErrKeyLocked
	}

	kr, err := keyer.NewPlainKeySigner(sk)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rumor, err := nip59.GiftUnwrap(*event, func(otherPubkey, ciphertext string) (string, error) {
		return kr.Decrypt(ctx, ciphertext, otherPubkey)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap gift wrap: %w", err)
	}
	return &rumor, nil
}

// Keyer returns a go-nostr Keyer for NIP-44 encryption tasks (private list
// members, DM composition). Fails when locked.
func (s *Signer) Keyer() (nostr.Keyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.privkey == "" {
		return nil, ErrKeyLocked
	}
	return keyer.NewPlainKeySigner(s.privkey)
}
