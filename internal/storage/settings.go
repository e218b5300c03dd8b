package storage

import (
	"encoding/binary"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// Settings live inside the database so they travel with the profile. Every
// reader returns the default when the key is absent or mis-typed.

// Well-known general-table keys.
const (
	keyPublicKey           = "public_key"
	keyEncryptedPrivateKey = "encrypted_private_key"
	keyMigrationLevel      = "migration_level"

	SettingNumRelaysPerPerson   = "num_relays_per_person"
	SettingMaxRelays            = "max_relays"
	SettingFeedChunkSecs        = "feed_chunk"
	SettingRepliesChunkSecs     = "replies_chunk"
	SettingOverlapSecs          = "overlap"
	SettingFeedRecomputeMs      = "feed_recompute_interval_ms"
	SettingReactions            = "reactions"
	SettingReposts              = "reposts"
	SettingDirectMessages       = "direct_messages"
	SettingShowLongForm         = "show_long_form"
	SettingPow                  = "pow"
	SettingFutureAllowanceSecs  = "future_allowance_secs"
	SettingMaxWsMessageSizeKB   = "max_websocket_message_size_kb"
	SettingFetcherHostConcurrency = "fetcher_max_requests_per_host"
	SettingFetcherLowErrorSecs  = "fetcher_host_exclusion_low_secs"
	SettingFetcherMedErrorSecs  = "fetcher_host_exclusion_medium_secs"
	SettingFetcherHighErrorSecs = "fetcher_host_exclusion_high_secs"
	SettingPrunePeriodDays      = "prune_period_days"
	SettingKeySecurity          = "key_security"

	FlagFollowingMerge      = "following_merge"
	FlagRebuildIndexesNeeded = "rebuild_indexes_needed"
)

// Defaults for every setting key.
var settingIntDefaults = map[string]int64{
	SettingNumRelaysPerPerson:     2,
	SettingMaxRelays:              50,
	SettingFeedChunkSecs:          60 * 60 * 4,
	SettingRepliesChunkSecs:       60 * 60 * 24 * 7,
	SettingOverlapSecs:            300,
	SettingFeedRecomputeMs:        8000,
	SettingPow:                    0,
	SettingFutureAllowanceSecs:    900,
	SettingMaxWsMessageSizeKB:     1024,
	SettingFetcherHostConcurrency: 3,
	SettingFetcherLowErrorSecs:    30,
	SettingFetcherMedErrorSecs:    60,
	SettingFetcherHighErrorSecs:   600,
	SettingPrunePeriodDays:        90,
	SettingKeySecurity:            0,
}

var settingBoolDefaults = map[string]bool{
	SettingReactions:         true,
	SettingReposts:           true,
	SettingDirectMessages:    true,
	SettingShowLongForm:      false,
	FlagFollowingMerge:       true,
	FlagRebuildIndexesNeeded: false,
}

func (s *Storage) readGeneral(key string) []byte {
	var val []byte
	err := s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		v, err := txn.Get(s.general, truncKey([]byte(key)))
		if err != nil {
			return err
		}
		val = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil
	}
	return val
}

func (s *Storage) writeGeneral(key string, val []byte, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		return txn.Put(s.general, truncKey([]byte(key)), val, 0)
	})
}

func (s *Storage) deleteGeneral(key string, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		err := txn.Del(s.general, truncKey([]byte(key)), nil)
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// ReadSettingInt returns the integer setting, or its default.
func (s *Storage) ReadSettingInt(key string) int64 {
	val := s.readGeneral(key)
	if len(val) != 8 {
		return settingIntDefaults[key]
	}
	return int64(binary.BigEndian.Uint64(val))
}

// WriteSettingInt stores an integer setting.
func (s *Storage) WriteSettingInt(key string, v int64, txn *lmdb.Txn) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return s.writeGeneral(key, buf[:], txn)
}

// ReadSettingBool returns the boolean setting, or its default.
func (s *Storage) ReadSettingBool(key string) bool {
	val := s.readGeneral(key)
	if len(val) != 1 {
		return settingBoolDefaults[key]
	}
	return val[0] == 1
}

// WriteSettingBool stores a boolean setting.
func (s *Storage) WriteSettingBool(key string, v bool, txn *lmdb.Txn) error {
	b := byte(0)
	if v {
		b = 1
	}
	return s.writeGeneral(key, []byte{b}, txn)
}

// ReadSettingString returns the string setting, or def when absent.
func (s *Storage) ReadSettingString(key, def string) string {
	val := s.readGeneral(key)
	if val == nil {
		return def
	}
	return string(val)
}

// WriteSettingString stores a string setting.
func (s *Storage) WriteSettingString(key, v string, txn *lmdb.Txn) error {
	return s.writeGeneral(key, []byte(v), txn)
}

// ReadPublicKey returns the local user's public key in hex, or "" when no
// identity has been configured.
func (s *Storage) ReadPublicKey() string {
	return string(s.readGeneral(keyPublicKey))
}

// WritePublicKey stores the local user's public key.
func (s *Storage) WritePublicKey(pubkey string, txn *lmdb.Txn) error {
	return s.writeGeneral(keyPublicKey, []byte(pubkey), txn)
}

// DeletePublicKey removes the stored public key.
func (s *Storage) DeletePublicKey(txn *lmdb.Txn) error {
	return s.deleteGeneral(keyPublicKey, txn)
}

// ReadEncryptedPrivateKey returns the stored encrypted key blob
// (an ncryptsec string), or "" when absent.
func (s *Storage) ReadEncryptedPrivateKey() string {
	return string(s.readGeneral(keyEncryptedPrivateKey))
}

// WriteEncryptedPrivateKey stores the encrypted key blob.
func (s *Storage) WriteEncryptedPrivateKey(blob string, txn *lmdb.Txn) error {
	return s.writeGeneral(keyEncryptedPrivateKey, []byte(blob), txn)
}

// DeleteEncryptedPrivateKey removes the encrypted key blob.
func (s *Storage) DeleteEncryptedPrivateKey(txn *lmdb.Txn) error {
	return s.deleteGeneral(keyEncryptedPrivateKey, txn)
}
