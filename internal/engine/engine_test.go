package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sandwichfarm/murmur/internal/config"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/signer"
	"github.com/sandwichfarm/murmur/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Profile: config.Profile{Dir: filepath.Join(t.TempDir(), "profile")},
		Relays:  config.Relays{Seeds: []string{"wss://seed.example.com"}},
		Logging: config.Logging{Level: "error", Format: "text"},
	}
}

func TestEngineStartShutdown(t *testing.T) {
	cfg := testConfig(t)
	log := ops.NewLogger(&cfg.Logging)

	eng, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Seeds land in the relay table with local usage bits.
	relay, err := eng.Storage.ReadRelay("wss://seed.example.com")
	if err != nil {
		t.Fatalf("ReadRelay(seed) error = %v", err)
	}
	if !relay.HasUsageBits(storage.RelayUsageRead | storage.RelayUsageWrite) {
		t.Errorf("seed usage bits = %b", relay.UsageBits)
	}

	if err := eng.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestEngineRestoresIdentity(t *testing.T) {
	cfg := testConfig(t)
	log := ops.NewLogger(&cfg.Logging)

	eng, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	blob, err := eng.Signer.Generate("pass")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	pubkey := eng.Signer.PublicKey()
	if err := eng.Storage.WriteEncryptedPrivateKey(blob, nil); err != nil {
		t.Fatalf("WriteEncryptedPrivateKey() error = %v", err)
	}
	if err := eng.Storage.WritePublicKey(pubkey, nil); err != nil {
		t.Fatalf("WritePublicKey() error = %v", err)
	}
	if err := eng.Storage.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	defer reopened.Storage.Close()

	if reopened.Signer.State() != signer.StateEncrypted {
		t.Errorf("restored signer state = %v, want encrypted", reopened.Signer.State())
	}
	if reopened.Signer.PublicKey() != pubkey {
		t.Errorf("restored pubkey = %s, want %s", reopened.Signer.PublicKey(), pubkey)
	}
	if err := reopened.Signer.Unlock("pass"); err != nil {
		t.Errorf("Unlock() after restart error = %v", err)
	}
}
