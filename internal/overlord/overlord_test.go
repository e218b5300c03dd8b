package overlord

import (
	"context"
	"testing"

	"github.com/sandwichfarm/murmur/internal/comms"
	"github.com/sandwichfarm/murmur/internal/config"
	"github.com/sandwichfarm/murmur/internal/feed"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/picker"
	"github.com/sandwichfarm/murmur/internal/process"
	"github.com/sandwichfarm/murmur/internal/signer"
	"github.com/sandwichfarm/murmur/internal/storage"
)

func testOverlord(t *testing.T) (*Overlord, *storage.Storage) {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := ops.NewLogger(&config.Logging{Level: "error", Format: "text"})
	sg := signer.New()
	st.SetUnwrapper(sg)
	pr := process.New(st, log)
	pk := picker.New(st)
	fd := feed.New(st, log)
	return New(st, sg, pr, pk, fd, log), st
}

func TestCmdRankRelay(t *testing.T) {
	o, st := testOverlord(t)

	err := o.handleCommand(context.Background(), comms.Command{
		Kind:     comms.CmdRankRelay,
		RelayURL: "wss://Relay.Example.com",
		Rank:     5,
	})
	if err != nil {
		t.Fatalf("handleCommand(rank) error = %v", err)
	}

	relay, err := st.ReadRelay("wss://relay.example.com")
	if err != nil {
		t.Fatalf("ReadRelay() error = %v", err)
	}
	if relay.Rank != 5 {
		t.Errorf("rank = %d, want 5", relay.Rank)
	}
}

func TestCmdAdjustRelayUsageBit(t *testing.T) {
	o, st := testOverlord(t)

	set := comms.Command{
		Kind:     comms.CmdAdjustRelayUsageBit,
		RelayURL: "wss://relay.example.com",
		UsageBit: storage.RelayUsageAdvertise,
		On:       true,
	}
	if err := o.handleCommand(context.Background(), set); err != nil {
		t.Fatalf("handleCommand(set bit) error = %v", err)
	}
	relay, _ := st.ReadRelay("wss://relay.example.com")
	if !relay.HasUsageBits(storage.RelayUsageAdvertise) {
		t.Errorf("advertise bit not set")
	}

	set.On = false
	if err := o.handleCommand(context.Background(), set); err != nil {
		t.Fatalf("handleCommand(clear bit) error = %v", err)
	}
	relay, _ = st.ReadRelay("wss://relay.example.com")
	if relay.HasUsageBits(storage.RelayUsageAdvertise) {
		t.Errorf("advertise bit not cleared")
	}
}

func TestKeyLifecycleCommands(t *testing.T) {
	o, st := testOverlord(t)
	ctx := context.Background()

	err := o.handleCommand(ctx, comms.Command{
		Kind: comms.CmdGeneratePrivateKey,
		Text: "hunter2",
	})
	if err != nil {
		t.Fatalf("handleCommand(generate) error = %v", err)
	}

	if st.ReadEncryptedPrivateKey() == "" {
		t.Errorf("encrypted key not persisted")
	}
	if st.ReadPublicKey() != o.signer.PublicKey() {
		t.Errorf("public key not persisted")
	}

	err = o.handleCommand(ctx, comms.Command{
		Kind:  comms.CmdChangePassphrase,
		Text:  "hunter2",
		Text2: "correct horse",
	})
	if err != nil {
		t.Fatalf("handleCommand(change passphrase) error = %v", err)
	}

	// The persisted blob now opens with the new passphrase only.
	restored := signer.New()
	restored.LoadEncrypted(st.ReadEncryptedPrivateKey(), st.ReadPublicKey(),
		signer.KeySecurity(st.ReadSettingInt(storage.SettingKeySecurity)))
	if err := restored.Unlock("hunter2"); err == nil {
		t.Errorf("old passphrase still valid after change")
	}
	if err := restored.Unlock("correct horse"); err != nil {
		t.Errorf("new passphrase rejected: %v", err)
	}

	err = o.handleCommand(ctx, comms.Command{Kind: comms.CmdDeletePrivateKey})
	if err != nil {
		t.Fatalf("handleCommand(delete key) error = %v", err)
	}
	if st.ReadEncryptedPrivateKey() != "" || st.ReadPublicKey() != "" {
		t.Errorf("identity not wiped")
	}
}

func TestCmdFollowAndUnfollow(t *testing.T) {
	o, st := testOverlord(t)
	ctx := context.Background()

	// Keep the picker from opening real connections.
	if err := st.WriteSettingInt(storage.SettingMaxRelays, 0, nil); err != nil {
		t.Fatalf("WriteSettingInt() error = %v", err)
	}

	pubkey := "89ab89ab89ab89ab89ab89ab89ab89ab89ab89ab89ab89ab89ab89ab89ab89ab"
	err := o.handleCommand(ctx, comms.Command{
		Kind:   comms.CmdFollowPubkey,
		Pubkey: pubkey,
		Relays: []string{"wss://hint.example.com"},
	})
	if err != nil {
		t.Fatalf("handleCommand(follow) error = %v", err)
	}

	followed, err := st.GetFollowedPubkeys()
	if err != nil {
		t.Fatalf("GetFollowedPubkeys() error = %v", err)
	}
	if len(followed) != 1 || followed[0] != pubkey {
		t.Errorf("followed = %v", followed)
	}

	records, err := st.GetPersonRelays(pubkey)
	if err != nil {
		t.Fatalf("GetPersonRelays() error = %v", err)
	}
	if len(records) != 1 || records[0].LastSuggestedContact == 0 {
		t.Errorf("relay hint not recorded: %+v", records)
	}

	err = o.handleCommand(ctx, comms.Command{
		Kind:   comms.CmdUnfollowPubkey,
		Pubkey: pubkey,
	})
	if err != nil {
		t.Fatalf("handleCommand(unfollow) error = %v", err)
	}
	followed, _ = st.GetFollowedPubkeys()
	if len(followed) != 0 {
		t.Errorf("still followed after unfollow: %v", followed)
	}
}

func TestMaxRelaysEnforced(t *testing.T) {
	o, st := testOverlord(t)

	if err := st.WriteSettingInt(storage.SettingMaxRelays, 0, nil); err != nil {
		t.Fatalf("WriteSettingInt() error = %v", err)
	}

	err := o.startMinion(context.Background(), "wss://relay.example.com")
	if err != ErrMaxRelays {
		t.Errorf("startMinion() over the cap error = %v, want ErrMaxRelays", err)
	}
}
