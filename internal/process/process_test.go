package process

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/murmur/internal/config"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/storage"
)

func testProcessor(t *testing.T) (*Processor, *storage.Storage) {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := ops.NewLogger(&config.Logging{Level: "error", Format: "text"})
	return New(st, log), st
}

type identity struct {
	sk string
	pk string
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}
	return identity{sk: sk, pk: pk}
}

func (id identity) event(t *testing.T, kind int, createdAt int64, tags nostr.Tags, content string) *nostr.Event {
	t.Helper()
	event := nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
		Content:   content,
	}
	if event.Tags == nil {
		event.Tags = nostr.Tags{}
	}
	if err := event.Sign(id.sk); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return &event
}

func TestProcessEventRejectsBadSignature(t *testing.T) {
	p, st := testProcessor(t)
	id := newIdentity(t)

	event := id.event(t, 1, 1000, nil, "legit")
	event.Content = "tampered"
	event.ID = event.GetID()

	if err := p.ProcessEvent(event, "wss://relay.example.com"); err != ErrBadSignature {
		t.Errorf("ProcessEvent(tampered) error = %v, want ErrBadSignature", err)
	}
	if has, _ := st.HasEvent(event.ID); has {
		t.Errorf("invalid event must not be stored")
	}
}

func TestProcessEventRejectsBadID(t *testing.T) {
	p, _ := testProcessor(t)
	id := newIdentity(t)

	event := id.event(t, 1, 1000, nil, "legit")
	event.Content = "tampered" // id no longer matches

	if err := p.ProcessEvent(event, "wss://relay.example.com"); err != ErrBadID {
		t.Errorf("ProcessEvent(bad id) error = %v, want ErrBadID", err)
	}
}

func timeNowPlus(secs int64) int64 {
	return time.Now().Unix() + secs
}

func TestProcessEventRejectsFarFuture(t *testing.T) {
	p, _ := testProcessor(t)
	id := newIdentity(t)

	event := id.event(t, 1, timeNowPlus(3600), nil, "from the future")
	if err := p.ProcessEvent(event, "wss://relay.example.com"); err != ErrFromFuture {
		t.Errorf("ProcessEvent(future) error = %v, want ErrFromFuture", err)
	}
}

func TestIdempotentIngest(t *testing.T) {
	p, st := testProcessor(t)
	id := newIdentity(t)

	target := id.event(t, 1, 1000, nil, "root")
	reply := id.event(t, 1, 1100, nostr.Tags{{"e", target.ID, "", "reply"}}, "reply")

	for i := 0; i < 3; i++ {
		if err := p.ProcessEvent(target, "wss://relay.example.com"); err != nil {
			t.Fatalf("ProcessEvent(target) #%d error = %v", i, err)
		}
		if err := p.ProcessEvent(reply, "wss://relay.example.com"); err != nil {
			t.Fatalf("ProcessEvent(reply) #%d error = %v", i, err)
		}
	}

	entries, err := st.FindRelationshipsByID(target.ID)
	if err != nil {
		t.Fatalf("FindRelationshipsByID() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("re-processing created %d relationship rows, want 1", len(entries))
	}

	seen, err := st.EventSeenOnRelays(target.ID)
	if err != nil {
		t.Fatalf("EventSeenOnRelays() error = %v", err)
	}
	if len(seen) != 1 {
		t.Errorf("seen-on rows = %d, want 1", len(seen))
	}
}

func TestReactionAggregation(t *testing.T) {
	p, st := testProcessor(t)

	author := newIdentity(t)
	y := newIdentity(t)
	z := newIdentity(t)
	w := newIdentity(t)

	// The local user is Y.
	if err := st.WritePublicKey(y.pk, nil); err != nil {
		t.Fatalf("WritePublicKey() error = %v", err)
	}

	target := author.event(t, 1, 1000, nil, "react to me")
	if err := p.ProcessEvent(target, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(target) error = %v", err)
	}

	reactTags := nostr.Tags{{"e", target.ID}, {"p", target.PubKey}}
	reactions := []*nostr.Event{
		y.event(t, 7, 1001, reactTags, "+"),
		z.event(t, 7, 1002, reactTags, ""),       // empty content defaults to +
		author.event(t, 7, 1003, reactTags, "+"), // self-reaction, dropped
		w.event(t, 7, 1004, reactTags, "❤"),
	}
	for _, r := range reactions {
		if err := p.ProcessEvent(r, "wss://relay.example.com"); err != nil {
			t.Fatalf("ProcessEvent(reaction) error = %v", err)
		}
	}

	counts, selfReacted, err := st.GetReactions(target.ID)
	if err != nil {
		t.Fatalf("GetReactions() error = %v", err)
	}
	if !selfReacted {
		t.Errorf("the local user reacted; self_already_reacted must be true")
	}

	got := make(map[string]int)
	for _, c := range counts {
		got[c.Symbol] = c.Count
	}
	if got["+"] != 2 || got["❤"] != 1 || len(got) != 2 {
		t.Errorf("reaction counts = %v, want +:2 ❤:1", got)
	}
}

func TestDeletionScenario(t *testing.T) {
	p, st := testProcessor(t)

	x := newIdentity(t)
	y := newIdentity(t)

	event := x.event(t, 1, 1000, nil, "to be deleted")
	if err := p.ProcessEvent(event, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(event) error = %v", err)
	}

	deletion := x.event(t, 5, 1100, nostr.Tags{{"e", event.ID}}, "oops")
	if err := p.ProcessEvent(deletion, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(deletion) error = %v", err)
	}

	reasons, err := st.GetDeletions(event)
	if err != nil {
		t.Fatalf("GetDeletions() error = %v", err)
	}
	if len(reasons) != 1 || reasons[0] != "oops" {
		t.Errorf("GetDeletions() = %v, want [oops]", reasons)
	}

	// A deletion by a different author never applies.
	p2, st2 := testProcessor(t)
	if err := p2.ProcessEvent(event, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(event) error = %v", err)
	}
	crossAuthor := y.event(t, 5, 1100, nostr.Tags{{"e", event.ID}}, "oops")
	if err := p2.ProcessEvent(crossAuthor, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(cross deletion) error = %v", err)
	}
	reasons, err = st2.GetDeletions(event)
	if err != nil {
		t.Fatalf("GetDeletions() error = %v", err)
	}
	if len(reasons) != 0 {
		t.Errorf("cross-author deletion applied: %v", reasons)
	}
}

func TestMetadataUpdatesPerson(t *testing.T) {
	p, st := testProcessor(t)
	id := newIdentity(t)

	newer := id.event(t, 0, 200, nil, `{"name":"new name","about":"hello","nip05":"me@example.com"}`)
	if err := p.ProcessEvent(newer, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(newer) error = %v", err)
	}

	person, err := st.ReadPerson(id.pk)
	if err != nil {
		t.Fatalf("ReadPerson() error = %v", err)
	}
	if person.Name != "new name" || person.Nip05 != "me@example.com" {
		t.Errorf("person = %+v", person)
	}

	// An older metadata event must not clobber the newer profile, even
	// though supersession already rejects it from the event table.
	older := id.event(t, 0, 100, nil, `{"name":"old name"}`)
	if err := p.ProcessEvent(older, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(older) error = %v", err)
	}
	person, _ = st.ReadPerson(id.pk)
	if person.Name != "new name" {
		t.Errorf("older metadata clobbered the profile: %+v", person)
	}
}

func TestOwnContactListReplacesFollowed(t *testing.T) {
	p, st := testProcessor(t)
	me := newIdentity(t)
	friend1 := newIdentity(t)
	friend2 := newIdentity(t)

	if err := st.WritePublicKey(me.pk, nil); err != nil {
		t.Fatalf("WritePublicKey() error = %v", err)
	}
	// Overwrite mode.
	if err := st.WriteSettingBool(storage.FlagFollowingMerge, false, nil); err != nil {
		t.Fatalf("WriteSettingBool() error = %v", err)
	}

	first := me.event(t, 3, 1000, nostr.Tags{
		{"p", friend1.pk, "wss://relay.example.com", "alice"},
	}, "")
	if err := p.ProcessEvent(first, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(first) error = %v", err)
	}

	followed, err := st.GetFollowedPubkeys()
	if err != nil {
		t.Fatalf("GetFollowedPubkeys() error = %v", err)
	}
	if len(followed) != 1 || followed[0] != friend1.pk {
		t.Errorf("followed = %v, want [friend1]", followed)
	}

	person, err := st.ReadPerson(friend1.pk)
	if err != nil {
		t.Fatalf("ReadPerson(friend1) error = %v", err)
	}
	if person.Petname != "alice" {
		t.Errorf("petname = %q, want alice", person.Petname)
	}

	// A newer list replaces the membership in overwrite mode.
	newerList := me.event(t, 3, 2000, nostr.Tags{{"p", friend2.pk}}, "")
	if err := p.ProcessEvent(newerList, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(newer list) error = %v", err)
	}

	followed, _ = st.GetFollowedPubkeys()
	if len(followed) != 1 || followed[0] != friend2.pk {
		t.Errorf("followed after overwrite = %v, want [friend2]", followed)
	}
}

func TestRelayListSideEffects(t *testing.T) {
	p, st := testProcessor(t)
	me := newIdentity(t)

	if err := st.WritePublicKey(me.pk, nil); err != nil {
		t.Fatalf("WritePublicKey() error = %v", err)
	}

	event := me.event(t, 10002, 1000, nostr.Tags{
		{"r", "wss://in.example.com", "read"},
		{"r", "wss://out.example.com", "write"},
		{"r", "wss://both.example.com"},
	}, "")
	if err := p.ProcessEvent(event, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(relay list) error = %v", err)
	}

	records, err := st.GetPersonRelays(me.pk)
	if err != nil {
		t.Fatalf("GetPersonRelays() error = %v", err)
	}
	flags := make(map[string][2]bool)
	for _, rec := range records {
		flags[rec.Relay] = [2]bool{rec.Read, rec.Write}
	}
	if f := flags["wss://in.example.com"]; !f[0] || f[1] {
		t.Errorf("in relay flags = %v", f)
	}
	if f := flags["wss://out.example.com"]; f[0] || !f[1] {
		t.Errorf("out relay flags = %v", f)
	}
	if f := flags["wss://both.example.com"]; !f[0] || !f[1] {
		t.Errorf("both relay flags = %v", f)
	}

	// The local user's list also drives the INBOX/OUTBOX usage bits.
	relay, err := st.ReadRelay("wss://in.example.com")
	if err != nil {
		t.Fatalf("ReadRelay() error = %v", err)
	}
	if !relay.HasUsageBits(storage.RelayUsageInbox) || relay.HasUsageBits(storage.RelayUsageOutbox) {
		t.Errorf("in relay usage bits = %b", relay.UsageBits)
	}
	relay, _ = st.ReadRelay("wss://both.example.com")
	if !relay.HasUsageBits(storage.RelayUsageInbox | storage.RelayUsageOutbox) {
		t.Errorf("both relay usage bits = %b", relay.UsageBits)
	}
}

func TestZapReceiptRelationship(t *testing.T) {
	p, st := testProcessor(t)
	author := newIdentity(t)
	zapper := newIdentity(t)

	target := author.event(t, 1, 1000, nil, "zap me")
	if err := p.ProcessEvent(target, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(target) error = %v", err)
	}

	description := `{"pubkey":"` + zapper.pk + `","tags":[["amount","21000"]]}`
	receipt := zapper.event(t, 9735, 1100, nostr.Tags{
		{"e", target.ID},
		{"p", target.PubKey},
		{"description", description},
	}, "")
	if err := p.ProcessEvent(receipt, "wss://relay.example.com"); err != nil {
		t.Fatalf("ProcessEvent(receipt) error = %v", err)
	}

	total, err := st.GetZapTotal(target.ID)
	if err != nil {
		t.Fatalf("GetZapTotal() error = %v", err)
	}
	if total != 21000 {
		t.Errorf("GetZapTotal() = %d, want 21000", total)
	}
}

func TestRebuildRelationships(t *testing.T) {
	p, st := testProcessor(t)
	id := newIdentity(t)

	target := id.event(t, 1, 1000, nil, "root")
	reply := id.event(t, 1, 1100, nostr.Tags{{"e", target.ID, "", "reply"}}, "reply")
	for _, e := range []*nostr.Event{target, reply} {
		if err := p.ProcessEvent(e, "wss://relay.example.com"); err != nil {
			t.Fatalf("ProcessEvent() error = %v", err)
		}
	}

	if err := st.ClearRelationships(nil); err != nil {
		t.Fatalf("ClearRelationships() error = %v", err)
	}
	if entries, _ := st.FindRelationshipsByID(target.ID); len(entries) != 0 {
		t.Fatalf("relationships not cleared")
	}

	if err := p.RebuildRelationships(); err != nil {
		t.Fatalf("RebuildRelationships() error = %v", err)
	}
	entries, err := st.FindRelationshipsByID(target.ID)
	if err != nil {
		t.Fatalf("FindRelationshipsByID() error = %v", err)
	}
	if len(entries) != 1 || entries[0].RelatedID != reply.ID {
		t.Errorf("rebuilt relationships = %v", entries)
	}
}
