package storage

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestDmChannels(t *testing.T) {
	st := testStorage(t)

	mySK := nostr.GeneratePrivateKey()
	me, _ := nostr.GetPublicKey(mySK)
	peerSK := nostr.GeneratePrivateKey()
	peer, _ := nostr.GetPublicKey(peerSK)
	otherSK := nostr.GeneratePrivateKey()
	_, _ = nostr.GetPublicKey(otherSK)

	if err := st.WritePublicKey(me, nil); err != nil {
		t.Fatalf("WritePublicKey() error = %v", err)
	}

	dm := func(sk, to string, createdAt int64, content string) *nostr.Event {
		event := nostr.Event{
			Kind:      4,
			CreatedAt: nostr.Timestamp(createdAt),
			Tags:      nostr.Tags{{"p", to}},
			Content:   content,
		}
		if err := event.Sign(sk); err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		return &event
	}

	inbound := dm(peerSK, me, 1000, "hi")
	outbound := dm(mySK, peer, 1100, "hello back")
	unrelated := dm(otherSK, peer, 1200, "not ours")

	for _, e := range []*nostr.Event{inbound, outbound, unrelated} {
		if err := st.WriteEvent(e, nil); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}

	channels, err := st.DmChannels()
	if err != nil {
		t.Fatalf("DmChannels() error = %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("channels = %d, want 1 (the peer conversation)", len(channels))
	}

	ch := channels[0]
	if ch.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", ch.MessageCount)
	}
	if ch.LatestMessageAt != 1100 {
		t.Errorf("latest at = %d, want 1100", ch.LatestMessageAt)
	}
	// Only the inbound unviewed message counts as unread.
	if ch.UnreadMessageCount != 1 {
		t.Errorf("unread = %d, want 1", ch.UnreadMessageCount)
	}

	if err := st.MarkEventViewed(inbound.ID, nil); err != nil {
		t.Fatalf("MarkEventViewed() error = %v", err)
	}
	channels, _ = st.DmChannels()
	if channels[0].UnreadMessageCount != 0 {
		t.Errorf("unread after viewing = %d, want 0", channels[0].UnreadMessageCount)
	}

	ids, err := st.DmEvents(ch.Channel)
	if err != nil {
		t.Fatalf("DmEvents() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != outbound.ID {
		t.Errorf("dm events = %v, want newest first", ids)
	}
}
