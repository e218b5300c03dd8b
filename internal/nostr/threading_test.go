package nostr

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestParseThreadRefs_MarkedFormat(t *testing.T) {
	event := &nostr.Event{
		Kind: 1,
		Tags: nostr.Tags{
			{"e", "root-event-id", "", "root"},
			{"e", "parent-event-id", "", "reply"},
			{"e", "mention-event-id", "", "mention"},
		},
	}

	refs := ParseThreadRefs(event)

	if refs.RootID != "root-event-id" {
		t.Errorf("Expected root 'root-event-id', got %s", refs.RootID)
	}
	if refs.ReplyToID != "parent-event-id" {
		t.Errorf("Expected reply 'parent-event-id', got %s", refs.ReplyToID)
	}
	if len(refs.MentionIDs) != 1 || refs.MentionIDs[0] != "mention-event-id" {
		t.Errorf("Expected mention 'mention-event-id', got %v", refs.MentionIDs)
	}
}

func TestParseThreadRefs_RootOnly(t *testing.T) {
	event := &nostr.Event{
		Kind: 1,
		Tags: nostr.Tags{
			{"e", "root-event-id", "", "root"},
		},
	}

	refs := ParseThreadRefs(event)

	if refs.ReplyToID != "root-event-id" {
		t.Errorf("a lone root marker means a direct reply to the root, got %s", refs.ReplyToID)
	}
}

func TestParseThreadRefs_PositionalFormat(t *testing.T) {
	one := ParseThreadRefs(&nostr.Event{
		Kind: 1,
		Tags: nostr.Tags{{"e", "parent-id"}},
	})
	if one.RootID != "parent-id" || one.ReplyToID != "parent-id" {
		t.Errorf("one tag: root=%s reply=%s", one.RootID, one.ReplyToID)
	}

	two := ParseThreadRefs(&nostr.Event{
		Kind: 1,
		Tags: nostr.Tags{{"e", "root-id"}, {"e", "parent-id"}},
	})
	if two.RootID != "root-id" || two.ReplyToID != "parent-id" {
		t.Errorf("two tags: root=%s reply=%s", two.RootID, two.ReplyToID)
	}

	many := ParseThreadRefs(&nostr.Event{
		Kind: 1,
		Tags: nostr.Tags{{"e", "root-id"}, {"e", "mid-id"}, {"e", "parent-id"}},
	})
	if many.RootID != "root-id" || many.ReplyToID != "parent-id" {
		t.Errorf("many tags: root=%s reply=%s", many.RootID, many.ReplyToID)
	}
	if len(many.MentionIDs) != 1 || many.MentionIDs[0] != "mid-id" {
		t.Errorf("many tags mentions = %v", many.MentionIDs)
	}
}

func TestParseThreadRefs_NotAReply(t *testing.T) {
	refs := ParseThreadRefs(&nostr.Event{Kind: 1, Tags: nostr.Tags{}})
	if refs.IsReply() {
		t.Errorf("a tagless note is not a reply")
	}
}

func TestParseThreadRefs_RelayHints(t *testing.T) {
	event := &nostr.Event{
		Kind: 1,
		Tags: nostr.Tags{
			{"e", "root-event-id", "wss://Relay.Example.COM", "root"},
		},
	}

	refs := ParseThreadRefs(event)
	if refs.RelayHints["root-event-id"] != "wss://relay.example.com" {
		t.Errorf("relay hint = %q, want normalized url", refs.RelayHints["root-event-id"])
	}
}

func TestHashtags(t *testing.T) {
	event := &nostr.Event{
		Kind: 1,
		Tags: nostr.Tags{
			{"t", "Nostr"},
			{"t", "go"},
			{"t", ""},
			{"p", "not-a-hashtag"},
		},
	}

	tags := Hashtags(event)
	if len(tags) != 2 || tags[0] != "nostr" || tags[1] != "go" {
		t.Errorf("Hashtags() = %v, want [nostr go]", tags)
	}
}
