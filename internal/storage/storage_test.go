package storage

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return st
}

// testEvent builds a signed event so ids and signatures are real.
func testEvent(t *testing.T, sk string, kind int, createdAt int64, tags nostr.Tags, content string) *nostr.Event {
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
	if err := event.Sign(sk); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return &event
}

func TestWriteReadEvent(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	event := testEvent(t, sk, 1, 1000, nostr.Tags{{"t", "nostr"}}, "hello world")
	if err := st.WriteEvent(event, nil); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}

	got, err := st.ReadEvent(event.ID)
	if err != nil {
		t.Fatalf("ReadEvent() error = %v", err)
	}
	if got.ID != event.ID || got.Content != event.Content || got.Sig != event.Sig {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, event)
	}

	has, err := st.HasEvent(event.ID)
	if err != nil || !has {
		t.Errorf("HasEvent() = %v, %v; want true, nil", has, err)
	}

	ids, err := st.EventIDsWithHashtag("nostr")
	if err != nil {
		t.Fatalf("EventIDsWithHashtag() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != event.ID {
		t.Errorf("hashtag index = %v, want [%s]", ids, event.ID)
	}
}

func TestWriteEventIdempotent(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	event := testEvent(t, sk, 1, 1000, nostr.Tags{{"t", "go"}}, "once")
	for i := 0; i < 3; i++ {
		if err := st.WriteEvent(event, nil); err != nil {
			t.Fatalf("WriteEvent() #%d error = %v", i, err)
		}
	}

	ids, err := st.FindEventIDs([]int{1}, []string{event.PubKey}, 0)
	if err != nil {
		t.Fatalf("FindEventIDs() error = %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 id after re-writes, got %d", len(ids))
	}

	tagged, err := st.EventIDsWithHashtag("go")
	if err != nil {
		t.Fatalf("EventIDsWithHashtag() error = %v", err)
	}
	if len(tagged) != 1 {
		t.Errorf("expected 1 hashtag entry after re-writes, got %d", len(tagged))
	}
}

func TestFindEventIDs(t *testing.T) {
	st := testStorage(t)
	sk1 := nostr.GeneratePrivateKey()
	sk2 := nostr.GeneratePrivateKey()

	old := testEvent(t, sk1, 1, EarliestWatermark+100, nil, "old")
	recent := testEvent(t, sk1, 1, EarliestWatermark+5000, nil, "recent")
	other := testEvent(t, sk2, 1, EarliestWatermark+5000, nil, "other author")
	note7 := testEvent(t, sk1, 7, EarliestWatermark+5000, nil, "+")

	for _, e := range []*nostr.Event{old, recent, other, note7} {
		if err := st.WriteEvent(e, nil); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}

	if _, err := st.FindEventIDs(nil, nil, 0); err != ErrNoKinds {
		t.Errorf("FindEventIDs(no kinds) error = %v, want ErrNoKinds", err)
	}

	// Kind only.
	ids, err := st.FindEventIDs([]int{1}, nil, 0)
	if err != nil {
		t.Fatalf("FindEventIDs() error = %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("kind-only scan found %d, want 3", len(ids))
	}

	// Kind and author.
	ids, err = st.FindEventIDs([]int{1}, []string{other.PubKey}, 0)
	if err != nil {
		t.Fatalf("FindEventIDs() error = %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("author scan found %d, want 1", len(ids))
	}

	// Kind and since.
	ids, err = st.FindEventIDs([]int{1}, nil, EarliestWatermark+1000)
	if err != nil {
		t.Fatalf("FindEventIDs() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("since scan found %d, want 2", len(ids))
	}
	if _, ok := ids[old.ID]; ok {
		t.Errorf("since scan should not include the old event")
	}

	// Intersection of author and since.
	ids, err = st.FindEventIDs([]int{1}, []string{recent.PubKey}, EarliestWatermark+1000)
	if err != nil {
		t.Fatalf("FindEventIDs() error = %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("intersection found %d, want 1", len(ids))
	}
	if _, ok := ids[recent.ID]; !ok {
		t.Errorf("intersection missed the recent event")
	}
}

func TestIndexConsistency(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	events := []*nostr.Event{
		testEvent(t, sk, 1, 2000, nostr.Tags{{"t", "alpha"}}, "one"),
		testEvent(t, sk, 6, 3000, nil, "two"),
		testEvent(t, sk, 30023, 4000, nostr.Tags{{"d", "post1"}}, "three"),
	}
	for _, e := range events {
		if err := st.WriteEvent(e, nil); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}

	for _, e := range events {
		ids, err := st.FindEventIDs([]int{e.Kind}, []string{e.PubKey}, 0)
		if err != nil {
			t.Fatalf("FindEventIDs() error = %v", err)
		}
		if _, ok := ids[e.ID]; !ok {
			t.Errorf("ek_pk index missing %s (kind %d)", e.ID, e.Kind)
		}

		ids, err = st.FindEventIDs([]int{e.Kind}, nil, 1000)
		if err != nil {
			t.Fatalf("FindEventIDs() error = %v", err)
		}
		if _, ok := ids[e.ID]; !ok {
			t.Errorf("ek_c index missing %s (kind %d)", e.ID, e.Kind)
		}
	}

	// The d tag is on the index allow-list.
	tagged, err := st.FindTaggedEvents("d", "post1", nil, false)
	if err != nil {
		t.Fatalf("FindTaggedEvents() error = %v", err)
	}
	if len(tagged) != 1 || tagged[0].ID != events[2].ID {
		t.Errorf("d-tag lookup = %v, want the long-form event", tagged)
	}

	if _, err := st.FindTaggedEvents("t", "alpha", nil, false); err != ErrTagNotIndexed {
		t.Errorf("FindTaggedEvents(t) error = %v, want ErrTagNotIndexed", err)
	}
}

func TestRebuildEventIndices(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	event := testEvent(t, sk, 1, 2000, nostr.Tags{{"t", "rebuild"}}, "content")
	if err := st.WriteEvent(event, nil); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}

	if err := st.RebuildEventIndices(nil); err != nil {
		t.Fatalf("RebuildEventIndices() error = %v", err)
	}

	ids, err := st.FindEventIDs([]int{1}, []string{event.PubKey}, 0)
	if err != nil {
		t.Fatalf("FindEventIDs() error = %v", err)
	}
	if _, ok := ids[event.ID]; !ok {
		t.Errorf("index missing event after rebuild")
	}

	tagged, err := st.EventIDsWithHashtag("rebuild")
	if err != nil {
		t.Fatalf("EventIDsWithHashtag() error = %v", err)
	}
	if len(tagged) != 1 {
		t.Errorf("hashtag index has %d entries after rebuild, want 1", len(tagged))
	}
}

func TestReplaceEvent(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	a := testEvent(t, sk, 0, 100, nil, `{"name":"old"}`)
	b := testEvent(t, sk, 0, 200, nil, `{"name":"new"}`)

	if err := st.ReplaceEvent(a, nil); err != nil {
		t.Fatalf("ReplaceEvent(a) error = %v", err)
	}
	if err := st.ReplaceEvent(b, nil); err != nil {
		t.Fatalf("ReplaceEvent(b) error = %v", err)
	}

	if has, _ := st.HasEvent(a.ID); has {
		t.Errorf("older metadata should have been superseded")
	}
	if has, _ := st.HasEvent(b.ID); !has {
		t.Errorf("newer metadata missing")
	}

	// Re-inserting the older version is rejected.
	if err := st.ReplaceEvent(a, nil); err != ErrNotLatest {
		t.Errorf("ReplaceEvent(old) error = %v, want ErrNotLatest", err)
	}
	if has, _ := st.HasEvent(a.ID); has {
		t.Errorf("stale metadata must not come back")
	}

	note := testEvent(t, sk, 1, 100, nil, "not replaceable")
	if err := st.ReplaceEvent(note, nil); err != ErrNotReplaceable {
		t.Errorf("ReplaceEvent(kind 1) error = %v, want ErrNotReplaceable", err)
	}
}

func TestReplaceEventParameterized(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	post1v1 := testEvent(t, sk, 30023, 10, nostr.Tags{{"d", "post1"}}, "v1")
	post1v2 := testEvent(t, sk, 30023, 20, nostr.Tags{{"d", "post1"}}, "v2")
	post2 := testEvent(t, sk, 30023, 15, nostr.Tags{{"d", "post2"}}, "other")

	for _, e := range []*nostr.Event{post1v1, post1v2, post2} {
		if err := st.ReplaceEvent(e, nil); err != nil {
			t.Fatalf("ReplaceEvent(%s) error = %v", e.Content, err)
		}
	}

	if has, _ := st.HasEvent(post1v1.ID); has {
		t.Errorf("post1 v1 should have been superseded")
	}
	if has, _ := st.HasEvent(post1v2.ID); !has {
		t.Errorf("post1 v2 missing")
	}
	if has, _ := st.HasEvent(post2.ID); !has {
		t.Errorf("post2 must be unaffected by post1 supersession")
	}

	current, err := st.GetReplaceableEvent(30023, post1v2.PubKey, "post1")
	if err != nil {
		t.Fatalf("GetReplaceableEvent() error = %v", err)
	}
	if current.ID != post1v2.ID {
		t.Errorf("GetReplaceableEvent() = %s, want %s", current.ID, post1v2.ID)
	}
}

func TestDeleteEventRetainsRelationships(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	event := testEvent(t, sk, 1, 1000, nil, "target")
	if err := st.WriteEvent(event, nil); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if err := st.AddEventSeenOnRelay(event.ID, "wss://relay.example.com", 1000, nil); err != nil {
		t.Fatalf("AddEventSeenOnRelay() error = %v", err)
	}
	if err := st.MarkEventViewed(event.ID, nil); err != nil {
		t.Fatalf("MarkEventViewed() error = %v", err)
	}

	reply := testEvent(t, sk, 1, 1100, nostr.Tags{{"e", event.ID, "", "reply"}}, "reply")
	if err := st.AddRelationshipByID(event.ID, reply.ID, Relationship{Type: RelReply}, nil); err != nil {
		t.Fatalf("AddRelationshipByID() error = %v", err)
	}

	if err := st.DeleteEvent(event.ID, nil); err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}

	if has, _ := st.HasEvent(event.ID); has {
		t.Errorf("event should be gone from the primary table")
	}
	seen, err := st.EventSeenOnRelays(event.ID)
	if err != nil {
		t.Fatalf("EventSeenOnRelays() error = %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("seen-on rows should be gone, got %v", seen)
	}
	if viewed, _ := st.IsEventViewed(event.ID); viewed {
		t.Errorf("viewed flag should be gone")
	}

	// Relationships survive deletion so re-ingestion rediscovers them.
	entries, err := st.FindRelationshipsByID(event.ID)
	if err != nil {
		t.Fatalf("FindRelationshipsByID() error = %v", err)
	}
	if len(entries) != 1 || entries[0].RelatedID != reply.ID {
		t.Errorf("relationships = %v, want the reply row retained", entries)
	}
}

func TestPrune(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	old := testEvent(t, sk, 1, 1000, nostr.Tags{{"t", "stale"}}, "old")
	fresh := testEvent(t, sk, 1, 9000, nil, "fresh")
	for _, e := range []*nostr.Event{old, fresh} {
		if err := st.WriteEvent(e, nil); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}
	if err := st.AddRelationshipByID(old.ID, fresh.ID, Relationship{Type: RelReply}, nil); err != nil {
		t.Fatalf("AddRelationshipByID() error = %v", err)
	}

	deleted, err := st.Prune(5000)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Prune() = %d, want 1", deleted)
	}

	if has, _ := st.HasEvent(old.ID); has {
		t.Errorf("old event should have been pruned")
	}
	if has, _ := st.HasEvent(fresh.ID); !has {
		t.Errorf("fresh event must survive pruning")
	}

	tagged, err := st.EventIDsWithHashtag("stale")
	if err != nil {
		t.Fatalf("EventIDsWithHashtag() error = %v", err)
	}
	if len(tagged) != 0 {
		t.Errorf("hashtag rows of pruned events should be gone, got %v", tagged)
	}

	// Relationship tables are untouched by pruning.
	entries, err := st.FindRelationshipsByID(old.ID)
	if err != nil {
		t.Fatalf("FindRelationshipsByID() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("relationships must survive pruning, got %v", entries)
	}
}

func TestSearchEvents(t *testing.T) {
	st := testStorage(t)
	sk := nostr.GeneratePrivateKey()

	match := testEvent(t, sk, 1, 2000, nil, "Nostr is a Protocol")
	tagMatch := testEvent(t, sk, 1, 3000, nostr.Tags{{"t", "protocols"}}, "unrelated")
	miss := testEvent(t, sk, 1, 1000, nil, "something else")
	wrongKind := testEvent(t, sk, 7, 4000, nil, "protocol")

	for _, e := range []*nostr.Event{match, tagMatch, miss, wrongKind} {
		if err := st.WriteEvent(e, nil); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}

	results, err := st.SearchEvents("protocol")
	if err != nil {
		t.Fatalf("SearchEvents() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("SearchEvents() found %d, want 2", len(results))
	}
	// Reverse chronological.
	if results[0].ID != tagMatch.ID || results[1].ID != match.ID {
		t.Errorf("search order wrong: got [%s %s]", results[0].ID, results[1].ID)
	}
}
