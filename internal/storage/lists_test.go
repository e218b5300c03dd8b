package storage

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func testPubkey(t *testing.T) string {
	t.Helper()
	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}
	return pk
}

func TestWellKnownListsExist(t *testing.T) {
	st := testStorage(t)

	followed, err := st.GetPersonListMetadata(ListFollowed)
	if err != nil {
		t.Fatalf("GetPersonListMetadata(Followed) error = %v", err)
	}
	if followed.Title != "Followed" {
		t.Errorf("followed title = %q", followed.Title)
	}

	muted, err := st.GetPersonListMetadata(ListMuted)
	if err != nil {
		t.Fatalf("GetPersonListMetadata(Muted) error = %v", err)
	}
	if muted.Title != "Muted" {
		t.Errorf("muted title = %q", muted.Title)
	}
}

func TestAddRemovePersonFromList(t *testing.T) {
	st := testStorage(t)
	pk := testPubkey(t)

	if err := st.AddPersonToList(pk, ListFollowed, true, nil); err != nil {
		t.Fatalf("AddPersonToList() error = %v", err)
	}

	in, err := st.IsPersonInList(pk, ListFollowed)
	if err != nil || !in {
		t.Errorf("IsPersonInList() = %v, %v; want true", in, err)
	}

	members, err := st.GetPeopleInList(ListFollowed)
	if err != nil {
		t.Fatalf("GetPeopleInList() error = %v", err)
	}
	if len(members) != 1 || members[0].Pubkey != pk || !members[0].Public {
		t.Errorf("members = %v", members)
	}

	meta, err := st.GetPersonListMetadata(ListFollowed)
	if err != nil {
		t.Fatalf("GetPersonListMetadata() error = %v", err)
	}
	if meta.Len != 1 || meta.LastEditTime == 0 {
		t.Errorf("metadata not updated: %+v", meta)
	}

	// Re-adding with a different flag replaces, not duplicates.
	if err := st.AddPersonToList(pk, ListFollowed, false, nil); err != nil {
		t.Fatalf("AddPersonToList() error = %v", err)
	}
	members, _ = st.GetPeopleInList(ListFollowed)
	if len(members) != 1 || members[0].Public {
		t.Errorf("after flag change members = %v, want one private entry", members)
	}

	if err := st.RemovePersonFromList(pk, ListFollowed, nil); err != nil {
		t.Fatalf("RemovePersonFromList() error = %v", err)
	}
	in, _ = st.IsPersonInList(pk, ListFollowed)
	if in {
		t.Errorf("person still in list after removal")
	}
	meta, _ = st.GetPersonListMetadata(ListFollowed)
	if meta.Len != 0 {
		t.Errorf("len = %d after removal, want 0", meta.Len)
	}
}

func TestAllocateAndDeallocateList(t *testing.T) {
	st := testStorage(t)

	list, err := st.AllocatePersonList(&PersonListMetadata{Title: "Friends", DTag: "friends"}, nil)
	if err != nil {
		t.Fatalf("AllocatePersonList() error = %v", err)
	}
	if list < firstCustomList {
		t.Errorf("allocated id %d collides with a reserved list", list)
	}

	found, meta, err := st.FindPersonListByDTag("friends")
	if err != nil {
		t.Fatalf("FindPersonListByDTag() error = %v", err)
	}
	if found != list || meta.Title != "Friends" {
		t.Errorf("lookup = %d %+v", found, meta)
	}

	pk := testPubkey(t)
	if err := st.AddPersonToList(pk, list, true, nil); err != nil {
		t.Fatalf("AddPersonToList() error = %v", err)
	}

	if err := st.DeallocatePersonList(list, nil); err != nil {
		t.Fatalf("DeallocatePersonList() error = %v", err)
	}
	if _, err := st.GetPersonListMetadata(list); err != ErrListNotFound {
		t.Errorf("metadata after deallocate error = %v, want ErrListNotFound", err)
	}
	person, err := st.ReadPerson(pk)
	if err != nil {
		t.Fatalf("ReadPerson() error = %v", err)
	}
	if person.InList(list) {
		t.Errorf("bitmap still set after deallocation")
	}

	if err := st.DeallocatePersonList(ListFollowed, nil); err == nil {
		t.Errorf("deallocating a well-known list must fail")
	}

	if err := st.AddPersonToList(pk, PersonList(42), true, nil); err != ErrListNotFound {
		t.Errorf("adding to unknown list error = %v, want ErrListNotFound", err)
	}
}
