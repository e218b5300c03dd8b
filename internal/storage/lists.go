package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// PersonList identifies a named list of people. Followed and Muted occupy
// reserved ids; custom lists get the next free id. Ids index bits in each
// person's membership bitmap, so at most 64 lists exist.
type PersonList uint8

const (
	ListFollowed PersonList = 0
	ListMuted    PersonList = 1

	firstCustomList PersonList = 2
	maxPersonLists             = 64
)

// PersonListMetadata describes a list.
type PersonListMetadata struct {
	Title    string `json:"title"`
	DTag     string `json:"dtag,omitempty"`
	Favorite bool   `json:"favorite,omitempty"`
	Private  bool   `json:"private,omitempty"`

	LastEditTime int64 `json:"last_edit_time,omitempty"`
	Len          int   `json:"len"`

	// Publication bookkeeping for the corresponding list event.
	EventCreatedAt    int64 `json:"event_created_at,omitempty"`
	EventPublicLen    int   `json:"event_public_len,omitempty"`
	EventPrivateLen   int   `json:"event_private_len,omitempty"`
	EventLastReceived int64 `json:"event_last_received,omitempty"`
}

func listKey(list PersonList) []byte {
	return []byte{byte(list)}
}

// initPersonLists seeds metadata for the two well-known lists.
func (s *Storage) initPersonLists() error {
	return s.env.Update(func(txn *lmdb.Txn) error {
		seed := func(list PersonList, title string) error {
			_, err := txn.Get(s.personListsMeta, listKey(list))
			if err == nil {
				return nil
			}
			if !lmdb.IsNotFound(err) {
				return err
			}
			raw, err := json.Marshal(&PersonListMetadata{Title: title})
			if err != nil {
				return err
			}
			return txn.Put(s.personListsMeta, listKey(list), raw, 0)
		}
		if err := seed(ListFollowed, "Followed"); err != nil {
			return err
		}
		return seed(ListMuted, "Muted")
	})
}

// GetPersonListMetadata returns a list's metadata, or ErrListNotFound.
func (s *Storage) GetPersonListMetadata(list PersonList) (*PersonListMetadata, error) {
	var meta *PersonListMetadata
	err := s.env.View(func(txn *lmdb.Txn) error {
		raw, err := txn.Get(s.personListsMeta, listKey(list))
		if lmdb.IsNotFound(err) {
			return ErrListNotFound
		}
		if err != nil {
			return err
		}
		var m PersonListMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("failed to decode list metadata: %w", err)
		}
		meta = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// SetPersonListMetadata stores a list's metadata.
func (s *Storage) SetPersonListMetadata(list PersonList, meta *PersonListMetadata, txn *lmdb.Txn) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		return txn.Put(s.personListsMeta, listKey(list), raw, 0)
	})
}

// GetAllPersonListMetadata returns every allocated list.
func (s *Storage) GetAllPersonListMetadata() (map[PersonList]*PersonListMetadata, error) {
	out := make(map[PersonList]*PersonListMetadata)
	err := s.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(s.personListsMeta)
		if err != nil {
			return err
		}
		defer cur.Close()

		for {
			k, v, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(k) != 1 {
				continue
			}
			var m PersonListMetadata
			if jerr := json.Unmarshal(v, &m); jerr != nil {
				continue
			}
			out[PersonList(k[0])] = &m
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindPersonListByDTag locates a custom list by its "d" tag.
func (s *Storage) FindPersonListByDTag(dtag string) (PersonList, *PersonListMetadata, error) {
	all, err := s.GetAllPersonListMetadata()
	if err != nil {
		return 0, nil, err
	}
	for list, meta := range all {
		if meta.DTag == dtag {
			return list, meta, nil
		}
	}
	return 0, nil, ErrListNotFound
}

// AllocatePersonList assigns the next free list id.
func (s *Storage) AllocatePersonList(meta *PersonListMetadata, txn *lmdb.Txn) (PersonList, error) {
	all, err := s.GetAllPersonListMetadata()
	if err != nil {
		return 0, err
	}

	var list PersonList
	found := false
	for id := firstCustomList; id < maxPersonLists; id++ {
		if _, used := all[id]; !used {
			list = id
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("storage: no free person list slots")
	}

	if err := s.SetPersonListMetadata(list, meta, txn); err != nil {
		return 0, err
	}
	return list, nil
}

// DeallocatePersonList removes a custom list. The well-known lists cannot
// be deallocated.
func (s *Storage) DeallocatePersonList(list PersonList, txn *lmdb.Txn) error {
	if list < firstCustomList {
		return fmt.Errorf("storage: cannot deallocate a well-known list")
	}
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		if err := s.clearPersonListTxn(txn, list); err != nil {
			return err
		}
		err := txn.Del(s.personListsMeta, listKey(list), nil)
		if lmdb.IsNotFound(err) {
			return ErrListNotFound
		}
		return err
	})
}

// AddPersonToList adds a pubkey to a list, maintaining the per-person
// bitmap, the per-list reverse index, and the list's edit time and size.
func (s *Storage) AddPersonToList(pubkey string, list PersonList, public bool, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		if _, err := txn.Get(s.personListsMeta, listKey(list)); lmdb.IsNotFound(err) {
			return ErrListNotFound
		} else if err != nil {
			return err
		}

		if err := s.modifyPerson(pubkey, txn, func(p *Person) {
			p.Lists |= 1 << uint(list)
		}); err != nil {
			return err
		}

		flag := byte(0)
		if public {
			flag = 1
		}
		member := append(idBytes(pubkey), flag)

		// Replace any existing membership row so the public flag updates.
		existed := false
		other := append(idBytes(pubkey), 1-flag)
		if err := txn.Del(s.personLists, listKey(list), other); err == nil {
			existed = true
		} else if !lmdb.IsNotFound(err) {
			return err
		}
		if err := txn.Del(s.personLists, listKey(list), member); err == nil {
			existed = true
		} else if !lmdb.IsNotFound(err) {
			return err
		}
		if err := txn.Put(s.personLists, listKey(list), member, 0); err != nil {
			return err
		}

		return s.touchListMetadata(txn, list, func(m *PersonListMetadata) {
			if !existed {
				m.Len++
			}
		})
	})
}

// RemovePersonFromList removes a pubkey from a list, updating both sides
// and the list metadata.
func (s *Storage) RemovePersonFromList(pubkey string, list PersonList, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		if _, err := txn.Get(s.personListsMeta, listKey(list)); lmdb.IsNotFound(err) {
			return ErrListNotFound
		} else if err != nil {
			return err
		}

		if err := s.modifyPerson(pubkey, txn, func(p *Person) {
			p.Lists &^= 1 << uint(list)
		}); err != nil {
			return err
		}

		removed := false
		for _, flag := range []byte{0, 1} {
			member := append(idBytes(pubkey), flag)
			err := txn.Del(s.personLists, listKey(list), member)
			if err == nil {
				removed = true
			} else if !lmdb.IsNotFound(err) {
				return err
			}
		}

		return s.touchListMetadata(txn, list, func(m *PersonListMetadata) {
			if removed && m.Len > 0 {
				m.Len--
			}
		})
	})
}

func (s *Storage) touchListMetadata(txn *lmdb.Txn, list PersonList, fn func(*PersonListMetadata)) error {
	raw, err := txn.Get(s.personListsMeta, listKey(list))
	if lmdb.IsNotFound(err) {
		return ErrListNotFound
	}
	if err != nil {
		return err
	}
	var meta PersonListMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("failed to decode list metadata: %w", err)
	}
	fn(&meta)
	meta.LastEditTime = time.Now().Unix()
	out, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	return txn.Put(s.personListsMeta, listKey(list), out, 0)
}

// ListMember is one entry of a person list.
type ListMember struct {
	Pubkey string
	Public bool
}

// GetPeopleInList returns the members of a list.
func (s *Storage) GetPeopleInList(list PersonList) ([]ListMember, error) {
	var out []ListMember
	err := s.env.View(func(txn *lmdb.Txn) error {
		vals, err := dupValues(txn, s.personLists, listKey(list))
		if err != nil {
			return err
		}
		for _, v := range vals {
			if len(v) != 33 {
				continue
			}
			out = append(out, ListMember{
				Pubkey: fmtID(v[:32]),
				Public: v[32] == 1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetFollowedPubkeys returns the members of the Followed list.
func (s *Storage) GetFollowedPubkeys() ([]string, error) {
	members, err := s.GetPeopleInList(ListFollowed)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Pubkey)
	}
	return out, nil
}

// IsPersonInList reports membership via the person's bitmap.
func (s *Storage) IsPersonInList(pubkey string, list PersonList) (bool, error) {
	person, err := s.ReadPerson(pubkey)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return person.InList(list), nil
}

// ClearPersonList removes every member of a list.
func (s *Storage) ClearPersonList(list PersonList, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		return s.clearPersonListTxn(txn, list)
	})
}

func (s *Storage) clearPersonListTxn(txn *lmdb.Txn, list PersonList) error {
	vals, err := dupValues(txn, s.personLists, listKey(list))
	if err != nil {
		return err
	}
	for _, v := range vals {
		if len(v) != 33 {
			continue
		}
		if err := s.modifyPerson(fmtID(v[:32]), txn, func(p *Person) {
			p.Lists &^= 1 << uint(list)
		}); err != nil {
			return err
		}
		if err := txn.Del(s.personLists, listKey(list), v); err != nil && !lmdb.IsNotFound(err) {
			return err
		}
	}
	return s.touchListMetadata(txn, list, func(m *PersonListMetadata) {
		m.Len = 0
	})
}
