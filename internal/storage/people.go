package storage

import (
	"encoding/json"
	"fmt"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/tidwall/gjson"
)

// Person is everything we know about a pubkey.
type Person struct {
	Pubkey string `json:"pubkey"`

	// Profile metadata from their latest kind-0 event.
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Nip05   string `json:"nip05,omitempty"`
	Lud06   string `json:"lud06,omitempty"`
	Lud16   string `json:"lud16,omitempty"`

	// Petname is the local alias, typically from our contact list.
	Petname string `json:"petname,omitempty"`

	MetadataCreatedAt  int64 `json:"metadata_created_at,omitempty"`
	MetadataReceivedAt int64 `json:"metadata_received_at,omitempty"`

	ContactListCreatedAt    int64 `json:"contact_list_created_at,omitempty"`
	ContactListLastReceived int64 `json:"contact_list_last_received,omitempty"`

	RelayListCreatedAt    int64 `json:"relay_list_created_at,omitempty"`
	RelayListLastReceived int64 `json:"relay_list_last_received,omitempty"`

	// Lists is a bitmap of person-list membership, bit n = list id n.
	Lists uint64 `json:"lists,omitempty"`
}

// InList reports membership in the given person list.
func (p *Person) InList(list PersonList) bool {
	return p.Lists&(1<<uint(list)) != 0
}

// ReadPerson returns the person, or ErrNotFound.
func (s *Storage) ReadPerson(pubkey string) (*Person, error) {
	var person *Person
	err := s.env.View(func(txn *lmdb.Txn) error {
		raw, err := txn.Get(s.people, idBytes(pubkey))
		if lmdb.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var p Person
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("failed to decode person: %w", err)
		}
		person = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return person, nil
}

// WritePerson stores the person record.
func (s *Storage) WritePerson(person *Person, txn *lmdb.Txn) error {
	raw, err := json.Marshal(person)
	if err != nil {
		return err
	}
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		return txn.Put(s.people, idBytes(person.Pubkey), raw, 0)
	})
}

// WritePersonIfMissing creates a default record on first sighting.
func (s *Storage) WritePersonIfMissing(pubkey string, txn *lmdb.Txn) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		_, err := txn.Get(s.people, idBytes(pubkey))
		if err == nil {
			return nil
		}
		if !lmdb.IsNotFound(err) {
			return err
		}
		raw, err := json.Marshal(&Person{Pubkey: pubkey})
		if err != nil {
			return err
		}
		return txn.Put(s.people, idBytes(pubkey), raw, 0)
	})
}

// modifyPerson reads (or creates) the person and writes back fn's changes,
// all under one transaction.
func (s *Storage) modifyPerson(pubkey string, txn *lmdb.Txn, fn func(*Person)) error {
	return s.inTxn(txn, func(txn *lmdb.Txn) error {
		person := &Person{Pubkey: pubkey}
		if raw, err := txn.Get(s.people, idBytes(pubkey)); err == nil {
			if jerr := json.Unmarshal(raw, person); jerr != nil {
				return fmt.Errorf("failed to decode person: %w", jerr)
			}
		} else if !lmdb.IsNotFound(err) {
			return err
		}

		fn(person)

		raw, err := json.Marshal(person)
		if err != nil {
			return err
		}
		return txn.Put(s.people, idBytes(pubkey), raw, 0)
	})
}

// UpdatePersonMetadata applies a kind-0 metadata event's content, respecting
// the created-at watermark so an older profile never clobbers a newer one.
func (s *Storage) UpdatePersonMetadata(pubkey, content string, createdAt, receivedAt int64, txn *lmdb.Txn) error {
	return s.modifyPerson(pubkey, txn, func(p *Person) {
		p.MetadataReceivedAt = receivedAt
		if createdAt < p.MetadataCreatedAt {
			return
		}
		p.MetadataCreatedAt = createdAt
		p.Name = gjson.Get(content, "name").String()
		p.About = gjson.Get(content, "about").String()
		p.Picture = gjson.Get(content, "picture").String()
		p.Nip05 = gjson.Get(content, "nip05").String()
		p.Lud06 = gjson.Get(content, "lud06").String()
		p.Lud16 = gjson.Get(content, "lud16").String()
	})
}

// SetPersonPetname sets the local alias for a pubkey.
func (s *Storage) SetPersonPetname(pubkey, petname string, txn *lmdb.Txn) error {
	return s.modifyPerson(pubkey, txn, func(p *Person) {
		p.Petname = petname
	})
}

// TouchContactList updates the contact-list watermarks for an author.
func (s *Storage) TouchContactList(pubkey string, createdAt, receivedAt int64, txn *lmdb.Txn) error {
	return s.modifyPerson(pubkey, txn, func(p *Person) {
		p.ContactListLastReceived = receivedAt
		if createdAt > p.ContactListCreatedAt {
			p.ContactListCreatedAt = createdAt
		}
	})
}

// TouchRelayList updates the relay-list watermarks for an author.
func (s *Storage) TouchRelayList(pubkey string, createdAt, receivedAt int64, txn *lmdb.Txn) error {
	return s.modifyPerson(pubkey, txn, func(p *Person) {
		p.RelayListLastReceived = receivedAt
		if createdAt > p.RelayListCreatedAt {
			p.RelayListCreatedAt = createdAt
		}
	})
}

// FilterPeople returns every person passing f.
func (s *Storage) FilterPeople(f func(*Person) bool) ([]*Person, error) {
	var out []*Person
	err := s.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(s.people)
		if err != nil {
			return err
		}
		defer cur.Close()

		for {
			_, raw, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			var p Person
			if jerr := json.Unmarshal(raw, &p); jerr != nil {
				continue
			}
			if f == nil || f(&p) {
				clone := p
				out = append(out, &clone)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
