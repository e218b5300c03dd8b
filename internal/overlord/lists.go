package overlord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/signer"
	"github.com/sandwichfarm/murmur/internal/storage"
)

// publishPersonList publishes a person list as a kind 30000 follow set:
// public members as p tags, private members NIP-44 self-encrypted into the
// content.
func (o *Overlord) publishPersonList(ctx context.Context, list storage.PersonList) error {
	meta, err := o.storage.GetPersonListMetadata(list)
	if err != nil {
		return err
	}

	members, err := o.storage.GetPeopleInList(list)
	if err != nil {
		return err
	}

	tags := nostr.Tags{}
	dtag := meta.DTag
	if dtag == "" {
		dtag = meta.Title
	}
	tags = append(tags, nostr.Tag{"d", dtag})
	tags = append(tags, nostr.Tag{"title", meta.Title})

	var private nostr.Tags
	publicLen, privateLen := 0, 0
	for _, member := range members {
		if member.Public && !meta.Private {
			tags = append(tags, nostr.Tag{"p", member.Pubkey})
			publicLen++
		} else {
			private = append(private, nostr.Tag{"p", member.Pubkey})
			privateLen++
		}
	}

	content := ""
	if len(private) > 0 {
		kr, err := o.signer.Keyer()
		if err != nil {
			return err
		}
		plaintext, err := json.Marshal(private)
		if err != nil {
			return err
		}
		me := o.signer.PublicKey()
		content, err = kr.Encrypt(ctx, string(plaintext), me)
		if err != nil {
			return fmt.Errorf("failed to encrypt private members: %w", err)
		}
	}

	event, err := o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindFollowSets,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return err
	}

	meta.DTag = dtag
	meta.EventCreatedAt = int64(event.CreatedAt)
	meta.EventPublicLen = publicLen
	meta.EventPrivateLen = privateLen
	if err := o.storage.SetPersonListMetadata(list, meta, nil); err != nil {
		return err
	}

	o.status("published list %q (%d public, %d private)", meta.Title, publicLen, privateLen)
	return nil
}

// ImportPersonListEvent merges a received follow-set event into the local
// list with the matching d tag, decrypting private members when the key
// allows. Called by the engine when a pulled list arrives.
func (o *Overlord) ImportPersonListEvent(ctx context.Context, event *nostr.Event) error {
	if event.Kind != nostrx.KindFollowSets {
		return fmt.Errorf("overlord: expected kind %d, got %d", nostrx.KindFollowSets, event.Kind)
	}

	dtag := ""
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			dtag = tag[1]
			break
		}
	}
	list, meta, err := o.storage.FindPersonListByDTag(dtag)
	if err == storage.ErrListNotFound {
		list, err = o.storage.AllocatePersonList(&storage.PersonListMetadata{
			Title: dtag,
			DTag:  dtag,
		}, nil)
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if meta != nil && meta.EventCreatedAt >= int64(event.CreatedAt) {
		return nil // we already have this version or newer
	}

	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && len(tag[1]) == 64 {
			if err := o.storage.AddPersonToList(tag[1], list, true, nil); err != nil {
				return err
			}
		}
	}

	if event.Content != "" {
		if kr, err := o.signer.Keyer(); err == nil {
			me := o.signer.PublicKey()
			if plaintext, derr := kr.Decrypt(ctx, event.Content, me); derr == nil {
				var private nostr.Tags
				if json.Unmarshal([]byte(plaintext), &private) == nil {
					for _, tag := range private {
						if len(tag) >= 2 && tag[0] == "p" && len(tag[1]) == 64 {
							if err := o.storage.AddPersonToList(tag[1], list, false, nil); err != nil {
								return err
							}
						}
					}
				}
			}
		}
	}

	updated, err := o.storage.GetPersonListMetadata(list)
	if err != nil {
		return err
	}
	updated.EventCreatedAt = int64(event.CreatedAt)
	updated.EventLastReceived = time.Now().Unix()
	return o.storage.SetPersonListMetadata(list, updated, nil)
}
