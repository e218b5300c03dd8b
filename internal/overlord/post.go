package overlord

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/murmur/internal/comms"
	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/signer"
	"github.com/sandwichfarm/murmur/internal/storage"
)

// resolveFollowTarget accepts hex, npub or nprofile identifiers and
// returns the pubkey plus any relay hints carried by the form.
func resolveFollowTarget(identifier string) (pubkey string, relays []string, err error) {
	identifier = strings.TrimSpace(identifier)

	if strings.HasPrefix(identifier, "nprofile1") {
		prefix, value, derr := nip19.Decode(identifier)
		if derr != nil {
			return "", nil, fmt.Errorf("invalid nprofile: %w", derr)
		}
		if prefix != "nprofile" {
			return "", nil, fmt.Errorf("expected nprofile, got %s", prefix)
		}
		pointer, ok := value.(nostr.ProfilePointer)
		if !ok {
			return "", nil, fmt.Errorf("unexpected nprofile payload")
		}
		return pointer.PublicKey, pointer.Relays, nil
	}

	pubkey, err = nostrx.NormalizePubkey(identifier)
	if err != nil {
		return "", nil, err
	}
	return pubkey, nil, nil
}

// signAndBroadcast signs a pre-event with the configured proof-of-work,
// runs it through the local processor, and posts it to every WRITE relay.
func (o *Overlord) signAndBroadcast(ctx context.Context, pre signer.PreEvent) (*nostr.Event, error) {
	pow := int(o.storage.ReadSettingInt(storage.SettingPow))
	event, err := o.signer.SignPreEvent(pre, pow)
	if err != nil {
		return nil, err
	}

	// Our own events go through the same pipeline as inbound ones.
	if err := o.processor.ProcessEvent(event, ""); err != nil {
		return nil, err
	}

	if err := o.postToWriteRelays(ctx, comms.MinionPayload{
		Kind:  comms.MinionPostEvent,
		Event: event,
	}); err != nil {
		return nil, err
	}
	return event, nil
}

func (o *Overlord) postText(ctx context.Context, content string, tags nostr.Tags) error {
	event, err := o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindTextNote,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return err
	}
	o.status("posted %s", event.ID)
	return nil
}

// postReply builds the NIP-10 tags for a reply: root and reply e-tag
// markers, and the parent's p tags inherited (de-duplicated, excluding
// ourselves) plus the parent's author.
func (o *Overlord) postReply(ctx context.Context, content, replyTo string, extraTags nostr.Tags) error {
	parentID, err := nostrx.NormalizeEventID(replyTo)
	if err != nil {
		return err
	}
	parent, err := o.storage.ReadEvent(parentID)
	if err != nil {
		return fmt.Errorf("cannot reply to unknown event: %w", err)
	}

	me := o.signer.PublicKey()
	tags := nostr.Tags{}

	refs := nostrx.ParseThreadRefs(parent)
	if refs.RootID != "" {
		tags = append(tags, nostr.Tag{"e", refs.RootID, "", "root"})
		tags = append(tags, nostr.Tag{"e", parentID, "", "reply"})
	} else {
		// The parent is the thread root.
		tags = append(tags, nostr.Tag{"e", parentID, "", "root"})
	}

	seen := map[string]bool{me: true}
	addP := func(pubkey string) {
		if len(pubkey) != 64 || seen[pubkey] {
			return
		}
		seen[pubkey] = true
		tags = append(tags, nostr.Tag{"p", pubkey})
	}
	addP(parent.PubKey)
	for _, tag := range parent.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			addP(tag[1])
		}
	}

	tags = append(tags, extraTags...)

	event, err := o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindTextNote,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return err
	}
	o.status("replied with %s", event.ID)
	return nil
}

func (o *Overlord) postLike(ctx context.Context, id string) error {
	targetID, err := nostrx.NormalizeEventID(id)
	if err != nil {
		return err
	}
	target, err := o.storage.ReadEvent(targetID)
	if err != nil {
		return fmt.Errorf("cannot react to unknown event: %w", err)
	}

	_, err = o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindReaction,
		CreatedAt: time.Now().Unix(),
		Tags: nostr.Tags{
			{"e", target.ID},
			{"p", target.PubKey},
		},
		Content: "+",
	})
	return err
}

// postRepost wraps the reposted event JSON in a kind 6 per NIP-18.
func (o *Overlord) postRepost(ctx context.Context, id string) error {
	targetID, err := nostrx.NormalizeEventID(id)
	if err != nil {
		return err
	}
	target, err := o.storage.ReadEvent(targetID)
	if err != nil {
		return fmt.Errorf("cannot repost unknown event: %w", err)
	}

	raw, err := json.Marshal(target)
	if err != nil {
		return err
	}

	_, err = o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindRepost,
		CreatedAt: time.Now().Unix(),
		Tags: nostr.Tags{
			{"e", target.ID},
			{"p", target.PubKey},
		},
		Content: string(raw),
	})
	return err
}

// postDeletion issues a kind 5 against one of our own events.
func (o *Overlord) postDeletion(ctx context.Context, id, reason string) error {
	targetID, err := nostrx.NormalizeEventID(id)
	if err != nil {
		return err
	}
	target, err := o.storage.ReadEvent(targetID)
	if err != nil {
		return fmt.Errorf("cannot delete unknown event: %w", err)
	}
	if target.PubKey != o.signer.PublicKey() {
		return fmt.Errorf("overlord: refusing to delete an event we did not author")
	}

	_, err = o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindDeletion,
		CreatedAt: time.Now().Unix(),
		Tags:      nostr.Tags{{"e", target.ID}},
		Content:   reason,
	})
	if err != nil {
		return err
	}

	// We no longer desire the event locally either.
	return o.storage.DeleteEvent(target.ID, nil)
}

// pushMetadata publishes the profile JSON as a kind 0.
func (o *Overlord) pushMetadata(ctx context.Context, profileJSON string) error {
	_, err := o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindMetadata,
		CreatedAt: time.Now().Unix(),
		Content:   profileJSON,
	})
	return err
}

// advertiseRelayList publishes our kind 10002 from the relay usage bits.
func (o *Overlord) advertiseRelayList(ctx context.Context) error {
	relays, err := o.storage.FilterRelays(func(r *storage.Relay) bool {
		return !r.Hidden && r.HasUsageBits(storage.RelayUsageAdvertise)
	})
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		// Fall back to the read/write preferences.
		relays, err = o.storage.FilterRelays(func(r *storage.Relay) bool {
			return !r.Hidden && (r.HasUsageBits(storage.RelayUsageRead) || r.HasUsageBits(storage.RelayUsageWrite))
		})
		if err != nil {
			return err
		}
	}

	tags := nostr.Tags{}
	for _, r := range relays {
		read := r.HasUsageBits(storage.RelayUsageRead)
		write := r.HasUsageBits(storage.RelayUsageWrite)
		switch {
		case read && write:
			tags = append(tags, nostr.Tag{"r", r.URL})
		case read:
			tags = append(tags, nostr.Tag{"r", r.URL, "read"})
		case write:
			tags = append(tags, nostr.Tag{"r", r.URL, "write"})
		}
	}
	if len(tags) == 0 {
		return fmt.Errorf("overlord: no relays to advertise")
	}

	_, err = o.signAndBroadcast(ctx, signer.PreEvent{
		Kind:      nostrx.KindRelayList,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
	})
	return err
}
