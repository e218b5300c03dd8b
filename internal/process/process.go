// Package process is the ingest pipeline: it validates inbound events,
// writes them to storage, derives relationships between events, and applies
// the kind-specific side effects (profiles, contact lists, relay lists).
package process

import (
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/storage"
)

var (
	ErrBadID        = errors.New("process: event id does not match its hash")
	ErrBadSignature = errors.New("process: event signature is invalid")
	ErrFromFuture   = errors.New("process: event is too far in the future")
)

// EventHandler is notified after an event has been ingested.
type EventHandler func(*nostr.Event)

// Processor drains inbound events into storage.
type Processor struct {
	storage  *storage.Storage
	log      *ops.Logger
	handlers []EventHandler
}

// AddEventHandler registers a post-ingest hook.
func (p *Processor) AddEventHandler(handler EventHandler) {
	if handler != nil {
		p.handlers = append(p.handlers, handler)
	}
}

// New creates a processor.
func New(st *storage.Storage, log *ops.Logger) *Processor {
	return &Processor{
		storage: st,
		log:     log.WithComponent("process"),
	}
}

// ProcessEvent validates and ingests one event. seenOn is the normalized
// relay URL the event arrived from ("" for locally-authored events).
// Validation failures return an error and leave storage untouched; storage
// errors also propagate. A replaceable event superseded by a newer stored
// version is not an error: its sighting is still recorded and its
// relationships still derived.
func (p *Processor) ProcessEvent(event *nostr.Event, seenOn string) error {
	if event.GetID() != event.ID {
		return ErrBadID
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		return ErrBadSignature
	}

	now := time.Now().Unix()
	allowance := p.storage.ReadSettingInt(storage.SettingFutureAllowanceSecs)
	if int64(event.CreatedAt) > now+allowance {
		return ErrFromFuture
	}

	stored := true
	if nostrx.IsReplaceable(event.Kind) {
		err := p.storage.ReplaceEvent(event, nil)
		if err == storage.ErrNotLatest {
			stored = false
		} else if err != nil {
			return err
		}
	} else {
		if err := p.storage.WriteEvent(event, nil); err != nil {
			return err
		}
	}

	if seenOn != "" {
		if err := p.storage.AddEventSeenOnRelay(event.ID, seenOn, now, nil); err != nil {
			return err
		}
		if err := p.storage.WritePersonIfMissing(event.PubKey, nil); err != nil {
			return err
		}
		if err := p.storage.ModifyPersonRelay(event.PubKey, seenOn, nil, func(pr *storage.PersonRelay) {
			pr.LastFetched = now
		}); err != nil {
			return err
		}
	}

	if err := p.deriveRelationships(event, now); err != nil {
		return err
	}

	if err := p.applyKindSideEffects(event, stored, now); err != nil {
		return err
	}

	for _, handler := range p.handlers {
		handler(event)
	}

	return nil
}

// deriveRelationships records the relationship rows an event implies. It
// is also invoked by RebuildRelationships, so it must be idempotent — the
// DupSort tables absorb repeats.
func (p *Processor) deriveRelationships(event *nostr.Event, now int64) error {
	// Relay hints riding on e and p tags feed the relay tables.
	for _, tag := range event.Tags {
		if len(tag) < 3 || tag[2] == "" {
			continue
		}
		url, err := nostrx.NormalizeRelayURL(tag[2])
		if err != nil {
			continue
		}
		switch tag[0] {
		case "e":
			if err := p.storage.WriteRelayIfMissing(url, nil); err != nil {
				return err
			}
		case "p":
			if len(tag[1]) != 64 {
				continue
			}
			if err := p.storage.ModifyPersonRelay(tag[1], url, nil, func(pr *storage.PersonRelay) {
				pr.LastSuggestedByTag = now
			}); err != nil {
				return err
			}
		}
	}

	switch event.Kind {
	case nostrx.KindDeletion:
		reason := event.Content
		for _, tag := range event.Tags {
			if len(tag) < 2 {
				continue
			}
			switch tag[0] {
			case "e":
				// Author agreement is checked at query time, so a bogus
				// deletion row is harmless.
				if err := p.storage.AddRelationshipByID(tag[1], event.ID, storage.Relationship{
					Type:   storage.RelDeletion,
					By:     event.PubKey,
					Reason: reason,
				}, nil); err != nil {
					return err
				}
			case "a":
				addr, ok := storage.ParseEventAddr(tag[1])
				if !ok {
					continue
				}
				if err := p.storage.AddRelationshipByAddr(addr, event.ID, storage.Relationship{
					Type:   storage.RelDeletion,
					By:     event.PubKey,
					Reason: reason,
				}, nil); err != nil {
					return err
				}
			}
		}

	case nostrx.KindReaction:
		target := reactionTarget(event)
		if target == "" {
			return nil
		}
		symbol := "+"
		if event.Content != "" {
			symbol = string([]rune(event.Content)[0])
		}
		return p.storage.AddRelationshipByID(target, event.ID, storage.Relationship{
			Type:   storage.RelReaction,
			By:     event.PubKey,
			Symbol: symbol,
		}, nil)

	case nostrx.KindZapReceipt:
		target, sender, millisats := parseZapReceipt(event)
		if target == "" {
			return nil
		}
		return p.storage.AddRelationshipByID(target, event.ID, storage.Relationship{
			Type:      storage.RelZapReceipt,
			By:        sender,
			Millisats: millisats,
		}, nil)

	case nostrx.KindRepost:
		for _, tag := range event.Tags {
			if len(tag) >= 2 && tag[0] == "e" {
				if err := p.storage.AddRelationshipByID(tag[1], event.ID, storage.Relationship{
					Type: storage.RelMention,
				}, nil); err != nil {
					return err
				}
			}
		}

	default:
		if !threadableKind(event.Kind) {
			return nil
		}
		refs := nostrx.ParseThreadRefs(event)
		if refs.ReplyToID != "" {
			if err := p.storage.AddRelationshipByID(refs.ReplyToID, event.ID, storage.Relationship{
				Type: storage.RelReply,
			}, nil); err != nil {
				return err
			}
		}
		if refs.RootID != "" && refs.RootID != refs.ReplyToID {
			if err := p.storage.AddRelationshipByID(refs.RootID, event.ID, storage.Relationship{
				Type: storage.RelReply,
			}, nil); err != nil {
				return err
			}
		}
		for _, id := range refs.MentionIDs {
			if err := p.storage.AddRelationshipByID(id, event.ID, storage.Relationship{
				Type: storage.RelMention,
			}, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

func threadableKind(kind int) bool {
	return kind == nostrx.KindTextNote || kind == nostrx.KindLongFormContent
}

// reactionTarget picks the event a kind-7 reacts to: the last e tag.
func reactionTarget(event *nostr.Event) string {
	target := ""
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			target = tag[1]
		}
	}
	return target
}

// parseZapReceipt extracts the zapped event, the zap sender and the amount
// from a kind-9735 receipt. The description tag holds the original zap
// request; its amount tag is in millisats. Best effort: a missing amount
// yields 0.
func parseZapReceipt(event *nostr.Event) (target, sender string, millisats int64) {
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			target = tag[1]
		case "description":
			request := gjson.Parse(tag[1])
			sender = request.Get("pubkey").String()
			request.Get("tags").ForEach(func(_, t gjson.Result) bool {
				arr := t.Array()
				if len(arr) >= 2 && arr[0].String() == "amount" {
					millisats = arr[1].Int()
					return false
				}
				return true
			})
		}
	}
	if sender == "" {
		sender = event.PubKey
	}
	return target, sender, millisats
}

// applyKindSideEffects handles the per-kind updates to people and relays.
// Relay lists only apply when the event actually became the stored version;
// metadata and the local user's contact list are guarded by their own
// created-at watermarks instead.
func (p *Processor) applyKindSideEffects(event *nostr.Event, stored bool, now int64) error {
	localUser := p.storage.ReadPublicKey()

	switch event.Kind {
	case nostrx.KindMetadata:
		return p.storage.UpdatePersonMetadata(
			event.PubKey, event.Content, int64(event.CreatedAt), now, nil)

	case nostrx.KindContactList:
		if localUser != "" && event.PubKey == localUser {
			return p.processOwnContactList(event, now)
		}
		return p.processContactList(event, now)

	case nostrx.KindRelayList:
		if !stored {
			return nil
		}
		return p.processRelayList(event, localUser, now)

	case nostrx.KindRecommendRelay:
		url, err := nostrx.NormalizeRelayURL(event.Content)
		if err != nil {
			return nil
		}
		return p.storage.ModifyPersonRelay(event.PubKey, url, nil, func(pr *storage.PersonRelay) {
			pr.LastSuggestedKind2 = int64(event.CreatedAt)
		})
	}

	return nil
}

// processContactList handles somebody else's kind 3: watermarks, p-tag
// relay hints, and the legacy relay map some clients keep in the content.
func (p *Processor) processContactList(event *nostr.Event, now int64) error {
	if err := p.storage.TouchContactList(event.PubKey, int64(event.CreatedAt), now, nil); err != nil {
		return err
	}

	for _, tag := range event.Tags {
		if len(tag) < 3 || tag[0] != "p" || len(tag[1]) != 64 || tag[2] == "" {
			continue
		}
		url, err := nostrx.NormalizeRelayURL(tag[2])
		if err != nil {
			continue
		}
		if err := p.storage.ModifyPersonRelay(tag[1], url, nil, func(pr *storage.PersonRelay) {
			pr.LastSuggestedContact = now
		}); err != nil {
			return err
		}
	}

	// The statement timestamp is undirected, so only write-side entries
	// are recorded from the content map.
	for _, hint := range nostrx.ParseContactRelayMap(event.Content) {
		if !hint.CanWrite {
			continue
		}
		if err := p.storage.ModifyPersonRelay(event.PubKey, hint.Relay, nil, func(pr *storage.PersonRelay) {
			pr.LastSuggestedStatement = int64(event.CreatedAt)
		}); err != nil {
			return err
		}
	}

	return nil
}

// processOwnContactList replaces (or merges into) the Followed list from
// the local user's own kind 3, respecting the created-at watermark.
func (p *Processor) processOwnContactList(event *nostr.Event, now int64) error {
	person, err := p.storage.ReadPerson(event.PubKey)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if person != nil && int64(event.CreatedAt) <= person.ContactListCreatedAt {
		return nil // outdated copy
	}

	if err := p.storage.TouchContactList(event.PubKey, int64(event.CreatedAt), now, nil); err != nil {
		return err
	}

	merge := p.storage.ReadSettingBool(storage.FlagFollowingMerge)
	if !merge {
		if err := p.storage.ClearPersonList(storage.ListFollowed, nil); err != nil {
			return err
		}
	}

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" || len(tag[1]) != 64 {
			continue
		}
		pubkey := tag[1]

		if err := p.storage.AddPersonToList(pubkey, storage.ListFollowed, true, nil); err != nil {
			return err
		}

		if len(tag) >= 3 && tag[2] != "" {
			if url, err := nostrx.NormalizeRelayURL(tag[2]); err == nil {
				if err := p.storage.ModifyPersonRelay(pubkey, url, nil, func(pr *storage.PersonRelay) {
					pr.LastSuggestedContact = now
				}); err != nil {
					return err
				}
			}
		}

		if len(tag) >= 4 && tag[3] != "" {
			if err := p.storage.SetPersonPetname(pubkey, tag[3], nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// processRelayList applies a kind-10002 relay list: the author's signed
// read/write claims, and — when the author is the local user — the local
// INBOX/OUTBOX usage bits.
func (p *Processor) processRelayList(event *nostr.Event, localUser string, now int64) error {
	hints, err := nostrx.ParseRelayHints(event)
	if err != nil {
		return err
	}

	var readRelays, writeRelays []string
	for _, hint := range hints {
		if hint.CanRead {
			readRelays = append(readRelays, hint.Relay)
		}
		if hint.CanWrite {
			writeRelays = append(writeRelays, hint.Relay)
		}
	}

	if err := p.storage.SetPersonRelayList(event.PubKey, readRelays, writeRelays, nil); err != nil {
		return err
	}
	if err := p.storage.TouchRelayList(event.PubKey, int64(event.CreatedAt), now, nil); err != nil {
		return err
	}

	if localUser != "" && event.PubKey == localUser {
		// Clear old inbox/outbox bits, then set per the new list.
		relays, err := p.storage.FilterRelays(func(r *storage.Relay) bool {
			return r.HasUsageBits(storage.RelayUsageInbox) || r.HasUsageBits(storage.RelayUsageOutbox)
		})
		if err != nil {
			return err
		}
		for _, r := range relays {
			if err := p.storage.ModifyRelay(r.URL, nil, func(relay *storage.Relay) {
				relay.UsageBits &^= storage.RelayUsageInbox | storage.RelayUsageOutbox
			}); err != nil {
				return err
			}
		}
		for _, hint := range hints {
			bits := uint64(0)
			if hint.CanRead {
				bits |= storage.RelayUsageInbox
			}
			if hint.CanWrite {
				bits |= storage.RelayUsageOutbox
			}
			if err := p.storage.ModifyRelay(hint.Relay, nil, func(relay *storage.Relay) {
				relay.UsageBits |= bits
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// RebuildRelationships clears the relationship tables and re-derives them
// from every stored event.
func (p *Processor) RebuildRelationships() error {
	if err := p.storage.ClearRelationships(nil); err != nil {
		return err
	}
	now := time.Now().Unix()
	return p.storage.ForEachEvent(func(event *nostr.Event) error {
		if err := p.deriveRelationships(event, now); err != nil {
			p.log.Warn("failed to derive relationships", "event", event.ID, "error", err)
		}
		return nil
	})
}
