package storage

import (
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
)

// DmChannel identifies a direct-message conversation by its sorted set of
// participant pubkeys (excluding nobody; the local user is a participant).
type DmChannel struct {
	key string
}

// DmChannelFromPubkeys builds the channel for a set of participants.
func DmChannelFromPubkeys(pubkeys []string) DmChannel {
	unique := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		unique[pk] = struct{}{}
	}
	sorted := make([]string, 0, len(unique))
	for pk := range unique {
		sorted = append(sorted, pk)
	}
	sort.Strings(sorted)
	return DmChannel{key: strings.Join(sorted, ",")}
}

// Pubkeys returns the channel's participants.
func (c DmChannel) Pubkeys() []string {
	if c.key == "" {
		return nil
	}
	return strings.Split(c.key, ",")
}

// dmChannelForEvent derives the channel for a DM event as seen by the
// local user: author plus every p-tagged pubkey. Gift wraps must already
// be unwrapped to their rumor. Returns false when the local user is not a
// participant.
func dmChannelForEvent(event *nostr.Event, localUser string) (DmChannel, bool) {
	participants := []string{event.PubKey}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && len(tag[1]) == 64 {
			participants = append(participants, tag[1])
		}
	}

	involved := false
	for _, pk := range participants {
		if pk == localUser {
			involved = true
			break
		}
	}
	if !involved {
		return DmChannel{}, false
	}
	return DmChannelFromPubkeys(participants), true
}

// DmChannelData summarizes one conversation.
type DmChannelData struct {
	Channel              DmChannel
	LatestMessageAt      int64
	MessageCount         int
	UnreadMessageCount   int
}

// dmEvent resolves a stored DM event to the event whose author and tags
// define the channel: the rumor for gift wraps, the event itself otherwise.
// Returns nil when a gift wrap cannot be opened.
func (s *Storage) dmEvent(event *nostr.Event) *nostr.Event {
	if event.Kind != nostrx.KindGiftWrap {
		return event
	}
	u := s.getUnwrapper()
	if u == nil {
		return nil
	}
	rumor, err := u.UnwrapGiftWrap(event)
	if err != nil {
		return nil
	}
	clone := *rumor
	clone.ID = event.ID
	clone.CreatedAt = rumor.CreatedAt
	return &clone
}

// DmChannels lists the local user's conversations, newest first.
func (s *Storage) DmChannels() ([]*DmChannelData, error) {
	localUser := s.ReadPublicKey()
	if localUser == "" {
		return nil, nil
	}

	events, err := s.FindEvents(
		[]int{nostrx.KindEncryptedDM, nostrx.KindGiftWrap},
		nil, 0, nil, false)
	if err != nil {
		return nil, err
	}

	channels := make(map[DmChannel]*DmChannelData)
	for _, stored := range events {
		event := s.dmEvent(stored)
		if event == nil {
			continue
		}
		channel, ok := dmChannelForEvent(event, localUser)
		if !ok {
			continue
		}

		unread := 0
		if event.PubKey != localUser {
			viewed, err := s.IsEventViewed(stored.ID)
			if err != nil {
				return nil, err
			}
			if !viewed {
				unread = 1
			}
		}

		data := channels[channel]
		if data == nil {
			data = &DmChannelData{Channel: channel}
			channels[channel] = data
		}
		data.MessageCount++
		data.UnreadMessageCount += unread
		if int64(event.CreatedAt) > data.LatestMessageAt {
			data.LatestMessageAt = int64(event.CreatedAt)
		}
	}

	out := make([]*DmChannelData, 0, len(channels))
	for _, data := range channels {
		out = append(out, data)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LatestMessageAt != out[j].LatestMessageAt {
			return out[i].LatestMessageAt > out[j].LatestMessageAt
		}
		return out[i].UnreadMessageCount > out[j].UnreadMessageCount
	})
	return out, nil
}

// DmEvents returns the ids of a channel's messages, newest first.
func (s *Storage) DmEvents(channel DmChannel) ([]string, error) {
	localUser := s.ReadPublicKey()
	if localUser == "" {
		return nil, nil
	}

	events, err := s.FindEvents(
		[]int{nostrx.KindEncryptedDM, nostrx.KindGiftWrap},
		nil, 0, nil, false)
	if err != nil {
		return nil, err
	}

	type entry struct {
		id        string
		createdAt int64
	}
	var matches []entry
	for _, stored := range events {
		event := s.dmEvent(stored)
		if event == nil {
			continue
		}
		ch, ok := dmChannelForEvent(event, localUser)
		if !ok || ch != channel {
			continue
		}
		matches = append(matches, entry{id: stored.ID, createdAt: int64(event.CreatedAt)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].createdAt != matches[j].createdAt {
			return matches[i].createdAt > matches[j].createdAt
		}
		return matches[i].id > matches[j].id
	})

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.id)
	}
	return out, nil
}
