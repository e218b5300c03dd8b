package nostr

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// RelayHint is one entry of an author's declared relay list (NIP-65 kind
// 10002, or the legacy relay map inside kind-3 content).
type RelayHint struct {
	Pubkey    string
	Relay     string
	CanRead   bool
	CanWrite  bool
	Freshness int64
}

// ParseRelayHints extracts relay hints from a kind 10002 relay-list event.
// An r tag with no marker declares both read and write.
func ParseRelayHints(event *nostr.Event) ([]*RelayHint, error) {
	if event.Kind != KindRelayList {
		return nil, fmt.Errorf("expected kind %d, got %d", KindRelayList, event.Kind)
	}

	var hints []*RelayHint
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		u, err := NormalizeRelayURL(tag[1])
		if err != nil {
			continue
		}

		hint := &RelayHint{
			Pubkey:    event.PubKey,
			Relay:     u,
			Freshness: int64(event.CreatedAt),
		}
		if len(tag) >= 3 {
			switch tag[2] {
			case "read":
				hint.CanRead = true
			case "write":
				hint.CanWrite = true
			default:
				hint.CanRead = true
				hint.CanWrite = true
			}
		} else {
			hint.CanRead = true
			hint.CanWrite = true
		}
		hints = append(hints, hint)
	}

	return hints, nil
}

// ParseContactRelayMap parses the legacy relay map some clients store as
// kind-3 content: {"wss://relay": {"read": true, "write": true}, ...}.
// Returns nil when the content is not such a map.
func ParseContactRelayMap(content string) []*RelayHint {
	parsed := gjson.Parse(content)
	if !parsed.IsObject() {
		return nil
	}

	var hints []*RelayHint
	parsed.ForEach(func(key, value gjson.Result) bool {
		u, err := NormalizeRelayURL(key.String())
		if err != nil {
			return true
		}
		if !value.IsObject() {
			return true
		}
		hints = append(hints, &RelayHint{
			Relay:    u,
			CanRead:  value.Get("read").Bool(),
			CanWrite: value.Get("write").Bool(),
		})
		return true
	})

	return hints
}
