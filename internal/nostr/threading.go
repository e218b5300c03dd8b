package nostr

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// ThreadRefs are the event references a note makes under NIP-10: the thread
// root, the direct parent, and any merely-mentioned events.
type ThreadRefs struct {
	RootID     string
	ReplyToID  string
	MentionIDs []string

	// RelayHints maps referenced event id to the relay hint carried on its
	// e tag, when present.
	RelayHints map[string]string
}

// ParseThreadRefs extracts NIP-10 references from an event's e tags,
// preferring the marked format and falling back to the deprecated
// positional format.
func ParseThreadRefs(event *nostr.Event) *ThreadRefs {
	refs := &ThreadRefs{RelayHints: make(map[string]string)}

	var eTags []nostr.Tag
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			eTags = append(eTags, tag)
			if len(tag) >= 3 && tag[2] != "" {
				if u, err := NormalizeRelayURL(tag[2]); err == nil {
					refs.RelayHints[tag[1]] = u
				}
			}
		}
	}
	if len(eTags) == 0 {
		return refs
	}

	if hasMarkedTags(eTags) {
		parseMarked(eTags, refs)
	} else {
		parsePositional(eTags, refs)
	}
	return refs
}

// IsReply reports whether the event references a parent.
func (tr *ThreadRefs) IsReply() bool {
	return tr.ReplyToID != ""
}

func hasMarkedTags(eTags []nostr.Tag) bool {
	for _, tag := range eTags {
		if len(tag) >= 4 && tag[3] != "" {
			return true
		}
	}
	return false
}

func parseMarked(eTags []nostr.Tag, refs *ThreadRefs) {
	for _, tag := range eTags {
		id := tag[1]
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			refs.RootID = id
		case "reply":
			refs.ReplyToID = id
		default:
			refs.MentionIDs = append(refs.MentionIDs, id)
		}
	}

	// A root with no reply marker means a direct reply to the root.
	if refs.ReplyToID == "" && refs.RootID != "" {
		refs.ReplyToID = refs.RootID
	}
}

func parsePositional(eTags []nostr.Tag, refs *ThreadRefs) {
	switch len(eTags) {
	case 1:
		refs.RootID = eTags[0][1]
		refs.ReplyToID = eTags[0][1]
	case 2:
		refs.RootID = eTags[0][1]
		refs.ReplyToID = eTags[1][1]
	default:
		refs.RootID = eTags[0][1]
		refs.ReplyToID = eTags[len(eTags)-1][1]
		for i := 1; i < len(eTags)-1; i++ {
			refs.MentionIDs = append(refs.MentionIDs, eTags[i][1])
		}
	}
}

// Hashtags returns the lowercased values of an event's t tags.
func Hashtags(event *nostr.Event) []string {
	var tags []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "t" && tag[1] != "" {
			tags = append(tags, strings.ToLower(tag[1]))
		}
	}
	return tags
}
