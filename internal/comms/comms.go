// Package comms defines the typed messages flowing between the UI, the
// overlord and its minions. Every command is fire-and-forget; results
// surface through storage and the status queue.
package comms

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/murmur/internal/storage"
)

// Command is a message to the overlord. Exactly one field group applies
// per Kind.
type Command struct {
	Kind CommandKind

	// RelayURL targets relay-scoped commands (add/drop/rank/usage).
	RelayURL string

	// Pubkey targets person-scoped commands, in any accepted form for
	// follow commands (hex, npub, nprofile).
	Pubkey string

	// ID targets event-scoped commands.
	ID string

	// Text carries post content, passphrases or petnames per command.
	Text string
	// Text2 carries a second string (e.g. the new passphrase).
	Text2 string

	// Tags carries extra tags for posts.
	Tags nostr.Tags

	// ReplyTo is the id being replied to, "" for root posts.
	ReplyTo string

	// List targets person-list commands.
	List storage.PersonList

	// Rank carries the new relay rank.
	Rank uint8

	// UsageBit and On adjust one relay usage bit.
	UsageBit uint64
	On       bool

	// Merge selects merge (true) or overwrite for UpdateFollowing.
	Merge bool

	// Relays carries relay hints for fetch/follow commands.
	Relays []string
}

// CommandKind enumerates the overlord's command surface.
type CommandKind int

const (
	CmdAddRelay CommandKind = iota
	CmdDropRelay
	CmdRankRelay
	CmdAdjustRelayUsageBit
	CmdAdvertiseRelayList

	CmdUnlockKey
	CmdGeneratePrivateKey
	CmdImportPrivateKey
	CmdChangePassphrase
	CmdDeletePrivateKey

	CmdFollowPubkey
	CmdUnfollowPubkey
	CmdUpdateFollowing
	CmdPublishPersonList
	CmdPullPersonList

	CmdPostText
	CmdPostReply
	CmdLike
	CmdRepost
	CmdDeletePost
	CmdPushMetadata

	CmdFetchEvent
	CmdSetThreadFeed
	CmdSetPersonFeed
	CmdClearFeeds

	CmdPickRelays
	CmdProcessIncoming
	CmdPruneDatabase
	CmdShutdown
)

// MinionTargetAll addresses every minion.
const MinionTargetAll = "all"

// ToMinion is a broadcast message to one minion (by relay URL) or all.
type ToMinion struct {
	Target  string
	Payload MinionPayload
}

// MinionPayloadKind enumerates minion instructions.
type MinionPayloadKind int

const (
	MinionSubscribeGeneralFeed MinionPayloadKind = iota
	MinionSubscribePersonFeed
	MinionSubscribeThreadFeed
	MinionTempSubscribeMetadata
	MinionUnsubscribe
	MinionFetchEvents
	MinionPostEvent
	MinionPullFollowing
	MinionShutdown
)

// MinionPayload is the instruction body.
type MinionPayload struct {
	Kind MinionPayloadKind

	// Pubkeys for feed/metadata subscriptions.
	Pubkeys []string

	// IDs for event fetches and thread subscriptions (for a thread: the
	// highest local ancestor, then the missing ancestors, then the viewed
	// event when it is not the ancestor).
	IDs []string

	// Handle selects the subscription for MinionUnsubscribe.
	Handle string

	// Event is the signed event for MinionPostEvent.
	Event *nostr.Event
}

// MinionMessageKind enumerates what minions report back.
type MinionMessageKind int

const (
	// MinionReady means the socket is connected and subscriptions may be
	// requested.
	MinionReady MinionMessageKind = iota
	// MinionGone means the task exited; the overlord reassigns its work.
	MinionGone
	// MinionPostAccepted / MinionPostRejected relay OK results.
	MinionPostAccepted
	MinionPostRejected
)

// FromMinion is a status message from a minion to the overlord.
type FromMinion struct {
	Kind     MinionMessageKind
	RelayURL string
	EventID  string
	Reason   string
}

// InboundEvent is one event received on a relay subscription, queued for
// the processor.
type InboundEvent struct {
	Event          *nostr.Event
	RelayURL       string
	SubscriptionID string
}

// StatusMessage is a transient, human-readable line for the UI.
type StatusMessage struct {
	At   int64
	Text string
}
