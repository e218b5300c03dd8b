// Package overlord runs the singleton orchestrator task: it owns the
// minion fleet, receives commands from the UI, schedules the processor
// over the inbound queue, and consults the relay picker when coverage
// changes.
package overlord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandwichfarm/murmur/internal/comms"
	"github.com/sandwichfarm/murmur/internal/feed"
	"github.com/sandwichfarm/murmur/internal/minion"
	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/picker"
	"github.com/sandwichfarm/murmur/internal/process"
	"github.com/sandwichfarm/murmur/internal/signer"
	"github.com/sandwichfarm/murmur/internal/storage"
)

var (
	ErrMaxRelays    = errors.New("overlord: max relay connections reached")
	ErrShuttingDown = errors.New("overlord: shutting down")
)

// inboundPauseThreshold is the queue depth beyond which general-feed
// re-subscription on new relays is paused until the queue drains.
const inboundPauseThreshold = 2048

// Overlord is the singleton orchestrator.
type Overlord struct {
	storage   *storage.Storage
	signer    *signer.Signer
	processor *process.Processor
	picker    *picker.Picker
	feed      *feed.Feed
	log       *ops.Logger

	// Commands is the overlord inbox; every task holds a sender.
	Commands chan comms.Command

	// Status is the short bounded queue rendered by the UI.
	Status chan comms.StatusMessage

	inbound     chan comms.InboundEvent
	fromMinions chan comms.FromMinion

	mu      sync.Mutex
	minions map[string]*minionHandle

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

type minionHandle struct {
	minion *minion.Minion
	cancel context.CancelFunc
}

// New wires the overlord.
func New(st *storage.Storage, sg *signer.Signer, pr *process.Processor,
	pk *picker.Picker, fd *feed.Feed, log *ops.Logger) *Overlord {
	return &Overlord{
		storage:     st,
		signer:      sg,
		processor:   pr,
		picker:      pk,
		feed:        fd,
		log:         log.WithComponent("overlord"),
		Commands:    make(chan comms.Command, 1024),
		Status:      make(chan comms.StatusMessage, 64),
		inbound:     make(chan comms.InboundEvent, 8192),
		fromMinions: make(chan comms.FromMinion, 256),
	}
}

// status pushes a transient line for the UI, dropping when the queue is
// full.
func (o *Overlord) status(format string, args ...any) {
	msg := comms.StatusMessage{At: time.Now().Unix(), Text: fmt.Sprintf(format, args...)}
	select {
	case o.Status <- msg:
	default:
	}
}

// Run serves until a Shutdown command arrives or the context ends.
func (o *Overlord) Run(ctx context.Context) error {
	defer o.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			o.shutdown(ctx)
			return ctx.Err()

		case cmd := <-o.Commands:
			if cmd.Kind == comms.CmdShutdown {
				o.shutdown(ctx)
				return nil
			}
			if err := o.handleCommand(ctx, cmd); err != nil {
				o.log.Warn("command failed", "kind", cmd.Kind, "error", err)
				o.status("error: %v", err)
			}

		case msg := <-o.fromMinions:
			o.handleMinionMessage(ctx, msg)

		case ev := <-o.inbound:
			o.drainInbound(ev)
		}
	}
}

// drainInbound runs the processor over the queued batch. Per-event errors
// drop the event and never abort the batch.
func (o *Overlord) drainInbound(first comms.InboundEvent) {
	batch := []comms.InboundEvent{first}
	for {
		select {
		case ev := <-o.inbound:
			batch = append(batch, ev)
		default:
			for _, ev := range batch {
				if err := o.processor.ProcessEvent(ev.Event, ev.RelayURL); err != nil {
					o.log.Debug("dropped inbound event",
						"id", ev.Event.ID, "relay", ev.RelayURL, "error", err)
				}
			}
			return
		}
	}
}

func (o *Overlord) inboundBackpressure() bool {
	return len(o.inbound) > inboundPauseThreshold
}

// shutdown broadcasts the shutdown payload to every minion and drains the
// fleet.
func (o *Overlord) shutdown(ctx context.Context) {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	o.log.Info("shutting down")
	o.broadcast(comms.ToMinion{
		Target:  comms.MinionTargetAll,
		Payload: comms.MinionPayload{Kind: comms.MinionShutdown},
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		o.log.Warn("minions did not exit in time, cancelling")
		o.mu.Lock()
		for _, h := range o.minions {
			h.cancel()
		}
		o.mu.Unlock()
	}
}

// startMinion ensures a minion is running for the URL, enforcing the
// connection cap.
func (o *Overlord) startMinion(ctx context.Context, url string) error {
	if o.shuttingDown.Load() {
		return ErrShuttingDown
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, running := o.minions[url]; running {
		return nil
	}

	maxRelays := int(o.storage.ReadSettingInt(storage.SettingMaxRelays))
	if len(o.minions) >= maxRelays {
		return ErrMaxRelays
	}

	if err := o.storage.WriteRelayIfMissing(url, nil); err != nil {
		return err
	}

	m := minion.New(url, o.storage, o.signer, o.log, o.inbound, o.fromMinions)
	minionCtx, cancel := context.WithCancel(ctx)
	if o.minions == nil {
		o.minions = make(map[string]*minionHandle)
	}
	o.minions[url] = &minionHandle{minion: m, cancel: cancel}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		m.Run(minionCtx)
	}()

	o.picker.RelayConnected(url)
	return nil
}

// broadcast fans a message out to the targeted minions. A minion whose
// inbox is full simply misses the message; persistent jobs are re-issued
// when it reconnects.
func (o *Overlord) broadcast(msg comms.ToMinion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for url, h := range o.minions {
		if msg.Target != comms.MinionTargetAll && msg.Target != url {
			continue
		}
		select {
		case h.minion.Commands <- msg:
		default:
			o.log.Warn("minion inbox full, dropping message", "relay", url, "payload", msg.Payload.Kind)
		}
	}
}

func (o *Overlord) sendToMinion(url string, payload comms.MinionPayload) {
	o.broadcast(comms.ToMinion{Target: url, Payload: payload})
}

// handleMinionMessage reacts to minion lifecycle and post results.
func (o *Overlord) handleMinionMessage(ctx context.Context, msg comms.FromMinion) {
	switch msg.Kind {
	case comms.MinionReady:
		// Hand the relay its general-feed assignment, unless the inbound
		// queue is backed up.
		if o.inboundBackpressure() {
			o.log.Info("inbound queue backed up, deferring general feed", "relay", msg.RelayURL)
			return
		}
		if a := o.picker.AssignmentFor(msg.RelayURL); a != nil {
			o.sendToMinion(msg.RelayURL, comms.MinionPayload{
				Kind:    comms.MinionSubscribeGeneralFeed,
				Pubkeys: a.Pubkeys,
			})
		}

	case comms.MinionGone:
		o.mu.Lock()
		if h, ok := o.minions[msg.RelayURL]; ok {
			h.cancel()
			delete(o.minions, msg.RelayURL)
		}
		o.mu.Unlock()

		o.picker.RelayDisconnected(msg.RelayURL)
		if msg.Reason != "" {
			o.log.Info("minion gone", "relay", msg.RelayURL, "reason", msg.Reason)
		}
		if !o.shuttingDown.Load() {
			o.pickRelays(ctx)
		}

	case comms.MinionPostAccepted:
		o.status("posted %s to %s", msg.EventID, msg.RelayURL)

	case comms.MinionPostRejected:
		o.status("relay %s rejected %s: %s", msg.RelayURL, msg.EventID, msg.Reason)
	}
}

// pickRelays runs the picker until it stalls, starting minions for each
// assignment.
func (o *Overlord) pickRelays(ctx context.Context) {
	if err := o.picker.Refresh(); err != nil {
		o.log.Error("picker refresh failed", "error", err)
		return
	}

	for {
		assignment, err := o.picker.Pick()
		if err != nil {
			if err != picker.ErrNoPeopleLeft && err != picker.ErrNoRelaysLeft {
				o.log.Error("pick failed", "error", err)
			}
			return
		}

		if err := o.startMinion(ctx, assignment.RelayURL); err != nil {
			if err == ErrMaxRelays {
				o.status("relay limit reached; not connecting %s", assignment.RelayURL)
				o.picker.RelayDisconnected(assignment.RelayURL)
				return
			}
			o.log.Warn("failed to start minion", "relay", assignment.RelayURL, "error", err)
			o.picker.RelayDisconnected(assignment.RelayURL)
			continue
		}

		// Already-connected relays get the updated subscription now;
		// fresh ones get it on MinionReady.
		o.sendToMinion(assignment.RelayURL, comms.MinionPayload{
			Kind:    comms.MinionSubscribeGeneralFeed,
			Pubkeys: assignment.Pubkeys,
		})
	}
}

// writeRelayURLs returns the local user's WRITE relays.
func (o *Overlord) writeRelayURLs() ([]string, error) {
	relays, err := o.storage.FilterRelays(func(r *storage.Relay) bool {
		return r.HasUsageBits(storage.RelayUsageWrite) && !r.Hidden
	})
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		urls = append(urls, r.URL)
	}
	return urls, nil
}

// postToWriteRelays ensures minions on the user's WRITE relays and sends
// them the event.
func (o *Overlord) postToWriteRelays(ctx context.Context, payload comms.MinionPayload) error {
	urls, err := o.writeRelayURLs()
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("overlord: no write relays configured")
	}
	for _, url := range urls {
		if err := o.startMinion(ctx, url); err != nil && err != ErrMaxRelays {
			o.log.Warn("failed to start write relay", "relay", url, "error", err)
			continue
		}
		o.sendToMinion(url, payload)
	}
	return nil
}

// handleCommand dispatches one UI command.
func (o *Overlord) handleCommand(ctx context.Context, cmd comms.Command) error {
	switch cmd.Kind {
	case comms.CmdAddRelay:
		url, err := nostrx.NormalizeRelayURL(cmd.RelayURL)
		if err != nil {
			return err
		}
		if err := o.storage.ModifyRelay(url, nil, func(r *storage.Relay) {
			r.UsageBits |= storage.RelayUsageRead | storage.RelayUsageWrite
		}); err != nil {
			return err
		}
		return o.startMinion(ctx, url)

	case comms.CmdDropRelay:
		url, err := nostrx.NormalizeRelayURL(cmd.RelayURL)
		if err != nil {
			return err
		}
		o.sendToMinion(url, comms.MinionPayload{Kind: comms.MinionShutdown})
		return nil

	case comms.CmdRankRelay:
		url, err := nostrx.NormalizeRelayURL(cmd.RelayURL)
		if err != nil {
			return err
		}
		return o.storage.ModifyRelay(url, nil, func(r *storage.Relay) {
			r.Rank = cmd.Rank
		})

	case comms.CmdAdjustRelayUsageBit:
		url, err := nostrx.NormalizeRelayURL(cmd.RelayURL)
		if err != nil {
			return err
		}
		return o.storage.ModifyRelay(url, nil, func(r *storage.Relay) {
			if cmd.On {
				r.UsageBits |= cmd.UsageBit
			} else {
				r.UsageBits &^= cmd.UsageBit
			}
		})

	case comms.CmdAdvertiseRelayList:
		return o.advertiseRelayList(ctx)

	case comms.CmdUnlockKey:
		return o.unlockKey(cmd.Text)

	case comms.CmdGeneratePrivateKey:
		return o.generateKey(cmd.Text)

	case comms.CmdImportPrivateKey:
		return o.importKey(cmd.Text, cmd.Text2)

	case comms.CmdChangePassphrase:
		blob, err := o.signer.ChangePassphrase(cmd.Text, cmd.Text2)
		if err != nil {
			return err
		}
		return o.storage.WriteEncryptedPrivateKey(blob, nil)

	case comms.CmdDeletePrivateKey:
		o.signer.Delete()
		if err := o.storage.DeleteEncryptedPrivateKey(nil); err != nil {
			return err
		}
		return o.storage.DeletePublicKey(nil)

	case comms.CmdFollowPubkey:
		return o.follow(ctx, cmd.Pubkey, cmd.Relays)

	case comms.CmdUnfollowPubkey:
		pubkey, err := nostrx.NormalizePubkey(cmd.Pubkey)
		if err != nil {
			return err
		}
		if err := o.storage.RemovePersonFromList(pubkey, storage.ListFollowed, nil); err != nil {
			return err
		}
		o.pickRelays(ctx)
		return nil

	case comms.CmdUpdateFollowing:
		if err := o.storage.WriteSettingBool(storage.FlagFollowingMerge, cmd.Merge, nil); err != nil {
			return err
		}
		return o.postToWriteRelays(ctx, comms.MinionPayload{Kind: comms.MinionPullFollowing})

	case comms.CmdPublishPersonList:
		return o.publishPersonList(ctx, cmd.List)

	case comms.CmdPullPersonList:
		me := o.storage.ReadPublicKey()
		if me == "" {
			return signer.ErrNoPrivateKey
		}
		return o.postToWriteRelays(ctx, comms.MinionPayload{
			Kind:    comms.MinionTempSubscribeMetadata,
			Pubkeys: []string{me},
		})

	case comms.CmdPostText:
		return o.postText(ctx, cmd.Text, cmd.Tags)

	case comms.CmdPostReply:
		return o.postReply(ctx, cmd.Text, cmd.ReplyTo, cmd.Tags)

	case comms.CmdLike:
		return o.postLike(ctx, cmd.ID)

	case comms.CmdRepost:
		return o.postRepost(ctx, cmd.ID)

	case comms.CmdDeletePost:
		return o.postDeletion(ctx, cmd.ID, cmd.Text)

	case comms.CmdPushMetadata:
		return o.pushMetadata(ctx, cmd.Text)

	case comms.CmdFetchEvent:
		return o.fetchEvent(ctx, cmd.ID, cmd.Relays)

	case comms.CmdSetThreadFeed:
		return o.setThreadFeed(ctx, cmd.ID)

	case comms.CmdSetPersonFeed:
		pubkey, err := nostrx.NormalizePubkey(cmd.Pubkey)
		if err != nil {
			return err
		}
		o.broadcast(comms.ToMinion{
			Target: comms.MinionTargetAll,
			Payload: comms.MinionPayload{
				Kind:    comms.MinionSubscribePersonFeed,
				Pubkeys: []string{pubkey},
			},
		})
		return nil

	case comms.CmdClearFeeds:
		for _, handle := range []string{minion.HandlePersonFeed, minion.HandleThreadFeed} {
			o.broadcast(comms.ToMinion{
				Target:  comms.MinionTargetAll,
				Payload: comms.MinionPayload{Kind: comms.MinionUnsubscribe, Handle: handle},
			})
		}
		return nil

	case comms.CmdPickRelays:
		o.pickRelays(ctx)
		return nil

	case comms.CmdProcessIncoming:
		select {
		case ev := <-o.inbound:
			o.drainInbound(ev)
		default:
		}
		return nil

	case comms.CmdPruneDatabase:
		mgr := ops.NewRetentionManager(o.storage, o.log)
		deleted, err := mgr.PruneOldEvents(ctx)
		if err != nil {
			return err
		}
		o.status("pruned %d events", deleted)
		return nil
	}

	return fmt.Errorf("overlord: unhandled command %d", cmd.Kind)
}

// unlockKey unlocks the signer and retries any gift wraps stored while
// the key was unavailable.
func (o *Overlord) unlockKey(passphrase string) error {
	if err := o.signer.Unlock(passphrase); err != nil {
		return err
	}
	o.storage.SetUnwrapper(o.signer)
	if err := o.storage.RetryUnindexedGiftWraps(); err != nil {
		o.log.Warn("gift wrap retry failed", "error", err)
	}
	o.status("key unlocked")
	return nil
}

func (o *Overlord) generateKey(passphrase string) error {
	blob, err := o.signer.Generate(passphrase)
	if err != nil {
		return err
	}
	return o.persistIdentity(blob)
}

func (o *Overlord) importKey(key, passphrase string) error {
	blob, err := o.signer.Import(key, passphrase)
	if err != nil {
		return err
	}
	return o.persistIdentity(blob)
}

func (o *Overlord) persistIdentity(blob string) error {
	if err := o.storage.WriteEncryptedPrivateKey(blob, nil); err != nil {
		return err
	}
	if err := o.storage.WritePublicKey(o.signer.PublicKey(), nil); err != nil {
		return err
	}
	if err := o.storage.WriteSettingInt(storage.SettingKeySecurity, int64(o.signer.KeySecurity()), nil); err != nil {
		return err
	}
	o.storage.SetUnwrapper(o.signer)
	return nil
}

// follow resolves an identifier (hex, npub or nprofile) and adds the
// author to the Followed list, keeping any relay hints.
func (o *Overlord) follow(ctx context.Context, identifier string, relays []string) error {
	pubkey, hints, err := resolveFollowTarget(identifier)
	if err != nil {
		return err
	}
	hints = append(hints, relays...)

	if err := o.storage.AddPersonToList(pubkey, storage.ListFollowed, true, nil); err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, hint := range hints {
		url, err := nostrx.NormalizeRelayURL(hint)
		if err != nil {
			continue
		}
		if err := o.storage.ModifyPersonRelay(pubkey, url, nil, func(pr *storage.PersonRelay) {
			pr.LastSuggestedContact = now
		}); err != nil {
			return err
		}
	}

	o.pickRelays(ctx)
	o.status("now following %s", pubkey)
	return nil
}

// fetchEvent asks relays for one event by id, preferring the supplied
// relay hints and falling back to the connected fleet.
func (o *Overlord) fetchEvent(ctx context.Context, id string, relays []string) error {
	eventID, err := nostrx.NormalizeEventID(id)
	if err != nil {
		return err
	}

	payload := comms.MinionPayload{Kind: comms.MinionFetchEvents, IDs: []string{eventID}}
	if len(relays) == 0 {
		o.broadcast(comms.ToMinion{Target: comms.MinionTargetAll, Payload: payload})
		return nil
	}
	for _, hint := range relays {
		url, err := nostrx.NormalizeRelayURL(hint)
		if err != nil {
			continue
		}
		if err := o.startMinion(ctx, url); err != nil && err != ErrMaxRelays {
			continue
		}
		o.sendToMinion(url, payload)
	}
	return nil
}

// setThreadFeed climbs the reply chain to the highest local ancestor,
// works out which relays might carry the thread, and subscribes there.
func (o *Overlord) setThreadFeed(ctx context.Context, id string) error {
	eventID, err := nostrx.NormalizeEventID(id)
	if err != nil {
		return err
	}

	highest, missing, hints, err := o.feed.ClimbThread(eventID)
	if err != nil {
		return err
	}

	ids := append([]string{highest}, missing...)
	if highest != eventID {
		ids = append(ids, eventID)
	}

	// Union of where the main event was seen and the e-tag relay hints.
	relaySet := make(map[string]struct{})
	seenOn, err := o.storage.EventSeenOnRelays(eventID)
	if err != nil {
		return err
	}
	for url := range seenOn {
		relaySet[url] = struct{}{}
	}
	for _, hint := range hints {
		relaySet[hint] = struct{}{}
	}

	payload := comms.MinionPayload{Kind: comms.MinionSubscribeThreadFeed, IDs: ids}
	if len(relaySet) == 0 {
		o.broadcast(comms.ToMinion{Target: comms.MinionTargetAll, Payload: payload})
		return nil
	}
	for url := range relaySet {
		if err := o.startMinion(ctx, url); err != nil && err != ErrMaxRelays {
			o.log.Warn("failed to start thread relay", "relay", url, "error", err)
			continue
		}
		o.sendToMinion(url, payload)
	}
	return nil
}
