// Package minion runs one task per connected relay: it owns the WebSocket,
// manages subscriptions, forwards inbound events to the processor queue,
// and answers the overlord's broadcast commands.
package minion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/murmur/internal/comms"
	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/signer"
	"github.com/sandwichfarm/murmur/internal/storage"
)

const (
	keepaliveInterval = 55 * time.Second
	nip11Timeout      = 15 * time.Second
	writeTimeout      = 10 * time.Second
)

// Minion is the per-relay connection task.
type Minion struct {
	URL string

	// Commands is the minion's slice of the overlord broadcast. The
	// overlord sends targeted messages here; "all" messages are fanned
	// out to every minion's channel.
	Commands chan comms.ToMinion

	storage    *storage.Storage
	signer     *signer.Signer
	log        *ops.Logger
	inbound    chan<- comms.InboundEvent
	toOverlord chan<- comms.FromMinion

	conn  *websocket.Conn
	nip11 *nostrx.RelayInformationDocument
	subs  *subscriptions
}

// New creates a minion for the given (normalized) relay URL.
func New(url string, st *storage.Storage, sg *signer.Signer, log *ops.Logger,
	inbound chan<- comms.InboundEvent, toOverlord chan<- comms.FromMinion) *Minion {
	return &Minion{
		URL:        url,
		Commands:   make(chan comms.ToMinion, 256),
		storage:    st,
		signer:     sg,
		log:        log.WithComponent("minion").WithFields("relay", url),
		inbound:    inbound,
		toOverlord: toOverlord,
		subs:       newSubscriptions(),
	}
}

// Run connects and serves until shutdown or a fatal connection error. It
// owns the relay's failure bookkeeping; the error (nil on clean shutdown)
// is also reported to the overlord via a MinionGone message.
func (m *Minion) Run(ctx context.Context) {
	err := m.run(ctx)

	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("minion exited with error", "error", err)
		if serr := m.storage.ModifyRelay(m.URL, nil, func(r *storage.Relay) {
			r.FailureCount++
		}); serr != nil {
			m.log.Error("failed to bump relay failure count", "error", serr)
		}
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.toOverlord <- comms.FromMinion{
		Kind:     comms.MinionGone,
		RelayURL: m.URL,
		Reason:   reason,
	}
}

func (m *Minion) run(ctx context.Context) error {
	// Best-effort NIP-11 probe; failure never aborts the connection.
	probeCtx, cancelProbe := context.WithTimeout(ctx, nip11Timeout)
	if info, err := nostrx.FetchRelayInformation(probeCtx, m.URL, nip11Timeout); err == nil {
		m.nip11 = info
		if serr := m.storage.ModifyRelay(m.URL, nil, func(r *storage.Relay) {
			r.Nip11 = info
		}); serr != nil {
			cancelProbe()
			return serr
		}
	} else {
		m.log.Debug("NIP-11 probe failed", "error", err)
	}
	cancelProbe()

	conn, _, err := websocket.Dial(ctx, m.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	m.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "")

	maxKB := m.storage.ReadSettingInt(storage.SettingMaxWsMessageSizeKB)
	conn.SetReadLimit(maxKB * 1024)

	if err := m.storage.ModifyRelay(m.URL, nil, func(r *storage.Relay) {
		r.SuccessCount++
		r.LastConnectedAt = time.Now().Unix()
	}); err != nil {
		return err
	}

	m.toOverlord <- comms.FromMinion{Kind: comms.MinionReady, RelayURL: m.URL}

	// The read loop runs in its own goroutine so the main loop can
	// multiplex it with the keepalive timer and the command channel.
	type readResult struct {
		data []byte
		err  error
	}
	reads := make(chan readResult)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		defer close(reads)
		for {
			_, data, err := conn.Read(readCtx)
			select {
			case reads <- readResult{data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-keepalive.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("keepalive failed: %w", err)
			}

		case msg, ok := <-m.Commands:
			if !ok {
				return nil
			}
			if msg.Target != comms.MinionTargetAll && msg.Target != m.URL {
				continue
			}
			done, err := m.handleCommand(ctx, msg.Payload)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case result, ok := <-reads:
			if !ok {
				return errors.New("read loop closed")
			}
			if result.err != nil {
				return fmt.Errorf("websocket read failed: %w", result.err)
			}
			// Per-message failures are logged and the message dropped;
			// they never tear down the connection.
			if err := m.handleRelayMessage(ctx, result.data); err != nil {
				m.log.Debug("dropped relay message", "error", err)
			}
		}
	}
}

// handleCommand applies one overlord instruction. done=true means a clean
// shutdown was requested.
func (m *Minion) handleCommand(ctx context.Context, payload comms.MinionPayload) (bool, error) {
	switch payload.Kind {
	case comms.MinionShutdown:
		for _, sub := range m.subs.all() {
			if err := m.sendClose(ctx, sub.wireID); err != nil {
				m.log.Debug("failed to close subscription", "error", err)
			}
		}
		return true, nil

	case comms.MinionSubscribeGeneralFeed:
		eoseAt := int64(0)
		if sub, ok := m.subs.get(HandleGeneralFeed); ok {
			eoseAt = sub.eoseAt
		} else if relay, err := m.storage.ReadRelay(m.URL); err == nil {
			eoseAt = relay.LastGeneralEoseAt
		}
		filters := generalFeedFilters(m.storage, payload.Pubkeys, eoseAt)
		if len(filters) == 0 {
			return false, nil
		}
		return false, m.subscribe(ctx, HandleGeneralFeed, filters)

	case comms.MinionSubscribePersonFeed:
		if len(payload.Pubkeys) == 0 {
			return false, nil
		}
		return false, m.subscribe(ctx, HandlePersonFeed, personFeedFilters(m.storage, payload.Pubkeys[0]))

	case comms.MinionSubscribeThreadFeed:
		if len(payload.IDs) == 0 {
			return false, nil
		}
		return false, m.subscribe(ctx, HandleThreadFeed, threadFeedFilters(m.storage, payload.IDs))

	case comms.MinionTempSubscribeMetadata:
		if len(payload.Pubkeys) == 0 {
			return false, nil
		}
		return false, m.subscribe(ctx, HandleTempMetadata, metadataFilters(payload.Pubkeys))

	case comms.MinionPullFollowing:
		me := m.storage.ReadPublicKey()
		if me == "" {
			return false, nil
		}
		return false, m.subscribe(ctx, HandleFollowing, followingFilters(me))

	case comms.MinionFetchEvents:
		if len(payload.IDs) == 0 {
			return false, nil
		}
		handle := m.subs.nextTempEventsHandle()
		return false, m.subscribe(ctx, handle, nostr.Filters{{IDs: payload.IDs}})

	case comms.MinionUnsubscribe:
		wireID, ok := m.subs.remove(payload.Handle)
		if !ok {
			return false, nil
		}
		return false, m.sendClose(ctx, wireID)

	case comms.MinionPostEvent:
		if payload.Event == nil {
			return false, nil
		}
		env := nostr.EventEnvelope{Event: *payload.Event}
		return false, m.sendEnvelope(ctx, &env)
	}

	return false, nil
}

// subscribe (re)issues a REQ for the handle with a fresh wire id, closing
// any previous incarnation first.
func (m *Minion) subscribe(ctx context.Context, handle string, filters nostr.Filters) error {
	sub, previous := m.subs.upsert(handle, filters)
	if previous != "" {
		if err := m.sendClose(ctx, previous); err != nil {
			return err
		}
	}

	// Relays that declare no EOSE support never send the marker; treat
	// the subscription as immediately live.
	if m.nip11 != nil && len(m.nip11.SupportedNIPs) > 0 && !m.nip11.SupportsNIP(15) {
		m.recordEose(sub)
	}

	env := nostr.ReqEnvelope{SubscriptionID: sub.wireID, Filters: filters}
	return m.sendEnvelope(ctx, &env)
}

func (m *Minion) sendClose(ctx context.Context, wireID string) error {
	env := nostr.CloseEnvelope(wireID)
	return m.sendEnvelope(ctx, &env)
}

func (m *Minion) sendEnvelope(ctx context.Context, env nostr.Envelope) error {
	data, err := env.MarshalJSON()
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := m.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// handleRelayMessage parses and dispatches one inbound relay message.
func (m *Minion) handleRelayMessage(ctx context.Context, data []byte) error {
	env := nostr.ParseMessage(string(data))
	if env == nil {
		return fmt.Errorf("unparseable relay message (%d bytes)", len(data))
	}

	switch e := env.(type) {
	case *nostr.EventEnvelope:
		subID := ""
		if e.SubscriptionID != nil {
			subID = *e.SubscriptionID
		}
		if _, ok := m.subs.byWire(subID); !ok {
			return fmt.Errorf("event for unknown subscription %q", subID)
		}
		event := e.Event
		m.inbound <- comms.InboundEvent{
			Event:          &event,
			RelayURL:       m.URL,
			SubscriptionID: subID,
		}

	case *nostr.EOSEEnvelope:
		if sub, ok := m.subs.byWire(string(*e)); ok {
			m.recordEose(sub)
		}

	case *nostr.NoticeEnvelope:
		m.log.Info("relay notice", "notice", string(*e))

	case *nostr.OKEnvelope:
		kind := comms.MinionPostAccepted
		if !e.OK {
			kind = comms.MinionPostRejected
		}
		m.toOverlord <- comms.FromMinion{
			Kind:     kind,
			RelayURL: m.URL,
			EventID:  e.EventID,
			Reason:   e.Reason,
		}

	case *nostr.AuthEnvelope:
		if e.Challenge == nil {
			return nil
		}
		return m.answerAuthChallenge(ctx, *e.Challenge)

	case *nostr.ClosedEnvelope:
		if sub, ok := m.subs.byWire(string(e.SubscriptionID)); ok {
			m.log.Info("relay closed subscription", "handle", sub.handle, "reason", e.Reason)
			m.subs.remove(sub.handle)
		}
	}

	return nil
}

// recordEose advances the subscription to live streaming and, for the main
// feed, persists the watermark future re-subscribes resume from.
func (m *Minion) recordEose(sub *subscription) {
	sub.eoseAt = time.Now().Unix()
	if sub.handle != HandleGeneralFeed {
		return
	}
	if err := m.storage.ModifyRelay(m.URL, nil, func(r *storage.Relay) {
		r.LastGeneralEoseAt = sub.eoseAt
	}); err != nil {
		m.log.Error("failed to record EOSE watermark", "error", err)
	}
}

// answerAuthChallenge signs a NIP-42 auth event when the key is unlocked;
// otherwise the challenge is ignored.
func (m *Minion) answerAuthChallenge(ctx context.Context, challenge string) error {
	if !m.signer.IsReady() {
		m.log.Debug("ignoring AUTH challenge, key locked")
		return nil
	}

	event := nostr.Event{
		Kind:      nostrx.KindClientAuth,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags: nostr.Tags{
			{"relay", m.URL},
			{"challenge", challenge},
		},
	}
	if err := m.signer.SignEvent(&event); err != nil {
		return err
	}

	env := nostr.AuthEnvelope{Event: event}
	return m.sendEnvelope(ctx, &env)
}
