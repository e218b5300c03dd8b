// Package engine assembles the core: storage, signer, processor, relay
// picker, overlord and feed, and exposes the command/query surface a
// presentation layer drives.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/murmur/internal/comms"
	"github.com/sandwichfarm/murmur/internal/config"
	"github.com/sandwichfarm/murmur/internal/feed"
	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
	"github.com/sandwichfarm/murmur/internal/ops"
	"github.com/sandwichfarm/murmur/internal/overlord"
	"github.com/sandwichfarm/murmur/internal/picker"
	"github.com/sandwichfarm/murmur/internal/process"
	"github.com/sandwichfarm/murmur/internal/signer"
	"github.com/sandwichfarm/murmur/internal/storage"
)

// Engine is the explicit value replacing any process-wide globals; deep
// call sites get what they need threaded through from here.
type Engine struct {
	Storage  *storage.Storage
	Signer   *signer.Signer
	Feed     *feed.Feed
	Overlord *overlord.Overlord

	config    *config.Config
	log       *ops.Logger
	retention *ops.RetentionManager

	cancel context.CancelFunc
	done   chan struct{}
}

// New opens the profile and wires the components. Fatal failures here
// (database unopenable) abort start-up; runtime failures never do.
func New(cfg *config.Config, log *ops.Logger) (*Engine, error) {
	st, err := storage.Open(filepath.Join(cfg.Profile.Dir, "lmdb"))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	sg := signer.New()
	if blob := st.ReadEncryptedPrivateKey(); blob != "" {
		security := signer.KeySecurity(st.ReadSettingInt(storage.SettingKeySecurity))
		sg.LoadEncrypted(blob, st.ReadPublicKey(), security)
	}
	st.SetUnwrapper(sg)

	pr := process.New(st, log)
	pk := picker.New(st)
	fd := feed.New(st, log)
	ov := overlord.New(st, sg, pr, pk, fd, log)

	// Pulled follow sets route back into the local person lists.
	pr.AddEventHandler(func(event *nostr.Event) {
		if event.Kind != nostrx.KindFollowSets {
			return
		}
		if me := st.ReadPublicKey(); me == "" || event.PubKey != me {
			return
		}
		if err := ov.ImportPersonListEvent(context.Background(), event); err != nil {
			log.Warn("failed to import person list", "event", event.ID, "error", err)
		}
	})

	return &Engine{
		Storage:   st,
		Signer:    sg,
		Feed:      fd,
		Overlord:  ov,
		config:    cfg,
		log:       log.WithComponent("engine"),
		retention: ops.NewRetentionManager(st, log),
	}, nil
}

// Start seeds the relay table, launches the overlord and the pruning
// scheduler, and kicks off relay picking.
func (e *Engine) Start(ctx context.Context) error {
	for _, seed := range e.config.Relays.Seeds {
		if err := e.Storage.ModifyRelay(seed, nil, func(r *storage.Relay) {
			r.UsageBits |= storage.RelayUsageRead | storage.RelayUsageWrite | storage.RelayUsageDiscover
		}); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		if err := e.Overlord.Run(runCtx); err != nil && err != context.Canceled {
			e.log.Error("overlord exited", "error", err)
		}
	}()

	e.retention.StartPruningScheduler(runCtx, 24*time.Hour)

	e.Command(comms.Command{Kind: comms.CmdPickRelays})
	return nil
}

// Command enqueues a command for the overlord. Fire and forget: results
// surface through storage and the status queue.
func (e *Engine) Command(cmd comms.Command) {
	select {
	case e.Overlord.Commands <- cmd:
	default:
		e.log.Warn("overlord inbox full, dropping command", "kind", cmd.Kind)
	}
}

// Status exposes the transient status queue.
func (e *Engine) Status() <-chan comms.StatusMessage {
	return e.Overlord.Status
}

// ExportPrivateKey returns the key as nsec after verifying the
// passphrase, persisting the irreversible security downgrade to Weak.
func (e *Engine) ExportPrivateKey(passphrase string) (string, error) {
	nsec, blob, err := e.Signer.ExportPrivateKey(passphrase)
	if err != nil {
		return "", err
	}
	if err := e.Storage.WriteEncryptedPrivateKey(blob, nil); err != nil {
		return "", err
	}
	if err := e.Storage.WriteSettingInt(storage.SettingKeySecurity, int64(e.Signer.KeySecurity()), nil); err != nil {
		return "", err
	}
	return nsec, nil
}

// Shutdown stops the overlord and closes storage.
func (e *Engine) Shutdown() error {
	e.Command(comms.Command{Kind: comms.CmdShutdown})

	select {
	case <-e.done:
	case <-time.After(15 * time.Second):
		e.log.Warn("overlord did not stop in time, cancelling")
		e.cancel()
		<-e.done
	}

	e.retention.Stop()
	e.cancel()
	return e.Storage.Close()
}
