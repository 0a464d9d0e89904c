package syncer

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
)

// Sender delivers an outbound message through the phone. Body is
// plaintext.
type Sender interface {
	Send(ctx context.Context, cmd models.Command) error
}

// Opener decrypts envelopes addressed to this phone. It returns the
// input unchanged when it cannot.
type Opener interface {
	Open(envelope string, keys map[models.DeviceID]string) string
}

var errUndecryptable = errors.New("command body could not be decrypted")

// Inbound listens for "send this" commands written by companions.
type Inbound struct {
	store    remote.Store
	identity AccountResolver
	opener   Opener
	sender   Sender
	logger   *slog.Logger

	mu      sync.Mutex
	sub     remote.Subscription
	ctx     context.Context
	claimed map[string]bool
}

func NewInbound(store remote.Store, identity AccountResolver, opener Opener, sender Sender, logger *slog.Logger) *Inbound {
	return &Inbound{
		store:    store,
		identity: identity,
		opener:   opener,
		sender:   sender,
		logger:   logger,
		claimed:  make(map[string]bool),
	}
}

// Start subscribes to the account's command queue, then handles any
// commands that were already pending.
func (in *Inbound) Start(ctx context.Context) error {
	acct, err := in.identity.CurrentAccountID(ctx)
	if err != nil {
		return err
	}

	in.mu.Lock()
	if in.sub != nil {
		in.mu.Unlock()
		return nil
	}

	in.ctx = ctx
	in.mu.Unlock()

	sub, err := in.store.Subscribe(ctx, remote.CommandsPath(acct), func(ev remote.Event) {
		in.handle(acct, ev)
	})
	if err != nil {
		return err
	}

	in.mu.Lock()
	in.sub = sub
	in.mu.Unlock()

	in.logger.Info("listening for companion commands", slog.String("account", string(acct)))

	entries, err := in.store.List(ctx, remote.CommandsPath(acct), 0)
	if err != nil {
		in.logger.Warn("reading pending commands", slog.String("error", err.Error()))
		return nil
	}

	for _, e := range slices.Backward(entries) {
		in.handle(acct, remote.Event{Type: remote.EventPut, Entry: e})
	}

	return nil
}

// Stop cancels the subscription. No command is handled after it returns
// except one already in progress.
func (in *Inbound) Stop() {
	in.mu.Lock()
	sub := in.sub
	in.sub = nil
	in.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

func (in *Inbound) context() context.Context {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.ctx == nil {
		return context.Background()
	}

	return in.ctx
}

// claim marks id as handled and reports whether it was new. The live
// subscription and the startup drain can both see the same command.
func (in *Inbound) claim(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.claimed[id] {
		return false
	}

	in.claimed[id] = true

	return true
}

func (in *Inbound) handle(acct models.AccountID, ev remote.Event) {
	if ev.Type != remote.EventPut {
		return
	}

	cmd, err := models.DecodeCommand(ev.Entry.Value)
	if err != nil {
		in.logger.Warn("ignoring malformed command", slog.String("path", ev.Entry.Path), slog.String("error", err.Error()))
		return
	}

	if cmd.Status != models.CommandPending || !in.claim(cmd.ID) {
		return
	}

	ctx := in.context()
	log := in.logger.With(slog.String("command", cmd.ID))

	if cmd.Encrypted {
		plain := in.opener.Open(cmd.Body, cmd.Keys)
		if plain == cmd.Body {
			log.Warn("command not decryptable")
			in.finish(ctx, acct, ev.Entry.Path, errUndecryptable)

			return
		}

		cmd.Body = plain
		cmd.Encrypted = false
	}

	err = in.sender.Send(ctx, cmd)
	if err != nil {
		log.Warn("sending command failed", slog.String("error", err.Error()))
	} else {
		log.Info("command sent")
	}

	in.finish(ctx, acct, ev.Entry.Path, err)
}

// finish records the outcome on the command record.
func (in *Inbound) finish(ctx context.Context, acct models.AccountID, path string, sendErr error) {
	fields := map[string]any{"status": models.CommandSent}
	if sendErr != nil {
		fields = map[string]any{"status": models.CommandFailed, "error": sendErr.Error()}
	}

	if err := in.store.Update(context.WithoutCancel(ctx), path, fields); err != nil {
		in.logger.Warn("updating command status",
			slog.String("account", string(acct)),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
