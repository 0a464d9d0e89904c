package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/mirrorsync/internal/attachment"
	"github.com/alexjbarnes/mirrorsync/internal/blob"
	"github.com/alexjbarnes/mirrorsync/internal/config"
	"github.com/alexjbarnes/mirrorsync/internal/identity"
	"github.com/alexjbarnes/mirrorsync/internal/keys"
	"github.com/alexjbarnes/mirrorsync/internal/logging"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/pairing"
	"github.com/alexjbarnes/mirrorsync/internal/quota"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
	"github.com/alexjbarnes/mirrorsync/internal/resolver"
	"github.com/alexjbarnes/mirrorsync/internal/retry"
	"github.com/alexjbarnes/mirrorsync/internal/spool"
	"github.com/alexjbarnes/mirrorsync/internal/state"
	"github.com/alexjbarnes/mirrorsync/internal/syncer"
)

const (
	// maxAttachmentBytes caps what a source will read into memory.
	maxAttachmentBytes = 64 << 20

	memorySessionTTL = 24 * time.Hour
	httpTimeout      = 30 * time.Second
)

// app is the wired daemon. Fields left nil are not configured.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	state   *state.State
	store   remote.Store
	invoker remote.Invoker

	arbiter    *pairing.Arbiter   // memory backend only
	subscriber *remote.Subscriber // remote backend only

	identity    *identity.Provider
	keys        *keys.Manager
	pairing     *pairing.Service
	devices     *syncer.DeviceCache
	threads     *resolver.ThreadIndex
	coordinator *syncer.Coordinator
	inbound     *syncer.Inbound
	watcher     *spool.Watcher
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var err error
	if cfg.StatePath != "" {
		a.state, err = state.LoadAt(cfg.StatePath)
	} else {
		a.state, err = state.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	if err := a.build(ctx); err != nil {
		a.state.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return fmt.Errorf("loading plans: %w", err)
	}

	var (
		auth   remote.AuthProvider
		online func() bool
		client *remote.Client
	)

	if cfg.InMemory() {
		store := remote.NewMemoryStore()
		inv := remote.NewLocalInvoker()

		a.arbiter = pairing.NewArbiter(store, plans, config.DefaultPlan, logging.Component(a.logger, "arbiter"))
		a.arbiter.Register(inv)

		a.store = store
		a.invoker = inv
		auth = remote.NewMemoryAuth(memorySessionTTL)

		a.logger.Info("using in-process backend")
	} else {
		client = remote.NewClient(cfg.RemoteURL, &http.Client{Timeout: httpTimeout})

		a.store = client
		a.invoker = client
		auth = client
	}

	a.identity = identity.NewProvider(auth, a.state, cfg.RecoveryCredential, logging.Component(a.logger, "identity"))

	if client != nil {
		client.SetTokenSource(a.identity.Token)

		a.subscriber = remote.NewSubscriber(cfg.RemoteWSURL, a.identity.Token, logging.Component(a.logger, "subscriber"))
		client.SetSubscriber(a.subscriber)
		online = a.subscriber.Connected
	}

	a.keys = keys.NewManager(a.state, a.store, cfg.DeviceName, logging.Component(a.logger, "keys"))
	if _, err := a.keys.EnsureLocalKeypair(); err != nil {
		return fmt.Errorf("ensuring local keypair: %w", err)
	}

	a.pairing = pairing.NewService(a.identity, a.invoker, a.store, a.keys, logging.Component(a.logger, "pairing"))

	blobs, err := newBlobStore(ctx, cfg, a.invoker)
	if err != nil {
		return err
	}

	policy := retry.Policy{
		Attempts: cfg.RetryAttempts,
		Base:     cfg.RetryBase,
		Max:      cfg.RetryMax,
	}

	tracker := quota.NewTracker(a.store, plans, config.DefaultPlan, logging.Component(a.logger, "quota"))
	a.devices = syncer.NewDeviceCache(a.keys, cfg.DeviceCacheTTL)

	sources := []attachment.Source{attachment.FileSource{MaxBytes: maxAttachmentBytes}}
	if cfg.SpoolDir != "" {
		sources = append(sources, attachment.DirSource{
			Dir:      filepath.Join(cfg.SpoolDir, "attachments"),
			MaxBytes: maxAttachmentBytes,
		})
	}

	pipeline := attachment.NewPipeline(
		blobs,
		tracker,
		syncer.NewCachedEncryptor(a.keys, a.devices),
		sources,
		attachment.Options{InlineMaxBytes: int(cfg.InlineMaxBytes), Retry: policy},
		logging.Component(a.logger, "attachments"),
	)

	a.threads = resolver.NewThreadIndex()

	a.coordinator = syncer.NewCoordinator(syncer.Config{
		Store:             a.store,
		Identity:          a.identity,
		Resolver:          resolver.New(cfg.OwnNumbers, a.threads, logging.Component(a.logger, "resolver")),
		Sealer:            a.keys,
		Devices:           a.devices,
		Attachments:       pipeline,
		Index:             a.state,
		Online:            online,
		ChunkSize:         cfg.ChunkSize,
		Parallelism:       cfg.Parallelism,
		ChunkDelay:        cfg.ChunkDelay,
		Retry:             policy,
		NonPeerPatterns:   cfg.NonPeerPatterns,
		ReconcileLimit:    cfg.ReconcileLimit,
		ClipboardDebounce: cfg.ClipboardDebounce,
	}, logging.Component(a.logger, "sync"))

	if cfg.SpoolDir != "" {
		a.inbound = syncer.NewInbound(
			a.store,
			a.identity,
			a.keys,
			spool.NewOutbox(filepath.Join(cfg.SpoolDir, "outbox")),
			logging.Component(a.logger, "inbound"),
		)

		a.watcher = spool.NewWatcher(
			cfg.SpoolDir,
			a.coordinator,
			a.threads,
			cfg.SpoolDebounce,
			cfg.SpoolRescan,
			logging.Component(a.logger, "spool"),
		)
	}

	return nil
}

func newBlobStore(ctx context.Context, cfg *config.Config, invoker remote.Invoker) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BlobS3:
		s, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 blob store: %w", err)
		}

		return s, nil
	case config.BlobPresigned:
		return blob.NewPresignedStore(invoker, &http.Client{Timeout: httpTimeout}), nil
	default:
		return blob.NewMemoryStore(), nil
	}
}

// run resolves the identity, publishes this phone's key and serves
// until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	acct, err := a.identity.CurrentAccountID(ctx)
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}
	a.logger.Info("identity resolved",
		slog.String("account", string(acct)),
		slog.Int("synced", a.state.SyncedCount()),
	)

	if err := a.keys.PublishPublicKey(ctx, acct); err != nil {
		// Outbound sync does not depend on it.
		a.logger.Warn("publishing public key failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	if sub, err := a.watchDevices(gctx, acct); err != nil {
		a.logger.Warn("device changes unavailable", slog.String("error", err.Error()))
	} else {
		defer sub.Cancel()
	}

	if a.subscriber != nil {
		g.Go(func() error {
			return a.subscriber.Listen(gctx)
		})
	}

	if a.inbound != nil {
		if err := a.inbound.Start(gctx); err != nil {
			a.logger.Warn("inbound commands unavailable", slog.String("error", err.Error()))
		} else {
			defer a.inbound.Stop()
		}
	}

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Watch(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.logger.Info("mirrorsync stopped")

	return nil
}

// watchDevices drops cached device keys whenever the account's device
// list changes, so a new companion is encrypted for on the next write.
func (a *app) watchDevices(ctx context.Context, acct models.AccountID) (remote.Subscription, error) {
	return a.store.Subscribe(ctx, remote.DevicesPath(acct), func(remote.Event) {
		a.devices.Invalidate()
	})
}

func (a *app) close() {
	if a.coordinator != nil {
		a.coordinator.Close()
	}

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}
