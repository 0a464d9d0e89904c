// Package syncer mirrors local telephony records into the remote store.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/mirrorsync/internal/attachment"
	"github.com/alexjbarnes/mirrorsync/internal/debounce"
	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/keys"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
	"github.com/alexjbarnes/mirrorsync/internal/retry"
)

// AccountResolver yields the account all writes belong to.
type AccountResolver interface {
	CurrentAccountID(ctx context.Context) (models.AccountID, error)
}

// AddressResolver picks the conversation partner of a local message.
type AddressResolver interface {
	Resolve(ctx context.Context, m models.LocalMessage) (string, bool)
}

// AttachmentProcessor turns local attachments into remote records.
type AttachmentProcessor interface {
	Process(ctx context.Context, acct models.AccountID, msgKey string, atts []models.LocalAttachment) []models.AttachmentRecord
}

// SyncIndex remembers the content hash last written per stable key.
type SyncIndex interface {
	SyncedHash(key string) string
	SetSyncedHash(key, hash string) error
	ForgetSynced(key string) error
}

// Config wires a Coordinator.
type Config struct {
	Store       remote.Store
	Identity    AccountResolver
	Resolver    AddressResolver
	Sealer      Sealer
	Devices     *DeviceCache
	Attachments AttachmentProcessor // optional
	Index       SyncIndex           // optional
	Online      func() bool         // optional, nil means always online

	ChunkSize         int
	Parallelism       int
	ChunkDelay        time.Duration
	Retry             retry.Policy
	NonPeerPatterns   []string
	ReconcileLimit    int
	ClipboardDebounce time.Duration
}

// Status is what happened to one item.
type Status int

const (
	StatusWritten Status = iota
	StatusUnchanged
	StatusFiltered
	StatusUnresolved
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusWritten:
		return "written"
	case StatusUnchanged:
		return "unchanged"
	case StatusFiltered:
		return "filtered"
	case StatusUnresolved:
		return "unresolved"
	default:
		return "failed"
	}
}

// Report summarizes one sync pass. Err is set only when the pass could
// not start; per-item failures are counted in Failed.
type Report struct {
	Total      int
	Written    int
	Unchanged  int
	Filtered   int
	Unresolved int
	Failed     int
	Offline    bool
	Err        error
}

func (r *Report) add(s Status) {
	switch s {
	case StatusWritten:
		r.Written++
	case StatusUnchanged:
		r.Unchanged++
	case StatusFiltered:
		r.Filtered++
	case StatusUnresolved:
		r.Unresolved++
	default:
		r.Failed++
	}
}

func (r Report) attrs() []any {
	return []any{
		slog.Int("total", r.Total),
		slog.Int("written", r.Written),
		slog.Int("unchanged", r.Unchanged),
		slog.Int("filtered", r.Filtered),
		slog.Int("unresolved", r.Unresolved),
		slog.Int("failed", r.Failed),
	}
}

// Coordinator batches local items into remote upserts.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	clipboard     *debounce.Debouncer[models.ClipboardItem]
	clipboardMu   sync.Mutex
	lastClipboard string
}

// NewCoordinator applies defaults for zero-valued tuning fields.
func NewCoordinator(cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 25
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}

	if cfg.ReconcileLimit <= 0 {
		cfg.ReconcileLimit = 500
	}

	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}

	c.clipboard = debounce.New(cfg.ClipboardDebounce, c.writeClipboard)

	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close flushes a pending clipboard write.
func (c *Coordinator) Close() {
	c.clipboard.Flush()
	c.clipboard.Stop()
}

// IsNonPeer reports whether addr belongs to a business or rich-messaging
// sender that is never mirrored.
func (c *Coordinator) IsNonPeer(addr string) bool {
	a := strings.ToLower(addr)

	for _, p := range c.cfg.NonPeerPatterns {
		if p != "" && strings.Contains(a, strings.ToLower(p)) {
			return true
		}
	}

	return false
}

func (c *Coordinator) online() bool {
	return c.cfg.Online == nil || c.cfg.Online()
}

// begin runs the checks shared by every pass.
func (c *Coordinator) begin(ctx context.Context, rep *Report) (models.AccountID, bool) {
	if !c.online() {
		rep.Offline = true
		rep.Err = apperrors.ErrOffline
		c.logger.Info("offline, skipping sync pass", slog.Int("items", rep.Total))

		return "", false
	}

	acct, err := c.cfg.Identity.CurrentAccountID(ctx)
	if err != nil {
		rep.Err = err
		c.logger.Warn("no account, skipping sync pass", slog.String("error", err.Error()))

		return "", false
	}

	return acct, true
}

// fanOut calls fn for every index in chunks of ChunkSize, running up to
// Parallelism calls at once inside a chunk and pausing ChunkDelay between
// chunks. It stops early only when ctx is done.
func (c *Coordinator) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	for start := 0; start < n; start += c.cfg.ChunkSize {
		if start > 0 {
			if err := c.sleep(ctx, c.cfg.ChunkDelay); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+c.cfg.ChunkSize, n)

		var g errgroup.Group
		g.SetLimit(c.cfg.Parallelism)

		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(ctx, i)
				return nil
			})
		}

		_ = g.Wait()
	}

	return nil
}

// SyncMessages mirrors a batch of local messages. Non-peer senders are
// dropped before any network call; when offline the whole batch is
// skipped.
func (c *Coordinator) SyncMessages(ctx context.Context, msgs []models.LocalMessage) Report {
	rep := Report{Total: len(msgs)}

	peers := make([]models.LocalMessage, 0, len(msgs))

	for _, m := range msgs {
		if c.IsNonPeer(m.Address) {
			rep.Filtered++
			continue
		}

		peers = append(peers, m)
	}

	if len(peers) == 0 {
		return rep
	}

	acct, ok := c.begin(ctx, &rep)
	if !ok {
		return rep
	}

	devices := c.cfg.Devices.Keys(ctx, acct)

	var mu sync.Mutex

	err := c.fanOut(ctx, len(peers), func(ctx context.Context, i int) {
		s, err := c.syncMessage(ctx, acct, devices, peers[i])
		if err != nil {
			c.logger.Warn("message sync failed",
				slog.String("key", peers[i].Key()),
				slog.String("error", err.Error()),
			)
		}

		mu.Lock()
		rep.add(s)
		mu.Unlock()
	})
	if err != nil {
		rep.Err = err
	}

	c.logger.Info("message sync pass complete", rep.attrs()...)

	return rep
}

// SyncMessage mirrors one message outside of a batch.
func (c *Coordinator) SyncMessage(ctx context.Context, m models.LocalMessage) (Status, error) {
	if c.IsNonPeer(m.Address) {
		return StatusFiltered, nil
	}

	var rep Report

	acct, ok := c.begin(ctx, &rep)
	if !ok {
		return StatusFailed, rep.Err
	}

	return c.syncMessage(ctx, acct, c.cfg.Devices.Keys(ctx, acct), m)
}

// hashInput is everything that changes the remote record of a message.
type hashInput struct {
	Address     string                   `json:"a"`
	Direction   models.Direction         `json:"d"`
	Kind        models.Kind              `json:"k"`
	Timestamp   int64                    `json:"t"`
	Body        string                   `json:"b"`
	ContactName string                   `json:"c"`
	Attachments []models.LocalAttachment `json:"m"`
	Devices     []models.DeviceID        `json:"v"`
}

// contentHash covers the resolved message and the device set, so adding
// a device causes messages to be rewritten with its wrapped key.
func contentHash(m models.LocalMessage, addr string, devices map[models.DeviceID]string) string {
	ids := make([]models.DeviceID, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	raw, _ := json.Marshal(hashInput{
		Address:     addr,
		Direction:   m.Direction,
		Kind:        m.Kind,
		Timestamp:   m.Timestamp,
		Body:        m.Body,
		ContactName: m.ContactName,
		Attachments: m.Attachments,
		Devices:     ids,
	})

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:])
}

func (c *Coordinator) syncMessage(ctx context.Context, acct models.AccountID, devices map[models.DeviceID]string, m models.LocalMessage) (Status, error) {
	addr, ok := c.cfg.Resolver.Resolve(ctx, m)
	if !ok {
		return StatusUnresolved, nil
	}

	key := m.Key()
	hash := contentHash(m, addr, devices)

	if c.cfg.Index != nil && c.cfg.Index.SyncedHash(key) == hash {
		return StatusUnchanged, nil
	}

	rec := models.Message{
		Key:         key,
		Address:     addr,
		Direction:   m.Direction,
		Kind:        m.Kind,
		Timestamp:   m.Timestamp,
		ContactName: m.ContactName,
	}

	applySealed(&rec, c.cfg.Sealer.EncryptFor(devices, []byte(m.Body)), m.Body)

	uploaded := true

	if len(m.Attachments) > 0 && c.cfg.Attachments != nil {
		rec.Attachments = c.cfg.Attachments.Process(ctx, acct, key, m.Attachments)
		uploaded = mediaUploaded(m.Attachments, rec.Attachments)
	}

	rec.SyncedAt = c.now().UnixMilli()

	if err := rec.Validate(); err != nil {
		return StatusFailed, err
	}

	path := remote.MessagePath(acct, key)

	err := retry.Do(ctx, c.logger, "sync message", c.cfg.Retry, func(ctx context.Context) error {
		return c.cfg.Store.Set(context.WithoutCancel(ctx), path, rec)
	})
	if err != nil {
		return StatusFailed, err
	}

	if c.cfg.Index != nil {
		c.recordSynced(key, hash, uploaded)
	}

	return StatusWritten, nil
}

// recordSynced marks key as written. A message whose media is inlined or
// missing stays unrecorded so the next pass uploads it again.
func (c *Coordinator) recordSynced(key, hash string, uploaded bool) {
	if !uploaded {
		c.logger.Debug("attachments pending, message stays queued", slog.String("key", key))

		if err := c.cfg.Index.ForgetSynced(key); err != nil {
			c.logger.Warn("clearing synced hash", slog.String("key", key), slog.String("error", err.Error()))
		}

		return
	}

	if err := c.cfg.Index.SetSyncedHash(key, hash); err != nil {
		c.logger.Warn("recording synced hash", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// mediaUploaded reports whether every media attachment of a message made
// it to the blob store. Inline copies do not count.
func mediaUploaded(in []models.LocalAttachment, out []models.AttachmentRecord) bool {
	want := 0

	for _, a := range in {
		if attachment.IsMedia(a.ContentType) {
			want++
		}
	}

	got := 0

	for _, r := range out {
		if r.Ref != "" {
			got++
		}
	}

	return got >= want
}

func applySealed(rec *models.Message, s keys.Sealed, plaintext string) {
	if !s.Encrypted {
		rec.Body = plaintext
		rec.EncryptionFailed = true
		rec.FailureReason = s.FailureReason

		return
	}

	rec.Body = base64.StdEncoding.EncodeToString(s.Ciphertext)
	rec.Encrypted = true
	rec.Nonce = base64.StdEncoding.EncodeToString(s.Nonce)
	rec.Keys = s.Keys
}

// sealItem encodes v as JSON and encrypts it for devices.
func sealItem(sealer Sealer, devices map[models.DeviceID]string, v any, ts int64) (models.EncryptedItem, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return models.EncryptedItem{}, fmt.Errorf("encoding item: %w", err)
	}

	item := models.EncryptedItem{Timestamp: ts}

	s := sealer.EncryptFor(devices, raw)
	if !s.Encrypted {
		item.Payload = string(raw)
		item.EncryptionFailed = true
		item.FailureReason = s.FailureReason

		return item, nil
	}

	item.Payload = base64.StdEncoding.EncodeToString(s.Ciphertext)
	item.Encrypted = true
	item.Nonce = base64.StdEncoding.EncodeToString(s.Nonce)
	item.Keys = s.Keys

	return item, nil
}

// RemoteKeys returns the stable keys of the most recent limit remote
// messages. It never deletes anything.
func (c *Coordinator) RemoteKeys(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = c.cfg.ReconcileLimit
	}

	acct, err := c.cfg.Identity.CurrentAccountID(ctx)
	if err != nil {
		return nil, err
	}

	var entries []remote.Entry

	err = retry.Do(ctx, c.logger, "list remote messages", c.cfg.Retry, func(ctx context.Context) error {
		var err error
		entries, err = c.cfg.Store.List(ctx, remote.MessagesPath(acct), limit)

		return err
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, _, err := models.ParseStableKey(e.Key); err != nil {
			c.logger.Debug("ignoring foreign message key", slog.String("key", e.Key))
			continue
		}

		out = append(out, e.Key)
	}

	return out, nil
}

// SyncCallLog mirrors call history entries, keyed by their local id.
func (c *Coordinator) SyncCallLog(ctx context.Context, entries []models.CallLogEntry) Report {
	rep := Report{Total: len(entries)}

	if len(entries) == 0 {
		return rep
	}

	acct, ok := c.begin(ctx, &rep)
	if !ok {
		return rep
	}

	devices := c.cfg.Devices.Keys(ctx, acct)

	var mu sync.Mutex

	err := c.fanOut(ctx, len(entries), func(ctx context.Context, i int) {
		s := StatusWritten

		if err := c.syncCall(ctx, acct, devices, entries[i]); err != nil {
			s = StatusFailed
			c.logger.Warn("call log sync failed", slog.Int64("id", entries[i].ID), slog.String("error", err.Error()))
		}

		mu.Lock()
		rep.add(s)
		mu.Unlock()
	})
	if err != nil {
		rep.Err = err
	}

	c.logger.Info("call log sync pass complete", rep.attrs()...)

	return rep
}

func (c *Coordinator) syncCall(ctx context.Context, acct models.AccountID, devices map[models.DeviceID]string, e models.CallLogEntry) error {
	item, err := sealItem(c.cfg.Sealer, devices, e, e.Timestamp)
	if err != nil {
		return err
	}

	path := remote.Join(remote.CallLogPath(acct), fmt.Sprintf("call_%d", e.ID))

	return retry.Do(ctx, c.logger, "sync call log", c.cfg.Retry, func(ctx context.Context) error {
		return c.cfg.Store.Set(context.WithoutCancel(ctx), path, item)
	})
}

// SyncClipboard schedules the latest clipboard text for mirroring. Bursts
// within the debounce window collapse into one write of the last item.
func (c *Coordinator) SyncClipboard(item models.ClipboardItem) {
	if strings.TrimSpace(item.Text) == "" {
		return
	}

	if item.Timestamp == 0 {
		item.Timestamp = c.now().UnixMilli()
	}

	c.clipboard.Trigger(item)
}

// FlushClipboard writes a pending clipboard item immediately.
func (c *Coordinator) FlushClipboard() {
	c.clipboard.Flush()
}

const clipboardTimeout = 30 * time.Second

func (c *Coordinator) writeClipboard(item models.ClipboardItem) {
	c.clipboardMu.Lock()
	defer c.clipboardMu.Unlock()

	if item.Text == c.lastClipboard {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), clipboardTimeout)
	defer cancel()

	var rep Report

	acct, ok := c.begin(ctx, &rep)
	if !ok {
		return
	}

	sealed, err := sealItem(c.cfg.Sealer, c.cfg.Devices.Keys(ctx, acct), item, item.Timestamp)
	if err != nil {
		c.logger.Warn("clipboard sync failed", slog.String("error", err.Error()))
		return
	}

	err = retry.Do(ctx, c.logger, "sync clipboard", c.cfg.Retry, func(ctx context.Context) error {
		return c.cfg.Store.Set(ctx, remote.ClipboardPath(acct), sealed)
	})
	if err != nil {
		c.logger.Warn("clipboard sync failed", slog.String("error", err.Error()))
		return
	}

	c.lastClipboard = item.Text
}
