package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/mirrorsync/internal/debounce"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/syncer"
)

// Sink receives decoded batches.
type Sink interface {
	SyncMessages(ctx context.Context, msgs []models.LocalMessage) syncer.Report
	SyncCallLog(ctx context.Context, entries []models.CallLogEntry) syncer.Report
	SyncClipboard(item models.ClipboardItem)
}

// ThreadRecorder learns thread membership from batches so sent messages
// can be resolved.
type ThreadRecorder interface {
	SetRecipients(threadID int64, addrs []string)
	Observe(m models.LocalMessage)
}

// errDeferred marks a batch left in place for the next pass.
var errDeferred = errors.New("batch deferred")

// Watcher turns files dropped into a directory into sync passes.
type Watcher struct {
	dir     string
	sink    Sink
	threads ThreadRecorder
	quiet   time.Duration
	rescan  time.Duration
	logger  *slog.Logger

	passMu sync.Mutex
}

// NewWatcher watches dir. Bursts of file events within quiet collapse into
// one pass; a positive rescan also retries deferred files periodically.
func NewWatcher(dir string, sink Sink, threads ThreadRecorder, quiet, rescan time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		sink:    sink,
		threads: threads,
		quiet:   quiet,
		rescan:  rescan,
		logger:  logger,
	}
}

// batchFile reports whether name is a complete batch. Writers create
// hidden temp files and rename them into place.
func batchFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	pass := debounce.New(w.quiet, func(struct{}) {
		if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("spool pass failed", slog.String("error", err.Error()))
		}
	})
	defer pass.Stop()

	pass.Trigger(struct{}{})

	var tick <-chan time.Time

	if w.rescan > 0 {
		t := time.NewTicker(w.rescan)
		defer t.Stop()

		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if batchFile(event.Name) && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)) {
				pass.Trigger(struct{}{})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("spool watcher error", slog.String("error", err.Error()))

		case <-tick:
			pass.Trigger(struct{}{})
		}
	}
}

// Scan processes every batch currently in the directory, oldest name
// first, and returns how many were consumed.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading spool dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && batchFile(e.Name()) {
			names = append(names, e.Name())
		}
	}

	slices.Sort(names)

	done := 0

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		err := w.processFile(ctx, filepath.Join(w.dir, name))

		switch {
		case err == nil:
			done++
		case errors.Is(err, errDeferred):
			w.logger.Info("spool batch deferred", slog.String("file", name), slog.String("error", err.Error()))
			return done, nil
		default:
			w.logger.Warn("spool batch failed", slog.String("file", name), slog.String("error", err.Error()))
		}
	}

	return done, nil
}

func (w *Watcher) processFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	b, err := DecodeBatch(data)
	if err != nil {
		if rerr := os.Rename(path, path+".bad"); rerr != nil {
			return errors.Join(err, rerr)
		}

		return err
	}

	if w.threads != nil {
		for id, addrs := range b.ThreadRecipients() {
			w.threads.SetRecipients(id, addrs)
		}

		for _, m := range b.Messages {
			w.threads.Observe(m)
		}
	}

	if len(b.Messages) > 0 {
		if err := deferred(w.sink.SyncMessages(ctx, b.Messages)); err != nil {
			return err
		}
	}

	if len(b.Calls) > 0 {
		if err := deferred(w.sink.SyncCallLog(ctx, b.Calls)); err != nil {
			return err
		}
	}

	if b.Clipboard != nil {
		w.sink.SyncClipboard(*b.Clipboard)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing processed batch: %w", err)
	}

	w.logger.Debug("spool batch processed",
		slog.String("file", filepath.Base(path)),
		slog.Int("messages", len(b.Messages)),
		slog.Int("calls", len(b.Calls)),
	)

	return nil
}

// deferred maps a pass that could not start to errDeferred. Per-item
// failures do not hold the batch back; they are retried by the
// coordinator and otherwise picked up on the next full resync.
func deferred(rep syncer.Report) error {
	if rep.Err != nil {
		return fmt.Errorf("%w: %w", errDeferred, rep.Err)
	}

	return nil
}
