package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
)

// MemoryStore is an in-process Store. Server timestamps are wall-clock
// milliseconds bumped to stay strictly increasing.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	clock   int64
	subs    map[int]*memorySub
	nextSub int
	now     func() time.Time
}

type memorySub struct {
	prefix string
	fn     func(Event)
	closed atomic.Bool
	cancel func()
}

func (s *memorySub) Cancel() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// deliver may re-enter the store from fn, so no lock is held here.
func (s *memorySub) deliver(ev Event) {
	if s.closed.Load() {
		return
	}

	s.fn(ev)
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		subs:    make(map[int]*memorySub),
		now:     time.Now,
	}
}

func (m *MemoryStore) tick() int64 {
	t := m.now().UnixMilli()
	if t <= m.clock {
		t = m.clock + 1
	}

	m.clock = t

	return t
}

func under(p, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}

	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, path string) (Entry, error) {
	path = Join(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[path]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", path, apperrors.ErrNotFound)
	}

	return e, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	m.write(Join(path), raw)

	return nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	path = Join(path)

	m.mu.Lock()

	merged := map[string]any{}
	if e, ok := m.entries[path]; ok {
		if err := json.Unmarshal(e.Value, &merged); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%s is not an object: %w", path, err)
		}
	}

	maps.Copy(merged, fields)

	raw, err := json.Marshal(merged)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	ev, subs := m.putLocked(path, raw)
	m.mu.Unlock()

	notify(subs, ev)

	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, path string) error {
	path = Join(path)

	m.mu.Lock()

	e, ok := m.entries[path]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	delete(m.entries, path)
	e.ServerTime = m.tick()
	subs := m.matchingLocked(path)
	m.mu.Unlock()

	notify(subs, Event{Type: EventDelete, Entry: e})

	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string, limit int) ([]Entry, error) {
	prefix = Join(prefix)

	m.mu.Lock()

	var out []Entry

	for p, e := range m.entries {
		if !strings.HasPrefix(p, prefix+"/") {
			continue
		}

		if strings.Contains(p[len(prefix)+1:], "/") {
			continue
		}

		out = append(out, e)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerTime != out[j].ServerTime {
			return out[i].ServerTime > out[j].ServerTime
		}

		return out[i].Path < out[j].Path
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// Subscribe implements Store. Callbacks run synchronously on the writing
// goroutine, after the write is visible.
func (m *MemoryStore) Subscribe(_ context.Context, prefix string, fn func(Event)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++

	sub := &memorySub{prefix: Join(prefix), fn: fn}
	sub.cancel = func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
	m.subs[id] = sub

	return sub, nil
}

func (m *MemoryStore) write(path string, raw []byte) {
	m.mu.Lock()
	ev, subs := m.putLocked(path, raw)
	m.mu.Unlock()

	notify(subs, ev)
}

func (m *MemoryStore) putLocked(path string, raw []byte) (Event, []*memorySub) {
	e := Entry{
		Path:       path,
		Key:        Base(path),
		Value:      raw,
		ServerTime: m.tick(),
	}
	m.entries[path] = e

	return Event{Type: EventPut, Entry: e}, m.matchingLocked(path)
}

func (m *MemoryStore) matchingLocked(path string) []*memorySub {
	ids := make([]int, 0, len(m.subs))
	for id, s := range m.subs {
		if under(path, s.prefix) {
			ids = append(ids, id)
		}
	}

	sort.Ints(ids)

	out := make([]*memorySub, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subs[id])
	}

	return out
}

func notify(subs []*memorySub, ev Event) {
	for _, s := range subs {
		s.deliver(ev)
	}
}
