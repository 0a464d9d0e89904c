package resolver

import (
	"context"
	"sync"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// ThreadIndex is an in-memory ThreadLookup fed from message batches when
// the platform reader supplies thread participants alongside messages.
type ThreadIndex struct {
	mu         sync.RWMutex
	recipients map[int64][]string
	latest     map[int64]received
}

type received struct {
	address   string
	timestamp int64
}

// NewThreadIndex returns an empty index.
func NewThreadIndex() *ThreadIndex {
	return &ThreadIndex{
		recipients: make(map[int64][]string),
		latest:     make(map[int64]received),
	}
}

// SetRecipients records the participants of a thread.
func (t *ThreadIndex) SetRecipients(threadID int64, addrs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recipients[threadID] = append([]string(nil), addrs...)
}

// Observe tracks the newest received message per thread.
func (t *ThreadIndex) Observe(m models.LocalMessage) {
	if m.Direction != models.Received || m.ThreadID == 0 || m.Address == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.latest[m.ThreadID]; !ok || m.Timestamp >= cur.timestamp {
		t.latest[m.ThreadID] = received{address: m.Address, timestamp: m.Timestamp}
	}
}

// ThreadRecipients implements ThreadLookup.
func (t *ThreadIndex) ThreadRecipients(_ context.Context, threadID int64) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.recipients[threadID], nil
}

// LatestReceivedAddress implements ThreadLookup.
func (t *ThreadIndex) LatestReceivedAddress(_ context.Context, threadID int64) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.latest[threadID].address, nil
}
