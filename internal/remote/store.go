// Package remote defines the capabilities the sync engine consumes from
// the backend: a hierarchical structured store, a serverless function
// invoker, and an auth provider. It ships an in-process implementation
// of each plus HTTP and websocket clients for a real backend.
package remote

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// Entry is one stored value.
type Entry struct {
	Path       string          `json:"path"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	ServerTime int64           `json:"serverTime"`
}

// Decode unmarshals the entry value into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// EventType distinguishes writes from deletes in a subscription.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is a change delivered to a subscription.
type Event struct {
	Type  EventType `json:"type"`
	Entry Entry     `json:"entry"`
}

// Subscription is a live listener on a path prefix.
type Subscription interface {
	// Cancel detaches the listener. Once it returns no new callback
	// starts. Safe to call more than once and from inside a callback.
	Cancel()
}

// Store is a hierarchical key-value store with server-assigned write
// timestamps.
type Store interface {
	// Get returns the entry at path or an error wrapping ErrNotFound.
	Get(ctx context.Context, path string) (Entry, error)
	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error
	// Update merges top-level fields into the object at path, creating
	// it if absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the value at path. Deleting a missing path is not
	// an error.
	Delete(ctx context.Context, path string) error
	// List returns the direct children of prefix, most recent first.
	// A positive limit bounds the result.
	List(ctx context.Context, prefix string, limit int) ([]Entry, error)
	// Subscribe calls fn for every change under prefix until cancelled.
	Subscribe(ctx context.Context, prefix string, fn func(Event)) (Subscription, error)
}

// Invoker calls server-arbitrated functions.
type Invoker interface {
	Invoke(ctx context.Context, name string, req, resp any) error
}

// Session is an authenticated identity issued by the auth provider.
type Session struct {
	AccountID          models.AccountID `json:"accountId"`
	Token              string           `json:"token"`
	Anonymous          bool             `json:"anonymous"`
	RecoveryCredential string           `json:"recoveryCredential,omitempty"`
}

// AuthProvider issues and refreshes identities.
type AuthProvider interface {
	// CurrentSession validates or refreshes an existing session token.
	CurrentSession(ctx context.Context, token string) (Session, error)
	// SignInWithRecovery rebinds a previously issued identity.
	SignInWithRecovery(ctx context.Context, credential string) (Session, error)
	// SignInAnonymously mints a fresh identity.
	SignInAnonymously(ctx context.Context) (Session, error)
}
