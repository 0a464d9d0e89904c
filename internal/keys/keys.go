// Package keys manages the phone's X25519 keypair and the envelope
// encryption of message bodies for every paired companion device.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
	"github.com/alexjbarnes/mirrorsync/internal/state"
)

// KeyLen is the size of X25519 keys and of the symmetric body key.
const KeyLen = 32

// KeyStore persists the local keypair.
type KeyStore interface {
	Keypair() (*state.Keypair, error)
	PutKeypairIfAbsent(kp state.Keypair) (state.Keypair, error)
	LocalDeviceID() (string, error)
}

// PhoneKey is the record companions read to encrypt commands for the
// phone.
type PhoneKey struct {
	DeviceID    string `json:"deviceId"`
	Name        string `json:"name"`
	PublicKey   string `json:"publicKey"`
	PublishedAt int64  `json:"publishedAt"`
}

// Manager owns the local keypair and performs envelope encryption.
type Manager struct {
	store      KeyStore
	remote     remote.Store
	deviceName string
	logger     *slog.Logger
	rand       io.Reader
	now        func() time.Time

	publishMu sync.Mutex
}

// NewManager creates a key manager.
func NewManager(store KeyStore, rs remote.Store, deviceName string, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		remote:     rs,
		deviceName: deviceName,
		logger:     logger,
		rand:       rand.Reader,
		now:        time.Now,
	}
}

// EnsureLocalKeypair returns the persisted keypair, generating it on
// first use. Concurrent first calls converge on one stored keypair.
func (m *Manager) EnsureLocalKeypair() (state.Keypair, error) {
	kp, err := m.store.Keypair()
	if err != nil {
		return state.Keypair{}, err
	}

	if kp != nil {
		return *kp, nil
	}

	pub, priv, err := box.GenerateKey(m.rand)
	if err != nil {
		return state.Keypair{}, fmt.Errorf("generating keypair: %w", err)
	}

	stored, err := m.store.PutKeypairIfAbsent(state.Keypair{
		Public:    pub[:],
		Private:   priv[:],
		CreatedAt: m.now().UnixMilli(),
	})
	if err != nil {
		return state.Keypair{}, err
	}

	if string(stored.Public) == string(pub[:]) {
		m.logger.Info("generated local keypair")
	}

	return stored, nil
}

// PublishPublicKey writes the local public key where the account's
// companions can find it. Calls are serialized so an older publish never
// lands after a newer one from this process.
func (m *Manager) PublishPublicKey(ctx context.Context, acct models.AccountID) error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	kp, err := m.EnsureLocalKeypair()
	if err != nil {
		return err
	}

	id, err := m.store.LocalDeviceID()
	if err != nil {
		return err
	}

	rec := PhoneKey{
		DeviceID:    id,
		Name:        m.deviceName,
		PublicKey:   base64.StdEncoding.EncodeToString(kp.Public),
		PublishedAt: m.now().UnixMilli(),
	}

	if err := m.remote.Set(context.WithoutCancel(ctx), remote.PhoneKeyPath(acct, id), rec); err != nil {
		return fmt.Errorf("publishing public key: %w", err)
	}

	m.logger.Debug("published public key", slog.String("device", id))

	return nil
}

// DevicePublicKeys returns the public key of every companion device that
// has one. An account with no devices, or a failed read, yields an empty
// map.
func (m *Manager) DevicePublicKeys(ctx context.Context, acct models.AccountID) map[models.DeviceID]string {
	out := make(map[models.DeviceID]string)

	entries, err := m.remote.List(ctx, remote.DevicesPath(acct), 0)
	if err != nil {
		m.logger.Warn("reading device keys", slog.String("error", err.Error()))
		return out
	}

	for _, e := range entries {
		var d models.Device
		if err := e.Decode(&d); err != nil {
			m.logger.Debug("skipping undecodable device", slog.String("path", e.Path))
			continue
		}

		if d.ID == "" {
			d.ID = models.DeviceID(e.Key)
		}

		if d.PublicKey != "" {
			out[d.ID] = d.PublicKey
		}
	}

	return out
}

func decodeKey(b64 string) (*[KeyLen]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}

	if len(raw) != KeyLen {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(raw), KeyLen)
	}

	var k [KeyLen]byte
	copy(k[:], raw)

	return &k, nil
}
