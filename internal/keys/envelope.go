package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// Failure reasons recorded on items stored without encryption.
const (
	ReasonSealingFailed = "sealing failed"
	ReasonNoDeviceKeys  = "no device keys"
	ReasonBothFailed    = "both failed"
)

// envelopeVersion prefixes inbound envelope strings.
const envelopeVersion = "v1"

// Sealed is the outcome of encrypting one payload for an account. When
// Encrypted is false Ciphertext is nil and FailureReason is set.
type Sealed struct {
	Ciphertext    []byte
	Nonce         []byte
	Keys          map[models.DeviceID]string
	Encrypted     bool
	FailureReason string
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

func seal(r io.Reader, body []byte) (key *[KeyLen]byte, ciphertext, nonce []byte, err error) {
	key = new([KeyLen]byte)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, nil, nil, fmt.Errorf("generating body key: %w", err)
	}

	gcm, err := newGCM(key[:])
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return key, gcm.Seal(nil, nonce, body, nil), nonce, nil
}

// SealMessage encrypts body under a fresh random key. The key is never
// reused across calls.
func (m *Manager) SealMessage(body []byte) (key *[KeyLen]byte, ciphertext, nonce []byte, err error) {
	return seal(m.rand, body)
}

// WrapKeyForDevice seals key to a device's base64 public key. It reports
// false instead of an error so callers can skip the device.
func (m *Manager) WrapKeyForDevice(publicKey string, key *[KeyLen]byte) (string, bool) {
	pub, err := decodeKey(publicKey)
	if err != nil || key == nil {
		return "", false
	}

	wrapped, err := box.SealAnonymous(nil, key[:], pub, m.rand)
	if err != nil {
		return "", false
	}

	return base64.StdEncoding.EncodeToString(wrapped), true
}

// EncryptFor seals plaintext once and wraps the body key for each of
// devices. Encryption never fails outright: the returned Sealed either
// carries ciphertext for at least one device or says why it does not.
func (m *Manager) EncryptFor(devices map[models.DeviceID]string, plaintext []byte) Sealed {
	key, ct, nonce, err := m.SealMessage(plaintext)
	if err != nil {
		m.logger.Warn("sealing failed, storing plaintext", slog.String("error", err.Error()))

		if len(devices) == 0 {
			return Sealed{FailureReason: ReasonBothFailed}
		}

		return Sealed{FailureReason: ReasonSealingFailed}
	}

	wrapped := make(map[models.DeviceID]string, len(devices))

	for id, pub := range devices {
		w, ok := m.WrapKeyForDevice(pub, key)
		if !ok {
			m.logger.Debug("skipping device with unusable key", slog.String("device", string(id)))
			continue
		}

		wrapped[id] = w
	}

	if len(wrapped) == 0 {
		return Sealed{FailureReason: ReasonNoDeviceKeys}
	}

	return Sealed{
		Ciphertext: ct,
		Nonce:      nonce,
		Keys:       wrapped,
		Encrypted:  true,
	}
}

// Encrypt looks up the account's device keys and calls EncryptFor.
func (m *Manager) Encrypt(ctx context.Context, acct models.AccountID, plaintext []byte) Sealed {
	return m.EncryptFor(m.DevicePublicKeys(ctx, acct), plaintext)
}

// SealEnvelope encrypts body for recipients and returns the envelope
// string with its wrapped keys. Companions use the same construction to
// address the phone.
func (m *Manager) SealEnvelope(body []byte, recipients map[models.DeviceID]string) (string, map[models.DeviceID]string, error) {
	s := m.EncryptFor(recipients, body)
	if !s.Encrypted {
		return "", nil, errors.New(s.FailureReason)
	}

	env := strings.Join([]string{
		envelopeVersion,
		base64.StdEncoding.EncodeToString(s.Nonce),
		base64.StdEncoding.EncodeToString(s.Ciphertext),
	}, ".")

	return env, s.Keys, nil
}

// Open decrypts an envelope addressed to this phone. On any failure it
// returns the input unchanged so callers always have something to show.
func (m *Manager) Open(envelope string, keys map[models.DeviceID]string) string {
	plaintext, err := m.open(envelope, keys)
	if err != nil {
		m.logger.Debug("envelope not opened", slog.String("error", err.Error()))
		return envelope
	}

	return string(plaintext)
}

func (m *Manager) open(envelope string, keys map[models.DeviceID]string) ([]byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return nil, errors.New("not a v1 envelope")
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}

	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	return m.OpenBytes(ct, nonce, keys)
}

// OpenBytes decrypts ciphertext sealed for this phone's key.
func (m *Manager) OpenBytes(ct, nonce []byte, keys map[models.DeviceID]string) ([]byte, error) {
	id, err := m.store.LocalDeviceID()
	if err != nil {
		return nil, err
	}

	wrappedB64, ok := keys[models.DeviceID(id)]
	if !ok {
		return nil, errors.New("no key wrapped for this device")
	}

	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}

	kp, err := m.store.Keypair()
	if err != nil {
		return nil, err
	}

	if kp == nil || len(kp.Public) != KeyLen || len(kp.Private) != KeyLen {
		return nil, errors.New("no local keypair")
	}

	var pub, priv [KeyLen]byte
	copy(pub[:], kp.Public)
	copy(priv[:], kp.Private)

	key, ok := box.OpenAnonymous(nil, wrapped, &pub, &priv)
	if !ok || len(key) != KeyLen {
		return nil, errors.New("unwrapping body key")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}
