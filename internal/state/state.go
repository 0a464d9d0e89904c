package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket    = []byte("app")
	keysBucket   = []byte("keys")
	syncedBucket = []byte("synced")

	accountKey  = []byte("account_id")
	sessionKey  = []byte("session_token")
	recoveryKey = []byte("recovery_credential")
	deviceKey   = []byte("local_device_id")
	keypairKey  = []byte("keypair")
)

// Keypair is the phone's long-lived X25519 keypair.
type Keypair struct {
	Public    []byte `json:"public"`
	Private   []byte `json:"private"`
	CreatedAt int64  `json:"createdAt"`
}

// State wraps a bbolt database holding everything the phone must
// remember across restarts: identity, keys, and the sync dedup index.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.mirrorsync/state.db.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, keysBucket, syncedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// DefaultPath returns ~/.mirrorsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".mirrorsync", "state.db"), nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) getString(key []byte) string {
	var v string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(appBucket).Get(key); b != nil {
			v = string(b)
		}

		return nil
	})

	return v
}

func (s *State) putString(key []byte, v string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v == "" {
			return b.Delete(key)
		}

		return b.Put(key, []byte(v))
	})
}

// AccountID returns the last known durable account id, or "".
func (s *State) AccountID() string { return s.getString(accountKey) }

// SetAccountID persists the account id. Empty clears it.
func (s *State) SetAccountID(id string) error { return s.putString(accountKey, id) }

// SessionToken returns the cached session token, or "".
func (s *State) SessionToken() string { return s.getString(sessionKey) }

// SetSessionToken persists the session token. Empty clears it.
func (s *State) SetSessionToken(token string) error { return s.putString(sessionKey, token) }

// RecoveryCredential returns the stored recovery credential, or "".
func (s *State) RecoveryCredential() string { return s.getString(recoveryKey) }

// SetRecoveryCredential persists the recovery credential.
func (s *State) SetRecoveryCredential(cred string) error { return s.putString(recoveryKey, cred) }

// LocalDeviceID returns the phone's own device id, minting one on first use.
func (s *State) LocalDeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(deviceKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading local device id: %w", err)
	}

	return id, nil
}

// Keypair returns the stored keypair, or nil if none has been generated.
func (s *State) Keypair() (*Keypair, error) {
	var kp *Keypair

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keysBucket).Get(keypairKey)
		if v == nil {
			return nil
		}

		kp = &Keypair{}

		return json.Unmarshal(v, kp)
	})
	if err != nil {
		return nil, fmt.Errorf("reading keypair: %w", err)
	}

	return kp, nil
}

// PutKeypairIfAbsent stores kp unless a keypair already exists, and
// returns whichever keypair is stored afterwards. The check and the write
// happen in one transaction.
func (s *State) PutKeypairIfAbsent(kp Keypair) (Keypair, error) {
	stored := kp

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if v := b.Get(keypairKey); v != nil {
			return json.Unmarshal(v, &stored)
		}

		data, err := json.Marshal(kp)
		if err != nil {
			return err
		}

		return b.Put(keypairKey, data)
	})
	if err != nil {
		return Keypair{}, fmt.Errorf("storing keypair: %w", err)
	}

	return stored, nil
}

// SyncedHash returns the content hash last written remotely for a stable
// key, or "".
func (s *State) SyncedHash(key string) string {
	var h string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(syncedBucket).Get([]byte(key)); v != nil {
			h = string(v)
		}

		return nil
	})

	return h
}

// SetSyncedHash records the content hash of a successful remote write.
func (s *State) SetSyncedHash(key, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncedBucket).Put([]byte(key), []byte(hash))
	})
}

// ForgetSynced drops the dedup entry so the next pass rewrites the key.
func (s *State) ForgetSynced(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncedBucket).Delete([]byte(key))
	})
}

// SyncedCount returns how many stable keys have a recorded write.
func (s *State) SyncedCount() int {
	count := 0

	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(syncedBucket).Stats().KeyN
		return nil
	})

	return count
}
