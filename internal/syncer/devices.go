package syncer

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/alexjbarnes/mirrorsync/internal/keys"
	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// DeviceLister returns the public keys of an account's companion devices.
type DeviceLister interface {
	DevicePublicKeys(ctx context.Context, acct models.AccountID) map[models.DeviceID]string
}

// DeviceCache holds the last device key set for ttl. An empty result is
// not cached so a newly paired device is picked up on the next call.
type DeviceCache struct {
	src DeviceLister
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	acct    models.AccountID
	keys    map[models.DeviceID]string
	fetched time.Time
}

func NewDeviceCache(src DeviceLister, ttl time.Duration) *DeviceCache {
	return &DeviceCache{src: src, ttl: ttl, now: time.Now}
}

// Keys returns a copy of the cached key set, refreshing it when stale.
func (c *DeviceCache) Keys(ctx context.Context, acct models.AccountID) map[models.DeviceID]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acct == acct && c.keys != nil && c.now().Sub(c.fetched) < c.ttl {
		return maps.Clone(c.keys)
	}

	fresh := c.src.DevicePublicKeys(ctx, acct)
	if len(fresh) == 0 {
		c.keys = nil
		return map[models.DeviceID]string{}
	}

	c.acct = acct
	c.keys = fresh
	c.fetched = c.now()

	return maps.Clone(fresh)
}

// Invalidate drops the cached set.
func (c *DeviceCache) Invalidate() {
	c.mu.Lock()
	c.keys = nil
	c.mu.Unlock()
}

// Sealer encrypts a payload for a known device key set.
type Sealer interface {
	EncryptFor(devices map[models.DeviceID]string, plaintext []byte) keys.Sealed
}

// CachedEncryptor encrypts for the devices in a DeviceCache. It lets the
// attachment pipeline share the coordinator's device lookups.
type CachedEncryptor struct {
	sealer Sealer
	cache  *DeviceCache
}

func NewCachedEncryptor(sealer Sealer, cache *DeviceCache) *CachedEncryptor {
	return &CachedEncryptor{sealer: sealer, cache: cache}
}

func (e *CachedEncryptor) Encrypt(ctx context.Context, acct models.AccountID, plaintext []byte) keys.Sealed {
	return e.sealer.EncryptFor(e.cache.Keys(ctx, acct), plaintext)
}
