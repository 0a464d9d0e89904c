package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
)

const acct = models.AccountID("acct-1")

var testPlans = map[string]models.PlanTier{
	"free": {Name: "free", DeviceLimit: 3},
	"pro":  {Name: "pro", DeviceLimit: 10},
}

func newTestArbiter(t *testing.T) (*Arbiter, *remote.MemoryStore) {
	t.Helper()

	store := remote.NewMemoryStore()

	return NewArbiter(store, testPlans, "free", slog.Default()), store
}

func mint(t *testing.T, a *Arbiter, id string) models.PairingToken {
	t.Helper()

	tok, err := a.Mint(context.Background(), models.Device{ID: models.DeviceID(id), Name: id}, 0)
	require.NoError(t, err)

	return tok
}

func deviceCount(t *testing.T, store *remote.MemoryStore) int {
	t.Helper()

	entries, err := store.List(context.Background(), remote.DevicesPath(acct), 0)
	require.NoError(t, err)

	return len(entries)
}

func TestArbiter_ApproveRegistersDevice(t *testing.T) {
	a, store := newTestArbiter(t)
	tok := mint(t, a, "laptop")

	resp := a.Resolve(context.Background(), tok.Token, acct, true)
	require.Equal(t, StatusApproved, resp.Status)
	require.NotNil(t, resp.Device)
	assert.Equal(t, models.DeviceID("laptop"), resp.Device.ID)
	assert.Equal(t, 1, deviceCount(t, store))

	e, err := store.Get(context.Background(), remote.PairingPath(tok.Token))
	require.NoError(t, err)

	var stored models.PairingToken
	require.NoError(t, e.Decode(&stored))
	assert.Equal(t, models.PairingApproved, stored.State)
	assert.Equal(t, acct, stored.AccountID)
}

func TestArbiter_SecondResolutionIsError(t *testing.T) {
	for _, first := range []bool{true, false} {
		t.Run(fmt.Sprintf("first approved=%v", first), func(t *testing.T) {
			a, _ := newTestArbiter(t)
			tok := mint(t, a, "laptop")

			a.Resolve(context.Background(), tok.Token, acct, first)

			for _, second := range []bool{true, false} {
				resp := a.Resolve(context.Background(), tok.Token, acct, second)
				assert.Equal(t, StatusError, resp.Status)
				assert.Equal(t, CodeAlreadyResolved, resp.Code)
			}
		})
	}
}

func TestArbiter_RejectDoesNotRegister(t *testing.T) {
	a, store := newTestArbiter(t)
	tok := mint(t, a, "laptop")

	resp := a.Resolve(context.Background(), tok.Token, acct, false)
	assert.Equal(t, StatusRejected, resp.Status)
	assert.Equal(t, 0, deviceCount(t, store))
}

func TestArbiter_ExpiredToken(t *testing.T) {
	a, store := newTestArbiter(t)
	tok := mint(t, a, "laptop")

	a.now = func() time.Time { return time.UnixMilli(tok.ExpiresAt) }

	resp := a.Resolve(context.Background(), tok.Token, acct, true)
	assert.Equal(t, CodeExpired, resp.Code)
	assert.Equal(t, 0, deviceCount(t, store))

	resp = a.Resolve(context.Background(), tok.Token, acct, true)
	assert.Equal(t, CodeAlreadyResolved, resp.Code)
}

func TestArbiter_UnknownToken(t *testing.T) {
	a, _ := newTestArbiter(t)

	resp := a.Resolve(context.Background(), "nope", acct, true)
	assert.Equal(t, CodeTokenNotFound, resp.Code)

	resp = a.Resolve(context.Background(), "", acct, true)
	assert.Equal(t, CodeInvalid, resp.Code)
}

func TestArbiter_DeviceLimit(t *testing.T) {
	a, store := newTestArbiter(t)

	for i := range 3 {
		tok := mint(t, a, fmt.Sprintf("d%d", i))
		require.Equal(t, StatusApproved, a.Resolve(context.Background(), tok.Token, acct, true).Status)
	}

	fourth := mint(t, a, "d3")
	resp := a.Resolve(context.Background(), fourth.Token, acct, true)
	assert.Equal(t, StatusDeviceLimit, resp.Status)
	assert.Equal(t, 3, resp.CurrentDevices)
	assert.Equal(t, 3, resp.Limit)
	assert.Equal(t, 3, deviceCount(t, store))

	// Rejecting at the limit is still allowed.
	assert.Equal(t, StatusRejected, a.Resolve(context.Background(), fourth.Token, acct, false).Status)
}

func TestArbiter_RepairingKnownDeviceAtLimit(t *testing.T) {
	a, store := newTestArbiter(t)

	var firstPairedAt int64

	for i := range 3 {
		tok := mint(t, a, fmt.Sprintf("d%d", i))
		resp := a.Resolve(context.Background(), tok.Token, acct, true)
		require.Equal(t, StatusApproved, resp.Status)

		if i == 0 {
			firstPairedAt = resp.Device.PairedAt
		}
	}

	again := mint(t, a, "d0")
	resp := a.Resolve(context.Background(), again.Token, acct, true)
	require.Equal(t, StatusApproved, resp.Status)
	assert.Equal(t, firstPairedAt, resp.Device.PairedAt)
	assert.Equal(t, 3, deviceCount(t, store))
}

func TestArbiter_PlanRecordRaisesLimit(t *testing.T) {
	a, store := newTestArbiter(t)
	require.NoError(t, store.Set(context.Background(), remote.PlanPath(acct), models.Plan{Tier: "pro"}))

	for i := range 5 {
		tok := mint(t, a, fmt.Sprintf("d%d", i))
		require.Equal(t, StatusApproved, a.Resolve(context.Background(), tok.Token, acct, true).Status)
	}

	assert.Equal(t, 5, deviceCount(t, store))
}

func TestArbiter_MintRequiresDeviceID(t *testing.T) {
	a, _ := newTestArbiter(t)

	_, err := a.Mint(context.Background(), models.Device{}, time.Minute)
	assert.Error(t, err)
}

func TestLegacyTranslation(t *testing.T) {
	v2 := []resolveResponse{
		{Status: StatusApproved, Device: &models.Device{ID: "d"}},
		{Status: StatusRejected},
		{Status: StatusDeviceLimit, CurrentDevices: 3, Limit: 3},
		{Status: StatusError, Code: CodeAlreadyResolved},
		{Status: StatusError, Code: CodeExpired},
		{Status: StatusError, Code: CodeTokenNotFound},
	}

	for _, r := range v2 {
		back := fromV2(r).toV2()
		assert.Equal(t, r.Status, back.Status)
		assert.Equal(t, r.Code, back.Code)
		assert.Equal(t, r.CurrentDevices, back.CurrentDevices)
	}
}
