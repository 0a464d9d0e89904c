package pairing

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
)

type fixedAccount struct {
	id  models.AccountID
	err error
}

func (f fixedAccount) CurrentAccountID(context.Context) (models.AccountID, error) {
	return f.id, f.err
}

// newLocalService wires a Service to an in-process Arbiter.
func newLocalService(t *testing.T) (*Service, *Arbiter, *remote.LocalInvoker, *remote.MemoryStore) {
	t.Helper()

	a, store := newTestArbiter(t)
	inv := remote.NewLocalInvoker()
	a.Register(inv)

	return NewService(fixedAccount{id: acct}, inv, store, nil, slog.Default()), a, inv, store
}

func TestResolvePairing_Approved(t *testing.T) {
	svc, a, _, _ := newLocalService(t)
	tok := mint(t, a, "laptop")

	res := svc.ResolvePairing(context.Background(), a.Payload(tok), true)
	require.Equal(t, Approved, res.Outcome, "err: %v", res.Err)
	require.NotNil(t, res.Device)
	assert.Equal(t, models.DeviceID("laptop"), res.Device.ID)
	assert.False(t, res.LimitReached())
}

func TestResolvePairing_SecondRedeemIsError(t *testing.T) {
	svc, a, _, _ := newLocalService(t)
	tok := mint(t, a, "laptop")

	require.Equal(t, Rejected, svc.ResolvePairing(context.Background(), a.Payload(tok), false).Outcome)

	res := svc.ResolvePairing(context.Background(), a.Payload(tok), true)
	assert.Equal(t, Error, res.Outcome)
	assert.ErrorIs(t, res.Err, apperrors.ErrTokenAlreadyResolved)
}

func TestResolvePairing_DeviceLimit(t *testing.T) {
	svc, a, _, store := newLocalService(t)

	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, Approved, svc.ResolvePairing(context.Background(), a.Payload(mint(t, a, id)), true).Outcome)
	}

	res := svc.ResolvePairing(context.Background(), a.Payload(mint(t, a, "d")), true)
	assert.Equal(t, Error, res.Outcome)
	require.True(t, res.LimitReached())
	assert.Equal(t, 3, res.DeviceLimit.Current)
	assert.Equal(t, 3, res.DeviceLimit.Limit)
	assert.ErrorIs(t, res.Err, apperrors.ErrDeviceLimitReached)
	assert.Equal(t, 3, deviceCount(t, store))
}

func TestResolvePairing_FallsBackToLegacy(t *testing.T) {
	svc, a, inv, _ := newLocalService(t)
	inv.Unregister(FuncApproveV2)

	res := svc.ResolvePairing(context.Background(), a.Payload(mint(t, a, "laptop")), true)
	assert.Equal(t, Approved, res.Outcome)
}

func TestResolvePairing_LegacyCarriesDeviceLimit(t *testing.T) {
	svc, a, inv, _ := newLocalService(t)
	inv.Unregister(FuncApproveV2)

	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, Approved, svc.ResolvePairing(context.Background(), a.Payload(mint(t, a, id)), true).Outcome)
	}

	res := svc.ResolvePairing(context.Background(), a.Payload(mint(t, a, "d")), true)
	require.True(t, res.LimitReached())
	assert.Equal(t, 3, res.DeviceLimit.Current)
}

func TestResolvePairing_BothProtocolsFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	inv := remote.NewMockInvoker(ctrl)

	v2Err := &remote.FunctionError{Function: FuncApproveV2, Code: remote.CodeNotFound, Message: "gone"}
	legacyErr := errors.New("connection refused")

	gomock.InOrder(
		inv.EXPECT().Invoke(gomock.Any(), FuncApproveV2, gomock.Any(), gomock.Any()).Return(v2Err),
		inv.EXPECT().Invoke(gomock.Any(), FuncApproveLegacy, gomock.Any(), gomock.Any()).Return(legacyErr),
	)

	svc := NewService(fixedAccount{id: acct}, inv, remote.NewMemoryStore(), nil, slog.Default())

	res := svc.ResolvePairing(context.Background(), Payload{Token: "t", Device: models.Device{ID: "d"}}, true)
	assert.Equal(t, Error, res.Outcome)
	assert.ErrorIs(t, res.Err, legacyErr)
	assert.ErrorIs(t, res.Err, apperrors.ErrRemoteRequest)
}

func TestResolvePairing_UnknownV2StatusRetriesLegacy(t *testing.T) {
	ctrl := gomock.NewController(t)
	inv := remote.NewMockInvoker(ctrl)

	gomock.InOrder(
		inv.EXPECT().Invoke(gomock.Any(), FuncApproveV2, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, _, resp any) error {
				resp.(*resolveResponse).Status = "pending-review"
				return nil
			}),
		inv.EXPECT().Invoke(gomock.Any(), FuncApproveLegacy, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, req, resp any) error {
				assert.Equal(t, "reject", req.(legacyRequest).Decision)
				resp.(*legacyResponse).Success = true
				resp.(*legacyResponse).Rejected = true

				return nil
			}),
	)

	svc := NewService(fixedAccount{id: acct}, inv, remote.NewMemoryStore(), nil, slog.Default())

	res := svc.ResolvePairing(context.Background(), Payload{Token: "t", Device: models.Device{ID: "d"}}, false)
	assert.Equal(t, Rejected, res.Outcome)
}

func TestResolvePairing_CancelledCallerStillCompletes(t *testing.T) {
	svc, a, _, store := newLocalService(t)
	tok := mint(t, a, "laptop")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := svc.ResolvePairing(ctx, a.Payload(tok), true)
	assert.Equal(t, Approved, res.Outcome)
	assert.Equal(t, 1, deviceCount(t, store))
}

func TestResolvePairing_AuthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	inv := remote.NewMockInvoker(ctrl)

	svc := NewService(fixedAccount{err: apperrors.ErrAuthenticationFailed}, inv, remote.NewMemoryStore(), nil, slog.Default())

	res := svc.ResolvePairing(context.Background(), Payload{Token: "t"}, true)
	assert.Equal(t, Error, res.Outcome)
	assert.ErrorIs(t, res.Err, apperrors.ErrAuthenticationFailed)
}

func TestListDevicesAndUnpair(t *testing.T) {
	svc, a, _, _ := newLocalService(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.Equal(t, Approved, svc.ResolvePairing(ctx, a.Payload(mint(t, a, id)), true).Outcome)
	}

	devices, err := svc.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	require.NoError(t, svc.Unpair(ctx, "a"))
	require.NoError(t, svc.Unpair(ctx, "missing"))

	devices, err = svc.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, models.DeviceID("b"), devices[0].ID)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "approved", Approved.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "error", Error.String())
}
