package identity

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
	"github.com/alexjbarnes/mirrorsync/internal/state"
)

func testState(t *testing.T) *state.State {
	t.Helper()

	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func token(t *testing.T, sub string, exp time.Time) string {
	t.Helper()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	return tok
}

func TestCurrentAccountID_UsesValidCachedToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	require.NoError(t, st.SetAccountID("acct-1"))
	require.NoError(t, st.SetSessionToken(token(t, "acct-1", time.Now().Add(time.Hour))))

	p := NewProvider(auth, st, "", slog.Default())

	got, err := p.CurrentAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AccountID("acct-1"), got)
}

func TestCurrentAccountID_RefreshesExpiredToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	old := token(t, "acct-1", time.Now().Add(-time.Minute))
	fresh := token(t, "acct-1", time.Now().Add(time.Hour))

	require.NoError(t, st.SetAccountID("acct-1"))
	require.NoError(t, st.SetSessionToken(old))

	auth.EXPECT().CurrentSession(gomock.Any(), old).
		Return(remote.Session{AccountID: "acct-1", Token: fresh}, nil)

	p := NewProvider(auth, st, "", slog.Default())

	got, err := p.CurrentAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AccountID("acct-1"), got)
	assert.Equal(t, fresh, p.Token())
	assert.Equal(t, fresh, st.SessionToken())
}

func TestCurrentAccountID_TokenForOtherSubjectIsNotTrusted(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	tok := token(t, "someone-else", time.Now().Add(time.Hour))
	require.NoError(t, st.SetAccountID("acct-1"))
	require.NoError(t, st.SetSessionToken(tok))

	auth.EXPECT().CurrentSession(gomock.Any(), tok).
		Return(remote.Session{AccountID: "acct-1", Token: token(t, "acct-1", time.Now().Add(time.Hour))}, nil)

	_, err := NewProvider(auth, st, "", slog.Default()).CurrentAccountID(context.Background())
	require.NoError(t, err)
}

func TestCurrentAccountID_FallsBackToRecovery(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	require.NoError(t, st.SetSessionToken("not-a-jwt"))

	gomock.InOrder(
		auth.EXPECT().CurrentSession(gomock.Any(), "not-a-jwt").Return(remote.Session{}, apperrors.ErrPermanent),
		auth.EXPECT().SignInWithRecovery(gomock.Any(), "cred-1").
			Return(remote.Session{AccountID: "acct-r", Token: "t"}, nil),
	)

	p := NewProvider(auth, st, "cred-1", slog.Default())

	got, err := p.CurrentAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AccountID("acct-r"), got)
	assert.Equal(t, "acct-r", st.AccountID())
	assert.Equal(t, "cred-1", st.RecoveryCredential())
}

func TestCurrentAccountID_UsesPersistedRecoveryCredential(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	require.NoError(t, st.SetRecoveryCredential("stored"))

	auth.EXPECT().SignInWithRecovery(gomock.Any(), "stored").
		Return(remote.Session{AccountID: "acct-s", Token: "t"}, nil)

	got, err := NewProvider(auth, st, "", slog.Default()).CurrentAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AccountID("acct-s"), got)
}

func TestCurrentAccountID_AnonymousPersistsRecovery(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	auth.EXPECT().SignInAnonymously(gomock.Any()).
		Return(remote.Session{AccountID: "anon-1", Token: "t", Anonymous: true, RecoveryCredential: "rc"}, nil)

	got, err := NewProvider(auth, st, "", slog.Default()).CurrentAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AccountID("anon-1"), got)
	assert.Equal(t, "rc", st.RecoveryCredential())
}

func TestCurrentAccountID_AllFallbacksFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	recoveryErr := errors.New("recovery revoked")
	anonErr := errors.New("anon disabled")

	auth.EXPECT().SignInWithRecovery(gomock.Any(), "cred").Return(remote.Session{}, recoveryErr)
	auth.EXPECT().SignInAnonymously(gomock.Any()).Return(remote.Session{}, anonErr)

	_, err := NewProvider(auth, st, "cred", slog.Default()).CurrentAccountID(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, recoveryErr)
	assert.ErrorIs(t, err, anonErr)
}

func TestCurrentAccountID_ConcurrentCallersShareOneSignIn(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	tok := token(t, "anon-1", time.Now().Add(time.Hour))

	auth.EXPECT().SignInAnonymously(gomock.Any()).
		DoAndReturn(func(context.Context) (remote.Session, error) {
			time.Sleep(50 * time.Millisecond)
			return remote.Session{AccountID: "anon-1", Token: tok, Anonymous: true}, nil
		}).Times(1)

	p := NewProvider(auth, st, "", slog.Default())

	var wg sync.WaitGroup

	results := make([]models.AccountID, 16)
	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()

			id, err := p.CurrentAccountID(context.Background())
			assert.NoError(t, err)

			results[i] = id
		}()
	}

	wg.Wait()

	for _, id := range results {
		assert.Equal(t, models.AccountID("anon-1"), id)
	}
}

func TestInvalidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := remote.NewMockAuthProvider(ctrl)
	st := testState(t)

	require.NoError(t, st.SetSessionToken("x"))

	p := NewProvider(auth, st, "", slog.Default())
	assert.Equal(t, "x", p.Token())

	p.Invalidate()
	assert.Empty(t, p.Token())
	assert.Empty(t, st.SessionToken())
}
