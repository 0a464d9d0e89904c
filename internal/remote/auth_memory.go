package remote

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
)

const memoryIssuer = "mirrorsync-memory"

// MemoryAuth issues HS256 session tokens in process. Its signing key
// lives only as long as the process, so tokens from a previous run are
// rejected and the caller falls back to its recovery credential, which
// always maps to the same account.
type MemoryAuth struct {
	key []byte
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	creds map[string]models.AccountID
}

// NewMemoryAuth returns an auth provider whose tokens live for ttl.
func NewMemoryAuth(ttl time.Duration) *MemoryAuth {
	key := make([]byte, 32)
	_, _ = rand.Read(key)

	return &MemoryAuth{
		key:   key,
		ttl:   ttl,
		now:   time.Now,
		creds: make(map[string]models.AccountID),
	}
}

func (m *MemoryAuth) issue(acct models.AccountID) (string, error) {
	now := m.now()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    memoryIssuer,
		Subject:   string(acct),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}

	return tok, nil
}

// CurrentSession implements AuthProvider. A valid token is exchanged for
// a fresh one.
func (m *MemoryAuth) CurrentSession(_ context.Context, token string) (Session, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(memoryIssuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return Session{}, fmt.Errorf("%w: session token: %w", apperrors.ErrPermanent, err)
	}

	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: session token has no subject", apperrors.ErrPermanent)
	}

	acct := models.AccountID(claims.Subject)

	tok, err := m.issue(acct)
	if err != nil {
		return Session{}, err
	}

	return Session{AccountID: acct, Token: tok}, nil
}

// SignInWithRecovery implements AuthProvider. Unknown credentials map to
// an account derived from the credential itself.
func (m *MemoryAuth) SignInWithRecovery(_ context.Context, credential string) (Session, error) {
	if credential == "" {
		return Session{}, errors.New("empty recovery credential")
	}

	m.mu.Lock()
	acct, ok := m.creds[credential]
	if !ok {
		sum := sha256.Sum256([]byte(credential))
		acct = models.AccountID("acct-" + hex.EncodeToString(sum[:8]))
		m.creds[credential] = acct
	}
	m.mu.Unlock()

	tok, err := m.issue(acct)
	if err != nil {
		return Session{}, err
	}

	return Session{AccountID: acct, Token: tok, RecoveryCredential: credential}, nil
}

// SignInAnonymously implements AuthProvider.
func (m *MemoryAuth) SignInAnonymously(_ context.Context) (Session, error) {
	acct := models.AccountID("anon-" + uuid.NewString())
	cred := uuid.NewString()

	m.mu.Lock()
	m.creds[cred] = acct
	m.mu.Unlock()

	tok, err := m.issue(acct)
	if err != nil {
		return Session{}, err
	}

	return Session{AccountID: acct, Token: tok, Anonymous: true, RecoveryCredential: cred}, nil
}
