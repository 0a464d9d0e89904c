// Package identity resolves the durable account identity of this phone,
// falling back from a cached session through recovery to a fresh
// anonymous sign-in.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
)

// expirySkew treats tokens this close to expiry as already expired.
const expirySkew = 30 * time.Second

// SessionStore persists the resolved identity between runs.
type SessionStore interface {
	AccountID() string
	SetAccountID(id string) error
	SessionToken() string
	SetSessionToken(token string) error
	RecoveryCredential() string
	SetRecoveryCredential(cred string) error
}

// Provider resolves the current account. Safe for concurrent use;
// concurrent callers share one in-flight resolution.
type Provider struct {
	auth     remote.AuthProvider
	store    SessionStore
	recovery string
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	token string
}

// NewProvider creates a Provider. recovery, when non-empty, takes
// precedence over a credential persisted in store.
func NewProvider(auth remote.AuthProvider, store SessionStore, recovery string, logger *slog.Logger) *Provider {
	return &Provider{
		auth:     auth,
		store:    store,
		recovery: recovery,
		logger:   logger,
		now:      time.Now,
		token:    store.SessionToken(),
	}
}

// Token returns the current session token, or "" before the first
// successful resolution.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.token
}

// Invalidate drops the cached session so the next CurrentAccountID goes
// back to the auth provider.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()

	if err := p.store.SetSessionToken(""); err != nil {
		p.logger.Warn("clearing session token", slog.String("error", err.Error()))
	}
}

// CurrentAccountID returns the active identity. It fails with
// ErrAuthenticationFailed only when every fallback failed.
func (p *Provider) CurrentAccountID(ctx context.Context) (models.AccountID, error) {
	ch := p.group.DoChan("account", func() (any, error) {
		// Sign-in writes must complete even if the first caller goes away.
		return p.resolve(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(models.AccountID), nil
	}
}

func (p *Provider) resolve(ctx context.Context) (models.AccountID, error) {
	acct := models.AccountID(p.store.AccountID())
	tok := p.Token()

	if acct != "" && p.tokenValid(tok, acct) {
		return acct, nil
	}

	var errs []error

	if tok != "" {
		sess, err := p.auth.CurrentSession(ctx, tok)
		if err == nil {
			return p.adopt(sess, "session"), nil
		}

		errs = append(errs, fmt.Errorf("refreshing session: %w", err))
	}

	cred := p.recovery
	if cred == "" {
		cred = p.store.RecoveryCredential()
	}

	if cred != "" {
		sess, err := p.auth.SignInWithRecovery(ctx, cred)
		if err == nil {
			if sess.RecoveryCredential == "" {
				sess.RecoveryCredential = cred
			}

			return p.adopt(sess, "recovery"), nil
		}

		errs = append(errs, fmt.Errorf("recovery sign-in: %w", err))
	}

	sess, err := p.auth.SignInAnonymously(ctx)
	if err == nil {
		if acct != "" && sess.AccountID != acct {
			p.logger.Warn("previous identity could not be recovered, using a new anonymous account",
				slog.String("previous", string(acct)),
			)
		}

		return p.adopt(sess, "anonymous"), nil
	}

	errs = append(errs, fmt.Errorf("anonymous sign-in: %w", err))

	return "", fmt.Errorf("%w: %w", apperrors.ErrAuthenticationFailed, errors.Join(errs...))
}

// tokenValid checks the exp claim without verifying the signature; the
// backend still verifies every request.
func (p *Provider) tokenValid(tok string, acct models.AccountID) bool {
	if tok == "" {
		return false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}

	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(p.now().Add(expirySkew)) {
		return false
	}

	return claims.Subject == "" || claims.Subject == string(acct)
}

func (p *Provider) adopt(sess remote.Session, via string) models.AccountID {
	p.mu.Lock()
	p.token = sess.Token
	p.mu.Unlock()

	if err := p.store.SetAccountID(string(sess.AccountID)); err != nil {
		p.logger.Warn("persisting account id", slog.String("error", err.Error()))
	}

	if err := p.store.SetSessionToken(sess.Token); err != nil {
		p.logger.Warn("persisting session token", slog.String("error", err.Error()))
	}

	if sess.RecoveryCredential != "" {
		if err := p.store.SetRecoveryCredential(sess.RecoveryCredential); err != nil {
			p.logger.Warn("persisting recovery credential", slog.String("error", err.Error()))
		}
	}

	p.logger.Info("identity resolved",
		slog.String("account", string(sess.AccountID)),
		slog.String("via", via),
		slog.Bool("anonymous", sess.Anonymous),
	)

	return sess.AccountID
}
