package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
)

// DefaultTokenTTL is how long a minted token stays redeemable.
const DefaultTokenTTL = 5 * time.Minute

// Arbiter is the authoritative pairing state machine. It runs wherever
// the store is trusted: in-process for the memory backend, or inside
// the backend's function runtime.
type Arbiter struct {
	store       remote.Store
	plans       map[string]models.PlanTier
	defaultPlan string
	logger      *slog.Logger
	now         func() time.Time

	// Resolutions are serialized so the device count check and the
	// device write cannot interleave.
	mu sync.Mutex
}

// NewArbiter creates an arbiter enforcing the given plan tiers.
func NewArbiter(store remote.Store, plans map[string]models.PlanTier, defaultPlan string, logger *slog.Logger) *Arbiter {
	return &Arbiter{
		store:       store,
		plans:       plans,
		defaultPlan: defaultPlan,
		logger:      logger,
		now:         time.Now,
	}
}

// Register serves both protocol versions on inv.
func (a *Arbiter) Register(inv *remote.LocalInvoker) {
	inv.Register(FuncApproveV2, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req resolveRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return resolveResponse{Status: StatusError, Code: CodeInvalid, Error: "malformed request"}, nil
		}

		return a.Resolve(ctx, req.Token, req.AccountID, req.Approved), nil
	})

	inv.Register(FuncApproveLegacy, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req legacyRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return legacyResponse{Reason: "invalid"}, nil
		}

		return fromV2(a.Resolve(ctx, req.Token, models.AccountID(req.UID), req.Decision == "approve")), nil
	})
}

// Mint issues a pending token for a companion device.
func (a *Arbiter) Mint(ctx context.Context, device models.Device, ttl time.Duration) (models.PairingToken, error) {
	if device.ID == "" {
		return models.PairingToken{}, fmt.Errorf("%w: device id is required", apperrors.ErrInvalidPayload)
	}

	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := a.now()
	tok := models.PairingToken{
		Token:     uuid.NewString(),
		Device:    device,
		State:     models.PairingPending,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	if err := a.store.Set(ctx, remote.PairingPath(tok.Token), tok); err != nil {
		return models.PairingToken{}, fmt.Errorf("storing pairing token: %w", err)
	}

	return tok, nil
}

// Payload builds the QR payload for a minted token.
func (a *Arbiter) Payload(tok models.PairingToken) Payload {
	return Payload{Version: PayloadVersion, Token: tok.Token, Device: tok.Device, ExpiresAt: tok.ExpiresAt}
}

func errorResponse(code, msg string) resolveResponse {
	return resolveResponse{Status: StatusError, Code: code, Error: msg}
}

// Resolve applies a phone's decision to a token.
func (a *Arbiter) Resolve(ctx context.Context, token string, acct models.AccountID, approved bool) resolveResponse {
	if token == "" || acct == "" {
		return errorResponse(CodeInvalid, "token and account are required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.store.Get(ctx, remote.PairingPath(token))
	if errors.Is(err, apperrors.ErrNotFound) {
		return errorResponse(CodeTokenNotFound, apperrors.ErrTokenNotFound.Error())
	}

	if err != nil {
		return errorResponse(CodeInvalid, err.Error())
	}

	var tok models.PairingToken
	if err := e.Decode(&tok); err != nil {
		return errorResponse(CodeInvalid, "corrupt pairing token")
	}

	if tok.State.Terminal() {
		return errorResponse(CodeAlreadyResolved, apperrors.ErrTokenAlreadyResolved.Error())
	}

	now := a.now()

	if tok.Expired(now) {
		_ = a.finish(ctx, &tok, models.PairingExpired, acct, now)
		return errorResponse(CodeExpired, apperrors.ErrTokenExpired.Error())
	}

	if !approved {
		if err := a.finish(ctx, &tok, models.PairingRejected, acct, now); err != nil {
			return errorResponse(CodeInvalid, err.Error())
		}

		return resolveResponse{Status: StatusRejected}
	}

	device, limitErr, err := a.upsertDevice(ctx, acct, tok.Device, now)
	if err != nil {
		return errorResponse(CodeInvalid, err.Error())
	}

	if limitErr != nil {
		a.logger.Info("pairing refused at device limit",
			slog.String("account", string(acct)),
			slog.Int("current", limitErr.Current),
			slog.Int("limit", limitErr.Limit),
		)

		return resolveResponse{Status: StatusDeviceLimit, CurrentDevices: limitErr.Current, Limit: limitErr.Limit}
	}

	if err := a.finish(ctx, &tok, models.PairingApproved, acct, now); err != nil {
		return errorResponse(CodeInvalid, err.Error())
	}

	return resolveResponse{Status: StatusApproved, Device: &device}
}

func (a *Arbiter) finish(ctx context.Context, tok *models.PairingToken, st models.PairingState, acct models.AccountID, now time.Time) error {
	tok.State = st
	tok.AccountID = acct
	tok.ResolvedAt = now.UnixMilli()

	if err := a.store.Set(ctx, remote.PairingPath(tok.Token), tok); err != nil {
		a.logger.Warn("recording pairing outcome", slog.String("state", string(st)), slog.String("error", err.Error()))
		return fmt.Errorf("recording pairing outcome: %w", err)
	}

	return nil
}

// upsertDevice writes the device keyed by its persistent id. A device
// already registered is refreshed without counting against the limit.
func (a *Arbiter) upsertDevice(ctx context.Context, acct models.AccountID, d models.Device, now time.Time) (models.Device, *apperrors.DeviceLimitError, error) {
	entries, err := a.store.List(ctx, remote.DevicesPath(acct), 0)
	if err != nil {
		return models.Device{}, nil, fmt.Errorf("listing devices: %w", err)
	}

	var existing *models.Device

	for _, e := range entries {
		if e.Key != string(d.ID) {
			continue
		}

		var prev models.Device
		if err := e.Decode(&prev); err == nil {
			existing = &prev
		}

		break
	}

	if existing == nil {
		limit := a.deviceLimit(ctx, acct)
		if limit > 0 && len(entries) >= limit {
			return models.Device{}, &apperrors.DeviceLimitError{Current: len(entries), Limit: limit}, nil
		}

		d.PairedAt = now.UnixMilli()
	} else {
		d.PairedAt = existing.PairedAt
	}

	d.LastSeen = now.UnixMilli()
	d.Online = true

	if err := a.store.Set(ctx, remote.DevicePath(acct, d.ID), d); err != nil {
		return models.Device{}, nil, fmt.Errorf("writing device: %w", err)
	}

	return d, nil, nil
}

func (a *Arbiter) deviceLimit(ctx context.Context, acct models.AccountID) int {
	tier := a.defaultPlan

	if e, err := a.store.Get(ctx, remote.PlanPath(acct)); err == nil {
		var p models.Plan
		if e.Decode(&p) == nil && p.Tier != "" {
			tier = p.Tier
		}
	}

	if p, ok := a.plans[tier]; ok {
		return p.DeviceLimit
	}

	return a.plans[a.defaultPlan].DeviceLimit
}
