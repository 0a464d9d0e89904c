package pairing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/keys"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
	"github.com/alexjbarnes/mirrorsync/internal/state"
)

// Outcome is the three-way result of a pairing decision.
type Outcome int

const (
	Error Outcome = iota
	Approved
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "error"
	}
}

// Result is what ResolvePairing reports. DeviceLimit is set when the
// account is at its plan's device limit so the caller can offer an
// upgrade rather than a bare failure.
type Result struct {
	Outcome          Outcome
	Device           *models.Device
	DeviceLimit      *apperrors.DeviceLimitError
	VerificationCode string
	Err              error
}

// LimitReached reports whether the pairing failed on the device limit.
func (r Result) LimitReached() bool {
	return r.DeviceLimit != nil
}

// AccountResolver yields the current account id.
type AccountResolver interface {
	CurrentAccountID(ctx context.Context) (models.AccountID, error)
}

// LocalKeys exposes the phone's keypair.
type LocalKeys interface {
	EnsureLocalKeypair() (state.Keypair, error)
}

// Service is the phone side of pairing.
type Service struct {
	identity AccountResolver
	invoker  remote.Invoker
	store    remote.Store
	keys     LocalKeys
	logger   *slog.Logger
}

// NewService creates a pairing service. localKeys may be nil, in which
// case no verification code is computed.
func NewService(identity AccountResolver, invoker remote.Invoker, store remote.Store, localKeys LocalKeys, logger *slog.Logger) *Service {
	return &Service{
		identity: identity,
		invoker:  invoker,
		store:    store,
		keys:     localKeys,
		logger:   logger,
	}
}

func errResult(err error) Result {
	return Result{Outcome: Error, Err: err}
}

// ResolvePairing approves or rejects the token in p. The v2 call is
// tried first and the legacy call once if it fails. Once started, the
// remote calls run to completion even if ctx is cancelled.
func (s *Service) ResolvePairing(ctx context.Context, p Payload, approved bool) Result {
	ctx = context.WithoutCancel(ctx)

	acct, err := s.identity.CurrentAccountID(ctx)
	if err != nil {
		return errResult(err)
	}

	resp, err := s.callV2(ctx, p.Token, acct, approved)
	if err != nil {
		s.logger.Warn("pairing v2 call failed, retrying legacy protocol",
			slog.String("error", err.Error()),
		)

		legacy, lerr := s.callLegacy(ctx, p.Token, acct, approved)
		if lerr != nil {
			return errResult(fmt.Errorf("resolving pairing: %w", errors.Join(err, lerr)))
		}

		resp = legacy
	}

	res := toResult(resp)
	if res.Outcome == Approved {
		res.VerificationCode = s.verificationCode(p.Device.PublicKey)

		s.logger.Info("device paired",
			slog.String("account", string(acct)),
			slog.String("device", string(p.Device.ID)),
			slog.String("name", p.Device.Name),
		)
	}

	return res
}

func (s *Service) callV2(ctx context.Context, token string, acct models.AccountID, approved bool) (resolveResponse, error) {
	var resp resolveResponse

	err := s.invoker.Invoke(ctx, FuncApproveV2, resolveRequest{Token: token, AccountID: acct, Approved: approved}, &resp)
	if err != nil {
		return resolveResponse{}, err
	}

	switch resp.Status {
	case StatusApproved, StatusRejected, StatusDeviceLimit, StatusError:
		return resp, nil
	default:
		return resolveResponse{}, fmt.Errorf("%w: unknown pairing status %q", apperrors.ErrRemoteResponse, resp.Status)
	}
}

func (s *Service) callLegacy(ctx context.Context, token string, acct models.AccountID, approved bool) (resolveResponse, error) {
	decision := "reject"
	if approved {
		decision = "approve"
	}

	var resp legacyResponse
	if err := s.invoker.Invoke(ctx, FuncApproveLegacy, legacyRequest{Token: token, UID: string(acct), Decision: decision}, &resp); err != nil {
		return resolveResponse{}, err
	}

	return resp.toV2(), nil
}

func toResult(r resolveResponse) Result {
	switch r.Status {
	case StatusApproved:
		return Result{Outcome: Approved, Device: r.Device}
	case StatusRejected:
		return Result{Outcome: Rejected}
	case StatusDeviceLimit:
		limit := &apperrors.DeviceLimitError{Current: r.CurrentDevices, Limit: r.Limit}
		return Result{Outcome: Error, DeviceLimit: limit, Err: limit}
	default:
		return errResult(codeError(r.Code, r.Error))
	}
}

func codeError(code, msg string) error {
	switch code {
	case CodeTokenNotFound:
		return apperrors.ErrTokenNotFound
	case CodeAlreadyResolved:
		return apperrors.ErrTokenAlreadyResolved
	case CodeExpired:
		return apperrors.ErrTokenExpired
	default:
		return fmt.Errorf("%w: %s", apperrors.ErrRemoteRequest, msg)
	}
}

func (s *Service) verificationCode(devicePub string) string {
	if s.keys == nil || devicePub == "" {
		return ""
	}

	kp, err := s.keys.EnsureLocalKeypair()
	if err != nil {
		return ""
	}

	code, err := keys.Fingerprint(base64.StdEncoding.EncodeToString(kp.Public), devicePub)
	if err != nil {
		return ""
	}

	return code
}

// ListDevices returns the account's registered companion devices.
func (s *Service) ListDevices(ctx context.Context) ([]models.Device, error) {
	acct, err := s.identity.CurrentAccountID(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.List(ctx, remote.DevicesPath(acct), 0)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	out := make([]models.Device, 0, len(entries))

	for _, e := range entries {
		var d models.Device
		if err := e.Decode(&d); err != nil {
			continue
		}

		out = append(out, d)
	}

	return out, nil
}

// Unpair removes a companion device. Removing an unknown device is not
// an error.
func (s *Service) Unpair(ctx context.Context, id models.DeviceID) error {
	ctx = context.WithoutCancel(ctx)

	acct, err := s.identity.CurrentAccountID(ctx)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, remote.DevicePath(acct, id)); err != nil {
		return fmt.Errorf("unpairing %s: %w", id, err)
	}

	s.logger.Info("device unpaired", slog.String("device", string(id)))

	return nil
}
