// Package quota gates attachment uploads against the account's plan.
// The check and the accounting update are separate steps; concurrent
// uploads can overshoot a limit by the size of the uploads in flight.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
)

// Reason says why an upload was denied.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTrialExpired
	ReasonMonthlyLimit
	ReasonStorageLimit
	ReasonGeneric
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonTrialExpired:
		return "trial expired"
	case ReasonMonthlyLimit:
		return "monthly limit"
	case ReasonStorageLimit:
		return "storage limit"
	default:
		return "generic"
	}
}

// Decision is the result of an upload pre-check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Plan    models.PlanTier
	Ledger  models.UsageLedger
}

// Message renders the user-facing text for a denial.
func (d Decision) Message() string {
	switch d.Reason {
	case ReasonNone:
		return ""
	case ReasonTrialExpired:
		return "Your free trial has ended. Upgrade to keep syncing photos and attachments."
	case ReasonMonthlyLimit:
		return fmt.Sprintf("You have used this month's %s upload allowance on the %s plan. Uploads resume next month, or upgrade for more.",
			formatBytes(d.Plan.MonthlyBytes), d.Plan.Name)
	case ReasonStorageLimit:
		return fmt.Sprintf("Your %s of storage on the %s plan is full. Free up space or upgrade to keep syncing attachments.",
			formatBytes(d.Plan.StorageBytes), d.Plan.Name)
	default:
		return "Attachments can't be uploaded right now. They will sync once the problem clears."
	}
}

// Err returns ErrQuotaDenied wrapped with the reason, or nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}

	return fmt.Errorf("%w: %s", apperrors.ErrQuotaDenied, d.Reason)
}

func formatBytes(n int64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Period returns the accounting month of t in UTC.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Tracker checks and records upload usage.
type Tracker struct {
	store       remote.Store
	plans       map[string]models.PlanTier
	defaultPlan string
	logger      *slog.Logger
	now         func() time.Time
}

// NewTracker creates a tracker over the account records in store.
func NewTracker(store remote.Store, plans map[string]models.PlanTier, defaultPlan string, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:       store,
		plans:       plans,
		defaultPlan: defaultPlan,
		logger:      logger,
		now:         time.Now,
	}
}

func (t *Tracker) plan(ctx context.Context, acct models.AccountID) (models.Plan, models.PlanTier, error) {
	var p models.Plan

	e, err := t.store.Get(ctx, remote.PlanPath(acct))
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return p, models.PlanTier{}, fmt.Errorf("reading plan: %w", err)
	default:
		if err := e.Decode(&p); err != nil {
			return p, models.PlanTier{}, fmt.Errorf("%w: plan record: %v", apperrors.ErrInvalidPayload, err)
		}
	}

	if p.Tier == "" {
		p.Tier = t.defaultPlan
	}

	tier, ok := t.plans[p.Tier]
	if !ok {
		tier = t.plans[t.defaultPlan]
	}

	return p, tier, nil
}

// ledger reads the usage ledger, rolling the monthly counter over when
// the stored period is not the current one.
func (t *Tracker) ledger(ctx context.Context, acct models.AccountID) (models.UsageLedger, error) {
	var l models.UsageLedger

	e, err := t.store.Get(ctx, remote.UsagePath(acct))
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return l, fmt.Errorf("reading usage: %w", err)
	default:
		if err := e.Decode(&l); err != nil {
			return l, fmt.Errorf("%w: usage record: %v", apperrors.ErrInvalidPayload, err)
		}
	}

	if cur := Period(t.now()); l.Period != cur {
		l.Period = cur
		l.MonthlyBytes = 0
	}

	return l, nil
}

// IsUploadAllowed checks an upload of size bytes against the plan. When
// the plan or ledger cannot be read the upload is denied with
// ReasonGeneric.
func (t *Tracker) IsUploadAllowed(ctx context.Context, acct models.AccountID, bytes int64, countsTowardStorage bool) Decision {
	if bytes < 0 {
		return Decision{Reason: ReasonGeneric}
	}

	plan, tier, err := t.plan(ctx, acct)
	if err != nil {
		t.logger.Warn("quota check failed", slog.String("error", err.Error()))
		return Decision{Reason: ReasonGeneric}
	}

	d := Decision{Plan: tier}

	if tier.TrialDays > 0 && plan.TrialEndsAt > 0 && t.now().UnixMilli() >= plan.TrialEndsAt {
		d.Reason = ReasonTrialExpired
		return d
	}

	l, err := t.ledger(ctx, acct)
	if err != nil {
		t.logger.Warn("quota check failed", slog.String("error", err.Error()))
		d.Reason = ReasonGeneric

		return d
	}

	d.Ledger = l

	if tier.MonthlyBytes > 0 && l.MonthlyBytes+bytes > tier.MonthlyBytes {
		d.Reason = ReasonMonthlyLimit
		return d
	}

	if countsTowardStorage && tier.StorageBytes > 0 && l.StorageBytes+bytes > tier.StorageBytes {
		d.Reason = ReasonStorageLimit
		return d
	}

	d.Allowed = true

	return d
}

// RecordUpload adds a completed upload to the ledger.
func (t *Tracker) RecordUpload(ctx context.Context, acct models.AccountID, bytes int64, countsTowardStorage bool) error {
	l, err := t.ledger(ctx, acct)
	if err != nil {
		return err
	}

	l.MonthlyBytes += bytes
	if countsTowardStorage {
		l.StorageBytes += bytes
	}

	l.UpdatedAt = t.now().UnixMilli()

	if err := t.store.Set(ctx, remote.UsagePath(acct), l); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}

	return nil
}
