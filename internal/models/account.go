package models

import "time"

// AccountID identifies one logical user across all of their devices.
type AccountID string

// DeviceID identifies a companion endpoint. It is stable across re-pairing.
type DeviceID string

// Device is a companion endpoint able to receive encrypted payloads. The
// phone itself is never stored as a Device.
type Device struct {
	ID        DeviceID `json:"id"`
	Name      string   `json:"name"`
	Platform  string   `json:"platform"`
	PublicKey string   `json:"publicKey,omitempty"` // base64 X25519 public key
	LastSeen  int64    `json:"lastSeen"`
	Online    bool     `json:"online"`
	PairedAt  int64    `json:"pairedAt"`
}

// PairingState is the lifecycle state of a PairingToken.
type PairingState string

const (
	PairingPending  PairingState = "pending"
	PairingApproved PairingState = "approved"
	PairingRejected PairingState = "rejected"
	PairingExpired  PairingState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s PairingState) Terminal() bool {
	return s == PairingApproved || s == PairingRejected || s == PairingExpired
}

// PairingToken is the ephemeral credential a companion mints and the
// phone redeems.
type PairingToken struct {
	Token      string       `json:"token"`
	AccountID  AccountID    `json:"accountId,omitempty"`
	Device     Device       `json:"device"`
	State      PairingState `json:"state"`
	IssuedAt   int64        `json:"issuedAt"`
	ExpiresAt  int64        `json:"expiresAt"`
	ResolvedAt int64        `json:"resolvedAt,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t PairingToken) Expired(now time.Time) bool {
	return t.ExpiresAt > 0 && now.UnixMilli() >= t.ExpiresAt
}

// Plan is the plan record stored for an account.
type Plan struct {
	Tier        string `json:"tier"`
	TrialEndsAt int64  `json:"trialEndsAt,omitempty"`
}

// UsageLedger is the cumulative upload accounting for an account.
// MonthlyBytes resets when Period (YYYY-MM) changes.
type UsageLedger struct {
	Period       string `json:"period"`
	MonthlyBytes int64  `json:"monthlyBytes"`
	StorageBytes int64  `json:"storageBytes"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// PlanTier holds the limits a plan grants. A zero limit means unlimited.
type PlanTier struct {
	Name         string `yaml:"name" json:"name"`
	DeviceLimit  int    `yaml:"device_limit" json:"deviceLimit"`
	MonthlyBytes int64  `yaml:"monthly_bytes" json:"monthlyBytes"`
	StorageBytes int64  `yaml:"storage_bytes" json:"storageBytes"`
	TrialDays    int    `yaml:"trial_days" json:"trialDays,omitempty"`
}
