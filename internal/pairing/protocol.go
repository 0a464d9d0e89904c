package pairing

import "github.com/alexjbarnes/mirrorsync/internal/models"

// Function names served by the backend.
const (
	FuncApproveV2     = "approvePairingV2"
	FuncApproveLegacy = "approvePairing"
)

// Response statuses of the v2 protocol.
const (
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusDeviceLimit = "device_limit"
	StatusError       = "error"
)

// Error codes carried with StatusError.
const (
	CodeTokenNotFound   = "token-not-found"
	CodeAlreadyResolved = "already-resolved"
	CodeExpired         = "expired"
	CodeInvalid         = "invalid"
)

type resolveRequest struct {
	Token     string           `json:"token"`
	AccountID models.AccountID `json:"accountId"`
	Approved  bool             `json:"approved"`
}

type resolveResponse struct {
	Status         string         `json:"status"`
	Device         *models.Device `json:"device,omitempty"`
	CurrentDevices int            `json:"currentDevices,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	Code           string         `json:"code,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// legacyRequest is the pre-v2 shape: the decision is a string and the
// account travels as "uid".
type legacyRequest struct {
	Token    string `json:"token"`
	UID      string `json:"uid"`
	Decision string `json:"decision"` // "approve" or "reject"
}

// legacyResponse reports outcomes as flags.
type legacyResponse struct {
	Success     bool           `json:"success"`
	Rejected    bool           `json:"rejected,omitempty"`
	Device      *models.Device `json:"device,omitempty"`
	LimitHit    bool           `json:"deviceLimitReached,omitempty"`
	DeviceCount int            `json:"deviceCount,omitempty"`
	MaxDevices  int            `json:"maxDevices,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

func (l legacyResponse) toV2() resolveResponse {
	switch {
	case l.LimitHit:
		return resolveResponse{Status: StatusDeviceLimit, CurrentDevices: l.DeviceCount, Limit: l.MaxDevices}
	case l.Success && l.Rejected:
		return resolveResponse{Status: StatusRejected}
	case l.Success:
		return resolveResponse{Status: StatusApproved, Device: l.Device}
	default:
		return resolveResponse{Status: StatusError, Code: legacyCode(l.Reason), Error: l.Reason}
	}
}

func legacyCode(reason string) string {
	switch reason {
	case "not_found":
		return CodeTokenNotFound
	case "already_used":
		return CodeAlreadyResolved
	case "expired":
		return CodeExpired
	default:
		return CodeInvalid
	}
}

func legacyReason(code string) string {
	switch code {
	case CodeTokenNotFound:
		return "not_found"
	case CodeAlreadyResolved:
		return "already_used"
	case CodeExpired:
		return "expired"
	default:
		return "invalid"
	}
}

func fromV2(r resolveResponse) legacyResponse {
	switch r.Status {
	case StatusApproved:
		return legacyResponse{Success: true, Device: r.Device}
	case StatusRejected:
		return legacyResponse{Success: true, Rejected: true}
	case StatusDeviceLimit:
		return legacyResponse{LimitHit: true, DeviceCount: r.CurrentDevices, MaxDevices: r.Limit}
	default:
		return legacyResponse{Reason: legacyReason(r.Code)}
	}
}
