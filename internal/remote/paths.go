package remote

import (
	"path"
	"strings"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// Join builds a store path from segments, dropping empty ones.
func Join(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}

	return strings.Join(kept, "/")
}

// Base returns the last segment of a store path.
func Base(p string) string {
	return path.Base("/" + strings.Trim(p, "/"))
}

func accountRoot(acct models.AccountID) string {
	return Join("accounts", string(acct))
}

// DevicesPath holds one child per registered companion device.
func DevicesPath(acct models.AccountID) string {
	return Join(accountRoot(acct), "devices")
}

// DevicePath is the record of a single companion device.
func DevicePath(acct models.AccountID, id models.DeviceID) string {
	return Join(DevicesPath(acct), string(id))
}

// PhoneKeyPath is where the phone publishes its own public key.
func PhoneKeyPath(acct models.AccountID, phoneID string) string {
	return Join(accountRoot(acct), "phones", phoneID)
}

// MessagesPath holds mirrored messages keyed by stable key.
func MessagesPath(acct models.AccountID) string {
	return Join(accountRoot(acct), "messages")
}

// MessagePath is the record of a single mirrored message.
func MessagePath(acct models.AccountID, key string) string {
	return Join(MessagesPath(acct), key)
}

// CallLogPath holds mirrored call history entries.
func CallLogPath(acct models.AccountID) string {
	return Join(accountRoot(acct), "calls")
}

// ClipboardPath holds the latest mirrored clipboard item.
func ClipboardPath(acct models.AccountID) string {
	return Join(accountRoot(acct), "clipboard", "latest")
}

// CommandsPath holds inbound "send this" commands from companions.
func CommandsPath(acct models.AccountID) string {
	return Join(accountRoot(acct), "outgoing")
}

// PlanPath is the account's plan record.
func PlanPath(acct models.AccountID) string {
	return Join(accountRoot(acct), "plan")
}

// UsagePath is the account's usage ledger.
func UsagePath(acct models.AccountID) string {
	return Join(accountRoot(acct), "usage")
}

// PairingPath is the record of a pairing token. Tokens live outside any
// account until redeemed.
func PairingPath(token string) string {
	return Join("pairing", token)
}

// AttachmentKey is the blob key of an attachment payload.
func AttachmentKey(acct models.AccountID, messageKey, attachmentID string) string {
	return Join(accountRoot(acct), "attachments", messageKey, attachmentID)
}
