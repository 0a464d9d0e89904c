package models

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
)

// Direction of a message relative to the phone.
type Direction string

const (
	Received Direction = "received"
	Sent     Direction = "sent"
)

// Kind is the telephony media type of a message.
type Kind string

const (
	SMS Kind = "sms"
	MMS Kind = "mms"
)

// StableKey derives the remote upsert key for a local message. The kind
// prefix keeps SMS and MMS rows with the same local id apart.
func StableKey(kind Kind, localID int64) string {
	return string(kind) + "_" + strconv.FormatInt(localID, 10)
}

// ParseStableKey is the inverse of StableKey.
func ParseStableKey(key string) (Kind, int64, error) {
	prefix, id, ok := strings.Cut(key, "_")
	if !ok {
		return "", 0, fmt.Errorf("%w: stable key %q has no kind prefix", apperrors.ErrInvalidPayload, key)
	}

	kind := Kind(prefix)
	if kind != SMS && kind != MMS {
		return "", 0, fmt.Errorf("%w: unknown kind %q", apperrors.ErrInvalidPayload, prefix)
	}

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: stable key id %q: %v", apperrors.ErrInvalidPayload, id, err)
	}

	return kind, n, nil
}

// LocalMessage is a telephony record as read from the platform, before
// address resolution and encryption.
type LocalMessage struct {
	ID          int64             `json:"id"`
	Kind        Kind              `json:"kind"`
	Direction   Direction         `json:"direction"`
	Address     string            `json:"address"`
	ThreadID    int64             `json:"threadId,omitempty"`
	Recipients  []string          `json:"recipients,omitempty"` // MMS only
	Body        string            `json:"body"`
	Timestamp   int64             `json:"timestamp"`
	ContactName string            `json:"contactName,omitempty"`
	Attachments []LocalAttachment `json:"attachments,omitempty"`
}

// Key returns the stable key of the record.
func (m LocalMessage) Key() string {
	return StableKey(m.Kind, m.ID)
}

// LocalAttachment describes a binary part of a local MMS.
type LocalAttachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	FileName    string `json:"fileName,omitempty"`
	URI         string `json:"uri,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is the remote record mirrored for one local message.
//
// When Encrypted is true Body holds base64 ciphertext, Nonce the base64
// GCM nonce and Keys one wrapped body key per companion device. When
// encryption failed Body is plaintext and FailureReason says why.
type Message struct {
	Key              string              `json:"key"`
	Address          string              `json:"address"`
	Direction        Direction           `json:"direction"`
	Kind             Kind                `json:"kind"`
	Timestamp        int64               `json:"timestamp"`
	Body             string              `json:"body"`
	Encrypted        bool                `json:"encrypted"`
	Nonce            string              `json:"nonce,omitempty"`
	Keys             map[DeviceID]string `json:"keyMap,omitempty"`
	EncryptionFailed bool                `json:"encryptionFailed,omitempty"`
	FailureReason    string              `json:"failureReason,omitempty"`
	ContactName      string              `json:"contactName,omitempty"`
	Attachments      []AttachmentRecord  `json:"attachments,omitempty"`
	SyncedAt         int64               `json:"syncedAt"`
}

// Validate checks the fields every remote message must carry.
func (m Message) Validate() error {
	if m.Key == "" {
		return fmt.Errorf("%w: message key is empty", apperrors.ErrInvalidPayload)
	}

	if m.Address == "" {
		return fmt.Errorf("%w: message %s has no address", apperrors.ErrInvalidPayload, m.Key)
	}

	if m.Direction != Received && m.Direction != Sent {
		return fmt.Errorf("%w: message %s has direction %q", apperrors.ErrInvalidPayload, m.Key, m.Direction)
	}

	if m.Encrypted && (m.Nonce == "" || len(m.Keys) == 0) {
		return fmt.Errorf("%w: encrypted message %s lacks nonce or keys", apperrors.ErrInvalidPayload, m.Key)
	}

	return nil
}

// AttachmentRecord is the remote metadata for one attachment. At most one
// of Ref and InlineData is set.
type AttachmentRecord struct {
	ID           string              `json:"id"`
	ContentType  string              `json:"contentType"`
	FileName     string              `json:"fileName,omitempty"`
	Ref          string              `json:"ref,omitempty"`
	InlineData   string              `json:"inlineData,omitempty"` // base64
	Encrypted    bool                `json:"encrypted"`
	Nonce        string              `json:"nonce,omitempty"`
	Keys         map[DeviceID]string `json:"keyMap,omitempty"`
	OriginalSize int64               `json:"originalSize"`
}

// Inline reports whether the payload travels inside the record.
func (a AttachmentRecord) Inline() bool {
	return a.InlineData != ""
}
