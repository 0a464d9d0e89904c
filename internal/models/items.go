package models

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
)

// CallLogEntry is one row of the phone's call history.
type CallLogEntry struct {
	ID        int64  `json:"id"`
	Number    string `json:"number"`
	Type      string `json:"type"` // incoming, outgoing, missed
	Duration  int64  `json:"duration"`
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"name,omitempty"`
}

// ClipboardItem is the latest clipboard text mirrored to companions.
type ClipboardItem struct {
	Text      string `json:"text"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// EncryptedItem is the remote shape of a call log entry or clipboard item
// after encryption. Payload is the JSON of the plaintext item, either
// sealed or in the clear depending on Encrypted.
type EncryptedItem struct {
	Payload          string              `json:"payload"`
	Encrypted        bool                `json:"encrypted"`
	Nonce            string              `json:"nonce,omitempty"`
	Keys             map[DeviceID]string `json:"keyMap,omitempty"`
	EncryptionFailed bool                `json:"encryptionFailed,omitempty"`
	FailureReason    string              `json:"failureReason,omitempty"`
	Timestamp        int64               `json:"timestamp"`
}

// CommandStatus tracks an inbound command through delivery.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandSent    CommandStatus = "sent"
	CommandFailed  CommandStatus = "failed"
)

// Command is an inbound "send this" request written by a companion.
// Body may be an envelope string addressed to the phone's key.
type Command struct {
	ID        string              `json:"id"`
	Address   string              `json:"address"`
	Body      string              `json:"body"`
	Encrypted bool                `json:"encrypted"`
	Keys      map[DeviceID]string `json:"keyMap,omitempty"`
	Status    CommandStatus       `json:"status"`
	CreatedAt int64               `json:"createdAt"`
	Error     string              `json:"error,omitempty"`
}

// DecodeCommand parses and validates a command record.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: decoding command: %v", apperrors.ErrInvalidPayload, err)
	}

	if c.ID == "" || c.Address == "" {
		return Command{}, fmt.Errorf("%w: command missing id or address", apperrors.ErrInvalidPayload)
	}

	if c.Status == "" {
		c.Status = CommandPending
	}

	return c, nil
}
