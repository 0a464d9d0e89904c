// Package spool exchanges files with the platform layer: inbound batches
// of local records to sync, and an outbox of messages to send.
package spool

import (
	"encoding/json"
	"fmt"
	"strconv"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// Batch is one file dropped by a platform reader. Threads maps a thread
// id to its recipient addresses.
type Batch struct {
	Messages  []models.LocalMessage `json:"messages,omitempty"`
	Threads   map[string][]string   `json:"threads,omitempty"`
	Calls     []models.CallLogEntry `json:"calls,omitempty"`
	Clipboard *models.ClipboardItem `json:"clipboard,omitempty"`
}

// DecodeBatch parses a batch file.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("%w: decoding batch: %v", apperrors.ErrInvalidPayload, err)
	}

	for id := range b.Threads {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return Batch{}, fmt.Errorf("%w: thread id %q", apperrors.ErrInvalidPayload, id)
		}
	}

	return b, nil
}

// ThreadRecipients returns Threads with parsed ids.
func (b Batch) ThreadRecipients() map[int64][]string {
	out := make(map[int64][]string, len(b.Threads))

	for id, addrs := range b.Threads {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}

		out[n] = addrs
	}

	return out
}
