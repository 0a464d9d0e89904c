package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// Outbox hands outbound messages to the platform as one JSON file per
// command. It implements syncer.Sender.
type Outbox struct {
	dir string
}

func NewOutbox(dir string) *Outbox {
	return &Outbox{dir: dir}
}

// Send writes cmd atomically to <dir>/<id>.json.
func (o *Outbox) Send(_ context.Context, cmd models.Command) error {
	if err := os.MkdirAll(o.dir, 0o700); err != nil {
		return fmt.Errorf("creating outbox: %w", err)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	tmp, err := os.CreateTemp(o.dir, ".outbox-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	dst := filepath.Join(o.dir, filepath.Base(cmd.ID)+".json")
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
