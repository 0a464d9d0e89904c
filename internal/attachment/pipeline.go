// Package attachment uploads MMS parts ahead of their message record.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/alexjbarnes/mirrorsync/internal/blob"
	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/keys"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/quota"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
	"github.com/alexjbarnes/mirrorsync/internal/retry"
)

// Encryptor seals a payload for every device of an account.
type Encryptor interface {
	Encrypt(ctx context.Context, acct models.AccountID, plaintext []byte) keys.Sealed
}

// QuotaGate is the upload accounting the pipeline consults.
type QuotaGate interface {
	IsUploadAllowed(ctx context.Context, acct models.AccountID, bytes int64, countsTowardStorage bool) quota.Decision
	RecordUpload(ctx context.Context, acct models.AccountID, bytes int64, countsTowardStorage bool) error
}

// Options tunes a Pipeline.
type Options struct {
	// InlineMaxBytes is the largest payload embedded in the message
	// record when an upload fails. Zero disables the fallback.
	InlineMaxBytes int
	Retry          retry.Policy
}

// Pipeline turns local attachments into remote attachment records.
type Pipeline struct {
	blobs   blob.Store
	quota   QuotaGate
	enc     Encryptor
	sources []Source
	opts    Options
	logger  *slog.Logger
}

func NewPipeline(blobs blob.Store, q QuotaGate, enc Encryptor, sources []Source, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		blobs:   blobs,
		quota:   q,
		enc:     enc,
		sources: sources,
		opts:    opts,
		logger:  logger,
	}
}

// IsMedia reports whether a content type is uploaded. Everything else
// (text parts, SMIL layout, vCards) travels as metadata only.
func IsMedia(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))

	return strings.HasPrefix(ct, "image/") ||
		strings.HasPrefix(ct, "video/") ||
		strings.HasPrefix(ct, "audio/")
}

// Process uploads each attachment and returns the records to embed in
// the message. Attachments that cannot be loaded, are denied by quota,
// or fail to upload and are too large to inline are left out; the
// message itself is never blocked.
func (p *Pipeline) Process(ctx context.Context, acct models.AccountID, msgKey string, atts []models.LocalAttachment) []models.AttachmentRecord {
	records := make([]models.AttachmentRecord, 0, len(atts))

	for _, att := range atts {
		if att.ID == "" {
			att.ID = uuid.NewString()
		}

		rec, ok := p.process(ctx, acct, msgKey, att)
		if ok {
			records = append(records, rec)
		}
	}

	return records
}

func (p *Pipeline) process(ctx context.Context, acct models.AccountID, msgKey string, att models.LocalAttachment) (models.AttachmentRecord, bool) {
	log := p.logger.With(slog.String("message", msgKey), slog.String("attachment", att.ID))

	rec := models.AttachmentRecord{
		ID:           att.ID,
		ContentType:  att.ContentType,
		FileName:     att.FileName,
		OriginalSize: att.Size,
	}

	if !IsMedia(att.ContentType) {
		return rec, true
	}

	data, err := p.load(ctx, att)
	if err != nil {
		log.Warn("attachment not readable, skipping", slog.String("error", err.Error()))
		return rec, false
	}

	rec.OriginalSize = int64(len(data))

	payload := data

	sealed := p.enc.Encrypt(ctx, acct, data)
	if sealed.Encrypted {
		payload = sealed.Ciphertext
		rec.Encrypted = true
		rec.Nonce = base64.StdEncoding.EncodeToString(sealed.Nonce)
		rec.Keys = sealed.Keys
	} else {
		log.Warn("uploading attachment unencrypted", slog.String("reason", sealed.FailureReason))
	}

	size := int64(len(payload))

	if d := p.quota.IsUploadAllowed(ctx, acct, size, true); !d.Allowed {
		log.Info("attachment upload denied", slog.String("reason", d.Reason.String()), slog.Int64("bytes", size))
		return rec, false
	}

	key := remote.AttachmentKey(acct, msgKey, att.ID)

	var ref string

	err = retry.Do(ctx, log, "upload attachment", p.opts.Retry, func(ctx context.Context) error {
		var err error
		ref, err = p.blobs.Put(ctx, key, payload, att.ContentType)

		return err
	})
	if err == nil {
		rec.Ref = ref

		if err := p.quota.RecordUpload(ctx, acct, size, true); err != nil {
			log.Warn("recording attachment usage failed", slog.String("error", err.Error()))
		}

		return rec, true
	}

	if errors.Is(err, apperrors.ErrQuotaDenied) {
		log.Info("attachment upload refused by backend", slog.String("error", err.Error()))
		return rec, false
	}

	if p.opts.InlineMaxBytes > 0 && len(payload) <= p.opts.InlineMaxBytes {
		log.Warn("upload failed, inlining attachment", slog.String("error", err.Error()), slog.Int("bytes", len(payload)))
		rec.InlineData = base64.StdEncoding.EncodeToString(payload)

		return rec, true
	}

	log.Warn("upload failed, dropping attachment", slog.String("error", err.Error()), slog.Int("bytes", len(payload)))

	return rec, false
}

func (p *Pipeline) load(ctx context.Context, att models.LocalAttachment) ([]byte, error) {
	errs := make([]error, 0, len(p.sources))

	for _, s := range p.sources {
		data, err := s.Load(ctx, att)
		if err == nil {
			return data, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}

	if len(errs) == 0 {
		return nil, errors.New("no attachment sources configured")
	}

	return nil, errors.Join(errs...)
}
