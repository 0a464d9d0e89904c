// Package pairing turns a scanned companion token into a registered
// device. Service is the phone side; Arbiter is the server-side state
// machine that enforces single resolution, expiry and device limits.
package pairing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// PayloadVersion is the current payload format.
const PayloadVersion = 2

// Payload is what a companion shows as a QR code.
type Payload struct {
	Version   int           `json:"v"`
	Token     string        `json:"token"`
	Device    models.Device `json:"device"`
	ExpiresAt int64         `json:"expiresAt,omitempty"`
}

// Encode returns the payload as unpadded base64url JSON.
func (p Payload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Expired reports whether the payload's advertised expiry has passed.
func (p Payload) Expired(now time.Time) bool {
	return p.ExpiresAt > 0 && now.UnixMilli() >= p.ExpiresAt
}

// DecodePayload parses a scanned payload. Padding is tolerated.
func DecodePayload(s string) (Payload, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return Payload{}, fmt.Errorf("%w: empty pairing payload", apperrors.ErrInvalidPayload)
	}

	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: pairing payload is not base64url: %v", apperrors.ErrInvalidPayload, err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: pairing payload is not JSON: %v", apperrors.ErrInvalidPayload, err)
	}

	if p.Version == 0 {
		p.Version = 1
	}

	if p.Version > PayloadVersion {
		return Payload{}, fmt.Errorf("%w: pairing payload version %d is newer than supported", apperrors.ErrInvalidPayload, p.Version)
	}

	if p.Token == "" {
		return Payload{}, fmt.Errorf("%w: pairing payload has no token", apperrors.ErrInvalidPayload)
	}

	if p.Device.ID == "" {
		return Payload{}, fmt.Errorf("%w: pairing payload has no device id", apperrors.ErrInvalidPayload)
	}

	return p, nil
}

// QRSize is the default edge length of rendered QR images in pixels.
const QRSize = 320

// RenderQR renders the encoded payload as a PNG.
func RenderQR(encoded string, size int) ([]byte, error) {
	png, err := qrcode.Encode(encoded, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("rendering QR code: %w", err)
	}

	return png, nil
}

// WriteQR renders the encoded payload to a PNG file.
func WriteQR(encoded, path string) error {
	png, err := RenderQR(encoded, QRSize)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, png, 0o600); err != nil {
		return fmt.Errorf("writing QR image: %w", err)
	}

	return nil
}
