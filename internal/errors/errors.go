package errors

import (
	"errors"
	"fmt"
)

// Authentication errors.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Capacity errors. Recoverable through a plan upgrade.
var (
	ErrDeviceLimitReached = errors.New("device limit reached")
	ErrQuotaDenied        = errors.New("upload quota denied")
)

// Pairing errors.
var (
	ErrTokenNotFound        = errors.New("pairing token not found")
	ErrTokenAlreadyResolved = errors.New("pairing token already resolved")
	ErrTokenExpired         = errors.New("pairing token expired")
)

// Store/transport errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrOffline        = errors.New("no network connectivity")
	ErrRemoteRequest  = errors.New("remote request failed")
	ErrRemoteResponse = errors.New("unexpected remote response")
	ErrPermanent      = errors.New("permanent failure")
)

// Decoding errors.
var (
	ErrInvalidPayload = errors.New("invalid payload")
)

// DeviceLimitError carries the counts behind a device limit rejection so
// the caller can offer an upgrade instead of a bare failure.
type DeviceLimitError struct {
	Current int
	Limit   int
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("device limit reached: %d of %d devices registered", e.Current, e.Limit)
}

// Unwrap lets errors.Is match ErrDeviceLimitReached.
func (e *DeviceLimitError) Unwrap() error {
	return ErrDeviceLimitReached
}
