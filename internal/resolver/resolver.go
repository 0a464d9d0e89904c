// Package resolver determines the other party of a local message,
// filtering out the phone's own numbers at every step.
package resolver

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

// significantDigits is how many trailing digits identify a number
// regardless of country-code prefixing.
const significantDigits = 10

// ThreadLookup exposes the platform's conversation-thread metadata.
type ThreadLookup interface {
	// ThreadRecipients returns the participants of a thread, in the
	// platform's order. An unknown thread yields nil.
	ThreadRecipients(ctx context.Context, threadID int64) ([]string, error)
	// LatestReceivedAddress returns the sender of the newest received
	// message in a thread, or "".
	LatestReceivedAddress(ctx context.Context, threadID int64) (string, error)
}

// Digits folds s with NFKC (so full-width digits count) and keeps only
// ASCII digits.
func Digits(s string) string {
	s = norm.NFKC.String(s)

	var b strings.Builder

	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// SameNumber reports whether a and b name the same phone number. Numbers
// with at least ten digits compare on their last ten; shorter ones must
// match exactly. Addresses without digits compare case-insensitively.
func SameNumber(a, b string) bool {
	da, db := Digits(a), Digits(b)

	if da == "" || db == "" {
		ta, tb := strings.TrimSpace(a), strings.TrimSpace(b)
		return da == db && ta != "" && strings.EqualFold(ta, tb)
	}

	if len(da) >= significantDigits && len(db) >= significantDigits {
		return da[len(da)-significantDigits:] == db[len(db)-significantDigits:]
	}

	return da == db
}

// Resolver finds the canonical party address of local messages.
type Resolver struct {
	own     []string
	threads ThreadLookup
	logger  *slog.Logger
}

// New creates a resolver. threads may be nil when the platform exposes
// no thread metadata.
func New(ownNumbers []string, threads ThreadLookup, logger *slog.Logger) *Resolver {
	own := make([]string, 0, len(ownNumbers))

	for _, n := range ownNumbers {
		if strings.TrimSpace(n) != "" {
			own = append(own, n)
		}
	}

	return &Resolver{own: own, threads: threads, logger: logger}
}

// IsOwn reports whether addr is one of the phone's own numbers.
func (r *Resolver) IsOwn(addr string) bool {
	for _, n := range r.own {
		if SameNumber(addr, n) {
			return true
		}
	}

	return false
}

func (r *Resolver) usable(addr string) bool {
	return strings.TrimSpace(addr) != "" && !r.IsOwn(addr)
}

func (r *Resolver) firstOther(addrs []string) (string, bool) {
	for _, a := range addrs {
		if r.usable(a) {
			return strings.TrimSpace(a), true
		}
	}

	return "", false
}

// Resolve returns the other party of m, or false when the message must
// be dropped because no party other than the phone itself can be found.
func (r *Resolver) Resolve(ctx context.Context, m models.LocalMessage) (string, bool) {
	if m.Direction == models.Received {
		return r.firstOther([]string{m.Address})
	}

	if m.Kind == models.MMS {
		if len(m.Recipients) > 0 {
			return r.firstOther(m.Recipients)
		}

		return r.firstOther([]string{m.Address})
	}

	if r.threads != nil && m.ThreadID != 0 {
		recipients, err := r.threads.ThreadRecipients(ctx, m.ThreadID)
		if err != nil {
			r.logger.Debug("thread lookup failed", slog.Int64("thread", m.ThreadID), slog.String("error", err.Error()))
		} else if addr, ok := r.firstOther(recipients); ok {
			return addr, true
		}

		latest, err := r.threads.LatestReceivedAddress(ctx, m.ThreadID)
		if err != nil {
			r.logger.Debug("latest received lookup failed", slog.Int64("thread", m.ThreadID), slog.String("error", err.Error()))
		} else if r.usable(latest) {
			return strings.TrimSpace(latest), true
		}
	}

	return r.firstOther([]string{m.Address})
}
