package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Usage is the state of a quota window right after one Take.
type Usage struct {
	Allowed bool
	// Count is the number of entries inside the window after the decision,
	// including the one just recorded on admit.
	Count int
	// Oldest is the earliest entry still counted. Zero when the window is empty.
	Oldest time.Time
}

// QuotaStore runs one sliding-window-log step for a key: expire entries at or
// below now-window, count the rest, and record now when the count is below limit.
type QuotaStore interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error)
}

// QuotaKey composes the storage key for a subject, action and optional extra dimension.
func QuotaKey(subject, action, extra string) string {
	var b strings.Builder
	b.Grow(len(subject) + len(action) + len(extra) + 5)
	b.WriteString("rl:")
	b.WriteString(subject)
	b.WriteByte(':')
	b.WriteString(action)
	if extra != "" {
		b.WriteByte(':')
		b.WriteString(extra)
	}
	return b.String()
}

// HashIP creates a privacy-safe hash of the IP
func HashIP(ip, salt string) string {
	hash := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(hash[:])
}
