package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnauthenticated = errors.New("rate limit subject is required")
	ErrInvalidPolicy   = errors.New("invalid rate limit policy")
	ErrUnknownPolicy   = errors.New("unknown rate limit policy")
)

const DefaultSharedTimeout = 100 * time.Millisecond

// Backend names the store that produced a Decision.
type Backend string

const (
	BackendShared Backend = "shared"
	BackendLocal  Backend = "local"
	// BackendNone marks a fail-open decision made without any store.
	BackendNone Backend = "none"
)

type Decision struct {
	Action     string
	Limit      int
	Remaining  int
	Reset      time.Time // When the oldest counted entry expires
	RetryAfter int       // Seconds, rounded up; set only when denied
	Allowed    bool
	Backend    Backend
}

// RejectionRecorder is told about every denied request.
type RejectionRecorder interface {
	RateLimitRejected()
}

type Limiter struct {
	shared        QuotaStore
	local         QuotaStore
	rejections    RejectionRecorder
	logger        zerolog.Logger
	now           func() time.Time
	sharedTimeout time.Duration
}

type Option func(*Limiter)

// WithSharedStore makes s the preferred store. A nil store leaves the limiter local-only.
func WithSharedStore(s QuotaStore) Option {
	return func(l *Limiter) {
		if s != nil {
			l.shared = s
		}
	}
}

func WithRejectionRecorder(r RejectionRecorder) Option {
	return func(l *Limiter) { l.rejections = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSharedTimeout bounds each shared store call. Zero disables the bound.
func WithSharedTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.sharedTimeout = d }
}

// NewLimiter builds a limiter over the local store. local must not be nil.
func NewLimiter(local QuotaStore, opts ...Option) *Limiter {
	l := &Limiter{
		local:         local,
		logger:        zerolog.Nop(),
		now:           time.Now,
		sharedTimeout: DefaultSharedTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HasSharedStore reports whether a shared store was configured.
func (l *Limiter) HasSharedStore() bool {
	return l.shared != nil
}

// Admit decides whether subjectID may perform p.Action now, using a sliding
// window log. extraKey narrows the quota below per-subject-per-action.
// Only ErrUnauthenticated and ErrInvalidPolicy are returned; store failures
// fall back to the local store and, failing that, admit.
func (l *Limiter) Admit(ctx context.Context, p Policy, subjectID, extraKey string) (*Decision, error) {
	if subjectID == "" {
		return nil, ErrUnauthenticated
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	key := QuotaKey(subjectID, p.Action, extraKey)
	now := l.now()

	usage, backend, err := l.take(ctx, key, p, now)
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("local quota store failed, admitting request")
		return &Decision{
			Action:    p.Action,
			Limit:     p.Limit,
			Remaining: p.Limit,
			Reset:     now.Add(p.Window),
			Allowed:   true,
			Backend:   BackendNone,
		}, nil
	}

	d := decide(p, usage, now, backend)
	if !d.Allowed {
		if l.rejections != nil {
			l.rejections.RateLimitRejected()
		}
		l.logger.Debug().
			Str("key", key).
			Str("backend", string(backend)).
			Int("retry_after", d.RetryAfter).
			Msg("rate limited")
	}
	return d, nil
}

// take prefers the shared store and falls back to the local one for this call
// only. Shared stores return an error only when this call recorded nothing, so
// a failed-over request counts once. The exception is a reply lost after the
// server committed, such as a timeout racing the script.
func (l *Limiter) take(ctx context.Context, key string, p Policy, now time.Time) (Usage, Backend, error) {
	if l.shared != nil {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if l.sharedTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, l.sharedTimeout)
		}
		usage, err := l.shared.Take(sctx, key, p.Limit, p.Window, now)
		cancel()
		if err == nil {
			return usage, BackendShared, nil
		}
		l.logger.Warn().Err(err).Str("key", key).Msg("shared quota store failed, using local store")
	}

	usage, err := l.local.Take(ctx, key, p.Limit, p.Window, now)
	return usage, BackendLocal, err
}

func decide(p Policy, u Usage, now time.Time, backend Backend) *Decision {
	remaining := p.Limit - u.Count
	if remaining < 0 {
		remaining = 0
	}

	reset := now.Add(p.Window)
	if !u.Oldest.IsZero() {
		reset = u.Oldest.Add(p.Window)
	}

	d := &Decision{
		Action:    p.Action,
		Limit:     p.Limit,
		Remaining: remaining,
		Reset:     reset,
		Allowed:   u.Allowed,
		Backend:   backend,
	}
	if !u.Allowed {
		d.RetryAfter = ceilSeconds(reset.Sub(now))
	}
	return d
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// ResetUnix is Reset in epoch seconds, rounded up.
func (d *Decision) ResetUnix() int64 {
	ms := d.Reset.UnixMilli()
	return (ms + 999) / 1000
}
