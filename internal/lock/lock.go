// Package lock provides the short-lived per-session mutual exclusion used to
// keep conversation writes ordered. Acquisition is best-effort: after a few
// failed attempts the caller proceeds without the lock rather than blocking
// the request.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gwcache "github.com/blueberrycongee/gatemux/internal/cache"
	pkgcache "github.com/blueberrycongee/gatemux/pkg/cache"
)

// compare-and-delete so a lock holder never releases a lock that expired and
// was re-acquired by another request.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// SessionLock acquires short TTL locks keyed by session id.
type SessionLock struct {
	cache  pkgcache.Cache
	logger *slog.Logger

	ttl     time.Duration
	retries int
	backoff time.Duration
}

// Option configures SessionLock.
type Option func(*SessionLock)

// WithTTL sets the lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *SessionLock) { l.ttl = ttl }
}

// WithRetries sets the acquisition retry count and backoff.
func WithRetries(retries int, backoff time.Duration) Option {
	return func(l *SessionLock) {
		l.retries = retries
		l.backoff = backoff
	}
}

// WithLogger sets the lock logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SessionLock) { l.logger = logger }
}

// New creates a session lock over the cache layer.
func New(c pkgcache.Cache, opts ...Option) *SessionLock {
	l := &SessionLock{
		cache:   c,
		logger:  slog.Default(),
		ttl:     10 * time.Second,
		retries: 3,
		backoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func lockKey(sessionID string) string {
	return fmt.Sprintf("lock:session:%s", sessionID)
}

// Acquire tries to take the session lock. It returns the owner token and
// whether the lock was actually held: (token, false) means acquisition failed
// and the caller should proceed unlocked. Conversation ordering is
// best-effort, so failure here is logged, never surfaced.
func (l *SessionLock) Acquire(ctx context.Context, sessionID string) (string, bool) {
	token := uuid.NewString()
	for attempt := 0; attempt <= l.retries; attempt++ {
		ok, err := l.cache.SetNX(ctx, lockKey(sessionID), []byte(token), l.ttl)
		if err != nil {
			l.logger.Warn("session lock unavailable, proceeding without lock",
				"session", sessionID, "error", err)
			return token, false
		}
		if ok {
			return token, true
		}
		select {
		case <-ctx.Done():
			return token, false
		case <-time.After(l.backoff):
		}
	}
	l.logger.Warn("session lock contended, proceeding without lock", "session", sessionID)
	return token, false
}

// Release gives the lock back if this token still owns it. Best-effort: on a
// backend without scripting the key is deleted unconditionally, which is
// acceptable for a short TTL advisory lock.
func (l *SessionLock) Release(ctx context.Context, sessionID, token string) {
	_, err := l.cache.Eval(ctx, unlockScript, []string{lockKey(sessionID)}, token)
	if err == nil {
		return
	}
	if errors.Is(err, gwcache.ErrScriptingUnsupported) {
		if delErr := l.cache.Delete(ctx, lockKey(sessionID)); delErr != nil {
			l.logger.Warn("session unlock failed", "session", sessionID, "error", delErr)
		}
		return
	}
	l.logger.Warn("session unlock failed", "session", sessionID, "error", err)
}
