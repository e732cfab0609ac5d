package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pkgcache "github.com/blueberrycongee/gatemux/pkg/cache"
)

// AffinityState is the session-level routing memory phase.
type AffinityState string

const (
	// AffinityInit means the session has no routing history yet.
	AffinityInit AffinityState = "INIT"

	// AffinityExploring means trials are accumulating but traffic is not
	// pinned yet.
	AffinityExploring AffinityState = "EXPLORING"

	// AffinityLocked means traffic is pinned to one upstream to maximize
	// provider-side cache reuse.
	AffinityLocked AffinityState = "LOCKED"
)

// AffinityContext is the per (session, model) routing memory.
// LOCKED implies LockedProvider is non-empty; LockExpiresAt is only
// meaningful while LOCKED.
type AffinityContext struct {
	SessionID      string        `json:"session_id"`
	Model          string        `json:"model"`
	State          AffinityState `json:"state"`
	LockedProvider string        `json:"locked_provider"`
	LockedItemID   string        `json:"locked_item_id"`
	ExploreCount   int           `json:"explore_count"`
	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	LockExpiresAt  time.Time     `json:"lock_expires_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (a *AffinityContext) lockExpired(now time.Time) bool {
	return a.State == AffinityLocked && !now.Before(a.LockExpiresAt)
}

// AffinityManager drives the INIT → EXPLORING → LOCKED state machine over the
// cache layer. State-store failures degrade to "do not use affinity" so the
// request proceeds through full selection instead of failing.
type AffinityManager struct {
	cache  pkgcache.JSONCache
	logger *slog.Logger

	exploreThreshold int
	failureThreshold int
	lockDuration     time.Duration
	ttlBuffer        time.Duration
	now              func() time.Time
}

// AffinityOption configures AffinityManager.
type AffinityOption func(*AffinityManager)

// WithExploreThreshold sets how many trials precede a lock.
func WithExploreThreshold(n int) AffinityOption {
	return func(m *AffinityManager) { m.exploreThreshold = n }
}

// WithFailureThreshold sets how many failures break a lock.
func WithFailureThreshold(n int) AffinityOption {
	return func(m *AffinityManager) { m.failureThreshold = n }
}

// WithLockDuration sets how long a lock pins traffic.
func WithLockDuration(d time.Duration) AffinityOption {
	return func(m *AffinityManager) { m.lockDuration = d }
}

// WithAffinityLogger sets the manager logger.
func WithAffinityLogger(logger *slog.Logger) AffinityOption {
	return func(m *AffinityManager) { m.logger = logger }
}

// withAffinityClock overrides the time source in tests.
func withAffinityClock(now func() time.Time) AffinityOption {
	return func(m *AffinityManager) { m.now = now }
}

// NewAffinityManager creates an affinity manager over the cache layer.
func NewAffinityManager(c pkgcache.JSONCache, opts ...AffinityOption) *AffinityManager {
	m := &AffinityManager{
		cache:            c,
		logger:           slog.Default(),
		exploreThreshold: 3,
		failureThreshold: 2,
		lockDuration:     10 * time.Minute,
		ttlBuffer:        time.Minute,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func affinityKey(sessionID, model string) string {
	return fmt.Sprintf("routing:affinity:%s:%s", sessionID, model)
}

// ShouldUseAffinity reports whether the session should reuse its locked
// upstream. Callers consult this before the selector and fall through to full
// selection on (false, "", "").
func (m *AffinityManager) ShouldUseAffinity(ctx context.Context, sessionID, model string) (bool, string, string) {
	if sessionID == "" {
		return false, "", ""
	}
	ac, err := m.load(ctx, sessionID, model)
	if err != nil {
		m.logger.Warn("affinity read failed", "session", sessionID, "model", model, "error", err)
		return false, "", ""
	}
	if ac == nil || ac.State != AffinityLocked {
		return false, "", ""
	}
	if ac.lockExpired(m.now()) {
		return false, "", ""
	}
	return true, ac.LockedProvider, ac.LockedItemID
}

// RecordRequest folds one routed request into the session's affinity state.
func (m *AffinityManager) RecordRequest(ctx context.Context, sessionID, model string, used *Candidate, success bool) {
	if sessionID == "" || used == nil {
		return
	}
	now := m.now()

	ac, err := m.load(ctx, sessionID, model)
	if err != nil {
		m.logger.Warn("affinity read failed", "session", sessionID, "model", model, "error", err)
		return
	}
	if ac == nil {
		ac = &AffinityContext{
			SessionID: sessionID,
			Model:     model,
			State:     AffinityInit,
		}
	}

	if ac.lockExpired(now) {
		m.unlock(ac)
	}

	switch ac.State {
	case AffinityInit:
		ac.State = AffinityExploring
		fallthrough

	case AffinityExploring:
		ac.ExploreCount++
		if success {
			ac.SuccessCount++
			ac.FailureCount = 0
		} else {
			ac.FailureCount++
		}
		if ac.ExploreCount >= m.exploreThreshold {
			ac.State = AffinityLocked
			ac.LockedProvider = used.Provider
			ac.LockedItemID = used.ID
			ac.LockExpiresAt = now.Add(m.lockDuration)
			ac.FailureCount = 0
			m.logger.Info("session locked to upstream",
				"session", sessionID,
				"model", model,
				"provider", used.Provider,
				"candidate", used.ID,
				"expires", ac.LockExpiresAt)
		}

	case AffinityLocked:
		if success {
			ac.SuccessCount++
			ac.FailureCount = 0
		} else {
			ac.FailureCount++
			if ac.FailureCount >= m.failureThreshold {
				m.logger.Info("session lock broken by failures",
					"session", sessionID,
					"model", model,
					"provider", ac.LockedProvider)
				m.unlock(ac)
			}
		}
	}

	ac.UpdatedAt = now
	ttl := m.lockDuration + m.ttlBuffer
	if err := m.cache.SetJSON(ctx, affinityKey(sessionID, model), ac, ttl); err != nil {
		m.logger.Warn("affinity write failed", "session", sessionID, "model", model, "error", err)
	}
}

// unlock drops back to EXPLORING and resets all counters.
func (m *AffinityManager) unlock(ac *AffinityContext) {
	ac.State = AffinityExploring
	ac.LockedProvider = ""
	ac.LockedItemID = ""
	ac.LockExpiresAt = time.Time{}
	ac.ExploreCount = 0
	ac.SuccessCount = 0
	ac.FailureCount = 0
}

func (m *AffinityManager) load(ctx context.Context, sessionID, model string) (*AffinityContext, error) {
	var ac AffinityContext
	found, err := m.cache.GetJSON(ctx, affinityKey(sessionID, model), &ac)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &ac, nil
}
