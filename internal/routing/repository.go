package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/gatemux/internal/cache"
	"github.com/blueberrycongee/gatemux/internal/metrics"
	pkgcache "github.com/blueberrycongee/gatemux/pkg/cache"
)

// StateStore is the durable home of bandit state, consulted on cache miss.
type StateStore interface {
	GetState(ctx context.Context, candidateID string) (*BanditState, error)
	PutState(ctx context.Context, state *BanditState) error
}

// MemoryStateStore keeps bandit state in process memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*BanditState
}

// NewMemoryStateStore creates an empty state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*BanditState)}
}

// GetState returns the stored state or nil when the candidate has none yet.
func (s *MemoryStateStore) GetState(_ context.Context, candidateID string) (*BanditState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[candidateID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

// PutState stores a copy of the state.
func (s *MemoryStateStore) PutState(_ context.Context, state *BanditState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.CandidateID] = &cp
	return nil
}

// Repository serves bandit state through the cache layer, guarded by the
// routing config version: a cached entry written under an older version is
// treated as a miss and refreshed from the durable store.
type Repository struct {
	cache       pkgcache.Cache
	durable     StateStore
	invalidator *cache.Invalidator
	logger      *slog.Logger

	cacheTTL         time.Duration
	cooldownPeriod   time.Duration
	failureThreshold int64
	now              func() time.Time
}

// RepositoryOption configures Repository.
type RepositoryOption func(*Repository)

// WithCooldown sets the consecutive-failure threshold and cooldown period.
func WithCooldown(threshold int64, period time.Duration) RepositoryOption {
	return func(r *Repository) {
		r.failureThreshold = threshold
		r.cooldownPeriod = period
	}
}

// WithCacheTTL sets the bandit-state cache TTL.
func WithCacheTTL(ttl time.Duration) RepositoryOption {
	return func(r *Repository) { r.cacheTTL = ttl }
}

// WithRepositoryLogger sets the repository logger.
func WithRepositoryLogger(logger *slog.Logger) RepositoryOption {
	return func(r *Repository) { r.logger = logger }
}

// withClock overrides the time source in tests.
func withClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a bandit repository.
func NewRepository(c pkgcache.Cache, durable StateStore, inv *cache.Invalidator, opts ...RepositoryOption) *Repository {
	r := &Repository{
		cache:            c,
		durable:          durable,
		invalidator:      inv,
		logger:           slog.Default(),
		cacheTTL:         5 * time.Minute,
		cooldownPeriod:   60 * time.Second,
		failureThreshold: 3,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func stateKey(candidateID string) string {
	return fmt.Sprintf("routing:bandit:%s", candidateID)
}

// GetState returns the bandit state for a candidate, or nil when it has never
// received feedback. Cache-layer failures degrade to the durable store; a
// durable failure degrades to "no bandit weighting" rather than failing the
// request.
func (r *Repository) GetState(ctx context.Context, candidateID string) *BanditState {
	version := r.configVersion(ctx)

	if jc, ok := r.cache.(pkgcache.JSONCache); ok {
		var cached BanditState
		found, err := jc.GetJSON(ctx, stateKey(candidateID), &cached)
		if err != nil {
			r.logger.Warn("bandit cache read failed", "candidate", candidateID, "error", err)
		} else if found && cached.Version == version {
			return &cached
		}
	}

	state, err := r.durable.GetState(ctx, candidateID)
	if err != nil {
		r.logger.Warn("bandit durable read failed", "candidate", candidateID, "error", err)
		return nil
	}
	if state == nil {
		return nil
	}

	state.Version = version
	r.writeCache(ctx, state)
	return state
}

// RecordFeedback folds one request outcome into the candidate's state.
// Updates are eventually consistent: a lost update under extreme concurrency
// only biases a statistical policy, so no lock is taken across stores.
func (r *Repository) RecordFeedback(ctx context.Context, candidate *Candidate, fb Feedback) {
	state, err := r.durable.GetState(ctx, candidate.ID)
	if err != nil {
		r.logger.Warn("bandit feedback read failed", "candidate", candidate.ID, "error", err)
		return
	}
	if state == nil {
		// Created lazily on first feedback, with a uniform Beta(1,1) prior.
		state = &BanditState{
			CandidateID: candidate.ID,
			Strategy:    candidate.Strategy,
			Alpha:       1,
			Beta:        1,
		}
	}

	state.TotalTrials++
	if fb.Success {
		state.Successes++
		state.ConsecutiveFailures = 0
	} else {
		state.Failures++
		state.ConsecutiveFailures++
		threshold := int64(candidate.CooldownThreshold)
		if threshold <= 0 {
			threshold = r.failureThreshold
		}
		if state.ConsecutiveFailures >= threshold {
			state.CooldownUntil = r.now().Add(r.cooldownPeriod)
			state.ConsecutiveFailures = 0
			metrics.CooldownsTotal.WithLabelValues(candidate.Provider).Inc()
			r.logger.Info("candidate cooled down",
				"candidate", candidate.ID,
				"until", state.CooldownUntil)
		}
	}

	state.Version = r.configVersion(ctx)
	if err := r.durable.PutState(ctx, state); err != nil {
		r.logger.Warn("bandit feedback write failed", "candidate", candidate.ID, "error", err)
		return
	}
	r.writeCache(ctx, state)
}

// TotalTrials sums trials across the given candidates, for UCB1 scoring.
func (r *Repository) TotalTrials(ctx context.Context, candidates []*Candidate) int64 {
	var total int64
	for _, c := range candidates {
		if st := r.GetState(ctx, c.ID); st != nil {
			total += st.TotalTrials
		}
	}
	return total
}

func (r *Repository) writeCache(ctx context.Context, state *BanditState) {
	jc, ok := r.cache.(pkgcache.JSONCache)
	if !ok {
		return
	}
	if err := jc.SetJSON(ctx, stateKey(state.CandidateID), state, r.cacheTTL); err != nil {
		r.logger.Warn("bandit cache write failed", "candidate", state.CandidateID, "error", err)
	}
}

func (r *Repository) configVersion(ctx context.Context) int64 {
	if r.invalidator == nil {
		return 0
	}
	return r.invalidator.ConfigVersion(ctx)
}
