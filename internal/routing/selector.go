package routing

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// Selector turns the eligible candidate set into an ordered (primary, backups)
// decision. Candidates carrying different strategies are scored within their
// own strategy group; groups merge by priority, never by score.
type Selector struct {
	loader   *Loader
	repo     *Repository
	affinity *AffinityManager
	logger   *slog.Logger

	epsilon     float64
	ucbConstant float64

	mu  sync.Mutex
	rng *rand.Rand
}

// SelectorOption configures Selector.
type SelectorOption func(*Selector)

// WithEpsilon sets the epsilon-greedy exploration rate.
func WithEpsilon(e float64) SelectorOption {
	return func(s *Selector) { s.epsilon = e }
}

// WithUCBConstant sets the UCB1 exploration constant.
func WithUCBConstant(c float64) SelectorOption {
	return func(s *Selector) { s.ucbConstant = c }
}

// WithSeed seeds the selector's random source for deterministic tests.
func WithSeed(seed int64) SelectorOption {
	return func(s *Selector) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithSelectorLogger sets the selector logger.
func WithSelectorLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) { s.logger = logger }
}

// NewSelector creates a routing selector.
func NewSelector(loader *Loader, repo *Repository, affinity *AffinityManager, opts ...SelectorOption) *Selector {
	s := &Selector{
		loader:      loader,
		repo:        repo,
		affinity:    affinity,
		logger:      slog.Default(),
		epsilon:     0.1,
		ucbConstant: math.Sqrt2,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select produces the routing decision for one request. A live session lock
// short-circuits selection when the locked candidate is still eligible;
// otherwise the full strategy evaluation runs.
func (s *Selector) Select(ctx context.Context, in SelectionInput) (*Decision, error) {
	eligible := s.loader.Load(ctx, in)
	if len(eligible) == 0 {
		return nil, gwerrors.NewUpstreamExhaustedError(in.Model, "no eligible upstream candidates")
	}

	if s.affinity != nil && in.SessionID != "" {
		if use, _, itemID := s.affinity.ShouldUseAffinity(ctx, in.SessionID, in.Model); use {
			if locked := findCandidate(eligible, itemID); locked != nil {
				return &Decision{
					Primary:      locked,
					Backups:      orderBackups(eligible, locked.ID),
					FromAffinity: true,
				}, nil
			}
			// Locked candidate no longer eligible (disabled or cooled down);
			// fall through to full selection.
		}
	}

	primary := s.pick(ctx, eligible)
	return &Decision{
		Primary: primary,
		Backups: orderBackups(eligible, primary.ID),
	}, nil
}

// RecordFeedback forwards a request outcome to the bandit repository and the
// session affinity machine.
func (s *Selector) RecordFeedback(ctx context.Context, sessionID, model string, used *Candidate, fb Feedback) {
	if used == nil {
		return
	}
	s.repo.RecordFeedback(ctx, used, fb)
	if s.affinity != nil {
		s.affinity.RecordRequest(ctx, sessionID, model, used, fb.Success)
	}
}

// pick evaluates each strategy group independently and merges the group
// winners by priority, breaking ties by weight then ID.
func (s *Selector) pick(ctx context.Context, eligible []*Candidate) *Candidate {
	groups := make(map[Strategy][]*Candidate)
	for _, c := range eligible {
		strat := c.Strategy
		if !KnownStrategy(strat) {
			strat = StrategyWeight
		}
		groups[strat] = append(groups[strat], c)
	}

	winners := make([]*Candidate, 0, len(groups))
	for strat, group := range groups {
		var w *Candidate
		switch strat {
		case StrategyEpsilonGreedy:
			w = s.pickEpsilonGreedy(group)
		case StrategyUCB1:
			w = s.pickUCB1(group)
		case StrategyThompson:
			w = s.pickThompson(group)
		default:
			w = s.pickWeight(group)
		}
		winners = append(winners, w)
	}

	sort.Slice(winners, func(i, j int) bool { return candidateLess(winners[i], winners[j]) })
	return winners[0]
}

// pickWeight sorts by priority descending and draws weight-proportionally
// within the top priority tier.
func (s *Selector) pickWeight(group []*Candidate) *Candidate {
	top := group[0].Priority
	for _, c := range group[1:] {
		if c.Priority > top {
			top = c.Priority
		}
	}

	var tier []*Candidate
	var totalWeight float64
	for _, c := range group {
		if c.Priority == top {
			tier = append(tier, c)
			totalWeight += c.Weight
		}
	}
	if len(tier) == 1 || totalWeight <= 0 {
		return tier[0]
	}

	r := s.float64() * totalWeight
	for _, c := range tier {
		r -= c.Weight
		if r < 0 {
			return c
		}
	}
	return tier[len(tier)-1]
}

func (s *Selector) pickEpsilonGreedy(group []*Candidate) *Candidate {
	if s.float64() < s.epsilon {
		return group[s.intn(len(group))]
	}
	best := group[0]
	for _, c := range group[1:] {
		if c.Bandit.SuccessRate() > best.Bandit.SuccessRate() {
			best = c
		}
	}
	return best
}

func (s *Selector) pickUCB1(group []*Candidate) *Candidate {
	var totalTrials int64
	for _, c := range group {
		if c.Bandit != nil {
			totalTrials += c.Bandit.TotalTrials
		}
	}

	best := group[0]
	bestScore := math.Inf(-1)
	for _, c := range group {
		score := math.Inf(1) // untried candidates explore first
		if c.Bandit != nil && c.Bandit.TotalTrials > 0 {
			bonus := s.ucbConstant * math.Sqrt(math.Log(float64(totalTrials))/float64(c.Bandit.TotalTrials))
			score = c.Bandit.SuccessRate() + bonus
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

func (s *Selector) pickThompson(group []*Candidate) *Candidate {
	best := group[0]
	bestDraw := math.Inf(-1)
	for _, c := range group {
		alpha, beta := 1.0, 1.0
		var successes, failures float64
		if c.Bandit != nil {
			if c.Bandit.Alpha > 0 {
				alpha = c.Bandit.Alpha
			}
			if c.Bandit.Beta > 0 {
				beta = c.Bandit.Beta
			}
			successes = float64(c.Bandit.Successes)
			failures = float64(c.Bandit.Failures)
		}
		s.mu.Lock()
		draw := SampleBeta(s.rng, successes+alpha, failures+beta)
		s.mu.Unlock()
		if draw > bestDraw {
			bestDraw = draw
			best = c
		}
	}
	return best
}

func (s *Selector) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func findCandidate(candidates []*Candidate, id string) *Candidate {
	for _, c := range candidates {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// orderBackups returns every candidate except the primary, ordered by
// priority descending, then weight descending, then ID for a stable order.
func orderBackups(eligible []*Candidate, primaryID string) []*Candidate {
	backups := make([]*Candidate, 0, len(eligible)-1)
	for _, c := range eligible {
		if c.ID != primaryID {
			backups = append(backups, c)
		}
	}
	sort.Slice(backups, func(i, j int) bool { return candidateLess(backups[i], backups[j]) })
	return backups
}

func candidateLess(a, b *Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.ID < b.ID
}
