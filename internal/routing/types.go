// Package routing selects an upstream candidate for each request. It combines
// static weight/priority configuration, learned bandit state, and per-session
// affinity into an ordered (primary, backups) decision.
package routing

import (
	"time"
)

// Strategy selects the allocation policy for a candidate.
type Strategy string

const (
	// StrategyWeight sorts by priority and picks weight-proportionally among
	// the top priority tier.
	StrategyWeight Strategy = "weight"

	// StrategyEpsilonGreedy explores uniformly with probability epsilon and
	// exploits the best empirical success rate otherwise.
	StrategyEpsilonGreedy Strategy = "epsilon-greedy"

	// StrategyUCB1 scores success rate plus an upper confidence bound;
	// untried candidates are forced to explore first.
	StrategyUCB1 Strategy = "ucb1"

	// StrategyThompson samples each candidate's Beta posterior and picks the
	// highest draw.
	StrategyThompson Strategy = "thompson"
)

// KnownStrategy reports whether s is a configured routing strategy.
// Unknown strategies are a configuration error, fatal at startup.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategyWeight, StrategyEpsilonGreedy, StrategyUCB1, StrategyThompson:
		return true
	}
	return false
}

// Channel classifies traffic origin; candidates are filtered by it.
type Channel string

const (
	ChannelInternal Channel = "internal"
	ChannelExternal Channel = "external"
)

// Candidate is one routable upstream binding for a (capability, model) pair.
// Candidates are loaded per request from configuration and never mutated
// while a request is in flight.
type Candidate struct {
	ID          string   `yaml:"id" json:"id"`
	Provider    string   `yaml:"provider" json:"provider"`
	BaseURL     string   `yaml:"base_url" json:"base_url"`
	Path        string   `yaml:"path" json:"path"`
	Capability  string   `yaml:"capability" json:"capability"`
	Model       string   `yaml:"model" json:"model"`
	Channel     Channel  `yaml:"channel" json:"channel"`
	Weight      float64  `yaml:"weight" json:"weight"`
	Priority    int      `yaml:"priority" json:"priority"`
	Strategy    Strategy `yaml:"strategy" json:"strategy"`
	TemplateRef string   `yaml:"template_ref" json:"template_ref"`
	AuthRef     string   `yaml:"auth_ref" json:"auth_ref"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Public      bool     `yaml:"public" json:"public"`

	// CooldownThreshold is the consecutive-failure count that triggers
	// cooldown; zero selects the repository default.
	CooldownThreshold int `yaml:"cooldown_threshold" json:"cooldown_threshold"`

	// Bandit is attached by the loader where applicable.
	Bandit *BanditState `yaml:"-" json:"-"`
}

// BanditState is the learned performance signal for one candidate.
// Created lazily on first feedback; never deleted, only cooled down.
type BanditState struct {
	CandidateID         string    `json:"candidate_id"`
	Strategy            Strategy  `json:"strategy"`
	TotalTrials         int64     `json:"total_trials"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	Alpha               float64   `json:"alpha"`
	Beta                float64   `json:"beta"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	Version             int64     `json:"version"`
}

// SuccessRate returns the empirical success rate, zero when untried.
func (b *BanditState) SuccessRate() float64 {
	if b == nil || b.TotalTrials == 0 {
		return 0
	}
	return float64(b.Successes) / float64(b.TotalTrials)
}

// CooledDown reports whether the candidate is excluded from selection.
func (b *BanditState) CooledDown(now time.Time) bool {
	return b != nil && now.Before(b.CooldownUntil)
}

// Feedback is the observed outcome of one routed request.
type Feedback struct {
	Success bool
	Latency time.Duration
	Cost    float64
}

// Decision is the selector output: the candidate to try first and the ordered
// fallback list.
type Decision struct {
	Primary *Candidate
	Backups []*Candidate

	// FromAffinity marks decisions short-circuited by a session lock.
	FromAffinity bool
}

// SelectionInput describes one selection request.
type SelectionInput struct {
	Capability    string
	Model         string // empty = wildcard
	Channel       Channel
	Requester     string
	IncludePublic bool
	SessionID     string
}
