package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CandidateSource supplies the full candidate catalog, typically backed by the
// configuration store.
type CandidateSource interface {
	Candidates() []*Candidate
}

// CandidateSourceFunc adapts a function to CandidateSource.
type CandidateSourceFunc func() []*Candidate

func (f CandidateSourceFunc) Candidates() []*Candidate { return f() }

// Loader filters the catalog down to the bindings eligible for one request:
// enabled, matching capability/model/channel/visibility, and not cooled down.
// Filtered sets are memoized in process keyed by the routing config version,
// so a config reload (which bumps the version) naturally invalidates them.
type Loader struct {
	source CandidateSource
	repo   *Repository
	local  *gocache.Cache
	now    func() time.Time
}

// NewLoader creates a candidate loader.
func NewLoader(source CandidateSource, repo *Repository) *Loader {
	return &Loader{
		source: source,
		repo:   repo,
		local:  gocache.New(30*time.Second, time.Minute),
		now:    time.Now,
	}
}

// Load returns the eligible candidates for the given selection input, with
// bandit state pre-attached. The returned slice is freshly allocated; callers
// may reorder it.
func (l *Loader) Load(ctx context.Context, in SelectionInput) []*Candidate {
	matched := l.matchCatalog(ctx, in)

	now := l.now()
	eligible := make([]*Candidate, 0, len(matched))
	for _, c := range matched {
		cp := *c
		cp.Bandit = l.repo.GetState(ctx, c.ID)
		if cp.Bandit.CooledDown(now) {
			continue
		}
		eligible = append(eligible, &cp)
	}
	return eligible
}

// matchCatalog applies the static filters (everything except cooldown, which
// is time-dependent) with a version-keyed memo in front.
func (l *Loader) matchCatalog(ctx context.Context, in SelectionInput) []*Candidate {
	key := fmt.Sprintf("%d|%s|%s|%s|%t",
		l.repo.configVersion(ctx), in.Capability, in.Model, in.Channel, in.IncludePublic)
	if v, ok := l.local.Get(key); ok {
		return v.([]*Candidate)
	}

	var matched []*Candidate
	for _, c := range l.source.Candidates() {
		if !c.Enabled {
			continue
		}
		if c.Capability != in.Capability {
			continue
		}
		if !modelMatches(c.Model, in.Model) {
			continue
		}
		if in.Channel != "" && c.Channel != in.Channel {
			continue
		}
		if !in.IncludePublic && c.Public {
			continue
		}
		matched = append(matched, c)
	}

	l.local.SetDefault(key, matched)
	return matched
}

// modelMatches treats an empty request model as a wildcard and supports a
// trailing "*" glob on the candidate side ("gpt-4*" matches "gpt-4o").
func modelMatches(candidateModel, requested string) bool {
	if requested == "" {
		return true
	}
	if strings.HasSuffix(candidateModel, "*") {
		return strings.HasPrefix(requested, strings.TrimSuffix(candidateModel, "*"))
	}
	return candidateModel == requested
}
