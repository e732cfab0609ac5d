package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/gatemux/internal/metrics"
	"github.com/blueberrycongee/gatemux/pkg/cache"
)

// EventName identifies a domain mutation that invalidates cached state.
type EventName string

const (
	EventCandidateUpdated   EventName = "candidate-updated"
	EventPricingUpdated     EventName = "pricing-updated"
	EventTenantQuotaUpdated EventName = "tenant-quota-updated"
	EventSessionUpdated     EventName = "session-updated"
	EventConfigReloaded     EventName = "config-reloaded"
)

// ConfigVersionKey is the monotonically increasing routing config version.
// Read-through caches (bandit state, candidate lists) embed the version they
// were written under and discard entries written under an older one.
const ConfigVersionKey = "routing:config:version"

// Event is a named domain mutation with the ids needed to build cache keys.
type Event struct {
	Name    EventName
	Payload map[string]string
}

// rule describes what a single event invalidates. Key templates may reference
// payload values as {id}; a template whose placeholder is missing from the
// payload is skipped.
type rule struct {
	keys        []string
	prefixes    []string
	bumpVersion bool
}

// invalidationMatrix is the static event -> key-set table. Every key names an
// entry some component actually writes: bandit state and the quota
// read-through cache live here; candidate memos and the pricing table are
// in-process and retire through the version bump (the loader keys its memo by
// version, the calculator swaps its table on reload).
var invalidationMatrix = map[EventName]rule{
	EventCandidateUpdated: {
		keys:        []string{"routing:bandit:{candidate_id}"},
		bumpVersion: true,
	},
	EventPricingUpdated: {
		bumpVersion: true,
	},
	EventTenantQuotaUpdated: {
		keys: []string{"ledger:quota:{tenant_id}"},
	},
	EventSessionUpdated: {
		keys: []string{"session:history:{session_id}", "routing:affinity:{session_id}:{model}"},
	},
	EventConfigReloaded: {
		prefixes:    []string{"routing:bandit:"},
		bumpVersion: true,
	},
}

// Invalidator applies the invalidation matrix against the cache layer.
// Invalidation is fire-and-forget safe: staleness is bounded by TTL, while
// blocking the triggering write path is not acceptable.
type Invalidator struct {
	cache  cache.Cache
	logger *slog.Logger
}

// NewInvalidator creates an invalidator over the given cache.
func NewInvalidator(c cache.Cache, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{cache: c, logger: logger}
}

// Invalidate dispatches each event to its handler concurrently. Handler
// failures are logged, never raised. Unknown events are logged and ignored.
func (inv *Invalidator) Invalidate(ctx context.Context, events ...Event) {
	var wg sync.WaitGroup
	for _, ev := range events {
		r, ok := invalidationMatrix[ev.Name]
		if !ok {
			inv.logger.Warn("unknown invalidation event", "event", string(ev.Name))
			continue
		}
		wg.Add(1)
		go func(ev Event, r rule) {
			defer wg.Done()
			inv.apply(ctx, ev, r)
		}(ev, r)
	}
	wg.Wait()
}

// InvalidateAsync runs Invalidate on a background goroutine with a bounded
// lifetime, detached from the caller's context.
func (inv *Invalidator) InvalidateAsync(events ...Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		inv.Invalidate(ctx, events...)
	}()
}

// ConfigVersion returns the current routing config version. Version 0 means
// the counter has never been bumped.
func (inv *Invalidator) ConfigVersion(ctx context.Context) int64 {
	v, err := inv.cache.Increment(ctx, ConfigVersionKey, 0, 0)
	if err != nil {
		inv.logger.Warn("config version read failed", "error", err)
		return 0
	}
	return v
}

// BumpConfigVersion increments the routing config version and returns it.
func (inv *Invalidator) BumpConfigVersion(ctx context.Context) int64 {
	v, err := inv.cache.Increment(ctx, ConfigVersionKey, 1, 0)
	if err != nil {
		inv.logger.Warn("config version bump failed", "error", err)
		return 0
	}
	return v
}

func (inv *Invalidator) apply(ctx context.Context, ev Event, r rule) {
	metrics.CacheInvalidations.WithLabelValues(string(ev.Name)).Inc()

	var keys []string
	for _, tmpl := range r.keys {
		key, ok := expandTemplate(tmpl, ev.Payload)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		if err := inv.cache.Delete(ctx, keys...); err != nil {
			inv.logger.Warn("cache invalidation failed", "event", string(ev.Name), "error", err)
		}
	}

	for _, prefix := range r.prefixes {
		if err := inv.cache.DeleteByPrefix(ctx, prefix); err != nil {
			inv.logger.Warn("cache prefix sweep failed", "event", string(ev.Name), "prefix", prefix, "error", err)
		}
	}

	if r.bumpVersion {
		inv.BumpConfigVersion(ctx)
	}
}

// expandTemplate fills {placeholder} segments from the payload. It returns
// false when any placeholder has no payload value.
func expandTemplate(tmpl string, payload map[string]string) (string, bool) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), true
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			b.WriteString(rest)
			return b.String(), true
		}
		name := rest[open+1 : open+closeIdx]
		val, ok := payload[name]
		if !ok || val == "" {
			return "", false
		}
		b.WriteString(rest[:open])
		b.WriteString(val)
		rest = rest[open+closeIdx+1:]
	}
}
