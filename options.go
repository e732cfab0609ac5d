package gatemux

import (
	"log/slog"
	"os"
	"time"

	intcache "github.com/blueberrycongee/gatemux/internal/cache"
	"github.com/blueberrycongee/gatemux/internal/config"
	"github.com/blueberrycongee/gatemux/internal/ledger"
	"github.com/blueberrycongee/gatemux/internal/pipeline"
	"github.com/blueberrycongee/gatemux/internal/pricing"
	"github.com/blueberrycongee/gatemux/internal/routing"
	pkgcache "github.com/blueberrycongee/gatemux/pkg/cache"
)

type options struct {
	logger *slog.Logger

	redisCfg *intcache.RedisConfig
	cache    pkgcache.Cache

	postgresDSN string

	candidates  []*routing.Candidate
	manager     *config.Manager
	pricing     []pricing.ModelPricing
	banditStore routing.StateStore

	templates   pipeline.TemplateSource
	credentials pipeline.CredentialResolver

	epsilon           float64
	ucbConstant       float64
	cooldownThreshold int64
	cooldownPeriod    time.Duration
	exploreThreshold  int
	failureThreshold  int
	lockDuration      time.Duration

	retryBudget       int
	retryDelay        time.Duration
	reconcileInterval time.Duration
	allowNegative     bool

	stepTimeout   time.Duration
	stepTimeouts  map[string]time.Duration
	ratePerSecond float64
	burst         int
	maxToolRounds int
}

func defaultOptions() *options {
	return &options{
		logger:            slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		banditStore:       routing.NewMemoryStateStore(),
		epsilon:           0.1,
		ucbConstant:       1.414,
		cooldownThreshold: 3,
		cooldownPeriod:    60 * time.Second,
		exploreThreshold:  3,
		failureThreshold:  2,
		lockDuration:      10 * time.Minute,
		retryBudget:       2,
		retryDelay:        50 * time.Millisecond,
		reconcileInterval: 5 * time.Minute,
		stepTimeout:       60 * time.Second,
		ratePerSecond:     50,
		burst:             100,
		maxToolRounds:     5,
	}
}

// Option configures the gateway at construction time.
type Option func(*options)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRedis connects the cache layer to redis.
func WithRedis(cfg intcache.RedisConfig) Option {
	return func(o *options) { o.redisCfg = &cfg }
}

// WithCache injects an already-built cache layer, e.g. the in-process one for
// tests or single-node deployments.
func WithCache(c pkgcache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithPostgres attaches the system-of-record database. The ledger then runs
// redis-primary with write-behind persistence and a drift reconciler.
func WithPostgres(dsn string) Option {
	return func(o *options) { o.postgresDSN = dsn }
}

// WithCandidates sets a static candidate catalog.
func WithCandidates(candidates []*routing.Candidate) Option {
	return func(o *options) { o.candidates = candidates }
}

// WithConfigManager sources candidates and pricing from a hot-reloading
// config manager instead of a static catalog.
func WithConfigManager(m *config.Manager) Option {
	return func(o *options) { o.manager = m }
}

// WithPricing sets the pricing table; nil selects the built-in defaults.
func WithPricing(table []pricing.ModelPricing) Option {
	return func(o *options) { o.pricing = table }
}

// WithBanditStore replaces the durable bandit state store.
func WithBanditStore(s routing.StateStore) Option {
	return func(o *options) { o.banditStore = s }
}

// WithTemplates sets the request template source.
func WithTemplates(t pipeline.TemplateSource) Option {
	return func(o *options) { o.templates = t }
}

// WithCredentials sets the auth-ref resolver for upstream calls.
func WithCredentials(r pipeline.CredentialResolver) Option {
	return func(o *options) { o.credentials = r }
}

// WithRoutingKnobs sets the selector's strategy parameters.
func WithRoutingKnobs(epsilon, ucbConstant float64) Option {
	return func(o *options) {
		o.epsilon = epsilon
		o.ucbConstant = ucbConstant
	}
}

// WithCooldown sets the candidate cooldown threshold and period.
func WithCooldown(threshold int64, period time.Duration) Option {
	return func(o *options) {
		o.cooldownThreshold = threshold
		o.cooldownPeriod = period
	}
}

// WithAffinity sets the session affinity thresholds and lock duration.
func WithAffinity(exploreThreshold, failureThreshold int, lockDuration time.Duration) Option {
	return func(o *options) {
		o.exploreThreshold = exploreThreshold
		o.failureThreshold = failureThreshold
		o.lockDuration = lockDuration
	}
}

// WithLedgerRetry bounds billing retries on transient store errors.
func WithLedgerRetry(budget int, delay time.Duration) Option {
	return func(o *options) {
		o.retryBudget = budget
		o.retryDelay = delay
	}
}

// WithReconcileInterval sets the ledger drift reconciler period.
func WithReconcileInterval(d time.Duration) Option {
	return func(o *options) { o.reconcileInterval = d }
}

// WithAllowNegative permits tenants to run a deficit past their balance.
func WithAllowNegative(allow bool) Option {
	return func(o *options) { o.allowNegative = allow }
}

// WithStepTimeout bounds each pipeline step.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) { o.stepTimeout = d }
}

// WithStepTimeoutFor overrides the timeout for one named pipeline step.
func WithStepTimeoutFor(name string, d time.Duration) Option {
	return func(o *options) {
		if o.stepTimeouts == nil {
			o.stepTimeouts = make(map[string]time.Duration)
		}
		o.stepTimeouts[name] = d
	}
}

// WithUpstreamLimits sets per-candidate rate limiting and the tool-loop cap.
func WithUpstreamLimits(ratePerSecond float64, burst, maxToolRounds int) Option {
	return func(o *options) {
		o.ratePerSecond = ratePerSecond
		o.burst = burst
		o.maxToolRounds = maxToolRounds
	}
}

// FromConfig maps a loaded configuration onto gateway options.
func FromConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg.Redis.Addr != "" || len(cfg.Redis.ClusterAddrs) > 0 {
			redisCfg := cfg.Redis
			o.redisCfg = &redisCfg
		}
		o.postgresDSN = cfg.Postgres.DSN
		o.candidates = cfg.Candidates
		o.pricing = cfg.Pricing
		o.epsilon = cfg.Routing.Epsilon
		o.ucbConstant = cfg.Routing.UCBConstant
		o.cooldownThreshold = cfg.Routing.CooldownThreshold
		o.cooldownPeriod = cfg.Routing.CooldownPeriod
		o.exploreThreshold = cfg.Routing.ExploreThreshold
		o.failureThreshold = cfg.Routing.FailureThreshold
		o.lockDuration = cfg.Routing.LockDuration
		o.retryBudget = cfg.Ledger.RetryBudget
		o.retryDelay = cfg.Ledger.RetryDelay
		o.reconcileInterval = cfg.Ledger.ReconcileInterval
		o.allowNegative = cfg.Ledger.AllowNegative
		o.stepTimeout = cfg.Pipeline.StepTimeout
		o.stepTimeouts = cfg.Pipeline.StepTimeouts
		o.ratePerSecond = cfg.Upstream.RatePerSecond
		o.burst = cfg.Upstream.Burst
		o.maxToolRounds = cfg.Upstream.MaxToolRounds
	}
}

// buildCache resolves the cache layer: injected > redis > in-process memory.
func (o *options) buildCache() (pkgcache.Cache, error) {
	if o.cache != nil {
		return o.cache, nil
	}
	if o.redisCfg != nil {
		return intcache.NewRedis(*o.redisCfg)
	}
	return intcache.NewMemory(10 * time.Minute), nil
}

// buildStores resolves the ledger stores. With postgres attached the primary
// is the redis mirror (or memory) and postgres is the durable system of
// record; without it the primary alone carries the ledger.
func (o *options) buildStores(c pkgcache.Cache) (ledger.Store, *ledger.PostgresStore, error) {
	var primary ledger.Store
	if rc, ok := c.(*intcache.Redis); ok {
		primary = ledger.NewRedisStore(rc.Client())
	} else {
		primary = ledger.NewMemoryStore()
	}

	if o.postgresDSN == "" {
		return primary, nil, nil
	}
	durable, err := ledger.NewPostgresStore(o.postgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return primary, durable, nil
}

// candidateSource adapts the configured catalog (static or managed) to the
// loader's source interface.
func (o *options) candidateSource() routing.CandidateSource {
	if o.manager != nil {
		m := o.manager
		return routing.CandidateSourceFunc(func() []*routing.Candidate {
			return m.Get().Candidates
		})
	}
	static := o.candidates
	return routing.CandidateSourceFunc(func() []*routing.Candidate { return static })
}
