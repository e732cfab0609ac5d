// Package gatemux is an LLM API gateway engine: it routes each request to one
// of several interchangeable upstream bindings, forwards it, meters and bills
// usage exactly once, and keeps session continuity — under partial failure
// and concurrent multi-tenant load.
//
// Basic usage:
//
//	gw, err := gatemux.New(
//	    gatemux.WithCandidates(candidates),
//	    gatemux.WithRedis(redisCfg),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close()
//
//	resp, err := gw.Handle(ctx, &gatemux.Request{
//	    TenantID:   "tenant-1",
//	    Capability: "chat",
//	    Model:      "gpt-4o",
//	    Payload:    map[string]any{"messages": msgs},
//	})
package gatemux

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gwcache "github.com/blueberrycongee/gatemux/internal/cache"
	"github.com/blueberrycongee/gatemux/internal/config"
	"github.com/blueberrycongee/gatemux/internal/ledger"
	"github.com/blueberrycongee/gatemux/internal/lock"
	"github.com/blueberrycongee/gatemux/internal/metrics"
	"github.com/blueberrycongee/gatemux/internal/pipeline"
	"github.com/blueberrycongee/gatemux/internal/pricing"
	"github.com/blueberrycongee/gatemux/internal/routing"
	"github.com/blueberrycongee/gatemux/internal/upstream"
	pkgcache "github.com/blueberrycongee/gatemux/pkg/cache"
)

// Version is the current version of gatemux.
const Version = "1.0.0"

// Request is one inbound gateway request.
type Request struct {
	TenantID   string
	SessionID  string
	TraceID    string // defaults to a fresh UUID when empty
	Capability string
	Model      string
	Channel    routing.Channel
	Requester  string
	Payload    map[string]any
}

// Response is the gateway's answer.
type Response struct {
	TraceID      string
	Provider     string
	Model        string
	Content      string
	FinishReason string
	Raw          []byte

	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Latency          time.Duration
}

// Gateway owns the engine's moving parts: cache, ledger, routing, and the
// step pipeline. Construct with New; lifecycle is tied to Close, never to
// package import.
type Gateway struct {
	opts *options

	cache       pkgcache.Cache
	invalidator *gwcache.Invalidator
	calculator  *pricing.Calculator
	ledgerSvc   *ledger.Service
	reconciler  *ledger.Reconciler
	selector    *routing.Selector
	pipeline    *pipeline.Pipeline
	registry    *pipeline.ToolRegistry
	logger      *slog.Logger

	stop context.CancelFunc
}

// New assembles a gateway from functional options.
func New(optFns ...Option) (*Gateway, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(opts)
	}
	return build(opts)
}

// Handle drives one request through the pipeline.
func (g *Gateway) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.Capability == "" {
		req.Capability = "chat"
	}
	if req.Channel == "" {
		req.Channel = routing.ChannelInternal
	}

	rc := &pipeline.RequestContext{
		TenantID:   req.TenantID,
		SessionID:  req.SessionID,
		TraceID:    req.TraceID,
		Capability: req.Capability,
		Model:      req.Model,
		Channel:    req.Channel,
		Requester:  req.Requester,
		Payload:    req.Payload,
	}

	if err := g.pipeline.Run(ctx, rc); err != nil {
		metrics.RequestsTotal.WithLabelValues(req.Capability, "error").Inc()
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(req.Capability, "ok").Inc()

	resp := &Response{
		TraceID: req.TraceID,
		Model:   req.Model,
		Latency: rc.Elapsed(),
	}
	if used := rc.UsedCandidate(); used != nil {
		resp.Provider = used.Provider
		resp.Model = used.Model
	}
	if rc.Transformed != nil {
		resp.Content = rc.Transformed.Content
		resp.FinishReason = rc.Transformed.FinishReason
		resp.Raw = rc.Transformed.Raw
		resp.PromptTokens = rc.Transformed.Usage.PromptTokens
		resp.CompletionTokens = rc.Transformed.Usage.CompletionTokens
	}
	if rc.Billing != nil {
		resp.Cost = rc.Billing.Cost.Total
	}
	return resp, nil
}

// RegisterTool adds a handler to the agentic tool-call loop.
func (g *Gateway) RegisterTool(name string, h pipeline.ToolHandler) {
	g.registry.Register(name, h)
}

// Ledger exposes the billing service for quota administration.
func (g *Gateway) Ledger() *ledger.Service { return g.ledgerSvc }

// Invalidate forwards domain mutation events to the cache invalidator.
func (g *Gateway) Invalidate(ctx context.Context, events ...gwcache.Event) {
	g.invalidator.Invalidate(ctx, events...)
}

// ApplyConfig refreshes reloadable state after a configuration change: the
// pricing table is swapped and the routing caches are invalidated, bumping
// the config version so stale candidate and bandit entries are discarded.
func (g *Gateway) ApplyConfig(ctx context.Context, cfg *config.Config) {
	if len(cfg.Pricing) > 0 {
		g.calculator.Replace(cfg.Pricing)
	}
	g.invalidator.Invalidate(ctx,
		gwcache.Event{Name: gwcache.EventConfigReloaded},
		gwcache.Event{Name: gwcache.EventPricingUpdated},
	)
}

// Close stops background work and releases the cache connection.
func (g *Gateway) Close() error {
	if g.stop != nil {
		g.stop()
	}
	return g.cache.Close()
}

// build wires the component graph in dependency order.
func build(opts *options) (*Gateway, error) {
	logger := opts.logger

	c, err := opts.buildCache()
	if err != nil {
		return nil, err
	}

	inv := gwcache.NewInvalidator(c, logger)
	calc := pricing.NewCalculator(opts.pricing)

	primary, durable, err := opts.buildStores(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	ledgerOpts := []ledger.ServiceOption{
		ledger.WithInvalidator(inv),
		ledger.WithQuotaCache(c, 30*time.Second),
		ledger.WithLogger(logger),
		ledger.WithRetryBudget(opts.retryBudget, opts.retryDelay),
	}
	if durable != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithDurable(durable))
	}
	ledgerSvc := ledger.NewService(primary, ledgerOpts...)

	repo := routing.NewRepository(c, opts.banditStore, inv,
		routing.WithCooldown(opts.cooldownThreshold, opts.cooldownPeriod),
		routing.WithRepositoryLogger(logger))

	var affinity *routing.AffinityManager
	if jc, ok := c.(pkgcache.JSONCache); ok {
		affinity = routing.NewAffinityManager(jc,
			routing.WithExploreThreshold(opts.exploreThreshold),
			routing.WithFailureThreshold(opts.failureThreshold),
			routing.WithLockDuration(opts.lockDuration),
			routing.WithAffinityLogger(logger))
	}

	loader := routing.NewLoader(opts.candidateSource(), repo)
	selector := routing.NewSelector(loader, repo, affinity,
		routing.WithEpsilon(opts.epsilon),
		routing.WithUCBConstant(opts.ucbConstant),
		routing.WithSelectorLogger(logger))

	invoker := upstream.NewInvoker(
		upstream.WithRateLimit(opts.ratePerSecond, opts.burst),
		upstream.WithMaxToolRounds(opts.maxToolRounds),
		upstream.WithInvokerLogger(logger))

	registry := pipeline.NewToolRegistry()

	var sessions *lock.SessionLock
	var jsonCache pkgcache.JSONCache
	if jc, ok := c.(pkgcache.JSONCache); ok {
		jsonCache = jc
		sessions = lock.New(c, lock.WithLogger(logger))
	}

	steps := []pipeline.Step{
		pipeline.NewRoutingStep(selector),
		pipeline.NewRenderStep(opts.templates, opts.credentials),
		pipeline.NewUpstreamStep(invoker, selector, registry),
		pipeline.NewTransformStep(),
		pipeline.NewBillingStep(calc, ledgerSvc, opts.allowNegative),
		pipeline.NewSanitizeStep(),
		pipeline.NewPersistStep(sessions, jsonCache, logger),
	}
	plOpts := []pipeline.PipelineOption{
		pipeline.WithStepTimeout(opts.stepTimeout),
		pipeline.WithPipelineLogger(logger),
	}
	for name, d := range opts.stepTimeouts {
		plOpts = append(plOpts, pipeline.WithTimeoutForStep(name, d))
	}
	pl, err := pipeline.New(steps, plOpts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	g := &Gateway{
		opts:        opts,
		cache:       c,
		invalidator: inv,
		calculator:  calc,
		ledgerSvc:   ledgerSvc,
		selector:    selector,
		pipeline:    pl,
		registry:    registry,
		logger:      logger,
	}

	if mirror, ok := primary.(*ledger.RedisStore); ok && durable != nil {
		g.reconciler = ledger.NewReconciler(mirror, durable, opts.reconcileInterval, logger)
		ctx, cancel := context.WithCancel(context.Background())
		g.stop = cancel
		go g.reconciler.Run(ctx)
	}

	return g, nil
}
