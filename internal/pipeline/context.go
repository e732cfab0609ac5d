// Package pipeline orchestrates the fixed request lifecycle: routing,
// template rendering, the upstream call, response transform, billing,
// sanitization, and persistence. Steps declare dependencies and run strictly
// sequentially per request.
package pipeline

import (
	"time"

	"github.com/blueberrycongee/gatemux/internal/ledger"
	"github.com/blueberrycongee/gatemux/internal/pricing"
	"github.com/blueberrycongee/gatemux/internal/routing"
	"github.com/blueberrycongee/gatemux/internal/upstream"
)

// RequestContext carries one request through the pipeline. Each stage reads
// the slots published by its dependencies and fills exactly its own slot;
// there is no untyped key/value bag.
type RequestContext struct {
	TenantID   string
	SessionID  string
	TraceID    string
	Capability string
	Model      string
	Channel    routing.Channel
	Requester  string
	Stream     bool

	// Payload is the inbound chat payload (messages, sampling params).
	Payload map[string]any

	Routing     *RoutingOutcome
	Rendered    *RenderedRequest
	Upstream    *UpstreamOutcome
	Transformed *TransformedResponse
	Billing     *BillingOutcome
}

// RoutingOutcome is published by the routing step.
type RoutingOutcome struct {
	Decision *routing.Decision
}

// RenderedRequest is published by the template step.
type RenderedRequest struct {
	Body    map[string]any
	Headers map[string]string
}

// UpstreamOutcome is published by the upstream step.
type UpstreamOutcome struct {
	Result *upstream.Result
}

// TransformedResponse is published by the transform step.
type TransformedResponse struct {
	Content      string
	FinishReason string
	Usage        upstream.Usage
	Raw          []byte
}

// BillingOutcome is published by the billing step.
type BillingOutcome struct {
	Cost        pricing.Cost
	Transaction *ledger.Transaction
}

// UsedCandidate returns the candidate that served the request, nil before the
// upstream step ran.
func (rc *RequestContext) UsedCandidate() *routing.Candidate {
	if rc.Upstream == nil || rc.Upstream.Result == nil {
		return nil
	}
	return rc.Upstream.Result.Candidate
}

// Elapsed returns the upstream latency, zero before the upstream step ran.
func (rc *RequestContext) Elapsed() time.Duration {
	if rc.Upstream == nil || rc.Upstream.Result == nil {
		return 0
	}
	return rc.Upstream.Result.Latency
}
