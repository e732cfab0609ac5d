package pipeline

import (
	"context"
	"strconv"

	"github.com/blueberrycongee/gatemux/internal/metrics"
	"github.com/blueberrycongee/gatemux/internal/routing"
)

// RoutingStep picks the upstream candidate for the request. Session affinity
// is consulted inside the selector before full strategy evaluation.
type RoutingStep struct {
	selector *routing.Selector
}

// NewRoutingStep creates the routing step.
func NewRoutingStep(selector *routing.Selector) *RoutingStep {
	return &RoutingStep{selector: selector}
}

func (s *RoutingStep) Name() string        { return "routing" }
func (s *RoutingStep) DependsOn() []string { return nil }

func (s *RoutingStep) Execute(ctx context.Context, rc *RequestContext) StepResult {
	decision, err := s.selector.Select(ctx, routing.SelectionInput{
		Capability:    rc.Capability,
		Model:         rc.Model,
		Channel:       rc.Channel,
		Requester:     rc.Requester,
		IncludePublic: rc.Channel == routing.ChannelExternal,
		SessionID:     rc.SessionID,
	})
	if err != nil {
		return Fail(err)
	}

	metrics.SelectionsTotal.WithLabelValues(
		string(decision.Primary.Strategy),
		strconv.FormatBool(decision.FromAffinity),
	).Inc()

	rc.Routing = &RoutingOutcome{Decision: decision}
	return Success()
}
