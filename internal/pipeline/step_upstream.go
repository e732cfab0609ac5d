package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/blueberrycongee/gatemux/internal/metrics"
	"github.com/blueberrycongee/gatemux/internal/routing"
	"github.com/blueberrycongee/gatemux/internal/upstream"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// UpstreamStep performs the provider call, failing over across backups, and
// records routing feedback for every candidate tried: a failure against each
// candidate that failed, a success for the one that served. Feedback is
// fire-and-forget: it biases future selection and must never delay or fail
// the response path.
type UpstreamStep struct {
	invoker  *upstream.Invoker
	selector *routing.Selector
	registry *ToolRegistry
}

// NewUpstreamStep creates the upstream step.
func NewUpstreamStep(invoker *upstream.Invoker, selector *routing.Selector, registry *ToolRegistry) *UpstreamStep {
	return &UpstreamStep{invoker: invoker, selector: selector, registry: registry}
}

func (s *UpstreamStep) Name() string        { return "upstream" }
func (s *UpstreamStep) DependsOn() []string { return []string{"render"} }

func (s *UpstreamStep) Execute(ctx context.Context, rc *RequestContext) StepResult {
	decision := rc.Routing.Decision

	var exec upstream.ToolExecutor
	if s.registry != nil {
		exec = func(ctx context.Context, name, arguments string) (string, error) {
			return s.registry.Execute(ctx, name, arguments)
		}
	}

	result, err := s.invoker.Invoke(ctx, decision, rc.Rendered.Body, rc.Rendered.Headers, exec)
	s.recordAttempts(rc, result)
	if err != nil {
		return Fail(err)
	}

	metrics.UpstreamLatency.WithLabelValues(
		result.Candidate.Provider, result.Candidate.Model,
	).Observe(result.Latency.Seconds())

	rc.Upstream = &UpstreamOutcome{Result: result}
	return Success()
}

// recordAttempts folds the per-candidate attempt outcomes into routing
// feedback, blaming each failure on the candidate that produced it.
func (s *UpstreamStep) recordAttempts(rc *RequestContext, result *upstream.Result) {
	if result == nil {
		return
	}
	for _, at := range result.Attempts {
		switch {
		case at.Err == nil:
			s.recordFeedback(rc, at.Candidate, routing.Feedback{
				Success: true,
				Latency: result.Latency,
			})
		case countsAgainstCandidate(at.Err):
			s.recordFeedback(rc, at.Candidate, routing.Feedback{Success: false})
		}
	}
}

// countsAgainstCandidate reports whether an attempt error indicates candidate
// unhealth. Client-side errors, a malformed payload or the caller hanging up,
// must not cool down a healthy candidate.
func countsAgainstCandidate(err error) bool {
	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		return gwerrors.IsCooldownRequired(ge.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Unknown transport errors read as provider trouble.
	return true
}

func (s *UpstreamStep) recordFeedback(rc *RequestContext, used *routing.Candidate, fb routing.Feedback) {
	sessionID, model := rc.SessionID, rc.Model
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.selector.RecordFeedback(ctx, sessionID, model, used, fb)
	}()
}
