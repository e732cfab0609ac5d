package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/gatemux/internal/metrics"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// Status is a step's reported outcome.
type Status string

const (
	// StatusSuccess means the step ran and published its outputs.
	StatusSuccess Status = "SUCCESS"

	// StatusFailed aborts the pipeline; no later step runs.
	StatusFailed Status = "FAILED"

	// StatusSkipped means the step's precondition did not apply (non-chat
	// capability, streaming mode). Treated as success for ordering.
	StatusSkipped Status = "SKIPPED"
)

// StepResult is what a step reports back to the orchestrator.
type StepResult struct {
	Status  Status
	Message string
	Code    string

	// Err carries the typed error for FAILED results; surfaced to the caller
	// unchanged so transport can map it to a client status.
	Err error
}

// Success is the zero-friction success result.
func Success() StepResult { return StepResult{Status: StatusSuccess} }

// Skip marks a step not applicable to this request.
func Skip(reason string) StepResult {
	return StepResult{Status: StatusSkipped, Message: reason}
}

// Fail wraps a typed error into a FAILED result.
func Fail(err error) StepResult {
	res := StepResult{Status: StatusFailed, Err: err}
	if err != nil {
		res.Message = err.Error()
		if ge, ok := err.(*gwerrors.GatewayError); ok {
			res.Code = ge.Type
		}
	}
	return res
}

// Step is one stage of the request lifecycle.
type Step interface {
	Name() string
	DependsOn() []string
	Execute(ctx context.Context, rc *RequestContext) StepResult
}

// Pipeline executes steps in dependency order, one request at a time per
// RequestContext. Side effects committed by earlier steps are not rolled back
// on a later failure; compensation belongs to the step owning the resource.
type Pipeline struct {
	steps    []Step
	order    []Step
	logger   *slog.Logger
	timeout  time.Duration
	timeouts map[string]time.Duration
}

// PipelineOption configures Pipeline.
type PipelineOption func(*Pipeline)

// WithStepTimeout bounds each step's execution.
func WithStepTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.timeout = d }
}

// WithTimeoutForStep overrides the default timeout for one named step, e.g. a
// longer budget for the upstream call than for sanitization.
func WithTimeoutForStep(name string, d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if p.timeouts == nil {
			p.timeouts = make(map[string]time.Duration)
		}
		p.timeouts[name] = d
	}
}

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// New builds a pipeline, topologically sorting the steps by their declared
// dependencies. A cycle or an unknown dependency is a configuration error,
// fatal at startup.
func New(steps []Step, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		steps:   steps,
		logger:  slog.Default(),
		timeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}

	order, err := topoSort(steps)
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

// Order returns the resolved execution order, for logging and tests.
func (p *Pipeline) Order() []string {
	names := make([]string, len(p.order))
	for i, s := range p.order {
		names[i] = s.Name()
	}
	return names
}

// Run drives one request through the pipeline. It returns the failing step's
// error on FAILED, or nil when every step succeeded or skipped.
func (p *Pipeline) Run(ctx context.Context, rc *RequestContext) error {
	tracer := otel.Tracer("gatemux/pipeline")

	for _, step := range p.order {
		if err := ctx.Err(); err != nil {
			return err
		}

		stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout(step.Name()))
		stepCtx, span := tracer.Start(stepCtx, "pipeline."+step.Name(),
			trace.WithAttributes(attribute.String("trace_id", rc.TraceID)))

		started := time.Now()
		res := step.Execute(stepCtx, rc)
		elapsed := time.Since(started)

		span.SetAttributes(
			attribute.String("step.status", string(res.Status)),
			attribute.String("step.code", res.Code),
		)
		span.End()
		cancel()

		metrics.ObserveStep(step.Name(), string(res.Status), elapsed)

		switch res.Status {
		case StatusFailed:
			p.logger.Warn("pipeline step failed",
				"step", step.Name(),
				"trace", rc.TraceID,
				"code", res.Code,
				"message", res.Message,
				"elapsed", elapsed)
			if res.Err != nil {
				return res.Err
			}
			return gwerrors.NewInternalError("", rc.Model, res.Message)
		case StatusSkipped:
			p.logger.Debug("pipeline step skipped",
				"step", step.Name(), "trace", rc.TraceID, "reason", res.Message)
		default:
			p.logger.Debug("pipeline step done",
				"step", step.Name(), "trace", rc.TraceID, "elapsed", elapsed)
		}
	}
	return nil
}

// stepTimeout resolves a step's execution budget: the per-step override when
// one is set, the pipeline default otherwise.
func (p *Pipeline) stepTimeout(name string) time.Duration {
	if d, ok := p.timeouts[name]; ok && d > 0 {
		return d
	}
	return p.timeout
}

// topoSort orders steps so every step runs after its dependencies, stable in
// the declared order among independent steps. Kahn's algorithm; a leftover
// node means a cycle.
func topoSort(steps []Step) ([]Step, error) {
	byName := make(map[string]Step, len(steps))
	for _, s := range steps {
		if _, dup := byName[s.Name()]; dup {
			return nil, gwerrors.NewConfigurationError(fmt.Sprintf("duplicate pipeline step %q", s.Name()))
		}
		byName[s.Name()] = s
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn() {
			if _, ok := byName[dep]; !ok {
				return nil, gwerrors.NewConfigurationError(
					fmt.Sprintf("step %q depends on unknown step %q", s.Name(), dep))
			}
			indegree[s.Name()]++
			dependents[dep] = append(dependents[dep], s.Name())
		}
	}

	var queue []string
	for _, s := range steps {
		if indegree[s.Name()] == 0 {
			queue = append(queue, s.Name())
		}
	}

	order := make([]Step, 0, len(steps))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, byName[name])
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, gwerrors.NewConfigurationError("pipeline dependency cycle")
	}
	return order, nil
}
