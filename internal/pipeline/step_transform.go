package pipeline

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/blueberrycongee/gatemux/internal/upstream"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// TransformStep normalizes the upstream body into the gateway response shape.
// Non-chat capabilities pass the raw body through.
type TransformStep struct{}

// NewTransformStep creates the transform step.
func NewTransformStep() *TransformStep { return &TransformStep{} }

func (s *TransformStep) Name() string        { return "transform" }
func (s *TransformStep) DependsOn() []string { return []string{"upstream"} }

func (s *TransformStep) Execute(ctx context.Context, rc *RequestContext) StepResult {
	result := rc.Upstream.Result

	if rc.Capability != "chat" {
		rc.Transformed = &TransformedResponse{
			Raw:   result.Body,
			Usage: result.Usage,
		}
		return Skip("non-chat capability, raw passthrough")
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage upstream.Usage `json:"usage"`
	}
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		return Fail(gwerrors.NewInternalError(
			result.Candidate.Provider, result.Candidate.Model,
			fmt.Sprintf("transform: %v", err)))
	}
	if len(parsed.Choices) == 0 {
		return Fail(gwerrors.NewInternalError(
			result.Candidate.Provider, result.Candidate.Model,
			"transform: upstream returned no choices"))
	}

	// Multi-round tool exchanges accumulate usage on the invoker result;
	// prefer it over the last round's body.
	usage := result.Usage
	if usage.TotalTokens == 0 {
		usage = parsed.Usage
	}

	rc.Transformed = &TransformedResponse{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage:        usage,
		Raw:          result.Body,
	}
	return Success()
}
