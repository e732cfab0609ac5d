package pipeline

import (
	"context"
	"fmt"

	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// TemplateSource renders a named request template over the inbound payload.
// The zero source (nil) passes the payload through untouched.
type TemplateSource interface {
	Render(templateRef string, payload map[string]any) (map[string]any, error)
}

// CredentialResolver maps a candidate's auth ref to the headers that
// authenticate the upstream call.
type CredentialResolver func(authRef string) (map[string]string, error)

// RenderStep produces the upstream request body and headers from the inbound
// payload and the selected candidate's template/auth refs.
type RenderStep struct {
	templates   TemplateSource
	credentials CredentialResolver
}

// NewRenderStep creates the template render step. Both collaborators may be
// nil: templates default to passthrough, credentials to no extra headers.
func NewRenderStep(templates TemplateSource, credentials CredentialResolver) *RenderStep {
	return &RenderStep{templates: templates, credentials: credentials}
}

func (s *RenderStep) Name() string        { return "render" }
func (s *RenderStep) DependsOn() []string { return []string{"routing"} }

func (s *RenderStep) Execute(ctx context.Context, rc *RequestContext) StepResult {
	primary := rc.Routing.Decision.Primary

	body := make(map[string]any, len(rc.Payload)+1)
	for k, v := range rc.Payload {
		body[k] = v
	}

	if primary.TemplateRef != "" && s.templates != nil {
		rendered, err := s.templates.Render(primary.TemplateRef, body)
		if err != nil {
			return Fail(gwerrors.NewConfigurationError(
				fmt.Sprintf("template %q: %v", primary.TemplateRef, err)))
		}
		body = rendered
	}
	// The upstream model name wins over whatever alias the client sent.
	body["model"] = primary.Model

	headers := map[string]string{}
	if primary.AuthRef != "" && s.credentials != nil {
		h, err := s.credentials(primary.AuthRef)
		if err != nil {
			return Fail(gwerrors.NewConfigurationError(
				fmt.Sprintf("credentials %q: %v", primary.AuthRef, err)))
		}
		headers = h
	}

	rc.Rendered = &RenderedRequest{Body: body, Headers: headers}
	return Success()
}
