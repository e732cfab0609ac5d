package pipeline

import (
	"context"
	"strings"
)

// SanitizeStep scrubs upstream-identifying detail from the response before it
// leaves the gateway: base URLs, auth refs, and candidate ids must never leak
// to external clients.
type SanitizeStep struct{}

// NewSanitizeStep creates the sanitize step.
func NewSanitizeStep() *SanitizeStep { return &SanitizeStep{} }

func (s *SanitizeStep) Name() string        { return "sanitize" }
func (s *SanitizeStep) DependsOn() []string { return []string{"billing"} }

func (s *SanitizeStep) Execute(ctx context.Context, rc *RequestContext) StepResult {
	if rc.Transformed == nil || rc.Transformed.Content == "" {
		return Skip("nothing to sanitize")
	}

	var secrets []string
	if rc.Routing != nil && rc.Routing.Decision != nil {
		d := rc.Routing.Decision
		secrets = append(secrets, d.Primary.BaseURL, d.Primary.AuthRef, d.Primary.ID)
		for _, b := range d.Backups {
			secrets = append(secrets, b.BaseURL, b.AuthRef, b.ID)
		}
	}

	content := rc.Transformed.Content
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		content = strings.ReplaceAll(content, secret, "[redacted]")
	}
	rc.Transformed.Content = strings.TrimSpace(content)
	return Success()
}
