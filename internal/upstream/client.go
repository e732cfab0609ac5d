// Package upstream performs the provider HTTP call for a routed request,
// failing over across backup candidates and driving the bounded tool-call
// loop for agentic responses.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/gatemux/internal/routing"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// Usage is the token accounting parsed from the upstream body.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolExecutor resolves and runs one named tool, returning its string result.
type ToolExecutor func(ctx context.Context, name string, arguments string) (string, error)

// Attempt records how one candidate fared within a single Invoke, in the
// order candidates were tried. Err is nil for the attempt that served.
type Attempt struct {
	Candidate *routing.Candidate
	Err       error
}

// Result is the outcome of one (possibly multi-round) upstream exchange.
type Result struct {
	Candidate  *routing.Candidate
	StatusCode int
	Body       []byte
	Usage      Usage
	Latency    time.Duration
	ToolRounds int

	// Attempts covers every candidate tried, failed ones included, so the
	// caller can attribute each failure to the candidate that produced it.
	Attempts []Attempt
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Invoker calls upstream providers with per-candidate rate limiting and
// failover across the backup list.
type Invoker struct {
	client *http.Client
	logger *slog.Logger

	rps           rate.Limit
	burst         int
	maxToolRounds int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// InvokerOption configures Invoker.
type InvokerOption func(*Invoker)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) InvokerOption {
	return func(i *Invoker) { i.client = c }
}

// WithRateLimit sets the per-candidate request rate and burst.
func WithRateLimit(rps float64, burst int) InvokerOption {
	return func(i *Invoker) {
		i.rps = rate.Limit(rps)
		i.burst = burst
	}
}

// WithMaxToolRounds caps the agentic tool-call loop.
func WithMaxToolRounds(n int) InvokerOption {
	return func(i *Invoker) { i.maxToolRounds = n }
}

// WithInvokerLogger sets the invoker logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = logger }
}

// NewInvoker creates an upstream invoker.
func NewInvoker(opts ...InvokerOption) *Invoker {
	i := &Invoker{
		client:        &http.Client{Timeout: 120 * time.Second},
		logger:        slog.Default(),
		rps:           rate.Limit(50),
		burst:         100,
		maxToolRounds: 5,
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke calls the primary candidate and fails over to backups on retryable
// errors. The request body is the rendered chat payload; tools requested by
// the model are executed through exec (nil disables the tool loop). The
// context carries client disconnect: cancellation aborts the in-flight call.
//
// The Result is non-nil even on error: its Attempts list names every
// candidate tried and the error each produced.
func (i *Invoker) Invoke(ctx context.Context, decision *routing.Decision, body map[string]any, headers map[string]string, exec ToolExecutor) (*Result, error) {
	candidates := append([]*routing.Candidate{decision.Primary}, decision.Backups...)
	attempts := make([]Attempt, 0, len(candidates))

	var lastErr error
	for _, c := range candidates {
		if ctx.Err() != nil {
			return &Result{Attempts: attempts}, ctx.Err()
		}
		res, err := i.invokeOne(ctx, c, body, headers, exec)
		attempts = append(attempts, Attempt{Candidate: c, Err: err})
		if err == nil {
			res.Attempts = attempts
			return res, nil
		}
		lastErr = err
		if !gwerrors.IsRetryable(err) {
			return &Result{Attempts: attempts}, err
		}
		i.logger.Warn("upstream attempt failed, trying backup",
			"candidate", c.ID, "provider", c.Provider, "error", err)
	}
	if lastErr != nil {
		return &Result{Attempts: attempts}, lastErr
	}
	return &Result{Attempts: attempts}, gwerrors.NewUpstreamExhaustedError(decision.Primary.Model, "all upstream candidates failed")
}

func (i *Invoker) invokeOne(ctx context.Context, c *routing.Candidate, body map[string]any, headers map[string]string, exec ToolExecutor) (*Result, error) {
	payload := make(map[string]any, len(body))
	for k, v := range body {
		payload[k] = v
	}

	started := time.Now()
	result := &Result{Candidate: c}

	for round := 0; ; round++ {
		if err := i.limiter(c.ID).Wait(ctx); err != nil {
			return nil, err
		}

		raw, status, err := i.post(ctx, c, payload, headers)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, i.statusError(c, status, raw)
		}

		var parsed chatResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, gwerrors.NewInternalError(c.Provider, c.Model,
				fmt.Sprintf("malformed upstream response: %v", err))
		}

		result.StatusCode = status
		result.Body = raw
		result.Usage.PromptTokens += parsed.Usage.PromptTokens
		result.Usage.CompletionTokens += parsed.Usage.CompletionTokens
		result.Usage.TotalTokens += parsed.Usage.TotalTokens
		result.ToolRounds = round

		calls := pendingToolCalls(&parsed)
		if len(calls) == 0 || exec == nil {
			break
		}
		if round >= i.maxToolRounds {
			i.logger.Warn("tool loop cap reached", "candidate", c.ID, "rounds", round)
			break
		}

		msgs, err := i.runTools(ctx, c, parsed.Choices[0].Message, calls, exec)
		if err != nil {
			return nil, err
		}
		payload["messages"] = appendMessages(payload["messages"], msgs)
	}

	result.Latency = time.Since(started)
	return result, nil
}

func (i *Invoker) post(ctx context.Context, c *routing.Candidate, payload map[string]any, headers map[string]string) ([]byte, int, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, gwerrors.NewInternalError(c.Provider, c.Model, fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.Path, bytes.NewReader(buf))
	if err != nil {
		return nil, 0, gwerrors.NewInternalError(c.Provider, c.Model, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, gwerrors.NewServiceUnavailableError(c.Provider, c.Model, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, gwerrors.NewServiceUnavailableError(c.Provider, c.Model, fmt.Sprintf("read response: %v", err))
	}
	return raw, resp.StatusCode, nil
}

func (i *Invoker) runTools(ctx context.Context, c *routing.Candidate, assistant chatMessage, calls []ToolCall, exec ToolExecutor) ([]chatMessage, error) {
	msgs := []chatMessage{assistant}
	for _, call := range calls {
		out, err := exec(ctx, call.Function.Name, call.Function.Arguments)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Tool failures are surfaced to the model, not to the client.
			out = fmt.Sprintf("tool error: %v", err)
			i.logger.Warn("tool execution failed",
				"candidate", c.ID, "tool", call.Function.Name, "error", err)
		}
		msgs = append(msgs, chatMessage{
			Role:       "tool",
			Content:    out,
			ToolCallID: call.ID,
		})
	}
	return msgs, nil
}

func (i *Invoker) statusError(c *routing.Candidate, status int, raw []byte) error {
	msg := string(raw)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gwerrors.NewAuthenticationError(c.Provider, c.Model, msg)
	case status == http.StatusTooManyRequests:
		return gwerrors.NewRateLimitError(c.Provider, c.Model, msg)
	case status == http.StatusRequestTimeout:
		return gwerrors.NewTimeoutError(c.Provider, c.Model, msg)
	case status >= 500:
		return gwerrors.NewServiceUnavailableError(c.Provider, c.Model, msg)
	default:
		return gwerrors.NewInvalidRequestError(c.Provider, c.Model, msg)
	}
}

func (i *Invoker) limiter(candidateID string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.limiters[candidateID]
	if !ok {
		l = rate.NewLimiter(i.rps, i.burst)
		i.limiters[candidateID] = l
	}
	return l
}

func pendingToolCalls(r *chatResponse) []ToolCall {
	if len(r.Choices) == 0 {
		return nil
	}
	choice := r.Choices[0]
	if choice.FinishReason != "tool_calls" {
		return nil
	}
	return choice.Message.ToolCalls
}

func appendMessages(existing any, msgs []chatMessage) any {
	list, _ := existing.([]any)
	for _, m := range msgs {
		list = append(list, m)
	}
	return list
}
