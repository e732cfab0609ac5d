package gatemux_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/gatemux"
	"github.com/blueberrycongee/gatemux/internal/ledger"
	"github.com/blueberrycongee/gatemux/internal/pricing"
	"github.com/blueberrycongee/gatemux/internal/routing"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

func upstreamServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func chatReply(content string, promptTokens, completionTokens int) []byte {
	buf, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	return buf
}

func newGateway(t *testing.T, baseURL string, opts ...gatemux.Option) *gatemux.Gateway {
	t.Helper()
	candidates := []*routing.Candidate{{
		ID:         "c1",
		Provider:   "openai",
		BaseURL:    baseURL,
		Path:       "/v1/chat/completions",
		Capability: "chat",
		Model:      "gpt-4o",
		Channel:    routing.ChannelInternal,
		Weight:     100,
		Strategy:   routing.StrategyWeight,
		Enabled:    true,
	}}
	table := []pricing.ModelPricing{
		{Model: "gpt-4o", InputCostPer1K: 1.0, OutputCostPer1K: 1.0},
	}
	gw, err := gatemux.New(append([]gatemux.Option{
		gatemux.WithCandidates(candidates),
		gatemux.WithPricing(table),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func seedBalance(t *testing.T, gw *gatemux.Gateway, tenantID string, balance float64) {
	t.Helper()
	err := gw.Ledger().UpsertQuota(context.Background(), &ledger.TenantQuota{
		TenantID: tenantID,
		Balance:  balance,
	})
	require.NoError(t, err)
}

func TestGateway_EndToEndBilling(t *testing.T) {
	ctx := context.Background()
	srv := upstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatReply("hello there", 1000, 500))
	})

	gw := newGateway(t, srv.URL)
	seedBalance(t, gw, "tenant-1", 5.0)

	req := &gatemux.Request{
		TenantID: "tenant-1",
		TraceID:  "t1",
		Model:    "gpt-4o",
		Payload:  map[string]any{"messages": []any{}},
	}

	resp, err := gw.Handle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Content)
	require.Equal(t, "openai", resp.Provider)
	require.Equal(t, 1000, resp.PromptTokens)
	require.Equal(t, 500, resp.CompletionTokens)
	require.InDelta(t, 1.5, resp.Cost, 1e-9)

	quota, err := gw.Ledger().GetQuota(ctx, "tenant-1")
	require.NoError(t, err)
	require.InDelta(t, 3.5, quota.Balance, 1e-9)

	// Replaying the same trace id must not charge twice.
	resp, err = gw.Handle(ctx, req)
	require.NoError(t, err)
	require.InDelta(t, 1.5, resp.Cost, 1e-9)

	quota, err = gw.Ledger().GetQuota(ctx, "tenant-1")
	require.NoError(t, err)
	require.InDelta(t, 3.5, quota.Balance, 1e-9)
}

func TestGateway_InsufficientBalanceRejects(t *testing.T) {
	ctx := context.Background()
	srv := upstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatReply("expensive", 1000, 500))
	})

	gw := newGateway(t, srv.URL)
	seedBalance(t, gw, "tenant-1", 1.0)

	_, err := gw.Handle(ctx, &gatemux.Request{
		TenantID: "tenant-1",
		TraceID:  "t2",
		Model:    "gpt-4o",
		Payload:  map[string]any{"messages": []any{}},
	})
	require.Error(t, err)

	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gwerrors.TypeInsufficientBalance, gwErr.Type)

	// A rejected request leaves the balance untouched.
	quota, err := gw.Ledger().GetQuota(ctx, "tenant-1")
	require.NoError(t, err)
	require.InDelta(t, 1.0, quota.Balance, 1e-9)
}

func TestGateway_UnbilledWithoutTenant(t *testing.T) {
	ctx := context.Background()
	srv := upstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(chatReply("free ride", 10, 10))
	})

	gw := newGateway(t, srv.URL)

	resp, err := gw.Handle(ctx, &gatemux.Request{
		Model:   "gpt-4o",
		Payload: map[string]any{"messages": []any{}},
	})
	require.NoError(t, err)
	require.Equal(t, "free ride", resp.Content)
	require.Zero(t, resp.Cost)
}

func TestGateway_ToolLoop(t *testing.T) {
	ctx := context.Background()
	var round atomic.Int32
	srv := upstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		if round.Add(1) == 1 {
			buf, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{
					"message": map[string]any{
						"role": "assistant",
						"tool_calls": []map[string]any{{
							"id":   "call-1",
							"type": "function",
							"function": map[string]any{
								"name":      "lookup_order",
								"arguments": `{"id":"42"}`,
							},
						}},
					},
					"finish_reason": "tool_calls",
				}},
				"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 5, "total_tokens": 10},
			})
			_, _ = w.Write(buf)
			return
		}
		_, _ = w.Write(chatReply("order 42 has shipped", 20, 10))
	})

	gw := newGateway(t, srv.URL)
	gw.RegisterTool("lookup_order", func(ctx context.Context, arguments string) (string, error) {
		return `{"status":"shipped"}`, nil
	})

	resp, err := gw.Handle(ctx, &gatemux.Request{
		Model:   "gpt-4o",
		Payload: map[string]any{"messages": []any{}},
	})
	require.NoError(t, err)
	require.Equal(t, "order 42 has shipped", resp.Content)
	require.Equal(t, int32(2), round.Load())
	// Usage accumulates across tool rounds.
	require.Equal(t, 25, resp.PromptTokens)
	require.Equal(t, 15, resp.CompletionTokens)
}

func TestGateway_UpstreamFailureSurfacesTypedError(t *testing.T) {
	ctx := context.Background()
	srv := upstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	gw := newGateway(t, srv.URL)

	_, err := gw.Handle(ctx, &gatemux.Request{
		Model:   "gpt-4o",
		Payload: map[string]any{"messages": []any{}},
	})
	require.Error(t, err)

	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gwerrors.TypeServiceUnavailable, gwErr.Type)
}
