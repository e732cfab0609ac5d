package pipeline

import (
	"context"

	"github.com/blueberrycongee/gatemux/internal/ledger"
	"github.com/blueberrycongee/gatemux/internal/metrics"
	"github.com/blueberrycongee/gatemux/internal/pricing"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// BillingStep prices the request from its token usage and applies the atomic
// ledger deduction keyed by the trace id. It runs only after the upstream
// response was fully read, so a client disconnect mid-call never leaves a
// partial deduction behind.
type BillingStep struct {
	calc          *pricing.Calculator
	svc           *ledger.Service
	allowNegative bool
}

// NewBillingStep creates the billing step.
func NewBillingStep(calc *pricing.Calculator, svc *ledger.Service, allowNegative bool) *BillingStep {
	return &BillingStep{calc: calc, svc: svc, allowNegative: allowNegative}
}

func (s *BillingStep) Name() string        { return "billing" }
func (s *BillingStep) DependsOn() []string { return []string{"transform"} }

func (s *BillingStep) Execute(ctx context.Context, rc *RequestContext) StepResult {
	if rc.TenantID == "" {
		return Skip("no tenant, unbilled request")
	}

	used := rc.UsedCandidate()
	usage := rc.Transformed.Usage
	cost := s.calc.Calculate(used.Model, usage.PromptTokens, usage.CompletionTokens)

	rc.Billing = &BillingOutcome{Cost: cost}

	// An unpriced model deducts a zero amount: no balance moves, but the
	// request still counts against the daily and monthly caps.
	txn, err := s.svc.Deduct(ctx, ledger.DeductRequest{
		TenantID:         rc.TenantID,
		Amount:           cost.Total,
		IdempotencyKey:   rc.TraceID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		DailyRequests:    1,
		MonthlyRequests:  1,
		AllowNegative:    s.allowNegative,
	})
	if err != nil {
		if gwerrors.IsBillingRejection(err) {
			if ge, ok := err.(*gwerrors.GatewayError); ok {
				metrics.BillingRejections.WithLabelValues(ge.Type).Inc()
			}
		}
		return Fail(err)
	}

	metrics.BillingDeducted.WithLabelValues(rc.TenantID).Add(cost.Total)
	rc.Billing.Transaction = txn
	return Success()
}
