package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/gatemux/internal/lock"
	pkgcache "github.com/blueberrycongee/gatemux/pkg/cache"
)

// sessionExchange is the conversation snippet appended per request.
type sessionExchange struct {
	TraceID    string    `json:"trace_id"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	Content    string    `json:"content"`
	Tokens     int       `json:"tokens"`
	Cost       float64   `json:"cost"`
	FinishedAt time.Time `json:"finished_at"`
}

// PersistStep records the usage log and appends the exchange to the session
// history under the session lock. Everything here is best-effort side effect:
// failures are logged and the response still goes out.
type PersistStep struct {
	sessions   *lock.SessionLock
	cache      pkgcache.JSONCache
	logger     *slog.Logger
	historyTTL time.Duration
}

// NewPersistStep creates the persistence step.
func NewPersistStep(sessions *lock.SessionLock, cache pkgcache.JSONCache, logger *slog.Logger) *PersistStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistStep{
		sessions:   sessions,
		cache:      cache,
		logger:     logger,
		historyTTL: 24 * time.Hour,
	}
}

func (s *PersistStep) Name() string        { return "persist" }
func (s *PersistStep) DependsOn() []string { return []string{"sanitize"} }

func (s *PersistStep) Execute(ctx context.Context, rc *RequestContext) StepResult {
	used := rc.UsedCandidate()

	attrs := []any{
		"trace", rc.TraceID,
		"tenant", rc.TenantID,
		"model", rc.Model,
		"latency", rc.Elapsed(),
	}
	if used != nil {
		attrs = append(attrs, "provider", used.Provider, "candidate", used.ID)
	}
	if rc.Billing != nil {
		attrs = append(attrs, "cost", rc.Billing.Cost.Total)
	}
	s.logger.Info("request served", attrs...)

	if rc.SessionID == "" || s.cache == nil || rc.Transformed == nil {
		return Success()
	}

	exchange := sessionExchange{
		TraceID:    rc.TraceID,
		Model:      rc.Model,
		Content:    rc.Transformed.Content,
		Tokens:     rc.Transformed.Usage.TotalTokens,
		FinishedAt: time.Now().UTC(),
	}
	if used != nil {
		exchange.Provider = used.Provider
	}
	if rc.Billing != nil {
		exchange.Cost = rc.Billing.Cost.Total
	}

	sessionID := rc.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.saveExchange(ctx, sessionID, exchange)
	}()
	return Success()
}

// saveExchange appends to the session history under the session lock. Lock
// failure degrades to an unlocked write; history ordering is best-effort.
func (s *PersistStep) saveExchange(ctx context.Context, sessionID string, exchange sessionExchange) {
	if s.sessions != nil {
		token, held := s.sessions.Acquire(ctx, sessionID)
		if held {
			defer s.sessions.Release(ctx, sessionID, token)
		}
	}

	key := fmt.Sprintf("session:history:%s", sessionID)
	var history []sessionExchange
	if _, err := s.cache.GetJSON(ctx, key, &history); err != nil {
		s.logger.Warn("session history read failed", "session", sessionID, "error", err)
		return
	}
	history = append(history, exchange)
	if len(history) > 100 {
		history = history[len(history)-100:]
	}
	if err := s.cache.SetJSON(ctx, key, history, s.historyTTL); err != nil {
		s.logger.Warn("session history write failed", "session", sessionID, "error", err)
	}
}
