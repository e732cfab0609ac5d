// Package main is the entry point for the gatemux gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/gatemux"
	"github.com/blueberrycongee/gatemux/internal/config"
	"github.com/blueberrycongee/gatemux/internal/observability"
	"github.com/blueberrycongee/gatemux/internal/routing"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting gatemux gateway", "version", gatemux.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	gw, err := gatemux.New(
		gatemux.FromConfig(cfg),
		gatemux.WithConfigManager(cfgManager),
		gatemux.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	cfgManager.OnChange(func(newCfg *config.Config) {
		applyCtx, applyCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer applyCancel()
		gw.ApplyConfig(applyCtx, newCfg)
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/chat/completions", observability.RequestIDMiddleware(http.HandlerFunc(chatHandler(gw))))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

func chatHandler(gw *gatemux.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "malformed json", http.StatusBadRequest)
			return
		}

		req := &gatemux.Request{
			TraceID:    observability.RequestIDFromContext(r.Context()),
			TenantID:   r.Header.Get("X-Tenant-ID"),
			SessionID:  r.Header.Get("X-Session-ID"),
			Capability: "chat",
			Channel:    routing.ChannelExternal,
			Payload:    payload,
		}
		if m, ok := payload["model"].(string); ok {
			req.Model = m
		}

		resp, err := gw.Handle(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trace_id":      resp.TraceID,
			"model":         resp.Model,
			"content":       resp.Content,
			"finish_reason": resp.FinishReason,
			"usage": map[string]int{
				"prompt_tokens":     resp.PromptTokens,
				"completion_tokens": resp.CompletionTokens,
			},
			"cost": resp.Cost,
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errType := gwerrors.TypeInternalError
	if ge, ok := err.(*gwerrors.GatewayError); ok {
		status = ge.StatusCode
		errType = ge.Type
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": err.Error(),
		},
	})
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
	})
}
