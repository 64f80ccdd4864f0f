package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/adapter/channel"
	"chatrelay/internal/adapter/gateway"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
	"chatrelay/internal/infra/middleware"
	"chatrelay/internal/infra/tracer"
)

func runServe() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	eng, err := buildEngine(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer eng.Close()
	if len(cfg.Providers) == 0 {
		log.Warn("no providers configured, chat requests will fail with NO_PROVIDERS")
	}

	srv, err := buildServer(ctx, cfg, eng, log)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// buildServer mounts the chat endpoints behind the security middleware.
func buildServer(ctx context.Context, cfg *config.Config, eng *engine, log *slog.Logger) (*gateway.Server, error) {
	decoder, err := channel.NewRequestDecoder()
	if err != nil {
		return nil, err
	}

	var auth middleware.TokenChecker
	if a := gateway.NewStaticTokenAuth(cfg.Auth.Tokens); a.Enabled() {
		auth = a
	} else {
		log.Warn("no auth tokens configured, chat endpoints are open")
	}

	s := cfg.Server
	srv := gateway.NewServer(gateway.Options{
		Addr:            s.Addr,
		RequestTimeout:  s.RequestTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
		AllowedOrigins:  s.AllowedOrigins,
		MaxBodyBytes:    s.MaxBodyBytes,
	}, eng.agent, decoder, auth, log)

	limit := func(h http.Handler) http.Handler { return h }
	if s.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: s.RequestsPerSecond,
			Burst:             s.Burst,
		})
		limit = limiter.Middleware
	}

	chat := channel.NewChatHandler(eng.agent, decoder, eng.pool, channel.HTTPConfig{
		RequestTimeout: s.RequestTimeout,
		MaxBodyBytes:   s.MaxBodyBytes,
	}, log)

	srv.Handle("POST /api/v1/chat", middleware.SecurityHeaders(limit(middleware.RequireToken(auth)(chat))))
	srv.Handle("GET /healthz", middleware.SecurityHeaders(http.HandlerFunc(chat.Health)))
	if s.WebSocket {
		srv.Handle("GET /ws", limit(srv.WebSocketHandler()))
	}
	return srv, nil
}
