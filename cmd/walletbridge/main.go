package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/approval"
	"github.com/HsiangNianian/walletbridge/internal/config"
	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/store"
	"github.com/HsiangNianian/walletbridge/internal/ws"
	"github.com/rs/zerolog"
)

var (
	configPath = flag.String("config", "", "Path to a JSON (with comments) config file")
	logLevel   = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).
		Level(level).
		With().Timestamp().
		Str("component", "walletbridge").
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if cfg.Store.RedisAddr != "" {
		redisStore := store.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.Session, cfg.Store.ResolvedTTL())
		defer redisStore.Close()
		if err := redisStore.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Store.RedisAddr).Msg("redis unreachable")
		}
		st = redisStore
		logger.Info().Str("addr", cfg.Store.RedisAddr).Msg("use redis store")
	} else {
		st = store.NewMemoryStore(cfg.Store.Session, cfg.Store.ResolvedTTL())
		logger.Info().Msg("use memory store")
	}

	pipeline := approval.New(st, logger.With().Str("component", "approval").Logger(),
		approval.WithExpiry(cfg.Approval.PendingExpiry()))
	pipeline.OnApproved(invalidate(pipeline, "pendingBlock"))
	pipeline.OnApproved(invalidate(pipeline, "txpool"))

	if cfg.Store.SweepOnStart {
		swept, err := pipeline.Sweep(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("sweep orphaned requests failed")
		} else if swept > 0 {
			logger.Info().Int("count", swept).Msg("rejected requests left by a previous run")
		}
	}

	hub := ws.NewHub(pipeline, cfg.Server.WalletAuthToken, cfg.Server.AllowedOrigins,
		logger.With().Str("component", "hub").Logger())

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.InpagePath, hub.HandleInpage)
	mux.HandleFunc(cfg.Server.WalletPath, hub.HandleWallet)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().
			Str("addr", cfg.Server.ListenAddr).
			Str("inpage_path", cfg.Server.InpagePath).
			Str("wallet_path", cfg.Server.WalletPath).
			Msg("walletbridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	hub.Close()
	shutdownCtx, stop := context.WithTimeout(ctx, 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
}

// invalidate tells wallet UIs to drop the cached view named key.
func invalidate(p *approval.Pipeline, key string) approval.Invalidator {
	return func(_ context.Context, res store.Resolution) {
		p.Broadcast(protocol.TopicCacheInvalidate, map[string]string{
			"key":    key,
			"method": string(res.Request.Method()),
		})
	}
}
