package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/parlorhq/parlor/internal/access"
	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/db"
	"github.com/parlorhq/parlor/internal/dedup"
	"github.com/parlorhq/parlor/internal/generator"
	"github.com/parlorhq/parlor/internal/handlers"
	"github.com/parlorhq/parlor/internal/identity"
	"github.com/parlorhq/parlor/internal/logger"
	"github.com/parlorhq/parlor/internal/message"
	"github.com/parlorhq/parlor/internal/ratelimit"
	"github.com/parlorhq/parlor/internal/server"
	"github.com/parlorhq/parlor/internal/stream"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			identity.NewResolver,
			provideStoreLimiter,
			provideLimiter,
			provideGate,
			conversation.NewPGRows,
			provideConversationStore,
			message.NewPGStore,
			provideWriter,
			provideGenerator,
			provideEnricher,
			provideDedupResolver,
			provideSweeper,
			stream.NewRegistry,
			provideOrchestrator,
			provideHealthHandler,
			provideChatHandler,
			provideMessageHandler,
			provideServer,
		),
		fx.Invoke(
			startSweep,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideStoreLimiter(cfg config.Config, conn *pgxpool.Pool) *ratelimit.StoreLimiter {
	return ratelimit.NewStoreLimiter(conn, cfg.RateLimit)
}

func provideLimiter(log *slog.Logger, cfg config.Config, durable *ratelimit.StoreLimiter) ratelimit.Limiter {
	fast := ratelimit.NewMemoryLimiter(cfg.RateLimit)
	return ratelimit.NewTieredLimiter(log, fast, durable)
}

func provideGate(log *slog.Logger, cfg config.Config, limiter ratelimit.Limiter) *access.Gate {
	policy := access.ModelPolicyFunc(func(model string) access.Requirements {
		var req access.Requirements
		if slices.Contains(cfg.Models.AuthOnly, model) {
			req.RequireAuth = true
		}
		if slices.Contains(cfg.Models.Premium, model) {
			req.RequireAuth = true
			req.RequireSubscription = true
		}
		return req
	})
	return access.NewGate(log, policy, limiter, cfg.RateLimit.Timeout())
}

func provideConversationStore(log *slog.Logger, rows *conversation.PGRows, cfg config.Config) *conversation.Store {
	return conversation.NewStore(log, rows, cfg.Title.MaxLength)
}

func provideWriter(log *slog.Logger, store *message.PGStore) *message.Writer {
	return message.NewWriter(log, store)
}

func provideGenerator(log *slog.Logger, cfg config.Config) generator.Generator {
	return generator.NewGatewayClient(log, cfg.Gateway.BaseURL())
}

func provideEnricher(log *slog.Logger, cfg config.Config, rows *conversation.PGRows, gen generator.Generator) *conversation.Enricher {
	var titler conversation.Titler
	if cfg.Title.Model != "" {
		titler = generator.NewStreamTitler(gen, cfg.Title.Model, 0)
	}
	return conversation.NewEnricher(log, rows, titler, cfg.Title.MinLength, cfg.Title.MaxLength)
}

func provideDedupResolver(log *slog.Logger, cfg config.Config) *dedup.Resolver {
	return dedup.NewResolver(log, cfg.Dedup.Window())
}

func provideSweeper(log *slog.Logger, store *message.PGStore, resolver *dedup.Resolver, cfg config.Config) *dedup.Sweeper {
	return dedup.NewSweeper(log, store, resolver, cfg.Dedup.Retention())
}

func provideOrchestrator(log *slog.Logger, convs *conversation.Store, writer *message.Writer, store *message.PGStore, gen generator.Generator, resolver *dedup.Resolver, enricher *conversation.Enricher, registry *stream.Registry) *stream.Orchestrator {
	return stream.NewOrchestrator(log, convs, writer, store, gen, resolver, enricher, registry)
}

func provideChatHandler(log *slog.Logger, resolver *identity.Resolver, gate *access.Gate, orchestrator *stream.Orchestrator, registry *stream.Registry, convs *conversation.Store) *handlers.ChatHandler {
	return handlers.NewChatHandler(log, resolver, gate, orchestrator, registry, convs)
}

func provideMessageHandler(log *slog.Logger, resolver *identity.Resolver, convs *conversation.Store, writer *message.Writer) *handlers.MessageHandler {
	return handlers.NewMessageHandler(log, resolver, convs, writer)
}

func provideHealthHandler(log *slog.Logger, conn *pgxpool.Pool) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log, conn)
}

func provideServer(cfg config.Config, healthHandler *handlers.HealthHandler, chatHandler *handlers.ChatHandler, messageHandler *handlers.MessageHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, healthHandler, chatHandler, messageHandler)
}

func startSweep(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, sweeper *dedup.Sweeper, durable *ratelimit.StoreLimiter) error {
	schedule := cfg.Dedup.SweepSchedule
	if schedule == "" {
		schedule = config.DefaultSweepSchedule
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		deleted, err := sweeper.Run(context.Background())
		if err != nil {
			logger.Error("dedup sweep failed", slog.Any("error", err))
		} else {
			logger.Info("dedup sweep finished", slog.Int("deleted", deleted))
		}
		pruned, err := durable.PruneExpired(context.Background())
		if err != nil {
			logger.Error("rate counter prune failed", slog.Any("error", err))
			return
		}
		logger.Info("rate counters pruned", slog.Int64("rows", pruned))
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { c.Start(); return nil },
		OnStop: func(ctx context.Context) error {
			<-c.Stop().Done()
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
