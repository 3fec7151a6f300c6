package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/observer/owlycall/internal/auth"
	"github.com/observer/owlycall/internal/config"
	"github.com/observer/owlycall/internal/database"
	"github.com/observer/owlycall/internal/metrics"
	"github.com/observer/owlycall/internal/pubsub"
	"github.com/observer/owlycall/internal/relay"
	"github.com/observer/owlycall/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	mint := flag.String("mint", "", "print an access token for user id[:username] and exit")
	flag.Parse()

	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	tokens, err := auth.NewTokenService(cfg.JWTSigningKey, cfg.TokenTTL)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	if *mint != "" {
		if err := mintToken(tokens, *mint); err != nil {
			slog.Error("failed to mint token", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, tokens, logger); err != nil {
		slog.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func mintToken(tokens *auth.TokenService, who string) error {
	userID, username, _ := strings.Cut(who, ":")
	if username == "" {
		username = userID
	}
	token, expires, err := tokens.GenerateAccessToken(userID, username)
	if err != nil {
		return err
	}
	fmt.Println(token)
	slog.Info("token minted", "user_id", userID, "expires_at", expires)
	return nil
}

func run(cfg *config.Config, tokens *auth.TokenService, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ready := map[string]server.ReadyCheck{}

	var (
		dir      relay.Directory
		recorder relay.Recorder
		history  *server.CallHandler
	)

	if cfg.DatabaseURL != "" {
		db, err := database.New(initCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		slog.Info("connected to database")

		if err := database.EnsureSchema(initCtx, db, logger); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}

		dirRepo := database.NewDirectoryRepository(db)
		if cfg.DirectoryFile != "" {
			seed, err := relay.LoadDirectory(cfg.DirectoryFile)
			if err != nil {
				return err
			}
			if err := dirRepo.Seed(initCtx, seed); err != nil {
				return fmt.Errorf("seed directory: %w", err)
			}
			slog.Info("directory seeded", "file", cfg.DirectoryFile, "conversations", len(seed.Conversations))
		}

		callRepo := database.NewCallRepository(db)
		dir = dirRepo
		recorder = callRepo
		history = server.NewCallHandler(callRepo, dirRepo, logger)
		ready["database"] = db.Health
	} else {
		static, err := relay.LoadDirectory(cfg.DirectoryFile)
		if err != nil {
			return err
		}
		dir = static
		slog.Warn("no database configured - call history disabled", "directory", cfg.DirectoryFile)
	}

	ps, err := pubsub.New(initCtx, cfg.PubSubType, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	defer ps.Close()
	if pinger, ok := ps.(interface{ Ping(context.Context) error }); ok {
		ready["pubsub"] = pinger.Ping
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg)

	router := relay.NewRouter(relay.RouterConfig{RingTimeout: cfg.RingTimeout}, dir, recorder, ps, m, logger)
	limiter := relay.NewRateLimiter(cfg.EventsPerMin)
	hub := relay.NewHub(tokens, router, ps, limiter, m, logger)

	srv := server.New(cfg, &server.Dependencies{
		Tokens:      tokens,
		CallHandler: history,
		WSHandler:   relay.NewHandler(hub, logger),
		Ready:       ready,
		Gatherer:    reg,
		Metrics:     m,
		Logger:      logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup()
			}
		}
	})
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.ServerAddr, "pubsub", cfg.PubSubType)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down gracefully...")

		// Give active connections 10 seconds to finish
		timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(timeoutCtx); err != nil {
			slog.Error("forced shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}
