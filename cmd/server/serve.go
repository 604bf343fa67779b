package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/wargame-backend/internal/auth"
	"github.com/DoyleJ11/wargame-backend/internal/catalog"
	"github.com/DoyleJ11/wargame-backend/internal/config"
	"github.com/DoyleJ11/wargame-backend/internal/httpapi"
	"github.com/DoyleJ11/wargame-backend/internal/hub"
	"github.com/DoyleJ11/wargame-backend/internal/logging"
	"github.com/DoyleJ11/wargame-backend/internal/session"
	"github.com/DoyleJ11/wargame-backend/internal/store"
	"github.com/DoyleJ11/wargame-backend/internal/timer"
	"github.com/DoyleJ11/wargame-backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket hub",
	Long: `Start the HTTP server hosting /ws/game-instances/{join_code}/ and /healthz.

Game state (roster, turn timer) lives in Redis so several processes can
serve the same game. The team and role catalog is read from Postgres when
WARGAME_DATABASE_URL is set, otherwise from WARGAME_CATALOG_FILE.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()
	st := store.NewRedisStore(rdb)

	src, closeSrc, err := catalogSource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSrc()

	reg := hub.NewRegistry(ctx, rdb, log)
	tracker := session.NewTracker()
	coord := timer.NewCoordinator(ctx, st, reg, timer.Config{
		Duration: cfg.TurnDuration,
		Grace:    cfg.TimerGrace,
		Interval: cfg.TimerInterval,
	}, log)

	handler := httpapi.SetupRoutes(httpapi.Dependencies{
		Session: session.Deps{
			Registry:    reg,
			Store:       st,
			Catalog:     catalog.NewCache(src),
			Timer:       coord,
			Table:       session.DefaultTable(),
			Log:         log,
			Tracker:     tracker,
			ReplyErrors: cfg.ReplyErrors,
			OutboxSize:  cfg.OutboxSize,
		},
		Auth: auth.NewVerifier(cfg.JWTSecret),
		WS: ws.Options{
			OriginPatterns: cfg.AllowedOrigins,
			WriteTimeout:   cfg.WriteTimeout,
			PingInterval:   cfg.PingInterval,
			MessageRate:    cfg.MessageRate,
			MessageBurst:   cfg.MessageBurst,
		},
		Redis:    httpapi.RedisPinger{Client: rdb},
		Registry: reg,
		Log:      log,
	})

	// Sockets are hijacked, so Shutdown does not wait for them; they end
	// when connCtx is cancelled and are then awaited through tracker.
	connCtx, closeConns := context.WithCancel(ctx)
	defer closeConns()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		closeConns()
		// Sessions release their roster entries through Redis, which is
		// closed once runServe returns.
		if werr := tracker.Wait(shutdownCtx); werr != nil {
			log.Warn("sessions still open at shutdown", zap.Int64("live", tracker.Live()), zap.Error(werr))
		}
		coord.Shutdown()
		reg.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func catalogSource(cfg config.Config, log *zap.Logger) (catalog.Source, func(), error) {
	if cfg.DatabaseURL == "" {
		src, err := catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("catalog from file", zap.String("path", cfg.CatalogFile))
		return src, func() {}, nil
	}

	db, err := catalog.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	log.Info("catalog from database")
	return catalog.NewGormSource(db), func() { _ = sqlDB.Close() }, nil
}
