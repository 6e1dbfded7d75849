package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"coedit/internal/api"
	"coedit/internal/config"
	"coedit/internal/document"
	"coedit/internal/models"
	"coedit/internal/protocol"
	"coedit/internal/routers"
	"coedit/internal/session"
	"coedit/internal/storage"
	"coedit/internal/utils"
)

const shutdownTimeout = 10 * time.Second

var (
	listenAndServe = (*http.Server).ListenAndServe
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context) error {
	logger := utils.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	utils.SetJWTSecret(cfg.JWTSecret)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	storeOpts := []document.Option{document.WithLockTimeout(cfg.LockTimeout), document.WithLogger(logger)}
	var handlerOpts []protocol.Option
	handlerOpts = append(handlerOpts, protocol.WithLogger(logger))

	if cfg.RedisAddr != "" {
		snapshots := storage.NewRedisStore(cfg.RedisAddr, cfg.SnapshotTTL)
		defer snapshots.Close()
		if err := snapshots.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		storeOpts = append(storeOpts, document.WithSnapshots(snapshots))
		handlerOpts = append(handlerOpts, protocol.WithEvents(snapshots))

		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshots.SubscribeClosed(ctx, func(ev models.DocumentClosedEvent) {
				logger.Info("document closed", "doc", ev.DocumentID, "instance", ev.InstanceID, "revision", ev.Revision)
			})
		}()
	} else {
		logger.Warn("REDIS_ADDR not set, documents are kept in memory only")
	}

	store := document.NewStore(storeOpts...)
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.RunFlusher(ctx, cfg.FlushInterval)
	}()

	registry := session.NewRegistry()
	hub := session.NewHub(registry, logger)
	proto := protocol.NewHandler(store, registry, hub, handlerOpts...)
	handlers := api.NewHandlers(logger, cfg, proto)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)
	r.Mount("/", routers.New(handlers, cfg.AllowedOrigins))
	r.Get("/healthz", healthHandler)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	// Hijacked websocket connections are not tracked by Shutdown.
	srv.RegisterOnShutdown(registry.CloseAll)
	logger.Info("coedit-svc listening", "addr", srv.Addr)

	serve := listenAndServe
	errCh := make(chan error, 1)
	go func() { errCh <- serve(srv) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("shutdown", "error", serr)
		}
		stop()
		err = <-errCh
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()
	wg.Wait()
	return err
}

func defaultExit(err error) {
	log.Printf("coedit-svc stopped: %v", err)
	exit(1)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
