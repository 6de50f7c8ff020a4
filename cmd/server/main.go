package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agilecards/pocker-backend/internal/config"
	"github.com/agilecards/pocker-backend/internal/httpapi"
	"github.com/agilecards/pocker-backend/internal/hub"
	"github.com/agilecards/pocker-backend/internal/store"
	"github.com/agilecards/pocker-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := buildLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		gs, err := store.OpenGorm(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		st = gs
		log.Info("using postgres backlog store")
	} else {
		st = store.NewMemory()
		log.Warn("DATABASE_URL unset, using in-memory backlog store")
	}

	h := hub.NewHub(ctx, st, log, cfg.RoomIdleTTL)
	api := &httpapi.API{Hub: h, Store: st, Log: log}
	handler := httpapi.SetupRoutes(api, ws.Handler(h, log, ws.Options{SendBuffer: cfg.SendBuffer}))

	server := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.Inbox() <- hub.ShutdownHub{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
