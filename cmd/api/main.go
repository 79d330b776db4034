package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"attendly.org/internal/audit"
	"attendly.org/internal/auth"
	"attendly.org/internal/checkin"
	"attendly.org/internal/config"
	"attendly.org/internal/event"
	"attendly.org/internal/httpapi"
	"attendly.org/internal/obs"
	"attendly.org/internal/store/memory"
	"attendly.org/internal/store/pg"
	"attendly.org/internal/stream"
	"attendly.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the services need from storage.
type backend interface {
	event.Store
	checkin.Store
	auth.UserStore
	httpapi.Pinger
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		store   backend
		closeDB func() error
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store, closeDB = pgStore, pgStore.Close
	} else {
		obs.LogEvent("warn", "using in-memory store", map[string]any{"reason": "ATTENDLY_PG_DSN is empty"})
		store = memory.New()
	}

	codec, err := token.FromConfig(cfg)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}
	eval, err := event.EvaluatorFromConfig(cfg, store, event.WithDeactivationHook(onDeactivate))
	if err != nil {
		log.Fatalf("lifecycle: %v", err)
	}
	events, err := event.NewService(store, eval)
	if err != nil {
		log.Fatalf("events: %v", err)
	}
	authSvc, err := auth.NewService(store, codec)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	feed := stream.New()
	checkins, err := checkin.NewService(events, store, codec,
		checkin.WithObserver(func(r checkin.Result) {
			obs.ObserveCheckin(string(r.Outcome))
			feed.ObserveCheckin(r)
		}))
	if err != nil {
		log.Fatalf("checkin: %v", err)
	}

	probe := httpapi.ReadyProbe{Store: store}
	api, err := httpapi.New(httpapi.Deps{
		Auth:    authSvc,
		Events:  events,
		Checkin: checkins,
		Ready:   probe,
		Version: version,
		Feed:    feed,
	}, cfg)
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe, version).Register(grpcSrv)

	obs.LogEvent("info", "starting", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"timezone":  cfg.TimeZone,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.LogEvent("info", "shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs.SetReady(false)
	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	if closeDB != nil {
		_ = closeDB()
	}
	obs.LogEvent("info", "stopped", nil)
}

func onDeactivate(e event.Event) {
	obs.ObserveDeactivation()
	_ = audit.LogEvent(context.Background(), audit.EventEventDeactivated, map[string]any{
		"event_id":   e.ID,
		"event_date": e.Date.String(),
		"reason":     "expired",
	})
}
