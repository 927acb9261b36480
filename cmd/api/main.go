package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"etabridge.org/internal/config"
	"etabridge.org/internal/ereceipt"
	"etabridge.org/internal/ereceipt/remote"
	"etabridge.org/internal/httpapi"
	"etabridge.org/internal/journal"
	"etabridge.org/internal/obs"
	"etabridge.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	gateway := remote.New(cfg.IdentityServiceURL, cfg.InvoicingBaseURL,
		remote.WithRateLimit(cfg.RemoteRatePerSecond, cfg.RemoteRateBurst))

	var (
		jrnl  journal.Journal
		probe httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open journal db: %v", err)
		}
		defer store.Close()
		jrnl = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		jrnl = journal.NewInMemory()
	}

	orch := ereceipt.NewOrchestrator(gateway, ereceipt.Config{
		MaxBatchSize:       cfg.MaxBatchSize,
		TokenSafetyMargin:  cfg.TokenSafetyMargin,
		RefreshTimeout:     cfg.RefreshTimeout,
		PollInitialBackoff: cfg.PollInitialBackoff,
		PollMaxAttempts:    cfg.PollMaxAttempts,
	}, ereceipt.WithRecorder(jrnl))

	api := httpapi.New(probe, version, orch, jrnl)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second, // poll requests may wait on backoff
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting etabridge-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
