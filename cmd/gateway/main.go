// The gateway daemon owns the ambient side of the settlement engine: it
// runs periodic reconciliation sweeps against the configured store and
// serves metrics and health. The engine itself is consumed as a library
// by the API layer sitting in front of it.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moneygate.org/internal/config"
	"moneygate.org/internal/ledger"
	"moneygate.org/internal/obs"
	"moneygate.org/internal/storage"
	"moneygate.org/internal/storage/memory"
	"moneygate.org/internal/storage/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	cfg := config.Load()

	var (
		store  storage.Store
		closer func() error
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open postgres store: %v", err)
		}
		store, closer = pgStore, pgStore.Close
	} else {
		log.Println("MONEYGATE_PG_DSN unset, using in-memory store")
		store, closer = memory.New(), func() error { return nil }
	}

	ctx, stopSweeper := context.WithCancel(context.Background())
	sweeper := ledger.NewSweeper(ledger.NewReconciler(store), cfg.SweepInterval, cfg.SweepPerSecond)
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","version":"` + version + `"}`))
	})

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting moneygate-gateway %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := closer(); err != nil {
		log.Printf("close store: %v", err)
	}
	log.Println("Stopped")
}
