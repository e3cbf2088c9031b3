// Command broker-sim runs the historical market-data broker simulator:
// a control plane (C11) in front of a SessionManager (C9) of replay
// sessions, each independently pacing a recorded tape through a
// matching engine and ledger and fanning fills/quotes out to connected
// clients (C10). Wiring and signal handling follow the teacher's
// composition-root shape in main.go: services constructed in
// dependency order, background tickers started against one process-
// wide context, a blocking wait on SIGINT/SIGTERM, then orderly
// shutdown.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broker-sim/internal/api"
	"broker-sim/internal/fanout"
	"broker-sim/internal/sessionmgr"
	"broker-sim/pkg/config"
	"broker-sim/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("config loaded: port=%s db=%s max_sessions=%d", cfg.Port, cfg.DBPath, cfg.MaxSessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	store := db.NewTickStore(database)
	users := db.NewUserQueries(database)

	fanoutHub := fanout.New(cfg.WSBatchSize, time.Duration(cfg.WSFlushIntervalMs)*time.Millisecond)
	go fanoutHub.Run(ctx)
	log.Println("fanout batching worker started")

	manager := sessionmgr.New(store, fanoutHub, cfg.WALDirectory, cfg.MaxSessions)
	if cfg.SessionTemplatesPath != "" {
		n, err := manager.LoadTemplates(cfg.SessionTemplatesPath)
		if err != nil {
			log.Fatalf("load session templates: %v", err)
		}
		log.Printf("loaded %d session templates from %s", n, cfg.SessionTemplatesPath)
	}

	server := api.NewServer(manager, fanoutHub, store, users, cfg)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()
	log.Printf("listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("session manager shutdown error: %v", err)
	}
}
