/*
main.go - Application entry point

PURPOSE:
  Assembles the field-operations client core and serves its HTTP facade:
  cache store, remote service, mutation pipeline, undo ledger, validation
  guard, batch coordinator and the reconciliation channel.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Open the client-local SQLite store (undo history, batch templates)
  3. Wire the remote service and push feed
  4. Assemble cache -> pipeline -> ledger -> guard -> coordinator
  5. Start the reconciliation channel
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port         HTTP server port (default: 8080)
  -db           SQLite database path (default: fieldops.db, ":memory:" ok)
  -feed-url     Websocket push feed URL; empty uses the in-process feed
  -undo-window  Undo validity window (default: 2m)
  -seed         Insert demo tenants/agents on startup
  -v            Debug logging

EXAMPLES:
  ./server -db=":memory:" -seed
  ./server -feed-url="ws://localhost:9090/feed" -undo-window=90s

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Client-local persistence
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/fieldops/api"
	"github.com/warp/fieldops/batch"
	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/collect"
	"github.com/warp/fieldops/mutation"
	"github.com/warp/fieldops/reconcile"
	"github.com/warp/fieldops/remote"
	"github.com/warp/fieldops/remote/memory"
	"github.com/warp/fieldops/remote/ws"
	"github.com/warp/fieldops/store/sqlite"
	"github.com/warp/fieldops/undo"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "fieldops.db", "SQLite database path")
	feedURL := flag.String("feed-url", "", "websocket push feed URL (empty: in-process feed)")
	undoWindow := flag.Duration("undo-window", undo.DefaultWindow, "undo validity window")
	seed := flag.Bool("seed", false, "insert demo tenants and agents")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Remote side. The in-process service stands in for the hosted data
	// service; a real deployment points -feed-url at its push endpoint.
	memFeed := memory.NewFeed()
	svc := memory.New(memFeed)
	var feed remote.Feed = memFeed
	if *feedURL != "" {
		feed = ws.New(*feedURL)
	}

	if *seed {
		seedDemo(svc, logger)
	}

	// Client core.
	fetcher := collect.NewFetcher(svc)
	cacheStore := cache.New(fetcher, cache.WithLogger(logger))
	pipeline := mutation.NewPipeline(cacheStore)
	pipeline.Logger = logger
	ledger := undo.NewLedger(pipeline, store.History(),
		undo.WithWindow(*undoWindow), undo.WithLogger(logger))
	pipeline.Registry = ledger

	g := collect.NewGuard(svc)
	coord := batch.NewCoordinator(pipeline, g)
	coord.Logger = logger

	channel := reconcile.NewChannel(feed, cacheStore, collect.Dependencies())
	channel.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := channel.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reconciliation channel stopped", "error", err)
		}
	}()

	handler := &api.Handler{
		Cache:     cacheStore,
		Fetcher:   fetcher,
		Actions:   collect.NewActions(svc),
		Pipeline:  pipeline,
		Ledger:    ledger,
		Coord:     coord,
		Guard:     g,
		History:   store.History(),
		Templates: store.Templates(),
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", fmt.Sprintf("http://localhost:%d/api", *port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func seedDemo(svc remote.Service, logger *slog.Logger) {
	agents := []collect.Agent{
		{ID: "ag-1", Name: "Achieng Odhiambo", Collected: collect.NewMoney(0), Commission: collect.NewMoney(0)},
		{ID: "ag-2", Name: "Brian Mwangi", Collected: collect.NewMoney(0), Commission: collect.NewMoney(0)},
	}
	tenants := []collect.Tenant{
		{ID: "t-1", AgentID: "ag-1", Name: "Grace Wanjiru", Phone: "+254700000001", Outstanding: collect.NewMoney(12000)},
		{ID: "t-2", AgentID: "ag-1", Name: "John Otieno", Phone: "+254700000002", Outstanding: collect.NewMoney(8500)},
		{ID: "t-3", AgentID: "ag-2", Name: "Mary Njeri", Phone: "+254700000003", Outstanding: collect.NewMoney(15000)},
	}
	for _, a := range agents {
		if err := collect.SeedAgent(svc, a); err != nil {
			logger.Warn("seed failed", "agent", a.ID, "error", err)
		}
	}
	for _, t := range tenants {
		if err := collect.SeedTenant(svc, t); err != nil {
			logger.Warn("seed failed", "tenant", t.ID, "error", err)
		}
	}
	logger.Info("demo data seeded", "agents", len(agents), "tenants", len(tenants))
}
