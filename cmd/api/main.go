// Command api runs the coordination backend: HTTP surface, outbound queue
// worker, relay pollers, board agent, and reputation refresher in one
// process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dvmesh/backend/internal/config"
	"github.com/dvmesh/backend/internal/handlers"
	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/kv"
	"github.com/dvmesh/backend/internal/middleware"
	"github.com/dvmesh/backend/internal/payments"
	"github.com/dvmesh/backend/internal/poller"
	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/relayclient"
	"github.com/dvmesh/backend/internal/reputation"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("configuration", "error", err)
		os.Exit(1)
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		slog.Error("master key", "error", err)
		os.Exit(1)
	}
	keys, err := signer.NewKeystore(masterKey)
	if err != nil {
		slog.Error("keystore", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		slog.Error("postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var kvc kv.Client
	if redisClient, err := kv.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		slog.Warn("redis unavailable, using in-process kv", "error", err)
		kvc = kv.NewMemoryClient()
	} else {
		kvc = redisClient
	}
	defer kvc.Close()

	settler := payments.NewSettler(keys, cfg.Payments.FeePercent, cfg.Payments.FeeAddress)
	engine := jobs.NewEngine(st, keys, settler)
	agg := reputation.NewAggregator(st, kvc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := relayclient.New()
	worker := queue.NewWorker(st, rc, cfg.Nostr.Relays, cfg.Pollers.QueueConcurrency)
	go worker.Run(ctx)

	runner := poller.NewRunner(cfg.Pollers.Tick, kvc)
	poller.NewSet(st, rc, cfg.Nostr.Relays, engine).Register(runner)
	if cfg.Nostr.SystemPubkey != "" {
		boardAgent, err := st.GetAgentByPubkey(ctx, cfg.Nostr.SystemPubkey)
		if err == nil {
			poller.NewBoard(st, rc, cfg.Nostr.Relays, engine, keys,
				boardAgent.ID, cfg.Board.MaxBidSats).Register(runner)
		} else if errors.Is(err, store.ErrNotFound) {
			slog.Warn("system pubkey has no agent row, board disabled",
				"pubkey", cfg.Nostr.SystemPubkey)
		} else {
			slog.Error("resolve board agent", "error", err)
			os.Exit(1)
		}
	}
	go runner.Run(ctx)
	go agg.Run(ctx)

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		dbStatus := "connected"
		if err := st.Ping(hctx); err != nil {
			dbStatus = "error"
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{
			"status":   "healthy",
			"service":  "dvmesh-api",
			"database": dbStatus,
		})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/.well-known/nostr.json",
		handlers.WellKnownNostr(st, cfg.Nostr.Relays)).Methods("GET")

	router.HandleFunc("/api/auth/register",
		middleware.RateLimit(kvc, "register", 5, time.Hour,
			handlers.Register(st, keys))).Methods("POST")
	router.HandleFunc("/api/me", middleware.Auth(st, handlers.Me())).Methods("GET")
	router.HandleFunc("/api/me", middleware.Auth(st, handlers.UpdateMe(st, keys))).Methods("PUT")

	router.HandleFunc("/api/heartbeat",
		middleware.Auth(st, handlers.PostHeartbeat(st, keys))).Methods("POST")
	router.HandleFunc("/api/zap",
		middleware.Auth(st, handlers.SendZap(st, keys, cfg.Nostr.Relays))).Methods("POST")
	router.HandleFunc("/api/report",
		middleware.Auth(st, handlers.ReportAgent(st, keys))).Methods("POST")

	dvm := router.PathPrefix("/api/dvm").Subrouter()
	dvm.HandleFunc("/request", middleware.Auth(st, handlers.PostRequest(engine))).Methods("POST")
	dvm.HandleFunc("/market", middleware.OptionalAuth(st, handlers.Market(st))).Methods("GET")
	dvm.HandleFunc("/inbox", middleware.Auth(st, handlers.Inbox(st))).Methods("GET")
	dvm.HandleFunc("/jobs", middleware.Auth(st, handlers.ListMyJobs(st))).Methods("GET")
	dvm.HandleFunc("/jobs/{id}", middleware.Auth(st, handlers.GetJob(st))).Methods("GET")
	dvm.HandleFunc("/jobs/{id}/accept", middleware.Auth(st, handlers.Accept(engine))).Methods("POST")
	dvm.HandleFunc("/jobs/{id}/feedback", middleware.Auth(st, handlers.Feedback(engine))).Methods("POST")
	dvm.HandleFunc("/jobs/{id}/result", middleware.Auth(st, handlers.Result(engine))).Methods("POST")
	dvm.HandleFunc("/jobs/{id}/complete", middleware.Auth(st, handlers.Complete(engine))).Methods("POST")
	dvm.HandleFunc("/jobs/{id}/reject", middleware.Auth(st, handlers.RejectJob(engine))).Methods("POST")
	dvm.HandleFunc("/jobs/{id}/cancel", middleware.Auth(st, handlers.CancelJob(engine))).Methods("POST")
	dvm.HandleFunc("/services", middleware.Auth(st, handlers.RegisterService(engine))).Methods("POST")
	dvm.HandleFunc("/services", handlers.ListServices(st)).Methods("GET")
	dvm.HandleFunc("/external", handlers.ListExternalDVMs(st)).Methods("GET")
	dvm.HandleFunc("/reputation/{pubkey}",
		middleware.OptionalAuth(st, handlers.GetReputation(agg))).Methods("GET")
	dvm.HandleFunc("/trust", middleware.Auth(st, handlers.DeclareTrust(st, keys))).Methods("POST")
	dvm.HandleFunc("/trust/{pubkey}", middleware.Auth(st, handlers.RevokeTrust(st, keys))).Methods("DELETE")
	dvm.HandleFunc("/workflows", middleware.Auth(st, handlers.CreateWorkflow(engine))).Methods("POST")
	dvm.HandleFunc("/workflows/{id}", middleware.Auth(st, handlers.GetWorkflow(st))).Methods("GET")
	dvm.HandleFunc("/swarms", middleware.Auth(st, handlers.PostSwarm(engine))).Methods("POST")
	dvm.HandleFunc("/swarms/{id}", middleware.Auth(st, handlers.GetSwarm(engine))).Methods("GET")
	dvm.HandleFunc("/swarms/{id}/select", middleware.Auth(st, handlers.SelectSwarmWinner(engine))).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("api listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
}
