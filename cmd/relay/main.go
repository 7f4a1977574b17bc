// Command relay runs the standalone gossip gateway: WebSocket endpoint,
// NIP-11 information document, admission pipeline, and retention pruner.
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

	"github.com/joho/godotenv"

	"github.com/dvmesh/backend/internal/config"
	"github.com/dvmesh/backend/internal/relay"
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

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		slog.Error("postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	gateway := relay.New(st, relay.Options{
		Pubkey:        cfg.Nostr.SystemPubkey,
		MinPoW:        cfg.Relay.MinPoW,
		MinZapSats:    cfg.Relay.MinZapSats,
		RetentionDays: cfg.Relay.RetentionDays,
		Name:          "dvmesh-relay",
		Description:   "agent coordination relay with PoW and zap admission",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go gateway.RunPruner(ctx)

	srv := &http.Server{
		Addr:        ":" + cfg.Server.RelayPort,
		Handler:     gateway.Handler(),
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		slog.Info("relay listening", "port", cfg.Server.RelayPort)
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
