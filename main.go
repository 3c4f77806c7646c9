package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/api"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/auth"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/config"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/events"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/middleware"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/store"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/ws"
)

var version = "dev"

type server struct {
	handler http.Handler
	rpc     *ws.RPCHandler
}

func newServer(cfg config.Config, st *store.Store, settingsStore *settings.Store, pub events.Publisher) (*server, error) {
	uploads, err := api.NewUploadStore(filepath.Join(cfg.DataDir, "uploads"))
	if err != nil {
		return nil, err
	}

	tokens := auth.NewJWT(cfg.JWTSecret)
	h := hub.New()
	emitter := events.NewEmitter(pub, slog.Default())

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	api.Register(mux,
		api.NewConversationHandler(st, uploads, h, emitter),
		api.NewMeetingHandler(st, emitter),
		uploads,
	)

	// The channel authenticates with its first request, not a header.
	rpcHandler := ws.NewRPCHandler(tokens, st, h, settingsStore, ws.Options{
		Version:        version,
		DevMode:        cfg.DevMode,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	mux.Handle("GET /ws", rpcHandler)

	return &server{handler: middleware.Auth(tokens)(mux), rpc: rpcHandler}, nil
}

func openPublisher(cfg config.Config) events.Publisher {
	if cfg.AMQPURL == "" {
		slog.Info("AMQP_URL not set, domain events are dropped")
		return events.Nop{}
	}
	pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, slog.Default())
	if err != nil {
		slog.Error("failed to connect to broker, domain events are dropped", "error", err)
		return events.Nop{}
	}
	return pub
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: cfg.DevMode})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		slog.Error("failed to create data directory", "dataDir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "realtime.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	settingsStore, err := settings.NewStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}
	if err := settingsStore.StartWatching(); err != nil {
		slog.Warn("settings hot reload disabled", "error", err)
	}
	defer settingsStore.StopWatching()

	pub := openPublisher(cfg)
	defer pub.Close()

	srv, err := newServer(cfg, st, settingsStore, pub)
	if err != nil {
		slog.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}
	defer srv.rpc.Stop()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server starting", "port", cfg.Port, "dataDir", cfg.DataDir, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
