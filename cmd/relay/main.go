package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/internal/config"
	"github.com/tmorven/linkbridge/internal/relay"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal("bad configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(ctx, log, clockwork.NewRealClock(),
		time.Duration(cfg.HeartbeatMs)*time.Millisecond)

	srv := relay.NewServer(hub, log)
	if err := srv.Listen(cfg.ListenAddr); err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}

	go func() {
		log.Info("status api listening", zap.String("addr", cfg.StatusAddr))
		if err := http.ListenAndServe(cfg.StatusAddr, relay.Routes(hub, log)); err != nil {
			log.Warn("status api stopped", zap.Error(err))
		}
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
}
