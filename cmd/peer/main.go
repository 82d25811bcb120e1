package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/internal/config"
	"github.com/tmorven/linkbridge/internal/peer"
	"github.com/tmorven/linkbridge/internal/registers"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(int(peer.ExitSetup))
	}
	defer log.Sync()

	cfg, err := config.LoadPeer()
	if err != nil {
		log.Error("bad configuration", zap.Error(err))
		os.Exit(int(peer.ExitSetup))
	}
	if cfg.MemoryPath == "" {
		log.Error("LINK_MEM_PATH is required")
		os.Exit(int(peer.ExitSetup))
	}

	bus, err := registers.OpenFileBus(cfg.MemoryPath, cfg.MemoryBase)
	if err != nil {
		log.Error("cannot attach to simulation memory window", zap.Error(err))
		os.Exit(int(peer.ExitSetup))
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := peer.Run(ctx, cfg, registers.NewMemBank(bus, log), clockwork.NewRealClock(), log)
	stop()
	os.Exit(int(code))
}
