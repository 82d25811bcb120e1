// Package config loads process configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Peer configures one bridge process. All timeout knobs are in ticks so
// behavior stays reproducible under variable real-time scheduling; the
// recovery thresholds are empirically tuned defaults for the supported
// simulation build, not protocol invariants.
type Peer struct {
	RelayAddr  string `env:"LINK_RELAY_ADDR" envDefault:"127.0.0.1:7747"`
	PeerID     string `env:"LINK_PEER_ID"`
	RoomToken  string `env:"LINK_ROOM_TOKEN"`
	RoleHint   string `env:"LINK_ROLE_HINT"`
	RosterPath string `env:"LINK_ROSTER" envDefault:"roster.yaml"`

	// MemoryPath is the file through which the simulation host exposes its
	// memory window; MemoryBase is the window's offset within it.
	MemoryPath string `env:"LINK_MEM_PATH"`
	MemoryBase int64  `env:"LINK_MEM_BASE" envDefault:"0"`

	TickMs         int `env:"LINK_TICK_MS" envDefault:"16"`
	HeartbeatTicks int `env:"LINK_HEARTBEAT_TICKS" envDefault:"60"`
	ReassertTicks  int `env:"LINK_REASSERT_TICKS" envDefault:"120"`
	SettleTicks    int `env:"LINK_SETTLE_TICKS" envDefault:"120"`
	StartupTicks   int `env:"LINK_STARTUP_TICKS" envDefault:"600"`

	RecoveryTicks        int `env:"LINK_RECOVERY_TICKS" envDefault:"180"`
	ResolveRecoveryTicks int `env:"LINK_RESOLVE_RECOVERY_TICKS" envDefault:"200"`
	RecoveryBudget       int `env:"LINK_RECOVERY_BUDGET" envDefault:"3"`
}

// Relay configures the hub process.
type Relay struct {
	ListenAddr  string `env:"LINK_RELAY_LISTEN" envDefault:":7747"`
	StatusAddr  string `env:"LINK_RELAY_STATUS" envDefault:":7748"`
	HeartbeatMs int    `env:"LINK_HEARTBEAT_MS" envDefault:"1000"`
}

func LoadPeer() (Peer, error) {
	_ = godotenv.Load()
	cfg, err := env.ParseAs[Peer]()
	if err != nil {
		return Peer{}, fmt.Errorf("peer config: %w", err)
	}
	return cfg, nil
}

func LoadRelay() (Relay, error) {
	_ = godotenv.Load()
	cfg, err := env.ParseAs[Relay]()
	if err != nil {
		return Relay{}, fmt.Errorf("relay config: %w", err)
	}
	return cfg, nil
}
