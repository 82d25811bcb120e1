// Package peer wires configuration, transport, registers and the driver
// into one bridge process.
package peer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/internal/battle"
	"github.com/tmorven/linkbridge/internal/config"
	"github.com/tmorven/linkbridge/internal/driver"
	"github.com/tmorven/linkbridge/internal/registers"
	"github.com/tmorven/linkbridge/internal/transport"
	"github.com/tmorven/linkbridge/pkg/protocol"
)

// ExitCode is the process exit contract.
type ExitCode int

const (
	ExitOutcome  ExitCode = 0 // session reached outcome normally
	ExitSetup    ExitCode = 1 // invalid/missing roster or registers never ready
	ExitPeerLost ExitCode = 2 // peer disconnected before outcome
	ExitStuck    ExitCode = 3 // forced-recovery budget exhausted or engine fault
)

func codeFor(reason protocol.EndReason) ExitCode {
	switch reason {
	case protocol.ReasonOutcome:
		return ExitOutcome
	case driver.ReasonSetupFailed:
		return ExitSetup
	case protocol.ReasonStuck, protocol.ReasonEngineFault:
		return ExitStuck
	default:
		// peer_lost, shutdown, or anything the peer sent us: the contest
		// did not finish and the partner is gone.
		return ExitPeerLost
	}
}

func driverConfig(cfg config.Peer) driver.Config {
	return driver.Config{
		TickInterval:   time.Duration(cfg.TickMs) * time.Millisecond,
		HeartbeatTicks: cfg.HeartbeatTicks,
		SettleTicks:    cfg.SettleTicks,
		StartupTicks:   cfg.StartupTicks,
		Thresholds: map[driver.Phase]int{
			driver.PhaseTurnResolution: cfg.ResolveRecoveryTicks,
		},
		DefaultThreshold: cfg.RecoveryTicks,
		RecoveryBudget:   cfg.RecoveryBudget,
		Injector:         driver.DefaultInjectorConfig(),
	}
}

// Run executes one bridge session against an already-attached register
// bank and returns the process exit code. The bank is injected so the
// scenario tests can drive a slice-backed surface.
func Run(ctx context.Context, cfg config.Peer, bank registers.Bank, clock clockwork.Clock, log *zap.Logger) ExitCode {
	roster, err := battle.LoadRoster(cfg.RosterPath)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return ExitSetup
	}

	peerID := cfg.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	log = log.With(zap.String("peer", peerID))

	registerMsg := protocol.Message{
		Type:     protocol.TypeRegister,
		Register: &protocol.Register{ID: peerID, Token: cfg.RoomToken},
	}
	rosterMsg := protocol.Message{
		Type:       protocol.TypeRosterSync,
		RosterSync: &protocol.RosterSync{Units: roster},
	}

	opts := transport.DefaultOptions()
	opts.Clock = clock
	opts.OnReconnect = func() []protocol.Message {
		// Delivery across reconnects is not guaranteed; reestablish
		// consistency from scratch.
		return []protocol.Message{registerMsg, rosterMsg}
	}

	client, err := transport.Dial(ctx, cfg.RelayAddr, log, opts)
	if err != nil {
		log.Error("relay unreachable", zap.Error(err))
		return ExitPeerLost
	}
	defer client.Close()

	client.Send(registerMsg)

	role, pending, ok := awaitRole(ctx, client, clock, cfg, log)
	if !ok {
		return ExitPeerLost
	}
	if cfg.RoleHint != "" && cfg.RoleHint != string(role) {
		log.Warn("hub-assigned role differs from role hint",
			zap.String("hint", cfg.RoleHint),
			zap.String("assigned", string(role)))
	}
	slots, err := battle.SlotsFor(role)
	if err != nil {
		log.Error("bad role from hub", zap.Error(err))
		return ExitPeerLost
	}
	log.Info("session started", zap.String("role", string(role)))

	exch, err := battle.NewExchange(bank, log, slots, roster, cfg.ReassertTicks)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return ExitSetup
	}
	// Messages that arrived alongside session_start (an eager peer's
	// roster_sync, typically) are replayed into the driver's first drain.
	conn := &bufferedConn{Client: client, pending: pending}

	drv := driver.New(bank, conn, exch, slots, clock, log, driverConfig(cfg))
	res := drv.Run(ctx)
	log.Info("session over",
		zap.String("reason", string(res.Reason)),
		zap.Error(res.Err))
	return codeFor(res.Reason)
}

// awaitRole polls the transport until the hub pairs us and assigns a role.
// The hub's liveness sweep watches us from registration onward, so the wait
// is covered by heartbeats too, not just the driver's.
func awaitRole(ctx context.Context, client *transport.Client, clock clockwork.Clock, cfg config.Peer, log *zap.Logger) (protocol.Role, []protocol.Message, bool) {
	deadline := clock.Now().Add(time.Duration(cfg.StartupTicks*cfg.TickMs) * time.Millisecond)
	beatEvery := time.Duration(cfg.HeartbeatTicks*cfg.TickMs) * time.Millisecond
	nextBeat := clock.Now()
	var pending []protocol.Message
	for {
		if beatEvery > 0 && !clock.Now().Before(nextBeat) {
			client.Send(protocol.Heartbeat())
			nextBeat = clock.Now().Add(beatEvery)
		}
		for _, m := range client.Drain() {
			switch m.Type {
			case protocol.TypeSessionStart:
				return m.SessionStart.Role, pending, true
			case protocol.TypeSessionEnd:
				log.Error("session ended before pairing",
					zap.String("reason", string(m.SessionEnd.Reason)))
				return "", nil, false
			default:
				pending = append(pending, m)
			}
		}
		if clock.Now().After(deadline) {
			log.Error("no partner arrived within the startup deadline")
			return "", nil, false
		}
		select {
		case <-ctx.Done():
			return "", nil, false
		case <-client.Done():
			return "", nil, false
		case <-clock.After(20 * time.Millisecond):
		}
	}
}

// bufferedConn replays pre-session messages ahead of live traffic.
type bufferedConn struct {
	*transport.Client
	pending []protocol.Message
}

func (b *bufferedConn) Drain() []protocol.Message {
	if len(b.pending) == 0 {
		return b.Client.Drain()
	}
	msgs := append(b.pending, b.Client.Drain()...)
	b.pending = nil
	return msgs
}
