package driver

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/internal/battle"
	"github.com/tmorven/linkbridge/internal/registers"
	"github.com/tmorven/linkbridge/pkg/protocol"
)

// Conn is what the driver needs from the peer transport: fire-and-forget
// sends and a once-per-tick drain of buffered inbound messages. The tick
// loop never blocks on network I/O.
type Conn interface {
	Send(protocol.Message)
	Drain() []protocol.Message
}

// ReasonSetupFailed is process-local; it never goes on the wire. The peer
// maps it to exit code 1.
const ReasonSetupFailed = protocol.EndReason("setup_failed")

type Config struct {
	TickInterval   time.Duration
	HeartbeatTicks int
	SettleTicks    int
	// StartupTicks bounds how long registers may stay unreadable before
	// setup is declared failed.
	StartupTicks int

	Thresholds       map[Phase]int
	DefaultThreshold int
	RecoveryBudget   int

	Injector InjectorConfig
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   16 * time.Millisecond, // ~60Hz, the simulation's native cadence
		HeartbeatTicks: 60,
		SettleTicks:    120,
		StartupTicks:   600,
		Thresholds: map[Phase]int{
			PhaseTurnResolution: 200,
		},
		DefaultThreshold: 180,
		RecoveryBudget:   3,
		Injector:         DefaultInjectorConfig(),
	}
}

// Result is how a driver run ended. Reason maps to the peer exit code.
type Result struct {
	Reason protocol.EndReason
	Err    error
}

// Driver is the per-tick synchronization loop. Single goroutine; nothing
// else mutates the register surface while it runs.
type Driver struct {
	bank  registers.Bank
	conn  Conn
	exch  *battle.Exchange
	inj   *Injector
	rec   *Tracker
	slots battle.Slots
	clock clockwork.Clock
	log   *zap.Logger
	cfg   Config

	phase           Phase
	tick            uint64
	ticksInPhase    int
	remoteActed     bool
	seeded          bool
	syncSent        bool
	notReadyTicks   int
	selfWasWaiting  bool

	reason   protocol.EndReason
	err      error
	notified bool
}

func New(bank registers.Bank, conn Conn, exch *battle.Exchange, slots battle.Slots, clock clockwork.Clock, log *zap.Logger, cfg Config) *Driver {
	return &Driver{
		bank:  bank,
		conn:  conn,
		exch:  exch,
		inj:   NewInjector(bank, log, slots, cfg.Injector),
		rec:   NewTracker(cfg.Thresholds, cfg.DefaultThreshold, cfg.RecoveryBudget),
		slots: slots,
		clock: clock,
		log:   log,
		cfg:   cfg,
		phase: PhaseIdle,
	}
}

// Phase exposes the current phase for tests and diagnostics.
func (d *Driver) Phase() Phase { return d.phase }

// Result reports how the session ended. Meaningful once the run is over.
func (d *Driver) Result() Result { return Result{Reason: d.reason, Err: d.err} }

// Run ticks until the session terminates, then performs the cleanup pass
// that reverts every register patch the driver applied.
func (d *Driver) Run(ctx context.Context) Result {
	ticker := d.clock.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	defer d.cleanup()

	for {
		select {
		case <-ctx.Done():
			d.terminate(protocol.ReasonShutdown, ctx.Err())
			return Result{Reason: d.reason, Err: d.err}
		case <-ticker.Chan():
			if d.step() {
				return Result{Reason: d.reason, Err: d.err}
			}
		}
	}
}

// Step runs exactly one tick. Exposed for deterministic tests; Run is the
// production path.
func (d *Driver) Step() bool { return d.step() }

func (d *Driver) step() bool {
	d.tick++

	if d.cfg.HeartbeatTicks > 0 && d.tick%uint64(d.cfg.HeartbeatTicks) == 0 {
		d.conn.Send(protocol.Heartbeat())
	}

	// (1) capture the per-tick snapshot.
	snap, err := d.bank.Snapshot()
	if err != nil {
		return d.snapshotFailed(err)
	}
	d.notReadyTicks = 0

	if snap.Crash {
		d.log.Error("simulation crash indicator set, aborting")
		d.terminate(protocol.ReasonEngineFault, nil)
		return true
	}

	// (2) drain inbound messages and apply their effects.
	for _, m := range d.conn.Drain() {
		if d.apply(m) {
			return true
		}
	}

	// The simulation accepting the local action (our wait bit dropping)
	// is what the hardware partner would have seen as a transfer; tell
	// the real opponent about it.
	selfWaiting := snap.WaitingOn(d.slots.Self)
	if d.selfWasWaiting && !selfWaiting &&
		(d.phase == PhaseActionSelection || d.phase == PhaseTurnResolution) {
		d.conn.Send(protocol.Message{
			Type:       protocol.TypeInputEvent,
			InputEvent: &protocol.InputEvent{Key: "confirm", Pressed: true},
		})
	}
	d.selfWasWaiting = selfWaiting

	// Phase-entry work that is idempotent per tick.
	switch d.phase {
	case PhaseInitializing:
		if !d.seeded {
			if err := d.exch.SeedLocal(); err != nil {
				if !errors.Is(err, registers.ErrWriteRejected) {
					d.log.Warn("seeding local roster failed", zap.Error(err))
				}
			} else {
				d.seeded = true
			}
		}
	case PhaseRosterExchange:
		if !d.syncSent {
			d.conn.Send(d.exch.SyncMessage())
			d.syncSent = true
		}
	}

	// (3) evaluate the current phase's transition guard.
	in := guardInput{
		Snap:         snap,
		RostersValid: d.seeded,
		ExchangeDone: d.exch.Complete(),
		RemoteActed:  d.remoteActed,
		TicksInPhase: d.ticksInPhase,
		SettleTicks:  d.cfg.SettleTicks,
	}
	if tr, ok := transitions[d.phase]; ok && tr.guard(in) {
		d.advance(tr.next)
		if d.phase == PhaseTerminated {
			d.terminate(protocol.ReasonOutcome, nil)
			return true
		}
	} else {
		// (4) no transition: recovery bookkeeping for stuck wait bits.
		if d.recover(snap) {
			return true
		}
	}

	// (5) input injection for interactive sub-phases.
	if d.phase >= PhaseIntroSequence && d.phase <= PhaseTurnResolution {
		if err := d.inj.Tick(snap); err != nil {
			d.log.Warn("input injection write failed", zap.Error(err))
		}
	}

	if d.phase >= PhaseRosterExchange && d.phase < PhaseTerminated {
		if err := d.exch.Tick(d.tick); err != nil {
			d.log.Warn("roster reassertion failed", zap.Error(err))
		}
	}

	d.ticksInPhase++
	return false
}

func (d *Driver) snapshotFailed(err error) bool {
	if d.phase <= PhaseInitializing {
		d.notReadyTicks++
		if d.notReadyTicks > d.cfg.StartupTicks {
			d.log.Error("registers never became readable within startup deadline",
				zap.Int("ticks", d.notReadyTicks), zap.Error(err))
			d.terminate(ReasonSetupFailed, err)
			return true
		}
		return false
	}
	// Past startup a failed read is transient; retry next tick.
	d.log.Warn("snapshot failed, retrying next tick", zap.Error(err))
	return false
}

// apply handles one inbound message. Returns true when the session ended.
func (d *Driver) apply(m protocol.Message) bool {
	switch m.Type {
	case protocol.TypeRosterSync:
		if err := d.exch.ApplyRemote(m.RosterSync.Units); err != nil {
			d.log.Warn("dropping bad roster_sync", zap.Error(err))
		}
	case protocol.TypeInputEvent:
		if m.InputEvent.Pressed {
			// The remote participant acted; substitute the hardware
			// partner's transfer acknowledgment for its slot.
			d.remoteActed = true
			if err := d.bank.ClearCompletion(d.slots.Remote); err != nil {
				d.log.Warn("acking remote action failed", zap.Error(err))
			}
		}
	case protocol.TypeSessionEnd:
		d.log.Info("session ended by peer", zap.String("reason", string(m.SessionEnd.Reason)))
		d.reason = m.SessionEnd.Reason
		d.notified = true // nothing left to notify
		return true
	case protocol.TypeHeartbeat:
		// Liveness is the hub's business; nothing to do here.
	case protocol.TypeRegisterUpdate:
		d.applyRegisterUpdate(*m.RegisterUpdate)
	default:
		// ProtocolError taxonomy: drop and log, session continues.
		d.log.Warn("dropping unexpected message", zap.String("type", string(m.Type)))
	}
	return false
}

// applyRegisterUpdate services the diagnostics-only register poke. Normal
// operation never sends these.
func (d *Driver) applyRegisterUpdate(ru protocol.RegisterUpdate) {
	name := registers.Name(ru.Name)
	var err error
	switch len(ru.Value) {
	case 1:
		err = d.bank.WriteByte(name, ru.Value[0])
	case 2:
		err = d.bank.WriteWord(name, uint16(ru.Value[0])|uint16(ru.Value[1])<<8)
	default:
		err = d.bank.WriteBlock(name, ru.Value)
	}
	if err != nil {
		d.log.Warn("register_update rejected", zap.String("register", ru.Name), zap.Error(err))
		return
	}
	d.log.Info("register_update applied", zap.String("register", ru.Name), zap.Int("bytes", len(ru.Value)))
}

func (d *Driver) advance(next Phase) {
	d.log.Info("phase transition",
		zap.Stringer("from", d.phase),
		zap.Stringer("to", next),
		zap.Int("ticks_in_phase", d.ticksInPhase))
	d.phase = next
	d.ticksInPhase = 0
	d.rec.PhaseChanged()
}

// recover runs the stuck-flag bookkeeping. Returns true when the budget is
// exhausted and the session must terminate.
func (d *Driver) recover(snap registers.Snapshot) bool {
	for slot := registers.SlotA; slot <= registers.SlotB; slot++ {
		elapsed := d.rec.Elapsed(d.phase, slot) + 1
		if !d.rec.Observe(d.phase, slot, snap.WaitingOn(slot)) {
			continue
		}
		// The escape hatch: always logged, never implicit.
		d.log.Warn("forced recovery",
			zap.Stringer("phase", d.phase),
			zap.Int("slot", slot),
			zap.Int("elapsed_ticks", elapsed))
		if err := d.bank.ForceClearCompletion(slot); err != nil {
			d.log.Error("forced completion clear failed", zap.Error(err))
		}
		if target, ok := forceAdvanceTarget(d.phase); ok {
			if err := d.bank.ForceAdvancePhase(target); err != nil {
				d.log.Error("forced phase advance failed", zap.Error(err))
			}
		}
		if d.rec.RecordRecovery(d.phase) {
			d.log.Error("forced-recovery budget exhausted, session unrecoverable",
				zap.Stringer("phase", d.phase),
				zap.Int("budget", d.cfg.RecoveryBudget))
			d.terminate(protocol.ReasonStuck, nil)
			return true
		}
	}
	d.rec.ProgressTick(d.phase,
		snap.WaitingOn(registers.SlotA) || snap.WaitingOn(registers.SlotB))
	return false
}

func (d *Driver) terminate(reason protocol.EndReason, err error) {
	if d.reason == "" {
		d.reason = reason
		d.err = err
	}
	if !d.notified && reason != ReasonSetupFailed {
		d.conn.Send(protocol.EndSession(reason))
		d.notified = true
	}
	d.phase = PhaseTerminated
}

// cleanup reverses every register patch applied during the run, restoring
// the surface before the simulation handle is released.
func (d *Driver) cleanup() {
	if err := d.bank.Revert(); err != nil {
		d.log.Warn("register cleanup incomplete", zap.Error(err))
		return
	}
	d.log.Info("register patches reverted", zap.Uint64("ticks", d.tick))
}
