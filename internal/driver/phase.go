// Package driver runs the per-tick synchronization loop that stands in for
// the simulation's missing hardware link partner.
package driver

import "github.com/tmorven/linkbridge/internal/registers"

// Phase is the bridge's view of the simulation's top-level progression.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseRosterExchange
	PhaseIntroSequence
	PhaseActionSelection
	PhaseTurnResolution
	PhaseOutcome
	PhaseTerminated
)

var phaseNames = [...]string{
	"idle",
	"initializing",
	"roster_exchange",
	"intro_sequence",
	"action_selection",
	"turn_resolution",
	"outcome",
	"terminated",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Known phase-pointer values for the supported simulation build. These were
// recovered empirically; treat them as build constants, not protocol.
const (
	PtrIdle        uint16 = 0x0000
	PtrInit        uint16 = 0x495C
	PtrRosterLoad  uint16 = 0x4A12
	PtrIntro       uint16 = 0x4B07
	PtrAwaitAction uint16 = 0x4C35
	PtrResolve     uint16 = 0x4D80
	PtrOutcome     uint16 = 0x4F02
)

// guardInput is everything a transition guard may look at for one tick.
type guardInput struct {
	Snap         registers.Snapshot
	RostersValid bool
	ExchangeDone bool
	RemoteActed  bool
	TicksInPhase int
	SettleTicks  int
}

type transition struct {
	next  Phase
	guard func(guardInput) bool
}

// transitions is the forward-only guard table. Forced recovery may re-enter
// a phase by clearing its flags but never moves backward through this
// table. There is deliberately no TurnResolution -> ActionSelection edge:
// later rounds of the contest are sub-phase activity serviced by input
// injection while the top-level phase holds at turn_resolution until the
// outcome register goes nonzero.
var transitions = map[Phase]transition{
	PhaseIdle: {PhaseInitializing, func(in guardInput) bool {
		return true // first readable snapshot
	}},
	PhaseInitializing: {PhaseRosterExchange, func(in guardInput) bool {
		return in.RostersValid
	}},
	PhaseRosterExchange: {PhaseIntroSequence, func(in guardInput) bool {
		return in.ExchangeDone
	}},
	PhaseIntroSequence: {PhaseActionSelection, func(in guardInput) bool {
		return in.Snap.PhasePtr == PtrAwaitAction
	}},
	PhaseActionSelection: {PhaseTurnResolution, func(in guardInput) bool {
		return in.RemoteActed &&
			!in.Snap.WaitingOn(registers.SlotA) &&
			!in.Snap.WaitingOn(registers.SlotB)
	}},
	PhaseTurnResolution: {PhaseOutcome, func(in guardInput) bool {
		return in.Snap.Outcome != 0
	}},
	PhaseOutcome: {PhaseTerminated, func(in guardInput) bool {
		// Settle delay lets trailing presentation effects finish.
		return in.TicksInPhase >= in.SettleTicks && in.Snap.Fade == 0
	}},
}

// forceAdvanceTarget reports the phase-pointer value recovery should jam in
// for phases known to wedge with a stale pointer. Other phases recover by
// bit-clearing alone.
func forceAdvanceTarget(p Phase) (uint16, bool) {
	switch p {
	case PhaseIntroSequence:
		return PtrAwaitAction, true
	case PhaseTurnResolution:
		return PtrResolve, true
	default:
		return 0, false
	}
}
