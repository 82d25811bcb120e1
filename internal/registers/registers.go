// Package registers wraps the simulation's exposed control surface behind
// named, typed accessors. Nothing outside this package touches raw offsets.
package registers

import (
	"errors"
	"fmt"
)

// Name identifies one register of the control surface.
type Name string

const (
	PhasePtr       Name = "phase_ptr"       // word: simulation's top-level progression pointer
	CompletionMask Name = "completion_mask" // byte: one wait bit per participant slot
	SubPhaseA      Name = "subphase_a"      // byte: slot A menu/sub-phase value
	SubPhaseB      Name = "subphase_b"      // byte: slot B menu/sub-phase value
	CmdBufA        Name = "cmdbuf_a"        // block: slot A outbound command buffer
	CmdBufB        Name = "cmdbuf_b"        // block: slot B outbound command buffer
	RosterA        Name = "roster_a"        // block: slot A party storage
	RosterB        Name = "roster_b"        // block: slot B party storage
	FadeState      Name = "fade_state"      // byte: presentation fade in progress
	Outcome        Name = "outcome"         // byte: nonzero once the contest is decided
	CrashFlag      Name = "crash_flag"      // byte: simulation global-failure indicator
	ResourcesReady Name = "resources_ready" // byte: battle resources allocated
	InputState     Name = "input_state"     // byte: injected input bitmask
)

// Kind declares how a register's bytes are interpreted.
type Kind int

const (
	KindByte Kind = iota
	KindWord
	KindBlock
)

var (
	ErrUnknownRegister = errors.New("unknown register")
	ErrNotReady        = errors.New("register not ready")
	ErrWriteRejected   = errors.New("write rejected")
	ErrKindMismatch    = errors.New("register kind mismatch")
)

// Slot indexes the two participant positions on the control surface.
// Slot A belongs to the coordinator side of the link, slot B to the
// follower; the battle package owns that mapping.
const (
	SlotA = 0
	SlotB = 1
)

// CompletionBit returns the wait-bit for a slot within CompletionMask.
func CompletionBit(slot int) byte {
	return 1 << uint(slot)
}

// Snapshot is the immutable per-tick capture of the control surface.
// Command buffers are copied, never aliased, so a snapshot stays stable
// while the simulation keeps running.
type Snapshot struct {
	PhasePtr     uint16
	Completion   byte
	SubPhase     [2]byte
	CmdBuf       [2][]byte
	Fade         byte
	Outcome      byte
	Crash        bool
	BuffersReady bool
}

// WaitingOn reports whether the simulation is still waiting on a slot.
func (s Snapshot) WaitingOn(slot int) bool {
	return s.Completion&CompletionBit(slot) != 0
}

// Bank is the full control-surface contract. Read/Write cover ordinary
// operation; the Force methods are the recovery escape hatch and exist as
// distinct operations so they are never invoked implicitly. Revert undoes
// every patch applied through this bank, in reverse order of first touch.
type Bank interface {
	ReadByte(Name) (byte, error)
	ReadWord(Name) (uint16, error)
	ReadBlock(Name) ([]byte, error)
	WriteByte(Name, byte) error
	WriteWord(Name, uint16) error
	WriteBlock(Name, []byte) error

	Snapshot() (Snapshot, error)

	// ClearCompletion substitutes the missing hardware partner's transfer
	// acknowledgment for a slot. Ordinary operation, not recovery.
	ClearCompletion(slot int) error

	ForceClearCompletion(slot int) error
	ForceAdvancePhase(target uint16) error

	Revert() error
}

func errUnknown(n Name) error { return fmt.Errorf("%w: %q", ErrUnknownRegister, n) }
