package registers

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Sizes of the block registers. Six units of 32 bytes plus a count byte
// per roster; 32-byte serial command buffers.
const (
	UnitBlockLen   = 32
	MaxUnits       = 6
	RosterBlockLen = 1 + MaxUnits*UnitBlockLen
	CmdBufLen      = 32

	// WindowLen is the size of the exposed memory window the layout below
	// fits inside.
	WindowLen = 0x200
)

type regInfo struct {
	off  uint32
	size int
	kind Kind
	// gate names a byte register that must be nonzero before this one is
	// meaningful. Reads of a gated register return ErrNotReady until then.
	gate Name
}

// layout is fixed for the supported simulation build. Offsets are relative
// to the exposed window base, not to simulation-internal addresses.
var layout = map[Name]regInfo{
	PhasePtr:       {off: 0x00, size: 2, kind: KindWord},
	CompletionMask: {off: 0x02, size: 1, kind: KindByte},
	SubPhaseA:      {off: 0x03, size: 1, kind: KindByte},
	SubPhaseB:      {off: 0x04, size: 1, kind: KindByte},
	ResourcesReady: {off: 0x05, size: 1, kind: KindByte},
	FadeState:      {off: 0x06, size: 1, kind: KindByte},
	Outcome:        {off: 0x07, size: 1, kind: KindByte},
	CrashFlag:      {off: 0x08, size: 1, kind: KindByte},
	InputState:     {off: 0x09, size: 1, kind: KindByte},
	CmdBufA:        {off: 0x10, size: CmdBufLen, kind: KindBlock, gate: ResourcesReady},
	CmdBufB:        {off: 0x30, size: CmdBufLen, kind: KindBlock, gate: ResourcesReady},
	RosterA:        {off: 0x50, size: RosterBlockLen, kind: KindBlock},
	RosterB:        {off: 0x120, size: RosterBlockLen, kind: KindBlock},
}

// SubPhaseFor returns the sub-phase register for a slot.
func SubPhaseFor(slot int) Name {
	if slot == SlotA {
		return SubPhaseA
	}
	return SubPhaseB
}

// CmdBufFor returns the command buffer register for a slot.
func CmdBufFor(slot int) Name {
	if slot == SlotA {
		return CmdBufA
	}
	return CmdBufB
}

// RosterFor returns the roster register for a slot.
func RosterFor(slot int) Name {
	if slot == SlotA {
		return RosterA
	}
	return RosterB
}

type patch struct {
	name Name
	prev []byte
}

// MemBank implements Bank over a Bus using the fixed layout. Every write
// journals the register's original bytes on first touch so Revert can
// restore the surface on teardown. Single-writer by construction: only the
// driver tick loop calls into a MemBank.
type MemBank struct {
	bus     Bus
	log     *zap.Logger
	journal []patch
	touched map[Name]bool
}

func NewMemBank(bus Bus, log *zap.Logger) *MemBank {
	return &MemBank{
		bus:     bus,
		log:     log,
		touched: make(map[Name]bool),
	}
}

func (m *MemBank) info(n Name, want Kind) (regInfo, error) {
	ri, ok := layout[n]
	if !ok {
		return regInfo{}, errUnknown(n)
	}
	if ri.kind != want {
		return regInfo{}, fmt.Errorf("%w: %q", ErrKindMismatch, n)
	}
	return ri, nil
}

func (m *MemBank) gated(ri regInfo) error {
	if ri.gate == "" {
		return nil
	}
	g := layout[ri.gate]
	buf := []byte{0}
	if err := m.bus.Peek(g.off, buf); err != nil {
		return err
	}
	if buf[0] == 0 {
		return fmt.Errorf("%w: gated by %s", ErrNotReady, ri.gate)
	}
	return nil
}

func (m *MemBank) ReadByte(n Name) (byte, error) {
	ri, err := m.info(n, KindByte)
	if err != nil {
		return 0, err
	}
	if err := m.gated(ri); err != nil {
		return 0, err
	}
	buf := []byte{0}
	if err := m.bus.Peek(ri.off, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (m *MemBank) ReadWord(n Name) (uint16, error) {
	ri, err := m.info(n, KindWord)
	if err != nil {
		return 0, err
	}
	if err := m.gated(ri); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	if err := m.bus.Peek(ri.off, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (m *MemBank) ReadBlock(n Name) ([]byte, error) {
	ri, err := m.info(n, KindBlock)
	if err != nil {
		return nil, err
	}
	if err := m.gated(ri); err != nil {
		return nil, err
	}
	buf := make([]byte, ri.size)
	if err := m.bus.Peek(ri.off, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// record journals a register's current bytes the first time it is written.
func (m *MemBank) record(n Name, ri regInfo) error {
	if m.touched[n] {
		return nil
	}
	prev := make([]byte, ri.size)
	if err := m.bus.Peek(ri.off, prev); err != nil {
		return err
	}
	m.journal = append(m.journal, patch{name: n, prev: prev})
	m.touched[n] = true
	return nil
}

func (m *MemBank) WriteByte(n Name, v byte) error {
	ri, err := m.info(n, KindByte)
	if err != nil {
		return err
	}
	if err := m.gated(ri); err != nil {
		return fmt.Errorf("%w: %s", ErrWriteRejected, err)
	}
	if err := m.record(n, ri); err != nil {
		return err
	}
	return m.bus.Poke(ri.off, []byte{v})
}

func (m *MemBank) WriteWord(n Name, v uint16) error {
	ri, err := m.info(n, KindWord)
	if err != nil {
		return err
	}
	if err := m.record(n, ri); err != nil {
		return err
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return m.bus.Poke(ri.off, buf)
}

func (m *MemBank) WriteBlock(n Name, p []byte) error {
	ri, err := m.info(n, KindBlock)
	if err != nil {
		return err
	}
	if len(p) > ri.size {
		return fmt.Errorf("%w: %q: %d bytes exceeds %d", ErrWriteRejected, n, len(p), ri.size)
	}
	if err := m.gated(ri); err != nil {
		return fmt.Errorf("%w: %s", ErrWriteRejected, err)
	}
	if err := m.record(n, ri); err != nil {
		return err
	}
	// Short writes pad with zeroes so stale tail bytes never survive.
	buf := make([]byte, ri.size)
	copy(buf, p)
	return m.bus.Poke(ri.off, buf)
}

func (m *MemBank) Snapshot() (Snapshot, error) {
	var s Snapshot
	var err error
	if s.PhasePtr, err = m.ReadWord(PhasePtr); err != nil {
		return Snapshot{}, err
	}
	if s.Completion, err = m.ReadByte(CompletionMask); err != nil {
		return Snapshot{}, err
	}
	if s.SubPhase[SlotA], err = m.ReadByte(SubPhaseA); err != nil {
		return Snapshot{}, err
	}
	if s.SubPhase[SlotB], err = m.ReadByte(SubPhaseB); err != nil {
		return Snapshot{}, err
	}
	if s.Fade, err = m.ReadByte(FadeState); err != nil {
		return Snapshot{}, err
	}
	if s.Outcome, err = m.ReadByte(Outcome); err != nil {
		return Snapshot{}, err
	}
	crash, err := m.ReadByte(CrashFlag)
	if err != nil {
		return Snapshot{}, err
	}
	s.Crash = crash != 0

	// Command buffers are gated; a not-ready read leaves them nil rather
	// than failing the whole snapshot.
	bufA, errA := m.ReadBlock(CmdBufA)
	bufB, errB := m.ReadBlock(CmdBufB)
	if errA == nil && errB == nil {
		s.CmdBuf[SlotA] = bufA
		s.CmdBuf[SlotB] = bufB
		s.BuffersReady = true
	}
	return s, nil
}

func (m *MemBank) ClearCompletion(slot int) error {
	mask, err := m.ReadByte(CompletionMask)
	if err != nil {
		return err
	}
	return m.WriteByte(CompletionMask, mask&^CompletionBit(slot))
}

func (m *MemBank) ForceClearCompletion(slot int) error {
	mask, err := m.ReadByte(CompletionMask)
	if err != nil {
		return err
	}
	m.log.Debug("force-clearing completion bit",
		zap.Int("slot", slot),
		zap.Uint8("mask_before", mask))
	return m.WriteByte(CompletionMask, mask&^CompletionBit(slot))
}

func (m *MemBank) ForceAdvancePhase(target uint16) error {
	cur, err := m.ReadWord(PhasePtr)
	if err != nil {
		return err
	}
	m.log.Debug("force-advancing phase pointer",
		zap.Uint16("from", cur),
		zap.Uint16("to", target))
	return m.WriteWord(PhasePtr, target)
}

// Revert restores every journaled register to its pre-patch bytes, newest
// first. Called once during driver cleanup.
func (m *MemBank) Revert() error {
	var firstErr error
	for i := len(m.journal) - 1; i >= 0; i-- {
		p := m.journal[i]
		ri := layout[p.name]
		if err := m.bus.Poke(ri.off, p.prev); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("revert %s: %w", p.name, err)
		}
	}
	m.journal = nil
	m.touched = make(map[Name]bool)
	return firstErr
}
