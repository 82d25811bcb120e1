package battle

import (
	"fmt"

	"github.com/tmorven/linkbridge/internal/registers"
	"github.com/tmorven/linkbridge/pkg/protocol"
)

// Slots maps a session role onto the two participant positions of the
// control surface. The coordinator occupies slot A on both copies of the
// simulation, the follower slot B, so the two peers see mirrored layouts
// and the same speed/priority tie-break falls out of identical inputs.
type Slots struct {
	Self   int
	Remote int
}

// SlotsFor derives the role-dependent constants. This table is the whole
// difference between the two peers; everything else runs the same code.
func SlotsFor(role protocol.Role) (Slots, error) {
	switch role {
	case protocol.RoleCoordinator:
		return Slots{Self: registers.SlotA, Remote: registers.SlotB}, nil
	case protocol.RoleFollower:
		return Slots{Self: registers.SlotB, Remote: registers.SlotA}, nil
	default:
		return Slots{}, fmt.Errorf("unknown role %q", role)
	}
}

// SelfRoster is the register holding the local party.
func (s Slots) SelfRoster() registers.Name { return registers.RosterFor(s.Self) }

// RemoteRoster is the register the opposing party is written into.
func (s Slots) RemoteRoster() registers.Name { return registers.RosterFor(s.Remote) }

// SelfSubPhase is the local participant's sub-phase register.
func (s Slots) SelfSubPhase() registers.Name { return registers.SubPhaseFor(s.Self) }

// SelfCmdBuf is the local outbound command buffer.
func (s Slots) SelfCmdBuf() registers.Name { return registers.CmdBufFor(s.Self) }
