package relay

import (
	"time"

	"github.com/tmorven/linkbridge/pkg/protocol"
)

// Session pairs exactly two participants. Created with one registrant
// waiting; paired when the second arrives. All session state is owned by
// the hub goroutine, so no locking here.
type Session struct {
	ID      string
	Token   string
	Created time.Time

	participants [2]*peerConn
	lastSeen     [2]time.Time
	forwarded    uint64
	endReason    protocol.EndReason
}

func (s *Session) paired() bool { return s.participants[1] != nil }

// slotOf returns which participant slot a connection occupies, or -1.
func (s *Session) slotOf(p *peerConn) int {
	for i, q := range s.participants {
		if q == p {
			return i
		}
	}
	return -1
}

// other returns the session member that is not p, if any.
func (s *Session) other(p *peerConn) *peerConn {
	switch s.slotOf(p) {
	case 0:
		return s.participants[1]
	case 1:
		return s.participants[0]
	default:
		return nil
	}
}

// roleOf derives the role from registration order: the first registrant is
// the coordinator. Decided at registration time, never renegotiated.
func (s *Session) roleOf(slot int) protocol.Role {
	if slot == 0 {
		return protocol.RoleCoordinator
	}
	return protocol.RoleFollower
}

// SessionView is the diagnostics projection served by the status API.
type SessionView struct {
	ID        string    `json:"id"`
	Token     string    `json:"token,omitempty"`
	Peers     []string  `json:"peers"`
	Paired    bool      `json:"paired"`
	Forwarded uint64    `json:"forwarded"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Session) view() SessionView {
	v := SessionView{
		ID:        s.ID,
		Token:     s.Token,
		Paired:    s.paired(),
		Forwarded: s.forwarded,
		CreatedAt: s.Created,
	}
	for _, p := range s.participants {
		if p != nil {
			v.Peers = append(v.Peers, p.id)
		}
	}
	return v
}
