package protocol

// Wire format: one JSON object per line over a persistent TCP connection.
// Every message carries a "type" discriminator plus at most one typed
// payload. The relay hub forwards anything it does not recognize as a
// control message verbatim, so payload fields only matter to the peers.

type Type string

const (
	TypeRegister       Type = "register"
	TypeSessionStart   Type = "session_start"
	TypeHeartbeat      Type = "heartbeat"
	TypeSessionEnd     Type = "session_end"
	TypeRosterSync     Type = "roster_sync"
	TypeInputEvent     Type = "input_event"
	TypeRegisterUpdate Type = "register_update"
)

// Role of a participant within a session. Assigned by the hub at pairing
// time from registration order and never reassigned.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleFollower    Role = "follower"
)

// EndReason explains why a session was torn down.
type EndReason string

const (
	ReasonOutcome     EndReason = "outcome"     // battle resolved normally
	ReasonPeerLost    EndReason = "peer_lost"   // other participant disconnected
	ReasonStuck       EndReason = "stuck"       // forced-recovery budget exhausted
	ReasonEngineFault EndReason = "engine_fault" // simulation crash indicator
	ReasonShutdown    EndReason = "shutdown"    // deliberate local teardown
)

type Register struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"` // optional room token; empty = first-come pairing
}

type SessionStart struct {
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
}

type SessionEnd struct {
	Reason EndReason `json:"reason"`
}

// Unit mirrors one battle participant's roster entry. The bridge never
// interprets these fields beyond equality; they exist to be copied
// byte-for-byte into the opposing simulation.
type Unit struct {
	Species uint8     `json:"species"`
	Level   uint8     `json:"level"`
	HP      uint16    `json:"hp"`
	MaxHP   uint16    `json:"max_hp"`
	Status  uint8     `json:"status"`
	Stats   [5]uint16 `json:"stats"`
	Moves   [4]uint8  `json:"moves"`
	Name    string    `json:"name"`
}

type RosterSync struct {
	Units []Unit `json:"units"`
}

type InputEvent struct {
	Key     string `json:"key"`
	Pressed bool   `json:"pressed"`
}

// RegisterUpdate is a diagnostics-only poke at a named register. Normal
// operation never requires it; scenario harnesses use it to pin state.
type RegisterUpdate struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Message is the envelope for every line on the wire. Exactly the payload
// matching Type is non-nil; Heartbeat carries none.
type Message struct {
	Type           Type            `json:"type"`
	Register       *Register       `json:"register,omitempty"`
	SessionStart   *SessionStart   `json:"session_start,omitempty"`
	SessionEnd     *SessionEnd     `json:"session_end,omitempty"`
	RosterSync     *RosterSync     `json:"roster_sync,omitempty"`
	InputEvent     *InputEvent     `json:"input_event,omitempty"`
	RegisterUpdate *RegisterUpdate `json:"register_update,omitempty"`
}

func Heartbeat() Message { return Message{Type: TypeHeartbeat} }

func EndSession(reason EndReason) Message {
	return Message{Type: TypeSessionEnd, SessionEnd: &SessionEnd{Reason: reason}}
}
