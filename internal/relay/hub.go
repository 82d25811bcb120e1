// Package relay implements the message broker that pairs two peers into a
// session and forwards their traffic without inspecting payloads.
package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/pkg/protocol"
)

type HubMsg interface{ isHubMsg() }

type RegisterPeer struct{ Peer *peerConn }

type FromPeer struct {
	Peer *peerConn
	Msg  protocol.Message
}

type PeerClosed struct{ Peer *peerConn }

type GetSessions struct{ Reply chan []SessionView }

type Subscribe struct {
	ID     string
	Outbox chan Event
}

type Unsubscribe struct{ ID string }

type tickLiveness struct{}

type ShutdownHub struct{}

func (RegisterPeer) isHubMsg() {}
func (FromPeer) isHubMsg()     {}
func (PeerClosed) isHubMsg()   {}
func (GetSessions) isHubMsg()  {}
func (Subscribe) isHubMsg()    {}
func (Unsubscribe) isHubMsg()  {}
func (tickLiveness) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

// Event is a session lifecycle notification for the observer feed.
type Event struct {
	Kind      string    `json:"kind"` // registered | paired | session_end
	SessionID string    `json:"session_id,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Hub is a single-goroutine actor. All session and pairing state lives
// behind the inbox; the TCP handlers and the status API only ever talk to
// it through messages.
type Hub struct {
	inbox chan HubMsg
	log   *zap.Logger
	clock clockwork.Clock

	// heartbeatEvery is the expected peer heartbeat cadence; a connection
	// silent for three intervals is closed.
	heartbeatEvery time.Duration

	waiting   map[string]*Session // token -> session awaiting its second peer
	sessions  map[string]*Session // session id -> paired session
	byPeer    map[*peerConn]*Session
	observers map[string]chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger, clock clockwork.Clock, heartbeatEvery time.Duration) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:          make(chan HubMsg, 64),
		log:            log,
		clock:          clock,
		heartbeatEvery: heartbeatEvery,
		waiting:        make(map[string]*Session),
		sessions:       make(map[string]*Session),
		byPeer:         make(map[*peerConn]*Session),
		observers:      make(map[string]chan Event),
		ctx:            ctx,
		cancel:         cancel,
	}
	go h.loop()
	go h.livenessTicker()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) livenessTicker() {
	t := h.clock.NewTicker(h.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.Chan():
			select {
			case h.inbox <- tickLiveness{}:
			default:
			}
		}
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case RegisterPeer:
				h.register(msg.Peer)
			case FromPeer:
				h.fromPeer(msg.Peer, msg.Msg)
			case PeerClosed:
				h.peerClosed(msg.Peer)
			case tickLiveness:
				h.sweepLiveness()
			case GetSessions:
				views := make([]SessionView, 0, len(h.sessions)+len(h.waiting))
				for _, s := range h.waiting {
					views = append(views, s.view())
				}
				for _, s := range h.sessions {
					views = append(views, s.view())
				}
				msg.Reply <- views
			case Subscribe:
				h.observers[msg.ID] = msg.Outbox
			case Unsubscribe:
				if ch, ok := h.observers[msg.ID]; ok {
					close(ch)
					delete(h.observers, msg.ID)
				}
			case ShutdownHub:
				h.shutdown()
				h.cancel()
				return
			}
		}
	}
}

// register places a connection into a waiting session slot. The first two
// registrants for a token (or for the default no-token queue) are paired;
// a later registrant starts a fresh waiting session, never dropped into
// an existing pair.
func (h *Hub) register(p *peerConn) {
	now := h.clock.Now()
	h.emit(Event{Kind: "registered", PeerID: p.id, At: now})

	s, ok := h.waiting[p.token]
	if !ok {
		s = &Session{
			ID:      uuid.NewString(),
			Token:   p.token,
			Created: now,
		}
		s.participants[0] = p
		s.lastSeen[0] = now
		h.waiting[p.token] = s
		h.byPeer[p] = s
		h.log.Info("peer waiting for pair",
			zap.String("peer", p.id),
			zap.String("session", s.ID))
		return
	}

	s.participants[1] = p
	// Pairing is proof of life for both sides; the first registrant's wait
	// for a partner must not count against its liveness.
	s.lastSeen[0] = now
	s.lastSeen[1] = now
	h.byPeer[p] = s
	delete(h.waiting, p.token)
	h.sessions[s.ID] = s

	for slot, q := range s.participants {
		q.send(protocol.Message{
			Type: protocol.TypeSessionStart,
			SessionStart: &protocol.SessionStart{
				SessionID: s.ID,
				Role:      s.roleOf(slot),
			},
		})
	}
	h.emit(Event{Kind: "paired", SessionID: s.ID, PeerID: p.id, At: now})
	h.log.Info("session paired",
		zap.String("session", s.ID),
		zap.String("coordinator", s.participants[0].id),
		zap.String("follower", s.participants[1].id))
}

// fromPeer routes one message from a registered connection. The hub reads
// only the type discriminator; payloads are forwarded verbatim.
func (h *Hub) fromPeer(p *peerConn, m protocol.Message) {
	s := h.byPeer[p]
	if s == nil {
		h.log.Warn("message from unregistered connection, dropping",
			zap.String("type", string(m.Type)))
		return
	}

	if slot := s.slotOf(p); slot >= 0 {
		if m.Type == protocol.TypeHeartbeat {
			s.lastSeen[slot] = h.clock.Now()
		}
	}

	switch m.Type {
	case protocol.TypeRegister:
		h.log.Warn("duplicate register, dropping", zap.String("peer", p.id))
		return
	case protocol.TypeSessionEnd:
		if other := s.other(p); other != nil {
			other.send(m)
		}
		h.endSession(s, m.SessionEnd.Reason)
		return
	}

	other := s.other(p)
	if other == nil {
		// Not paired yet; nothing to forward to. Dropped, logged, done.
		h.log.Debug("message before pairing, dropping",
			zap.String("peer", p.id),
			zap.String("type", string(m.Type)))
		return
	}
	s.forwarded++
	other.send(m)
}

func (h *Hub) peerClosed(p *peerConn) {
	p.close()
	s := h.byPeer[p]
	if s == nil {
		return
	}
	if other := s.other(p); other != nil {
		other.send(protocol.EndSession(protocol.ReasonPeerLost))
	}
	h.log.Info("peer disconnected",
		zap.String("peer", p.id),
		zap.String("session", s.ID))
	h.endSession(s, protocol.ReasonPeerLost)
}

// sweepLiveness closes connections silent for three heartbeat intervals.
// Waiting sessions are swept too: a half-open waiter would otherwise hold
// its room token forever. Teardown then rides the normal PeerClosed path.
func (h *Hub) sweepLiveness() {
	cutoff := h.clock.Now().Add(-3 * h.heartbeatEvery)
	for _, s := range h.sessions {
		h.sweepSession(s, cutoff)
	}
	for _, s := range h.waiting {
		h.sweepSession(s, cutoff)
	}
}

func (h *Hub) sweepSession(s *Session, cutoff time.Time) {
	for slot, p := range s.participants {
		if p != nil && s.lastSeen[slot].Before(cutoff) {
			h.log.Warn("heartbeat timeout, closing connection",
				zap.String("peer", p.id),
				zap.String("session", s.ID))
			p.close()
		}
	}
}

func (h *Hub) endSession(s *Session, reason protocol.EndReason) {
	if s.endReason != "" {
		return
	}
	s.endReason = reason
	for _, p := range s.participants {
		if p != nil {
			delete(h.byPeer, p)
		}
	}
	delete(h.sessions, s.ID)
	if h.waiting[s.Token] == s {
		delete(h.waiting, s.Token)
	}
	h.emit(Event{Kind: "session_end", SessionID: s.ID, Reason: string(reason), At: h.clock.Now()})
	h.log.Info("session ended",
		zap.String("session", s.ID),
		zap.String("reason", string(reason)),
		zap.Uint64("forwarded", s.forwarded))
}

func (h *Hub) emit(ev Event) {
	for id, ch := range h.observers {
		select {
		case ch <- ev:
		default:
			// Slow observer: drop it, same policy as the broadcast path
			// this hub grew out of.
			close(ch)
			delete(h.observers, id)
		}
	}
}

func (h *Hub) shutdown() {
	for _, s := range h.sessions {
		for _, p := range s.participants {
			if p != nil {
				p.send(protocol.EndSession(protocol.ReasonShutdown))
				p.close()
			}
		}
	}
	for id, ch := range h.observers {
		close(ch)
		delete(h.observers, id)
	}
	clear(h.sessions)
	clear(h.waiting)
	clear(h.byPeer)
}
