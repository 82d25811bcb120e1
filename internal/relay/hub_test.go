package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tmorven/linkbridge/pkg/protocol"
)

func newTestHub(t *testing.T, clock clockwork.Clock, heartbeatEvery time.Duration) *Hub {
	t.Helper()
	h := NewHub(context.Background(), zaptest.NewLogger(t), clock, heartbeatEvery)
	t.Cleanup(func() { h.Inbox() <- ShutdownHub{} })
	return h
}

// pipePeer builds a registered-side peerConn plus the client end of the pipe
// the test reads from.
func pipePeer(t *testing.T, id, token string) (*peerConn, *protocol.Decoder) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	p := newPeerConn(id, token, server, zaptest.NewLogger(t))
	return p, protocol.NewDecoder(client)
}

func recvMsg(t *testing.T, dec *protocol.Decoder) protocol.Message {
	t.Helper()
	type result struct {
		m   protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := dec.Decode()
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return protocol.Message{}
}

func expectSilence(t *testing.T, dec *protocol.Decoder) {
	t.Helper()
	ch := make(chan protocol.Message, 1)
	go func() {
		if m, err := dec.Decode(); err == nil {
			ch <- m
		}
	}()
	select {
	case m := <-ch:
		t.Fatalf("expected no message, got %q", m.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func sessionViews(h *Hub) []SessionView {
	reply := make(chan []SessionView, 1)
	h.Inbox() <- GetSessions{Reply: reply}
	return <-reply
}

func waitForSessions(t *testing.T, h *Hub, n int) []SessionView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if views := sessionViews(h); len(views) == n {
			return views
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never reached %d sessions", n)
	return nil
}

// pairPeers registers two connections in a fixed order and consumes both
// session_start messages.
func pairPeers(t *testing.T, h *Hub) (pa, pb *peerConn, decA, decB *protocol.Decoder, sessionID string) {
	t.Helper()
	pa, decA = pipePeer(t, "ash", "room-7")
	pb, decB = pipePeer(t, "gary", "room-7")

	h.Inbox() <- RegisterPeer{Peer: pa}
	waitForSessions(t, h, 1) // first registrant is parked before the second arrives
	h.Inbox() <- RegisterPeer{Peer: pb}

	ma := recvMsg(t, decA)
	mb := recvMsg(t, decB)
	require.Equal(t, protocol.TypeSessionStart, ma.Type)
	require.Equal(t, protocol.TypeSessionStart, mb.Type)
	return pa, pb, decA, decB, ma.SessionStart.SessionID
}

func TestHub_PairsByArrivalOrder(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	pairPeers(t, h)

	// Roles come from registration order, decided exactly once.
	pa, deca := pipePeer(t, "first", "other-room")
	pb, decb := pipePeer(t, "second", "other-room")
	h.Inbox() <- RegisterPeer{Peer: pa}
	waitForSessions(t, h, 2)
	h.Inbox() <- RegisterPeer{Peer: pb}

	ma := recvMsg(t, deca)
	mb := recvMsg(t, decb)
	require.Equal(t, protocol.RoleCoordinator, ma.SessionStart.Role)
	require.Equal(t, protocol.RoleFollower, mb.SessionStart.Role)
	require.Equal(t, ma.SessionStart.SessionID, mb.SessionStart.SessionID)
}

func TestHub_ThirdRegistrantStartsAFreshSession(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	pairPeers(t, h)

	pc, decC := pipePeer(t, "brock", "room-7")
	h.Inbox() <- RegisterPeer{Peer: pc}

	views := waitForSessions(t, h, 2)
	var waiting int
	for _, v := range views {
		if !v.Paired {
			waiting++
			require.Equal(t, []string{"brock"}, v.Peers)
		}
	}
	require.Equal(t, 1, waiting, "third registrant must park in a new waiting session")
	expectSilence(t, decC)
}

func TestHub_ForwardsVerbatim(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	pa, pb, decA, decB, _ := pairPeers(t, h)

	sent := protocol.Message{
		Type: protocol.TypeRosterSync,
		RosterSync: &protocol.RosterSync{Units: []protocol.Unit{{
			Species: 6, Level: 50, HP: 100, MaxHP: 100,
			Stats: [5]uint16{100, 80, 78, 109, 85},
			Moves: [4]uint8{53, 19, 163, 126},
			Name:  "TORCHER",
		}}},
	}
	h.Inbox() <- FromPeer{Peer: pa, Msg: sent}
	require.Equal(t, sent, recvMsg(t, decB), "payload must pass through untouched")

	// And the other direction.
	h.Inbox() <- FromPeer{Peer: pb, Msg: protocol.Heartbeat()}
	require.Equal(t, protocol.TypeHeartbeat, recvMsg(t, decA).Type)
}

func TestHub_DuplicateRegisterDropped(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	pa, _, _, decB, _ := pairPeers(t, h)

	h.Inbox() <- FromPeer{Peer: pa, Msg: protocol.Message{
		Type:     protocol.TypeRegister,
		Register: &protocol.Register{ID: "ash", Token: "room-7"},
	}}
	expectSilence(t, decB)
}

func TestHub_PeerClosedNotifiesSurvivor(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	pa, _, _, decB, _ := pairPeers(t, h)

	events := make(chan Event, 8)
	h.Inbox() <- Subscribe{ID: "obs", Outbox: events}

	h.Inbox() <- PeerClosed{Peer: pa}

	m := recvMsg(t, decB)
	require.Equal(t, protocol.TypeSessionEnd, m.Type)
	require.Equal(t, protocol.ReasonPeerLost, m.SessionEnd.Reason)

	select {
	case ev := <-events:
		require.Equal(t, "session_end", ev.Kind)
		require.Equal(t, string(protocol.ReasonPeerLost), ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("observer never saw the session end")
	}

	require.Empty(t, waitForSessions(t, h, 0))
}

func TestHub_SessionEndForwardedThenTornDown(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	pa, _, _, decB, _ := pairPeers(t, h)

	h.Inbox() <- FromPeer{Peer: pa, Msg: protocol.EndSession(protocol.ReasonOutcome)}

	m := recvMsg(t, decB)
	require.Equal(t, protocol.TypeSessionEnd, m.Type)
	require.Equal(t, protocol.ReasonOutcome, m.SessionEnd.Reason)

	require.Empty(t, waitForSessions(t, h, 0))
}

func TestHub_PairingRefreshesTheWaitersLiveness(t *testing.T) {
	clk := clockwork.NewFakeClock()
	h := newTestHub(t, clk, time.Second)

	pa, decA := pipePeer(t, "early", "room-7")
	h.Inbox() <- RegisterPeer{Peer: pa}
	waitForSessions(t, h, 1)
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))

	// The partner takes its time; the waiter heartbeats through the wait.
	for i := 0; i < 5; i++ {
		h.Inbox() <- FromPeer{Peer: pa, Msg: protocol.Heartbeat()}
		clk.Advance(time.Second)
	}

	pb, decB := pipePeer(t, "late", "room-7")
	h.Inbox() <- RegisterPeer{Peer: pb}
	require.Equal(t, protocol.TypeSessionStart, recvMsg(t, decA).Type)
	require.Equal(t, protocol.TypeSessionStart, recvMsg(t, decB).Type)

	// Neither side has heartbeated since pairing. The waiter's last
	// heartbeat predates pairing, so only the pairing-time refresh keeps it
	// inside the three-interval window here.
	clk.Advance(3500 * time.Millisecond)
	waitForSessions(t, h, 1)

	h.Inbox() <- FromPeer{Peer: pb, Msg: protocol.Heartbeat()}
	require.Equal(t, protocol.TypeHeartbeat, recvMsg(t, decA).Type, "early peer's connection was cut after pairing")
}

func TestHub_SilentWaiterIsReaped(t *testing.T) {
	clk := clockwork.NewFakeClock()
	h := newTestHub(t, clk, time.Second)

	pa, decA := pipePeer(t, "loner", "room-1")
	h.Inbox() <- RegisterPeer{Peer: pa}
	waitForSessions(t, h, 1)
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))

	// A half-open waiter must not hold its room token forever.
	clk.Advance(4 * time.Second)

	ch := make(chan error, 1)
	go func() {
		_, err := decA.Decode()
		ch <- err
	}()
	select {
	case err := <-ch:
		require.Error(t, err, "silent waiter's connection should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("half-open waiter survived the sweep")
	}
}

func TestHub_HeartbeatTimeoutClosesSilentPeers(t *testing.T) {
	clk := clockwork.NewFakeClock()
	h := newTestHub(t, clk, time.Second)
	_, _, decA, _, _ := pairPeers(t, h)

	// Wait for the liveness ticker to be armed before advancing.
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))

	// Three silent intervals and a bit: both connections get cut.
	clk.Advance(4 * time.Second)

	ch := make(chan error, 1)
	go func() {
		_, err := decA.Decode()
		ch <- err
	}()
	select {
	case err := <-ch:
		require.Error(t, err, "silent peer's connection should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived the liveness sweep")
	}
}
