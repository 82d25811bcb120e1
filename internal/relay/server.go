package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/pkg/protocol"
)

// registerDeadline bounds how long a fresh connection may sit silent
// before its register message must have arrived.
const registerDeadline = 10 * time.Second

// peerConn is one accepted connection. The read side lives in the server
// handler; writes go through an outbox drained by a dedicated goroutine so
// the hub never blocks on a slow peer.
type peerConn struct {
	id     string
	token  string
	conn   net.Conn
	out    chan protocol.Message
	closed chan struct{}
	log    *zap.Logger
	once   sync.Once
}

func newPeerConn(id, token string, conn net.Conn, log *zap.Logger) *peerConn {
	p := &peerConn{
		id:     id,
		token:  token,
		conn:   conn,
		out:    make(chan protocol.Message, 64),
		closed: make(chan struct{}),
		log:    log,
	}
	go p.writeLoop()
	return p
}

// send is safe to call after close; late messages for a dead connection are
// silently discarded.
func (p *peerConn) send(m protocol.Message) {
	select {
	case <-p.closed:
	case p.out <- m:
	default:
		p.log.Warn("peer outbox full, dropping message",
			zap.String("peer", p.id),
			zap.String("type", string(m.Type)))
	}
}

func (p *peerConn) writeLoop() {
	enc := protocol.NewEncoder(p.conn)
	for {
		select {
		case <-p.closed:
			return
		case m := <-p.out:
			if err := enc.Encode(m); err != nil {
				p.log.Debug("peer write failed", zap.String("peer", p.id), zap.Error(err))
				return
			}
		}
	}
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// Server accepts relay connections and feeds them to the hub.
type Server struct {
	hub *Hub
	log *zap.Logger
	ln  net.Listener
}

func NewServer(hub *Hub, log *zap.Logger) *Server {
	return &Server{hub: hub, log: log}
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.ln = ln
	s.log.Info("relay listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound listen address; useful when listening on port 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts until the context ends or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

// handle runs one connection: the first line must register, everything
// after flows to the hub until the connection dies.
func (s *Server) handle(conn net.Conn) {
	dec := protocol.NewDecoder(conn)

	conn.SetReadDeadline(time.Now().Add(registerDeadline))
	first, err := s.decodeNext(dec)
	if err != nil || first.Type != protocol.TypeRegister {
		s.log.Warn("connection did not register, closing",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	p := newPeerConn(first.Register.ID, first.Register.Token, conn, s.log)
	s.hub.Inbox() <- RegisterPeer{Peer: p}

	for {
		m, err := s.decodeNext(dec)
		if err != nil {
			s.hub.Inbox() <- PeerClosed{Peer: p}
			return
		}
		s.hub.Inbox() <- FromPeer{Peer: p, Msg: m}
	}
}

// decodeNext skips malformed lines (drop and log, session continues) and
// returns the next valid message or a terminal stream error.
func (s *Server) decodeNext(dec *protocol.Decoder) (protocol.Message, error) {
	for {
		m, err := dec.Decode()
		if err == nil {
			return m, nil
		}
		if errors.Is(err, protocol.ErrMalformed) {
			s.log.Warn("dropping malformed line", zap.Error(err))
			continue
		}
		return protocol.Message{}, err
	}
}
