package transport

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the transport-level tunables from the specification's
// configuration table (§6): socket buffer sizes and the idle-connection
// timeout, plus the bounded dial-retry backoff for component D.
type Config struct {
	SendBufferSize    int
	RecvBufferSize    int
	ConnectionTimeout time.Duration
	DialInterval      time.Duration
	DialBackoffMax    time.Duration
}

// DefaultConfig mirrors the specification's stated defaults.
func DefaultConfig() Config {
	return Config{
		SendBufferSize:    8 << 10,
		RecvBufferSize:    8 << 10,
		ConnectionTimeout: 3500 * time.Millisecond,
		DialInterval:      200 * time.Millisecond,
		DialBackoffMax:    5 * time.Second,
	}
}

// InboundMessage is one opaque Raft-level payload received from a peer,
// attributed to the peer's stable NodeAddress.
type InboundMessage struct {
	From NodeAddress
	Body []byte
}

// PeerEvent reports a peer connecting or disconnecting, so the engine can
// reset replication bookkeeping (nextIndex) without waiting for the next
// failed AppendEntries.
type PeerEvent struct {
	Peer      NodeAddress
	Connected bool
}

type peerState struct {
	addr    NodeAddress
	conn    *Connection
	dialing bool
}

// Transport maintains one logical connection per cluster peer address,
// dialing out until a peer is reachable and routing inbound traffic by the
// address each peer announces in its Hello. It hides transient
// disconnects from the Raft core: Send on a disconnected peer is a no-op.
type Transport struct {
	log  *zap.Logger
	self NodeAddress
	cfg  Config

	server *Server

	mu    sync.Mutex
	peers map[NodeAddress]*peerState

	inbox  chan InboundMessage
	events chan PeerEvent
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Transport bound to self, with one peerState per address
// in peerAddrs. Call Start to begin listening and dialing.
func New(log *zap.Logger, self NodeAddress, peerAddrs []NodeAddress, cfg Config) *Transport {
	t := &Transport{
		log:    log.Named("transport"),
		self:   self,
		cfg:    cfg,
		peers:  make(map[NodeAddress]*peerState, len(peerAddrs)),
		inbox:  make(chan InboundMessage, 1024),
		events: make(chan PeerEvent, 64),
		doneCh: make(chan struct{}),
	}
	for _, p := range peerAddrs {
		t.peers[p] = &peerState{addr: p}
	}
	return t
}

// Inbox yields decoded messages from any peer as they arrive.
func (t *Transport) Inbox() <-chan InboundMessage { return t.inbox }

// Events yields peer connect/disconnect notifications.
func (t *Transport) Events() <-chan PeerEvent { return t.events }

// Start binds the listening socket and launches one dial loop per
// configured peer.
func (t *Transport) Start() error {
	_, port, err := net.SplitHostPort(string(t.self))
	if err != nil {
		return err
	}
	t.server = newServer(t.log, ":"+port, t.handleAccepted)
	if err := t.server.Bind(); err != nil {
		return err
	}
	for addr := range t.peers {
		addr := addr
		t.wg.Add(1)
		go t.dialLoop(addr)
	}
	return nil
}

// Close tears down the listener and every live connection.
func (t *Transport) Close() {
	close(t.doneCh)
	t.server.Unbind()
	t.mu.Lock()
	for _, p := range t.peers {
		if p.conn != nil {
			p.conn.Close()
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// Send enqueues an opaque payload for delivery to a peer. If the peer is
// currently disconnected the message is silently dropped — Raft's
// retransmission on the next tick covers the loss.
func (t *Transport) Send(to NodeAddress, body []byte) {
	t.mu.Lock()
	p, known := t.peers[to]
	var conn *Connection
	if known {
		conn = p.conn
	}
	t.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Send(Frame{Kind: FrameData, Body: body})
}

// Connected reports whether a live connection to the given peer currently
// exists.
func (t *Transport) Connected(peer NodeAddress) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peer]
	return ok && p.conn != nil
}

// CheckIdleConnections closes any connection that has not received bytes
// within the configured timeout. Called once per tick from the engine.
func (t *Transport) CheckIdleConnections(now time.Time) {
	t.mu.Lock()
	var stale []*Connection
	for _, p := range t.peers {
		if p.conn != nil && p.conn.IdleExceeded(now) {
			stale = append(stale, p.conn)
		}
	}
	t.mu.Unlock()
	for _, c := range stale {
		c.Close()
	}
}

func (t *Transport) handleAccepted(conn net.Conn) {
	c := newConnection(t.log, conn, t.cfg.ConnectionTimeout, t.cfg.SendBufferSize, t.cfg.RecvBufferSize, nil, nil)
	var attributed NodeAddress
	var attributedOnce sync.Once

	c.onMessage = func(f Frame) {
		if f.Kind == FrameHello {
			attributedOnce.Do(func() {
				attributed = f.Hello
				if !t.bindConnection(attributed, c, false) {
					c.Close()
				}
			})
			return
		}
		if attributed == "" {
			t.log.Debug("dropping frame received before Hello handshake")
			return
		}
		select {
		case t.inbox <- InboundMessage{From: attributed, Body: f.Body}:
		case <-t.doneCh:
		}
	}
	c.onDisconnect = func(err error) {
		if attributed != "" {
			t.unbindConnection(attributed, c)
		}
	}
	c.Start()
}

func (t *Transport) dialLoop(addr NodeAddress) {
	defer t.wg.Done()
	backoff := t.cfg.DialInterval
	for {
		select {
		case <-t.doneCh:
			return
		default:
		}
		if t.Connected(addr) {
			select {
			case <-time.After(t.cfg.DialInterval):
				continue
			case <-t.doneCh:
				return
			}
		}
		conn, err := net.DialTimeout("tcp", string(addr), 2*time.Second)
		if err != nil {
			select {
			case <-time.After(backoff):
			case <-t.doneCh:
				return
			}
			backoff *= 2
			if backoff > t.cfg.DialBackoffMax {
				backoff = t.cfg.DialBackoffMax
			}
			continue
		}
		backoff = t.cfg.DialInterval

		c := newConnection(t.log, conn, t.cfg.ConnectionTimeout, t.cfg.SendBufferSize, t.cfg.RecvBufferSize, nil, nil)
		c.onMessage = func(f Frame) {
			if f.Kind == FrameHello {
				return // outbound side already knows who it dialed
			}
			select {
			case t.inbox <- InboundMessage{From: addr, Body: f.Body}:
			case <-t.doneCh:
			}
		}
		c.onDisconnect = func(error) { t.unbindConnection(addr, c) }
		c.Start()
		c.Send(Frame{Kind: FrameHello, Hello: t.self})

		if !t.bindConnection(addr, c, true) {
			c.Close()
		}

		select {
		case <-time.After(t.cfg.DialInterval):
		case <-t.doneCh:
			return
		}
	}
}

// bindConnection installs conn as the live connection for addr, applying
// the simultaneous-dial tiebreak: the node with the lexicographically
// smaller address keeps its outbound socket. Returns false if conn lost
// the tiebreak and should be closed by the caller.
func (t *Transport) bindConnection(addr NodeAddress, conn *Connection, isOutbound bool) bool {
	t.mu.Lock()
	p, known := t.peers[addr]
	if !known {
		p = &peerState{addr: addr}
		t.peers[addr] = p
	}
	if p.conn != nil && p.conn != conn {
		keepOutbound := t.self < addr
		if isOutbound == keepOutbound {
			old := p.conn
			p.conn = conn
			t.mu.Unlock()
			old.Close()
			t.emitEvent(addr, true)
			return true
		}
		t.mu.Unlock()
		return false
	}
	p.conn = conn
	t.mu.Unlock()
	t.emitEvent(addr, true)
	return true
}

func (t *Transport) unbindConnection(addr NodeAddress, conn *Connection) {
	t.mu.Lock()
	p, known := t.peers[addr]
	changed := false
	if known && p.conn == conn {
		p.conn = nil
		changed = true
	}
	t.mu.Unlock()
	if changed {
		t.emitEvent(addr, false)
	}
}

func (t *Transport) emitEvent(addr NodeAddress, connected bool) {
	select {
	case t.events <- PeerEvent{Peer: addr, Connected: connected}:
	case <-t.doneCh:
	default:
	}
}
