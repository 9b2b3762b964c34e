package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Connection is a framed message stream over one TCP socket. Reads and
// writes happen on dedicated goroutines (the idiomatic Go stand-in for the
// non-blocking socket the specification describes: Go's runtime netpoller
// already makes a blocking net.Conn.Read cheap and non-blocking for the
// rest of the process), but every decoded Frame and every disconnect is
// funneled through the supplied callbacks. They run on this Connection's
// reader/writer goroutines; the owning Transport's callbacks only hand
// messages to channels drained by the single engine goroutine — preserving
// the single-threaded, lock-free access to Raft state that §5 requires.
type Connection struct {
	log  *zap.Logger
	conn net.Conn

	timeout time.Duration

	onMessage    func(Frame)
	onDisconnect func(error)

	sendCh chan Frame
	doneCh chan struct{}
	once   sync.Once

	lastRecvNanos atomic.Int64
}

const defaultSendQueueDepth = 256

func dialOptions(conn net.Conn, sendBufferSize, recvBufferSize int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	if sendBufferSize > 0 {
		_ = tc.SetWriteBuffer(sendBufferSize)
	}
	if recvBufferSize > 0 {
		_ = tc.SetReadBuffer(recvBufferSize)
	}
}

// newConnection wraps an already-connected (dialed or accepted) socket.
// Call Start to begin pumping frames; the caller must supply onMessage and
// onDisconnect, both of which are invoked only from the reader/writer
// goroutines of this Connection and must hand off to the engine's own
// serialized channel rather than touching Raft state directly.
func newConnection(log *zap.Logger, conn net.Conn, timeout time.Duration, sendBufferSize, recvBufferSize int, onMessage func(Frame), onDisconnect func(error)) *Connection {
	dialOptions(conn, sendBufferSize, recvBufferSize)
	c := &Connection{
		log:          log,
		conn:         conn,
		timeout:      timeout,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		sendCh:       make(chan Frame, defaultSendQueueDepth),
		doneCh:       make(chan struct{}),
	}
	c.lastRecvNanos.Store(time.Now().UnixNano())
	return c
}

// Start launches the reader and writer pumps.
func (c *Connection) Start() {
	go c.readLoop()
	go c.writeLoop()
}

// Send enqueues a frame for delivery. If the send queue is full the frame
// is dropped — per §7, network delivery is best-effort and Raft's own
// retransmission (retrying AppendEntries/heartbeats on the next tick)
// covers the loss.
func (c *Connection) Send(f Frame) {
	select {
	case c.sendCh <- f:
	case <-c.doneCh:
	default:
		c.log.Debug("send queue full, dropping frame", zap.Uint8("kind", uint8(f.Kind)))
	}
}

// Close tears down the socket and stops both pumps. Safe to call more than
// once and from any goroutine.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.doneCh)
		_ = c.conn.Close()
	})
}

// IdleExceeded reports whether no bytes have been received within the
// configured connectionTimeout as of now.
func (c *Connection) IdleExceeded(now time.Time) bool {
	if c.timeout <= 0 {
		return false
	}
	last := time.Unix(0, c.lastRecvNanos.Load())
	return now.Sub(last) > c.timeout
}

func (c *Connection) readLoop() {
	defer c.Close()
	dec := &frameDecoder{}
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastRecvNanos.Store(time.Now().UnixNano())
			frames, decErr := dec.Feed(buf[:n])
			for _, f := range frames {
				c.onMessage(f)
			}
			if decErr != nil {
				c.onDisconnect(decErr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.onDisconnect(err)
			} else {
				c.onDisconnect(nil)
			}
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case f := <-c.sendCh:
			raw, err := encodeFrame(f)
			if err != nil {
				c.log.Warn("dropping unencodable frame", zap.Error(err))
				continue
			}
			if _, err := c.conn.Write(raw); err != nil {
				c.onDisconnect(err)
				c.Close()
				return
			}
		case <-c.doneCh:
			return
		}
	}
}
