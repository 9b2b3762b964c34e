package transport

import (
	"net"

	"go.uber.org/zap"
)

// Server is the passive listening socket: it accepts inbound peers and
// hands each fresh connection to onAccept. Grounded on
// pysyncobj/tcp_server.py's TcpServer.bind/__onNewConnection, including
// its EAGAIN-tolerant accept loop (a transient accept error just logs and
// keeps listening; a non-transient one logs and stops the accept loop, and
// the listener is not recreated).
type Server struct {
	log      *zap.Logger
	addr     string
	listener net.Listener
	onAccept func(net.Conn)
	doneCh   chan struct{}
}

func newServer(log *zap.Logger, addr string, onAccept func(net.Conn)) *Server {
	return &Server{log: log.Named("server"), addr: addr, onAccept: onAccept, doneCh: make(chan struct{})}
}

// Bind opens the listening socket and starts the accept loop in a
// background goroutine.
func (s *Server) Bind() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.doneCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck // mirrors the original's EAGAIN tolerance
				s.log.Debug("transient accept error, continuing", zap.Error(err))
				continue
			}
			s.log.Warn("listener accept failed, stopping accept loop", zap.Error(err))
			return
		}
		s.onAccept(conn)
	}
}

// Unbind closes the listening socket; in-flight connections are
// unaffected.
func (s *Server) Unbind() {
	close(s.doneCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
