package rtmp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"

	"mediakit/internal/access"
)

// Server is the RTMP listener. Publishers become media sources and players
// are attached as readers of existing ones.
type Server struct {
	gate     *access.Gate
	server   *rtmp.Server
	listener net.Listener
	mu       sync.Mutex
	done     chan struct{}
}

// New creates a new RTMP server
func New(gate *access.Gate) *Server {
	s := &Server{gate: gate}
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})
	return s
}

// Listen binds addr and serves in the background. With tlsConfig set the
// listener speaks RTMPS. It returns the bound port.
func (s *Server) Listen(addr string, tlsConfig *tls.Config) (int, error) {
	var (
		ln  net.Listener
		err error
	)
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.listener = ln
	s.done = done
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"addr": ln.Addr().String(), "tls": tlsConfig != nil}).Info("RTMP server listening")
	go func() {
		defer close(done)
		if err := s.server.Serve(ln); err != nil {
			logrus.WithError(err).Debug("RTMP server stopped")
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	logrus.WithField("peer", conn.RemoteAddr().String()).Debug("new RTMP connection")

	handler := newConnHandler(s.gate, conn)
	return conn, &rtmp.ConnConfig{
		Handler: handler,
		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024,
		},
		Logger: logrus.StandardLogger(),
	}
}

// Close stops accepting connections
func (s *Server) Close() error {
	s.mu.Lock()
	ln, done := s.listener, s.done
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	_ = s.server.Close()
	err := ln.Close()
	<-done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
