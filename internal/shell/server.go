// Package shell is a line based debug console over TCP. Logins are offered
// to the ShellLogin hook, which rejects a session by closing its connection.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediakit/internal/event"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

const (
	idleTimeout = 10 * time.Minute
	prompt      = "# "
)

// Server accepts shell sessions
type Server struct {
	hub *event.Hub
	mgr *streammanager.Manager

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a shell server
func New(hub *event.Hub, mgr *streammanager.Manager) *Server {
	return &Server{hub: hub, mgr: mgr, conns: make(map[net.Conn]struct{})}
}

// Listen binds addr and serves in the background. It returns the bound port.
func (s *Server) Listen(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logrus.WithField("addr", ln.Addr().String()).Info("shell server listening")
	s.wg.Add(1)
	go s.serve(ln)
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			logrus.WithError(err).Debug("shell server stopped")
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handle(conn)
		}()
	}
}

// trackedConn remembers whether the login hook closed it
type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func (s *Server) handle(raw net.Conn) {
	conn := &trackedConn{Conn: raw}
	sender := models.NewSockInfo(uuid.NewString(), raw.LocalAddr(), raw.RemoteAddr())
	log := logrus.WithField("peer", sender.PeerIP)
	in := bufio.NewScanner(conn)

	read := func(label string) (string, bool) {
		fmt.Fprint(conn, label)
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !in.Scan() {
			return "", false
		}
		return strings.TrimSpace(in.Text()), true
	}

	user, ok := read("user name: ")
	if !ok {
		return
	}
	password, ok := read("password: ")
	if !ok {
		return
	}
	s.hub.ShellLogin(event.ShellLoginEvent{User: user, Password: password, Sender: sender, Conn: conn})
	if conn.closed.Load() {
		log.WithField("user", user).Warn("shell login rejected")
		return
	}

	log.WithField("user", user).Info("shell session started")
	fmt.Fprintf(conn, "welcome %s, type help for commands\r\n", user)
	for {
		line, ok := read(prompt)
		if !ok {
			return
		}
		if line == "" {
			continue
		}
		if !s.exec(conn, line) {
			fmt.Fprint(conn, "bye\r\n")
			return
		}
	}
}

// exec runs one command line and reports whether the session goes on
func (s *Server) exec(w io.Writer, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		fmt.Fprint(w, "help              list commands\r\n"+
			"media             list live sources\r\n"+
			"close <vhost/app/stream>  close a source\r\n"+
			"exit              end the session\r\n")
	case "media":
		s.listMedia(w)
	case "close":
		if len(fields) != 2 {
			fmt.Fprint(w, "usage: close <vhost/app/stream>\r\n")
			break
		}
		s.closeMedia(w, fields[1])
	case "exit", "quit":
		return false
	default:
		fmt.Fprintf(w, "unknown command %q\r\n", fields[0])
	}
	return true
}

func (s *Server) listMedia(w io.Writer) {
	infos := make([]models.SourceInfo, 0)
	for _, src := range s.mgr.Sources() {
		infos = append(infos, src.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key.String() < infos[j].Key.String() })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "KEY\tSCHEMA\tTRACKS\tREADERS\r\n")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\r\n", info.Key.String(), info.Schema, len(info.Tracks), info.ReaderCount)
	}
	tw.Flush()
}

func (s *Server) closeMedia(w io.Writer, key string) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		fmt.Fprint(w, "key must be vhost/app/stream\r\n")
		return
	}
	src := s.mgr.Find(models.NewStreamKey(parts[0], parts[1], parts[2]))
	if src == nil {
		fmt.Fprint(w, "not found\r\n")
		return
	}
	if src.Close(true) {
		fmt.Fprint(w, "closed\r\n")
	} else {
		fmt.Fprint(w, "close refused\r\n")
	}
}

// Close stops the listener and ends every session
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}
