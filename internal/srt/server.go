// Package srt is the SRT listener. Publishers and players name their
// stream in the SRT stream id; the payload is MPEG-TS both ways.
package srt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	gosrt "github.com/datarhei/gosrt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/mpegts"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

const trackWindowMS = 500

// Server accepts SRT connections
type Server struct {
	gate *access.Gate

	mu    sync.Mutex
	ln    gosrt.Listener
	conns map[gosrt.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates an SRT server
func New(gate *access.Gate) *Server {
	return &Server{gate: gate, conns: make(map[gosrt.Conn]struct{})}
}

// Listen binds addr (UDP) and serves in the background. It returns the
// bound port.
func (s *Server) Listen(addr string) (int, error) {
	ln, err := gosrt.Listen("srt", addr, gosrt.DefaultConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	port := 0
	if udp, ok := ln.Addr().(*net.UDPAddr); ok {
		port = udp.Port
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	logrus.WithField("addr", ln.Addr().String()).Info("SRT server listening")
	s.wg.Add(1)
	go s.serve(ln)
	return port, nil
}

func (s *Server) serve(ln gosrt.Listener) {
	defer s.wg.Done()
	for {
		req, err := ln.Accept2()
		if err != nil {
			logrus.WithError(err).Debug("SRT listener stopped")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ln, req)
		}()
	}
}

func (s *Server) handle(ln gosrt.Listener, req gosrt.ConnRequest) {
	sender := models.NewSockInfo(uuid.NewString(), ln.Addr(), req.RemoteAddr())
	log := logrus.WithFields(logrus.Fields{"schema": models.SchemaSRT, "peer": sender.PeerIP})

	r, err := parseStreamID(req.StreamId())
	if err != nil {
		log.WithError(err).WithField("streamid", req.StreamId()).Warn("SRT connection rejected")
		req.Reject(gosrt.REJ_PEER)
		return
	}
	log = log.WithField("key", r.info.Key().String())

	if r.publish {
		s.publish(req, r.info, sender, log)
	} else {
		s.play(req, r.info, sender, log)
	}
}

func (s *Server) track(conn gosrt.Conn) func() {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}
}

func (s *Server) publish(req gosrt.ConnRequest, info models.MediaInfo, sender models.SockInfo, log *logrus.Entry) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	media, err := s.gate.StartPublish(ctx, info, sender)
	if err != nil {
		log.WithError(err).Warn("SRT publish rejected")
		req.Reject(gosrt.REJ_PEER)
		return
	}
	defer media.Release()

	conn, err := req.Accept()
	if err != nil {
		log.WithError(err).Warn("SRT accept failed")
		return
	}
	defer s.track(conn)()
	media.OnClose(func() {
		cancel()
		conn.Close()
	})

	flow := s.gate.NewFlow(info, sender, false)
	defer flow.Done()

	log.Info("SRT publisher started")
	err = streammanager.NewESIngest(media, trackWindowMS).ReadTS(ctx, flow.Reader(conn), nil)
	log.WithError(err).Info("SRT publisher stopped")
}

func (s *Server) play(req gosrt.ConnRequest, info models.MediaInfo, sender models.SockInfo, log *logrus.Entry) {
	src, err := s.gate.Play(context.Background(), info, sender)
	if err != nil {
		log.WithError(err).Warn("SRT play rejected")
		req.Reject(gosrt.REJ_PEER)
		return
	}
	reader, err := src.AddReader(models.SchemaSRT, 512)
	if err != nil {
		req.Reject(gosrt.REJ_PEER)
		return
	}
	defer reader.Close()

	conn, err := req.Accept()
	if err != nil {
		log.WithError(err).Warn("SRT accept failed")
		return
	}
	defer s.track(conn)()

	flow := s.gate.NewFlow(info, sender, true)
	defer flow.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux, err := mpegts.NewMuxer(ctx, flow.Writer(conn), src.Tracks(), src.ParameterSets())
	if err != nil {
		log.WithError(err).Warn("SRT play unsupported")
		return
	}
	if _, err := mux.WriteTables(); err != nil {
		return
	}

	log.Info("SRT player started")
	if err := WriteTS(mux, reader); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).Debug("SRT player write failed")
	}
	log.Info("SRT player stopped")
}

// WriteTS writes the frames of reader to mux, with timestamps relative to
// the first frame, until the reader is closed
func WriteTS(mux *mpegts.Muxer, reader *streammanager.Reader) error {
	origin := int64(-1)
	for f := range reader.C {
		if origin < 0 {
			origin = f.DTS
		}
		out := *f
		out.DTS -= origin
		out.PTS -= origin
		if out.DTS < 0 || out.PTS < 0 {
			continue
		}
		if _, err := mux.WriteFrame(&out); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the listener and drops every connection
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := make([]gosrt.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	ln.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return nil
}
