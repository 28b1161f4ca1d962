// Package rtp receives and sends raw RTP over UDP. Every SSRC arriving at
// the listener becomes its own stream under the rtp_proxy.app application.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/ini"
	"mediakit/internal/rtsp"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// Payload types understood by the listener
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
	PayloadMP2T = 33
	PayloadH264 = 96
	PayloadH265 = 97
)

const (
	maxDatagram   = 65536
	queueSize     = 512
	trackWindowMS = 500
)

// StreamName is the stream id an SSRC is published under
func StreamName(ssrc uint32) string {
	return fmt.Sprintf("%08X", ssrc)
}

// Server is the RTP ingest listener
type Server struct {
	gate *access.Gate

	mu      sync.Mutex
	conn    *net.UDPConn
	streams map[uint32]*stream
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an RTP server
func New(gate *access.Gate) *Server {
	return &Server{gate: gate, streams: make(map[uint32]*stream)}
}

// Listen binds addr (UDP) and serves in the background. It returns the
// bound port.
func (s *Server) Listen(addr string) (int, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	logrus.WithField("addr", conn.LocalAddr().String()).Info("RTP server listening")
	s.wg.Add(2)
	go s.serve(conn)
	go s.reap(done)
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

func (s *Server) serve(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			logrus.WithError(err).Debug("RTP server stopped")
			return
		}
		var hdr rtp.Header
		if _, err := hdr.Unmarshal(buf[:n]); err != nil {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.dispatch(hdr.SSRC, peer, raw)
	}
}

func (s *Server) dispatch(ssrc uint32, peer *net.UDPAddr, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[ssrc]
	if !ok {
		if s.conn == nil {
			return
		}
		st = s.newStream(ssrc, peer)
		s.streams[ssrc] = st
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			st.run()
			s.remove(ssrc, st)
		}()
	}
	st.touch()
	select {
	case st.packets <- raw:
	default:
	}
}

func (s *Server) newStream(ssrc uint32, peer *net.UDPAddr) *stream {
	app := s.gate.Config().Get(ini.KeyRTPProxyApp)
	if app == "" {
		app = "rtp"
	}
	info := models.MediaInfo{
		Schema: models.SchemaRTP,
		Vhost:  models.DefaultVhost,
		App:    app,
		Stream: StreamName(ssrc),
	}
	return &stream{
		gate:    s.gate,
		info:    info,
		sender:  models.NewSockInfo(uuid.NewString(), s.conn.LocalAddr(), peer),
		packets: make(chan []byte, queueSize),
		stop:    make(chan struct{}),
		depack:  make(map[uint8]*rtsp.Depacketizer),
		log:     logrus.WithFields(logrus.Fields{"schema": models.SchemaRTP, "ssrc": StreamName(ssrc)}),
	}
}

func (s *Server) remove(ssrc uint32, st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[ssrc] == st {
		delete(s.streams, ssrc)
	}
}

// reap drops streams that stopped receiving packets
func (s *Server) reap(done chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			timeout := time.Duration(s.gate.Config().GetInt(ini.KeyRTPTimeoutSec, 15)) * time.Second
			s.mu.Lock()
			for ssrc, st := range s.streams {
				if now.Sub(st.lastSeen()) > timeout {
					st.log.Info("RTP stream timed out")
					st.close()
					delete(s.streams, ssrc)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the listener and every stream it feeds
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	for ssrc, st := range s.streams {
		st.close()
		delete(s.streams, ssrc)
	}
	s.mu.Unlock()

	err := conn.Close()
	s.wg.Wait()
	return err
}

// stream is the publisher side of one SSRC
type stream struct {
	gate    *access.Gate
	info    models.MediaInfo
	sender  models.SockInfo
	packets chan []byte
	stop    chan struct{}
	once    sync.Once
	log     *logrus.Entry

	seenMu sync.Mutex
	seen   time.Time

	depack map[uint8]*rtsp.Depacketizer
	ts     *io.PipeWriter
	tsDone chan error
}

func (st *stream) touch() {
	st.seenMu.Lock()
	st.seen = time.Now()
	st.seenMu.Unlock()
}

func (st *stream) lastSeen() time.Time {
	st.seenMu.Lock()
	defer st.seenMu.Unlock()
	return st.seen
}

func (st *stream) close() {
	st.once.Do(func() { close(st.stop) })
}

func (st *stream) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-st.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	media, err := st.gate.StartPublish(ctx, st.info, st.sender)
	if err != nil {
		st.log.WithError(err).Warn("RTP publish rejected")
		return
	}
	defer media.Release()
	media.OnClose(cancel)

	flow := st.gate.NewFlow(st.info, st.sender, false)
	defer flow.Done()

	in := streammanager.NewESIngest(media, trackWindowMS)
	defer st.finish(in)

	st.log.Info("RTP stream started")
	for {
		select {
		case <-ctx.Done():
			st.log.Info("RTP stream stopped")
			return
		case raw := <-st.packets:
			flow.Add(len(raw))
			if err := st.input(ctx, in, raw); err != nil {
				st.log.WithError(err).Info("RTP stream stopped")
				return
			}
		}
	}
}

func (st *stream) input(ctx context.Context, in *streammanager.ESIngest, raw []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil
	}

	if pkt.PayloadType == PayloadMP2T {
		if st.ts == nil {
			pr, pw := io.Pipe()
			st.ts = pw
			st.tsDone = make(chan error, 1)
			go func() {
				err := in.ReadTS(ctx, pr, nil)
				pr.CloseWithError(err)
				st.tsDone <- err
			}()
		}
		_, err := st.ts.Write(pkt.Payload)
		return err
	}
	if st.ts != nil {
		// one SSRC carries either a transport stream or elementary streams
		return nil
	}

	d, err := st.depacketizer(pkt.PayloadType)
	if err != nil {
		return nil
	}
	frames, err := d.Frames(&pkt)
	if err != nil {
		return nil
	}
	for _, f := range frames {
		if f.IsVideo() {
			err = in.Video(f)
		} else {
			err = in.Audio(f, d.Track.Audio.SampleRate, d.Track.Audio.Channels)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (st *stream) finish(in *streammanager.ESIngest) {
	if st.ts != nil {
		st.ts.Close()
		<-st.tsDone
		return
	}
	if err := in.Flush(); err != nil && !errors.Is(err, streammanager.ErrReleased) {
		st.log.WithError(err).Debug("RTP flush failed")
	}
}

func (st *stream) depacketizer(pt uint8) (*rtsp.Depacketizer, error) {
	if d, ok := st.depack[pt]; ok {
		if d == nil {
			return nil, rtsp.ErrUnsupportedFormat
		}
		return d, nil
	}
	var (
		forma     format.Format
		mediaType = description.MediaTypeVideo
	)
	switch pt {
	case PayloadH264:
		forma = &format.H264{PayloadTyp: pt, PacketizationMode: 1}
	case PayloadH265:
		forma = &format.H265{PayloadTyp: pt}
	case PayloadPCMU, PayloadPCMA:
		forma = &format.G711{PayloadTyp: pt, MULaw: pt == PayloadPCMU, SampleRate: 8000, ChannelCount: 1}
		mediaType = description.MediaTypeAudio
	default:
		st.depack[pt] = nil
		st.log.WithField("pt", pt).Warn("unsupported RTP payload type")
		return nil, rtsp.ErrUnsupportedFormat
	}
	d, err := rtsp.NewDepacketizer(&description.Media{Type: mediaType, Formats: []format.Format{forma}}, forma)
	if err != nil {
		return nil, err
	}
	st.depack[pt] = d
	return d, nil
}
