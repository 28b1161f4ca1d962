package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/event"
	"mediakit/internal/mpegts"
	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// SendMode selects how a source is carried over RTP
type SendMode int

const (
	// SendTS multiplexes every track into MPEG-TS (payload type 33)
	SendTS SendMode = iota
	// SendES carries the primary track as an elementary stream
	SendES
)

const (
	mtu = 1200
	// tsPerPacket is the number of 188 byte TS packets per datagram
	tsPerPacket = 7
)

var (
	ErrSendExists  = errors.New("RTP sender already running")
	ErrSendMissing = errors.New("RTP sender not found")
	ErrNoSendTrack = errors.New("no track can be sent over RTP")
)

// Sender pushes sources to remote RTP receivers
type Sender struct {
	mgr *streammanager.Manager
	hub *event.Hub

	mu       sync.Mutex
	sessions map[string]*sendSession
	wg       sync.WaitGroup
}

// NewSender creates a sender reading from mgr. Finished sends are reported
// through hub as MediaSendRtpStop.
func NewSender(mgr *streammanager.Manager, hub *event.Hub) *Sender {
	return &Sender{mgr: mgr, hub: hub, sessions: make(map[string]*sendSession)}
}

type sendSession struct {
	key    models.StreamKey
	ssrc   uint32
	conn   net.Conn
	reader *streammanager.Reader
	stop   chan struct{}
	once   sync.Once
}

func (ss *sendSession) close() {
	ss.once.Do(func() { close(ss.stop) })
}

func sessionID(key models.StreamKey, ssrc uint32) string {
	return key.String() + "#" + StreamName(ssrc)
}

// Start begins sending the source at key to dst ("host:port") with ssrc.
// It returns once the UDP socket is connected.
func (s *Sender) Start(key models.StreamKey, dst string, ssrc uint32, mode SendMode) error {
	src := s.mgr.Find(key)
	if src == nil {
		return fmt.Errorf("%w: %s", access.ErrNotFound, key)
	}

	id := sessionID(key, ssrc)
	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return ErrSendExists
	}
	s.mu.Unlock()

	write, err := s.newWriter(src, ssrc, mode)
	if err != nil {
		return err
	}
	conn, err := net.Dial("udp", dst)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", dst, err)
	}
	reader, err := src.AddReader(models.SchemaRTP, 512)
	if err != nil {
		conn.Close()
		return err
	}

	ss := &sendSession{key: key, ssrc: ssrc, conn: conn, reader: reader, stop: make(chan struct{})}
	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		reader.Close()
		conn.Close()
		return ErrSendExists
	}
	s.sessions[id] = ss
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"key": key.String(), "dst": dst, "ssrc": StreamName(ssrc)}).Info("RTP send started")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		code, msg := s.run(ss, write)
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		reader.Close()
		conn.Close()
		logrus.WithFields(logrus.Fields{"key": key.String(), "ssrc": StreamName(ssrc), "reason": msg}).Info("RTP send stopped")
		s.hub.MediaSendRtpStop(event.MediaSendRtpStopEvent{Key: key, SSRC: StreamName(ssrc), Err: code, Msg: msg})
	}()
	return nil
}

func (s *Sender) run(ss *sendSession, write frameWriter) (int, string) {
	for {
		select {
		case <-ss.stop:
			return 0, "stopped"
		case f, ok := <-ss.reader.C:
			if !ok {
				return 0, "source closed"
			}
			if err := write(ss.conn, f); err != nil {
				return -1, err.Error()
			}
		}
	}
}

// Stop ends the send of key to ssrc
func (s *Sender) Stop(key models.StreamKey, ssrc uint32) error {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID(key, ssrc)]
	s.mu.Unlock()
	if !ok {
		return ErrSendMissing
	}
	ss.close()
	return nil
}

// Close ends every send and waits for the senders to exit
func (s *Sender) Close() error {
	s.mu.Lock()
	for _, ss := range s.sessions {
		ss.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

type frameWriter func(conn net.Conn, f *models.Frame) error

func (s *Sender) newWriter(src *streammanager.Source, ssrc uint32, mode SendMode) (frameWriter, error) {
	if mode == SendTS {
		return newTSWriter(src, ssrc)
	}
	return newESWriter(src, ssrc)
}

// newESWriter packetizes the video track, or the audio track when there is
// no video, with the pion payloaders
func newESWriter(src *streammanager.Source, ssrc uint32) (frameWriter, error) {
	track, ok := src.VideoTrack()
	if !ok {
		track, ok = src.AudioTrack()
	}
	if !ok {
		return nil, ErrNoSendTrack
	}

	var (
		payloader rtp.Payloader
		pt        uint8
		clockRate uint32 = 90000
	)
	switch track.Codec {
	case models.CodecH264:
		payloader, pt = &codecs.H264Payloader{}, PayloadH264
	case models.CodecH265:
		payloader, pt = &codecs.H265Payloader{}, PayloadH265
	case models.CodecG711A:
		payloader, pt, clockRate = &codecs.G711Payloader{}, PayloadPCMA, 8000
	case models.CodecG711U:
		payloader, pt, clockRate = &codecs.G711Payloader{}, PayloadPCMU, 8000
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoSendTrack, track.Codec)
	}

	packetizer := rtp.NewPacketizer(mtu, pt, ssrc, payloader, rtp.NewRandomSequencer(), clockRate)
	params := src.ParameterSets()
	origin := int64(-1)
	last := int64(0)

	return func(conn net.Conn, f *models.Frame) error {
		if f.Codec != track.Codec {
			return nil
		}
		if origin < 0 {
			if track.IsVideo() && !f.KeyFrame {
				return nil
			}
			origin, last = f.PTS, f.PTS
		}
		payload := f.Payload
		if f.KeyFrame && !muxer.ExtractParameterSets(f.Codec, payload).Complete(f.Codec) && params.Complete(f.Codec) {
			payload = muxer.PrependParameterSets(payload, params)
		}
		samples := uint32((f.PTS - last) * int64(clockRate) / 1000)
		last = f.PTS
		for _, pkt := range packetizer.Packetize(payload, samples) {
			raw, err := pkt.Marshal()
			if err != nil {
				return err
			}
			if _, err := conn.Write(raw); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// newTSWriter carries every track in a transport stream, seven TS packets
// per datagram
func newTSWriter(src *streammanager.Source, ssrc uint32) (frameWriter, error) {
	out := &tsPacketizer{ssrc: ssrc}
	mux, err := mpegts.NewMuxer(context.Background(), out, src.Tracks(), src.ParameterSets())
	if err != nil {
		return nil, err
	}
	origin := int64(-1)
	started := false

	return func(conn net.Conn, f *models.Frame) error {
		if origin < 0 {
			if mux.HasVideo() && !(f.IsVideo() && f.KeyFrame) {
				return nil
			}
			origin = f.DTS
		}
		rel := *f
		rel.DTS -= origin
		rel.PTS -= origin
		if rel.DTS < 0 || rel.PTS < 0 {
			return nil
		}
		out.conn = conn
		if !started {
			started = true
			if _, err := mux.WriteTables(); err != nil {
				return err
			}
		}
		if _, err := mux.WriteFrame(&rel); err != nil {
			return err
		}
		return out.flush(uint32(rel.DTS * 90))
	}, nil
}

// tsPacketizer buffers muxer output and sends it as RTP payload type 33
type tsPacketizer struct {
	conn net.Conn
	ssrc uint32
	seq  uint16
	buf  []byte
}

func (p *tsPacketizer) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	return len(b), nil
}

func (p *tsPacketizer) flush(ts uint32) error {
	const chunk = tsPerPacket * 188
	for off := 0; off < len(p.buf); off += chunk {
		end := min(off+chunk, len(p.buf))
		p.seq++
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    PayloadMP2T,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
				Marker:         end == len(p.buf),
			},
			Payload: p.buf[off:end],
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if _, err := p.conn.Write(raw); err != nil {
			return err
		}
	}
	p.buf = p.buf[:0]
	return nil
}
