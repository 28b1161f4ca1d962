package webrtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/rtsp"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

const (
	trackWindowMS = 500
	pliInterval   = 2 * time.Second
)

// publisher collects the tracks of one pushing peer into a media
type publisher struct {
	t    *Transport
	flow *access.Flow
	log  *logrus.Entry

	mu sync.Mutex
	in *streammanager.ESIngest
}

func (s *Server) preparePush(ctx context.Context, t *Transport, info models.MediaInfo, sender models.SockInfo, log *logrus.Entry) (func(), error) {
	m, err := s.gate.StartPublish(ctx, info, sender)
	if err != nil {
		return nil, err
	}
	p := &publisher{
		t:    t,
		flow: s.gate.NewFlow(info, sender, false),
		log:  log,
		in:   streammanager.NewESIngest(m, trackWindowMS),
	}
	m.OnClose(func() { t.Close() })
	t.OnClose(func() {
		p.mu.Lock()
		if err := p.in.Flush(); err != nil && !errors.Is(err, streammanager.ErrReleased) {
			log.WithError(err).Debug("WebRTC publisher flush failed")
		}
		p.mu.Unlock()
		m.Release()
		p.flow.Done()
	})
	t.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		p.read(track)
	})

	return func() {
		select {
		case <-t.Connected():
			log.Info("WebRTC publisher started")
		case <-t.Done():
		case <-time.After(s.gate.WaitTimeout()):
			log.Warn("WebRTC publisher never connected")
			t.Close()
		}
	}, nil
}

// formatFor maps a negotiated remote codec to an RTP format
func formatFor(track *pion.TrackRemote) (*description.Media, format.Format, bool) {
	pt := uint8(track.PayloadType())
	var forma format.Format
	switch strings.ToLower(track.Codec().MimeType) {
	case strings.ToLower(pion.MimeTypeH264):
		forma = &format.H264{PayloadTyp: pt, PacketizationMode: 1}
	case strings.ToLower(pion.MimeTypeOpus):
		forma = &format.Opus{PayloadTyp: pt}
	case strings.ToLower(pion.MimeTypePCMA):
		forma = &format.G711{PayloadTyp: pt, SampleRate: 8000, ChannelCount: 1}
	case strings.ToLower(pion.MimeTypePCMU):
		forma = &format.G711{PayloadTyp: pt, MULaw: true, SampleRate: 8000, ChannelCount: 1}
	default:
		return nil, nil, false
	}
	mediaType := description.MediaTypeAudio
	if track.Kind() == pion.RTPCodecTypeVideo {
		mediaType = description.MediaTypeVideo
	}
	return &description.Media{Type: mediaType, Formats: []format.Format{forma}}, forma, true
}

func (p *publisher) read(track *pion.TrackRemote) {
	log := p.log.WithField("codec", track.Codec().MimeType)
	medi, forma, ok := formatFor(track)
	var d *rtsp.Depacketizer
	if ok {
		var err error
		if d, err = rtsp.NewDepacketizer(medi, forma); err != nil {
			ok = false
		}
	}
	if !ok {
		log.Warn("WebRTC track not supported, discarding")
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}

	if d.Track.IsVideo() {
		go p.requestKeyFrames(uint32(track.SSRC()))
	}
	log.Debug("WebRTC track receiving")
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.flow.Add(len(pkt.Payload))
		frames, err := d.Frames(pkt)
		if err != nil {
			continue
		}
		if err := p.input(frames, d.Track); err != nil {
			log.WithError(err).Info("WebRTC publisher stopped")
			p.t.Close()
			return
		}
	}
}

func (p *publisher) input(frames []*models.Frame, track models.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range frames {
		var err error
		if f.IsVideo() {
			err = p.in.Video(f)
		} else {
			err = p.in.Audio(f, track.Audio.SampleRate, track.Audio.Channels)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// requestKeyFrames sends picture loss indications until the video track is
// declared
func (p *publisher) requestKeyFrames(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		if err := p.t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			return
		}
		select {
		case <-p.t.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		declared := p.in.HasTrack(true)
		p.mu.Unlock()
		if declared {
			return
		}
	}
}
