package webrtc

import (
	"context"
	"errors"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

var ErrNoPlayableTrack = errors.New("no track of the source can be played over WebRTC")

const playBuffer = 256

// sampleTrack feeds one local track from source frames
type sampleTrack struct {
	local *pion.TrackLocalStaticSample
	video bool
	last  int64
	fresh bool
}

func (st *sampleTrack) duration(pts int64) time.Duration {
	d := pts - st.last
	st.last = pts
	if st.fresh || d <= 0 {
		st.fresh = false
		if st.video {
			return 40 * time.Millisecond
		}
		return 20 * time.Millisecond
	}
	return time.Duration(d) * time.Millisecond
}

// capabilityFor maps a codec to the RTP capability offered to browsers
func capabilityFor(codec models.CodecID) (pion.RTPCodecCapability, bool) {
	switch codec {
	case models.CodecH264:
		return pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, true
	case models.CodecOpus:
		return pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}, true
	case models.CodecG711A:
		return pion.RTPCodecCapability{MimeType: pion.MimeTypePCMA, ClockRate: 8000}, true
	case models.CodecG711U:
		return pion.RTPCodecCapability{MimeType: pion.MimeTypePCMU, ClockRate: 8000}, true
	}
	return pion.RTPCodecCapability{}, false
}

func (s *Server) preparePlay(ctx context.Context, t *Transport, info models.MediaInfo, sender models.SockInfo, log *logrus.Entry) (func(), error) {
	src, err := s.gate.Play(ctx, info, sender)
	if err != nil {
		return nil, err
	}

	tracks := make(map[models.CodecID]*sampleTrack)
	hasVideo, hasAudio := false, false
	for _, track := range src.Tracks() {
		capability, ok := capabilityFor(track.Codec)
		if !ok || (track.IsVideo() && hasVideo) || (!track.IsVideo() && hasAudio) {
			log.WithField("codec", track.Codec.String()).Debug("track not playable over WebRTC")
			continue
		}
		kind := "audio"
		if track.IsVideo() {
			kind = "video"
		}
		local, err := pion.NewTrackLocalStaticSample(capability, kind, info.Stream)
		if err != nil {
			return nil, err
		}
		rtpSender, err := t.pc.AddTrack(local)
		if err != nil {
			return nil, err
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := rtpSender.Read(buf); err != nil {
					return
				}
			}
		}()
		tracks[track.Codec] = &sampleTrack{local: local, video: track.IsVideo(), fresh: true}
		hasVideo = hasVideo || track.IsVideo()
		hasAudio = hasAudio || !track.IsVideo()
	}
	if len(tracks) == 0 {
		return nil, ErrNoPlayableTrack
	}

	return func() {
		select {
		case <-t.Connected():
		case <-t.Done():
			return
		case <-time.After(s.gate.WaitTimeout()):
			log.Warn("WebRTC player never connected")
			t.Close()
			return
		}
		defer t.Close()

		reader, err := src.AddReader(models.SchemaRTC, playBuffer)
		if err != nil {
			log.WithError(err).Debug("WebRTC player lost its source")
			return
		}
		defer reader.Close()

		flow := s.gate.NewFlow(info, sender, true)
		defer flow.Done()

		log.Info("WebRTC player started")
		writeSamples(t, reader, tracks, hasVideo, src.ParameterSets(), flow)
		log.Info("WebRTC player stopped")
	}, nil
}

func writeSamples(t *Transport, reader *streammanager.Reader, tracks map[models.CodecID]*sampleTrack, waitKey bool, params muxer.ParameterSets, flow *access.Flow) {
	for {
		var f *models.Frame
		select {
		case <-t.Done():
			return
		case next, ok := <-reader.C:
			if !ok {
				return
			}
			f = next
		}

		st := tracks[f.Codec]
		if st == nil {
			continue
		}
		payload := f.Payload
		if st.video {
			if f.KeyFrame {
				waitKey = false
				if !muxer.ExtractParameterSets(f.Codec, payload).Complete(f.Codec) && params.Complete(f.Codec) {
					payload = muxer.PrependParameterSets(payload, params)
				}
			}
		}
		if waitKey {
			continue
		}
		if err := st.local.WriteSample(media.Sample{Data: payload, Duration: st.duration(f.PTS)}); err != nil {
			return
		}
		flow.Add(len(payload))
	}
}
