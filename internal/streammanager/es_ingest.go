package streammanager

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"mediakit/internal/mpegts"
	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

// ESIngest feeds a media from elementary stream frames whose tracks are
// only described in band. A video track is declared at the first key frame
// that carries complete parameter sets, an audio track at its first frame.
// Used for MPEG-TS, RTP and WebRTC publishers. Not safe for concurrent use.
type ESIngest struct {
	*Ingest
	log *logrus.Entry
}

// NewESIngest wraps media with a track window in milliseconds
func NewESIngest(media *Media, window int64) *ESIngest {
	return &ESIngest{
		Ingest: NewIngest(media, window),
		log:    logrus.WithField("key", media.Key().String()),
	}
}

// Video handles one Annex-B access unit
func (i *ESIngest) Video(f *models.Frame) error {
	if !i.HasTrack(true) {
		if !f.KeyFrame {
			return nil
		}
		params := muxer.ExtractParameterSets(f.Codec, f.Payload)
		if !params.Complete(f.Codec) {
			return nil
		}
		width, height := muxer.VideoSize(f.Codec, params.SPS[0])
		track := models.NewVideoTrack(f.Codec, width, height, 0, 0)
		if f.Codec == models.CodecH264 {
			if record, err := muxer.BuildAVCDecoderConfigurationRecord(params.SPS, params.PPS); err == nil {
				track = track.WithConfig(record)
			}
		}
		if err := i.AddTrack(track); err != nil {
			return err
		}
	}
	return i.feed(f, i.log)
}

// Audio handles one raw audio frame. sampleRate and channels describe the
// track when this is the first frame.
func (i *ESIngest) Audio(f *models.Frame, sampleRate, channels int) error {
	if !i.HasTrack(false) {
		track := models.NewAudioTrack(f.Codec, sampleRate, channels, 16, 0)
		if f.Codec == models.CodecAAC {
			track = track.WithConfig(muxer.BuildAACConfig(sampleRate, channels))
		}
		if err := i.AddTrack(track); err != nil {
			return err
		}
	}
	return i.feed(f, i.log)
}

// ReadTS demuxes a transport stream into the media until r ends, ctx is
// done or the media goes away. onPacket runs after every PES packet.
func (i *ESIngest) ReadTS(ctx context.Context, r io.Reader, onPacket func()) error {
	dmx := mpegts.NewDemuxer(ctx, r)
	for {
		pkt, err := dmx.Next()
		if err != nil {
			if errors.Is(err, mpegts.ErrEnd) {
				return i.Flush()
			}
			return err
		}
		for _, f := range pkt.Frames {
			if f.IsVideo() {
				err = i.Video(f)
			} else {
				sampleRate, channels := pkt.SampleRate, pkt.Channels
				if sampleRate == 0 {
					sampleRate, channels = 8000, 1
				}
				err = i.Audio(f, sampleRate, channels)
			}
			if err != nil {
				return err
			}
		}
		if onPacket != nil {
			onPacket()
		}
	}
}
