package mpegts

import (
	"context"
	"fmt"
	"io"

	"github.com/asticode/go-astits"

	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

const (
	videoPID uint16 = 256
	audioPID uint16 = 257

	videoStreamID uint8 = 0xE0
	audioStreamID uint8 = 0xC0
)

// Muxer writes frames of a fixed track set as a transport stream
type Muxer struct {
	mux      *astits.Muxer
	pids     map[models.CodecID]uint16
	audio    models.Track
	params   muxer.ParameterSets
	hasVideo bool
}

// NewMuxer declares one elementary stream per supported track. Video
// parameter sets are repeated in front of key frames that lack them.
func NewMuxer(ctx context.Context, w io.Writer, tracks []models.Track, params muxer.ParameterSets) (*Muxer, error) {
	m := &Muxer{
		mux:    astits.NewMuxer(ctx, w),
		pids:   make(map[models.CodecID]uint16),
		params: params,
	}

	pcrPID := uint16(0)
	for _, t := range tracks {
		st, ok := streamTypeFor(t.Codec)
		if !ok {
			continue
		}
		pid := audioPID
		if t.IsVideo() {
			if m.hasVideo {
				continue
			}
			pid = videoPID
			m.hasVideo = true
			pcrPID = videoPID
		} else {
			if _, dup := m.pids[t.Codec]; dup || m.audio.Audio != nil {
				continue
			}
			m.audio = t
			if pcrPID == 0 {
				pcrPID = audioPID
			}
		}
		if err := m.mux.AddElementaryStream(astits.PMTElementaryStream{ElementaryPID: pid, StreamType: st}); err != nil {
			return nil, fmt.Errorf("failed to add elementary stream: %w", err)
		}
		m.pids[t.Codec] = pid
	}
	if len(m.pids) == 0 {
		return nil, fmt.Errorf("no track can be carried in MPEG-TS")
	}
	m.mux.SetPCRPID(pcrPID)
	return m, nil
}

// HasVideo reports whether a video stream was declared
func (m *Muxer) HasVideo() bool {
	return m.hasVideo
}

// WriteTables emits PAT and PMT, as done at the start of every segment
func (m *Muxer) WriteTables() (int, error) {
	return m.mux.WriteTables()
}

// WriteFrame writes f as one PES packet. Frames of undeclared codecs are
// skipped.
func (m *Muxer) WriteFrame(f *models.Frame) (int, error) {
	pid, ok := m.pids[f.Codec]
	if !ok {
		return 0, nil
	}

	data := f.Payload
	streamID := audioStreamID
	af := &astits.PacketAdaptationField{}
	if f.IsVideo() {
		streamID = videoStreamID
		if f.KeyFrame {
			af.RandomAccessIndicator = true
			if !muxer.ExtractParameterSets(f.Codec, data).Complete(f.Codec) && m.params.Complete(f.Codec) {
				data = muxer.PrependParameterSets(data, m.params)
			}
		}
	} else {
		af.RandomAccessIndicator = !m.hasVideo
		if f.Codec == models.CodecAAC && !muxer.IsADTS(data) {
			header := muxer.ADTSHeader(m.audio.Audio.SampleRate, m.audio.Audio.Channels, len(data))
			data = append(header, data...)
		}
	}

	opt := &astits.PESOptionalHeader{
		MarkerBits:      2,
		PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
		PTS:             &astits.ClockReference{Base: f.PTS * clockRate},
	}
	if f.DTS != f.PTS {
		opt.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
		opt.DTS = &astits.ClockReference{Base: f.DTS * clockRate}
	}
	if pid == videoPID || !m.hasVideo {
		af.HasPCR = true
		af.PCR = &astits.ClockReference{Base: f.DTS * clockRate}
	}

	return m.mux.WriteData(&astits.MuxerData{
		PID:             pid,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: opt,
				StreamID:       streamID,
			},
			Data: data,
		},
	})
}
