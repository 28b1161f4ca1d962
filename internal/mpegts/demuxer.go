// Package mpegts converts between MPEG transport streams and frames.
// Timestamps on frames are milliseconds; the transport uses the 90 kHz clock.
package mpegts

import (
	"context"
	"errors"
	"io"

	"github.com/asticode/go-astits"
	"github.com/sirupsen/logrus"

	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

// Elementary stream types carried in the PMT. G.711 has no ISO value;
// 0x90/0x91 are the private types GB28181 devices use.
const (
	StreamTypeAAC   astits.StreamType = 0x0F
	StreamTypeH264  astits.StreamType = 0x1B
	StreamTypeH265  astits.StreamType = 0x24
	StreamTypeG711A astits.StreamType = 0x90
	StreamTypeG711U astits.StreamType = 0x91
)

const clockRate = 90 // ticks per millisecond

// ErrEnd is returned by Demuxer.Next once the stream is exhausted
var ErrEnd = errors.New("end of transport stream")

func codecFor(st astits.StreamType) (models.CodecID, bool) {
	switch st {
	case StreamTypeH264:
		return models.CodecH264, true
	case StreamTypeH265:
		return models.CodecH265, true
	case StreamTypeAAC:
		return models.CodecAAC, true
	case StreamTypeG711A:
		return models.CodecG711A, true
	case StreamTypeG711U:
		return models.CodecG711U, true
	}
	return 0, false
}

func streamTypeFor(codec models.CodecID) (astits.StreamType, bool) {
	switch codec {
	case models.CodecH264:
		return StreamTypeH264, true
	case models.CodecH265:
		return StreamTypeH265, true
	case models.CodecAAC:
		return StreamTypeAAC, true
	case models.CodecG711A:
		return StreamTypeG711A, true
	case models.CodecG711U:
		return StreamTypeG711U, true
	}
	return 0, false
}

// Packet is the content of one PES packet. SampleRate and Channels are
// only known for AAC, from its ADTS headers.
type Packet struct {
	Codec      models.CodecID
	Frames     []*models.Frame
	SampleRate int
	Channels   int
}

// Demuxer reads frames out of a transport stream
type Demuxer struct {
	dmx     *astits.Demuxer
	streams map[uint16]models.CodecID
	origin  int64
	started bool
	log     *logrus.Entry
}

// NewDemuxer reads from r until ctx is done or r ends
func NewDemuxer(ctx context.Context, r io.Reader) *Demuxer {
	return &Demuxer{
		dmx:     astits.NewDemuxer(ctx, r),
		streams: make(map[uint16]models.CodecID),
		log:     logrus.WithField("component", "mpegts"),
	}
}

// Next returns the next PES packet of a supported elementary stream
func (d *Demuxer) Next() (*Packet, error) {
	for {
		data, err := d.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return nil, ErrEnd
			}
			return nil, err
		}

		if data.PMT != nil {
			for _, es := range data.PMT.ElementaryStreams {
				if codec, ok := codecFor(es.StreamType); ok {
					d.streams[es.ElementaryPID] = codec
				} else {
					d.log.WithField("stream_type", es.StreamType).Debug("ignoring elementary stream")
				}
			}
			continue
		}
		if data.PES == nil {
			continue
		}
		codec, ok := d.streams[data.PID]
		if !ok {
			continue
		}
		if pkt := d.packet(codec, data.PES); pkt != nil {
			return pkt, nil
		}
	}
}

func (d *Demuxer) packet(codec models.CodecID, pes *astits.PESData) *Packet {
	if pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.PTS == nil || len(pes.Data) == 0 {
		return nil
	}
	opt := pes.Header.OptionalHeader
	pts := opt.PTS.Base
	dts := pts
	if opt.DTS != nil {
		dts = opt.DTS.Base
	}
	if !d.started {
		d.started = true
		d.origin = dts
	}
	dtsMS := (dts - d.origin) / clockRate
	ptsMS := (pts - d.origin) / clockRate

	pkt := &Packet{Codec: codec}
	switch codec {
	case models.CodecH264, models.CodecH265:
		f := models.NewFrame(codec, dtsMS, ptsMS, pes.Data)
		f.KeyFrame = muxer.IsKeyFrame(codec, f.Payload)
		pkt.Frames = []*models.Frame{f}

	case models.CodecAAC:
		frames, err := muxer.SplitADTS(pes.Data)
		if len(frames) == 0 {
			d.log.WithError(err).Debug("dropping AAC PES without ADTS frames")
			return nil
		}
		pkt.SampleRate, pkt.Channels = frames[0].SampleRate, frames[0].Channels
		for i, af := range frames {
			at := dtsMS + int64(i*1024*1000/af.SampleRate)
			pkt.Frames = append(pkt.Frames, models.NewFrame(codec, at, at, af.Payload))
		}

	default:
		pkt.Frames = []*models.Frame{models.NewFrame(codec, dtsMS, ptsMS, pes.Data)}
	}
	return pkt
}
