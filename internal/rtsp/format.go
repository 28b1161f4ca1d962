package rtsp

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/pion/rtp"

	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

// ErrUnsupportedFormat is returned for RTP formats that cannot be mapped to a track
var ErrUnsupportedFormat = errors.New("unsupported RTP format")

// aacSamplesPerFrame is the AAC-LC access unit length
const aacSamplesPerFrame = 1024

// Depacketizer turns the RTP packets of one format into frames
type Depacketizer struct {
	Media  *description.Media
	Format format.Format
	Track  models.Track

	clockRate int
	decode    func(*rtp.Packet) ([][]byte, error)
	params    muxer.ParameterSets
	base      uint32
	started   bool
}

// NewDepacketizer maps a described format to a track and a decoder
func NewDepacketizer(medi *description.Media, forma format.Format) (*Depacketizer, error) {
	d := &Depacketizer{Media: medi, Format: forma, clockRate: forma.ClockRate()}

	switch f := forma.(type) {
	case *format.H264:
		dec, err := f.CreateDecoder()
		if err != nil {
			return nil, err
		}
		d.decode = dec.Decode
		track := models.NewVideoTrack(models.CodecH264, 0, 0, 0, 0)
		if len(f.SPS) > 0 && len(f.PPS) > 0 {
			d.params = muxer.ParameterSets{SPS: [][]byte{f.SPS}, PPS: [][]byte{f.PPS}}
			w, h := muxer.VideoSize(models.CodecH264, f.SPS)
			track = models.NewVideoTrack(models.CodecH264, w, h, 0, 0)
			if record, err := muxer.BuildAVCDecoderConfigurationRecord(d.params.SPS, d.params.PPS); err == nil {
				track = track.WithConfig(record)
			}
		}
		d.Track = track

	case *format.H265:
		dec, err := f.CreateDecoder()
		if err != nil {
			return nil, err
		}
		d.decode = dec.Decode
		if len(f.VPS) > 0 && len(f.SPS) > 0 && len(f.PPS) > 0 {
			d.params = muxer.ParameterSets{VPS: [][]byte{f.VPS}, SPS: [][]byte{f.SPS}, PPS: [][]byte{f.PPS}}
		}
		d.Track = models.NewVideoTrack(models.CodecH265, 0, 0, 0, 0)

	case *format.MPEG4Audio:
		if f.Config == nil {
			return nil, fmt.Errorf("%w: MPEG-4 audio without config", ErrUnsupportedFormat)
		}
		dec, err := f.CreateDecoder()
		if err != nil {
			return nil, err
		}
		d.decode = dec.Decode
		track := models.NewAudioTrack(models.CodecAAC, f.Config.SampleRate, f.Config.ChannelCount, 16, 0)
		if asc, err := f.Config.Marshal(); err == nil {
			track = track.WithConfig(asc)
		}
		d.Track = track

	case *format.G711:
		codec := models.CodecG711A
		if f.MULaw {
			codec = models.CodecG711U
		}
		d.decode = func(pkt *rtp.Packet) ([][]byte, error) {
			return [][]byte{pkt.Payload}, nil
		}
		d.Track = models.NewAudioTrack(codec, 8000, 1, 16, 0)

	case *format.Opus:
		d.decode = func(pkt *rtp.Packet) ([][]byte, error) {
			return [][]byte{pkt.Payload}, nil
		}
		d.Track = models.NewAudioTrack(models.CodecOpus, 48000, 2, 16, 0)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, forma.Codec())
	}
	return d, nil
}

func (d *Depacketizer) millis(ts uint32) int64 {
	if !d.started {
		d.started = true
		d.base = ts
	}
	return int64(ts-d.base) * 1000 / int64(d.clockRate)
}

// Frames decodes pkt. Packets that only complete part of a frame yield nothing.
func (d *Depacketizer) Frames(pkt *rtp.Packet) ([]*models.Frame, error) {
	units, err := d.decode(pkt)
	if err != nil || len(units) == 0 {
		return nil, err
	}
	ts := d.millis(pkt.Timestamp)
	codec := d.Track.Codec

	if d.Track.IsVideo() {
		au := joinAnnexB(units)
		key := muxer.IsKeyFrame(codec, au)
		if key && !muxer.ExtractParameterSets(codec, au).Complete(codec) && d.params.Complete(codec) {
			au = muxer.PrependParameterSets(au, d.params)
		}
		return []*models.Frame{{Codec: codec, DTS: ts, PTS: ts, Payload: au, KeyFrame: key}}, nil
	}

	frames := make([]*models.Frame, 0, len(units))
	for i, unit := range units {
		at := ts
		if codec == models.CodecAAC && d.Track.Audio.SampleRate > 0 {
			at += int64(i*aacSamplesPerFrame) * 1000 / int64(d.Track.Audio.SampleRate)
		}
		frames = append(frames, &models.Frame{Codec: codec, DTS: at, PTS: at, Payload: unit})
	}
	return frames, nil
}

func joinAnnexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(muxer.StartCode4) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, muxer.StartCode4...)
		out = append(out, n...)
	}
	return out
}

// Packetizer turns the frames of one track into RTP packets
type Packetizer struct {
	Media  *description.Media
	Format format.Format
	Codec  models.CodecID

	clockRate int
	encode    func(*models.Frame) ([]*rtp.Packet, error)
	initialTS uint32
}

// Packets encodes f and stamps the packets with its presentation time
func (p *Packetizer) Packets(f *models.Frame) ([]*rtp.Packet, error) {
	pkts, err := p.encode(f)
	if err != nil {
		return nil, err
	}
	ts := p.initialTS + uint32(f.PTS*int64(p.clockRate)/1000)
	for _, pkt := range pkts {
		pkt.Timestamp = ts
	}
	return pkts, nil
}

// NewPacketizers builds a session description for tracks with one
// packetizer per supported track. Unsupported tracks are skipped.
func NewPacketizers(tracks []models.Track, params muxer.ParameterSets) (*description.Session, map[models.CodecID]*Packetizer, error) {
	desc := &description.Session{}
	out := make(map[models.CodecID]*Packetizer)

	for _, t := range tracks {
		p, err := newPacketizer(t, params)
		if err != nil {
			continue
		}
		mediaType := description.MediaTypeAudio
		if t.IsVideo() {
			mediaType = description.MediaTypeVideo
		}
		p.Media = &description.Media{Type: mediaType, Formats: []format.Format{p.Format}}
		desc.Medias = append(desc.Medias, p.Media)
		out[t.Codec] = p
	}
	if len(desc.Medias) == 0 {
		return nil, nil, fmt.Errorf("%w: no track can be carried over RTP", ErrUnsupportedFormat)
	}
	return desc, out, nil
}

func newPacketizer(t models.Track, params muxer.ParameterSets) (*Packetizer, error) {
	p := &Packetizer{Codec: t.Codec, initialTS: rand.Uint32()}

	switch t.Codec {
	case models.CodecH264:
		forma := &format.H264{PayloadTyp: 96, PacketizationMode: 1}
		if len(params.SPS) > 0 && len(params.PPS) > 0 {
			forma.SPS, forma.PPS = params.SPS[0], params.PPS[0]
		}
		enc, err := forma.CreateEncoder()
		if err != nil {
			return nil, err
		}
		p.Format = forma
		p.encode = func(f *models.Frame) ([]*rtp.Packet, error) { return enc.Encode(muxer.SplitAnnexB(f.Payload)) }

	case models.CodecH265:
		forma := &format.H265{PayloadTyp: 97}
		if params.Complete(models.CodecH265) {
			forma.VPS, forma.SPS, forma.PPS = params.VPS[0], params.SPS[0], params.PPS[0]
		}
		enc, err := forma.CreateEncoder()
		if err != nil {
			return nil, err
		}
		p.Format = forma
		p.encode = func(f *models.Frame) ([]*rtp.Packet, error) { return enc.Encode(muxer.SplitAnnexB(f.Payload)) }

	case models.CodecAAC:
		forma := &format.MPEG4Audio{
			PayloadTyp: 98,
			Config: &mpeg4audio.Config{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   t.Audio.SampleRate,
				ChannelCount: t.Audio.Channels,
			},
			SizeLength:       13,
			IndexLength:      3,
			IndexDeltaLength: 3,
		}
		enc, err := forma.CreateEncoder()
		if err != nil {
			return nil, err
		}
		p.Format = forma
		p.encode = func(f *models.Frame) ([]*rtp.Packet, error) {
			return enc.Encode([][]byte{muxer.StripADTS(f.Payload)})
		}

	case models.CodecG711A, models.CodecG711U:
		mulaw := t.Codec == models.CodecG711U
		forma := &format.G711{PayloadTyp: 8, MULaw: mulaw, SampleRate: 8000, ChannelCount: 1}
		if mulaw {
			forma.PayloadTyp = 0
		}
		p.Format = forma
		seq := uint16(rand.Uint32())
		ssrc := rand.Uint32()
		p.encode = func(f *models.Frame) ([]*rtp.Packet, error) {
			seq++
			return []*rtp.Packet{{
				Header: rtp.Header{
					Version:        2,
					Marker:         true,
					PayloadType:    forma.PayloadTyp,
					SequenceNumber: seq,
					SSRC:           ssrc,
				},
				Payload: f.Payload,
			}}, nil
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, t.Codec)
	}
	p.clockRate = p.Format.ClockRate()
	return p, nil
}
