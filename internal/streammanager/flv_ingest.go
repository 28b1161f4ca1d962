package streammanager

import (
	"github.com/sirupsen/logrus"

	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

// FLVIngest feeds a media from FLV audio/video packets, the payload format
// shared by RTMP, HTTP-FLV and FLV files. Tracks are taken from the
// sequence headers. Not safe for concurrent use.
type FLVIngest struct {
	*Ingest
	params     muxer.ParameterSets
	lengthSize int
	log        *logrus.Entry
}

// NewFLVIngest wraps media with a track window in milliseconds
func NewFLVIngest(media *Media, window int64) *FLVIngest {
	return &FLVIngest{
		Ingest:     NewIngest(media, window),
		lengthSize: 4,
		log:        logrus.WithField("key", media.Key().String()),
	}
}

// Video handles one decoded video tag
func (i *FLVIngest) Video(ts uint32, pkt *muxer.VideoPacket) error {
	if pkt.SequenceHeader {
		return i.videoHeader(pkt)
	}
	if !i.HasTrack(true) {
		return nil
	}

	annexB, err := muxer.ConvertAVCCToAnnexB(pkt.Data, i.lengthSize)
	if err != nil {
		i.log.WithError(err).Debug("bad AVCC payload")
		return nil
	}
	if pkt.KeyFrame && len(muxer.ExtractParameterSets(pkt.Codec, annexB).SPS) == 0 {
		annexB = muxer.PrependParameterSets(annexB, i.params)
	}
	return i.feed(&models.Frame{
		Codec:    pkt.Codec,
		DTS:      int64(ts),
		PTS:      int64(ts) + int64(pkt.CompositionTime),
		Payload:  annexB,
		KeyFrame: pkt.KeyFrame,
	}, i.log)
}

func (i *FLVIngest) videoHeader(pkt *muxer.VideoPacket) error {
	switch pkt.Codec {
	case models.CodecH264:
		record, err := muxer.ParseAVCDecoderConfigurationRecord(pkt.Data)
		if err != nil {
			i.log.WithError(err).Warn("bad AVC sequence header")
			return nil
		}
		i.params = muxer.ParameterSets{SPS: record.SPS, PPS: record.PPS}
		i.lengthSize = int(record.NALUnitLength)
	case models.CodecH265:
		params, lengthSize, err := muxer.ParseHEVCDecoderConfigurationRecord(pkt.Data)
		if err != nil {
			i.log.WithError(err).Warn("bad HEVC sequence header")
			return nil
		}
		i.params = params
		i.lengthSize = lengthSize
	}

	var width, height int
	if len(i.params.SPS) > 0 {
		width, height = muxer.VideoSize(pkt.Codec, i.params.SPS[0])
	}
	return i.AddTrack(models.NewVideoTrack(pkt.Codec, width, height, 0, 0).WithConfig(pkt.Data))
}

// Audio handles one decoded audio tag
func (i *FLVIngest) Audio(ts uint32, pkt *muxer.AudioPacket) error {
	if pkt.SequenceHeader {
		track := models.NewAudioTrack(pkt.Codec, pkt.SampleRate, pkt.Channels, 16, 0).WithConfig(pkt.Data)
		return i.AddTrack(track)
	}
	if !i.HasTrack(false) {
		// AAC needs its AudioSpecificConfig first
		if pkt.Codec == models.CodecAAC {
			return nil
		}
		if err := i.AddTrack(models.NewAudioTrack(pkt.Codec, pkt.SampleRate, pkt.Channels, 16, 0)); err != nil {
			return err
		}
	}
	return i.feed(&models.Frame{
		Codec:   pkt.Codec,
		DTS:     int64(ts),
		PTS:     int64(ts),
		Payload: pkt.Data,
	}, i.log)
}
