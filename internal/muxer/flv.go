package muxer

import (
	"bytes"
	"fmt"
	"io"

	flvtag "github.com/yutopp/go-flv/tag"

	"mediakit/pkg/models"
)

// Legacy (non enhanced-RTMP) codec ids
const (
	flvCodecIDHEVC  flvtag.CodecID     = 12
	flvSoundG711A   flvtag.SoundFormat = 7
	flvSoundG711U   flvtag.SoundFormat = 8
	flvSoundMP3     flvtag.SoundFormat = 2
	flvAVCPacketHdr                    = 4 // packet type + composition time
)

// FLVTagger turns frames of one source into FLV tags, emitting codec
// sequence headers before the first media tag of each track.
type FLVTagger struct {
	video  *models.Track
	audio  *models.Track
	params ParameterSets

	videoHeaderSent bool
	audioHeaderSent bool
}

// NewFLVTagger creates a tagger for the given tracks
func NewFLVTagger(tracks []models.Track, params ParameterSets) *FLVTagger {
	t := &FLVTagger{params: params}
	for i := range tracks {
		tr := tracks[i]
		if tr.IsVideo() && t.video == nil {
			t.video = &tr
		} else if !tr.IsVideo() && t.audio == nil {
			t.audio = &tr
		}
	}
	return t
}

// Tags returns the FLV tags carrying f. A nil result means the frame was
// skipped, e.g. video before the first key frame.
func (t *FLVTagger) Tags(f *models.Frame) ([]*flvtag.FlvTag, error) {
	if f.IsVideo() {
		return t.videoTags(f)
	}
	return t.audioTags(f)
}

func (t *FLVTagger) videoTags(f *models.Frame) ([]*flvtag.FlvTag, error) {
	if f.Codec != models.CodecH264 && f.Codec != models.CodecH265 {
		return nil, fmt.Errorf("codec %s not supported over FLV", f.Codec)
	}
	codecID := flvtag.CodecIDAVC
	if f.Codec == models.CodecH265 {
		codecID = flvCodecIDHEVC
	}

	var tags []*flvtag.FlvTag
	if !t.videoHeaderSent {
		if !f.KeyFrame {
			return nil, nil
		}
		config, err := t.videoConfig(f)
		if err != nil {
			return nil, err
		}
		tags = append(tags, &flvtag.FlvTag{
			TagType:   flvtag.TagTypeVideo,
			Timestamp: uint32(f.DTS),
			Data:      videoData(codecID, flvtag.FrameTypeKeyFrame, flvtag.AVCPacketTypeSequenceHeader, 0, config),
		})
		t.videoHeaderSent = true
	}

	payload := ConvertAnnexBToAVCC(f.Codec, f.Payload, true)
	if len(payload) == 0 {
		return tags, nil
	}
	frameType := flvtag.FrameTypeInterFrame
	if f.KeyFrame {
		frameType = flvtag.FrameTypeKeyFrame
	}
	tags = append(tags, &flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: uint32(f.DTS),
		Data:      videoData(codecID, frameType, flvtag.AVCPacketTypeNALU, int32(f.PTS-f.DTS), payload),
	})
	return tags, nil
}

// videoData builds a tag body. go-flv only writes the packet type and
// composition time for AVC, so HEVC carries them inline.
func videoData(codecID flvtag.CodecID, frameType flvtag.FrameType, packetType flvtag.AVCPacketType, cts int32, data []byte) *flvtag.VideoData {
	if codecID != flvCodecIDHEVC {
		return &flvtag.VideoData{
			FrameType:       frameType,
			CodecID:         codecID,
			AVCPacketType:   packetType,
			CompositionTime: cts,
			Data:            bytes.NewReader(data),
		}
	}
	body := make([]byte, flvAVCPacketHdr, flvAVCPacketHdr+len(data))
	body[0] = byte(packetType)
	body[1] = byte(cts >> 16)
	body[2] = byte(cts >> 8)
	body[3] = byte(cts)
	return &flvtag.VideoData{
		FrameType: frameType,
		CodecID:   codecID,
		Data:      bytes.NewReader(append(body, data...)),
	}
}

func (t *FLVTagger) videoConfig(f *models.Frame) ([]byte, error) {
	if t.video != nil {
		if config := t.video.Config(); len(config) > 0 {
			return config, nil
		}
	}
	if f.Codec == models.CodecH265 {
		return nil, fmt.Errorf("no hvcC available for H265 track")
	}
	params := t.params
	if !params.Complete(f.Codec) {
		params = ExtractParameterSets(f.Codec, f.Payload)
	}
	return BuildAVCDecoderConfigurationRecord(params.SPS, params.PPS)
}

func (t *FLVTagger) audioTags(f *models.Frame) ([]*flvtag.FlvTag, error) {
	var tags []*flvtag.FlvTag
	audio := &flvtag.AudioData{
		SoundRate: flvtag.SoundRate44kHz,
		SoundSize: flvtag.SoundSize16Bit,
		SoundType: flvtag.SoundTypeStereo,
	}

	switch f.Codec {
	case models.CodecAAC:
		audio.SoundFormat = flvtag.SoundFormatAAC
		if !t.audioHeaderSent {
			header := *audio
			header.AACPacketType = flvtag.AACPacketTypeSequenceHeader
			header.Data = bytes.NewReader(t.aacConfig())
			tags = append(tags, &flvtag.FlvTag{
				TagType:   flvtag.TagTypeAudio,
				Timestamp: uint32(f.DTS),
				Data:      &header,
			})
			t.audioHeaderSent = true
		}
		audio.AACPacketType = flvtag.AACPacketTypeRaw
		audio.Data = bytes.NewReader(StripADTS(f.Payload))
	case models.CodecG711A, models.CodecG711U:
		audio.SoundFormat = flvSoundG711A
		if f.Codec == models.CodecG711U {
			audio.SoundFormat = flvSoundG711U
		}
		audio.SoundRate = flvtag.SoundRate5_5kHz
		audio.SoundType = flvtag.SoundTypeMono
		audio.Data = bytes.NewReader(f.Payload)
	case models.CodecMP3:
		audio.SoundFormat = flvSoundMP3
		audio.Data = bytes.NewReader(f.Payload)
	default:
		return nil, fmt.Errorf("codec %s not supported over FLV", f.Codec)
	}

	tags = append(tags, &flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: uint32(f.DTS),
		Data:      audio,
	})
	return tags, nil
}

func (t *FLVTagger) aacConfig() []byte {
	if t.audio != nil {
		if config := t.audio.Config(); len(config) > 0 {
			return config
		}
		if t.audio.Audio != nil {
			return BuildAACConfig(t.audio.Audio.SampleRate, t.audio.Audio.Channels)
		}
	}
	return BuildAACConfig(44100, 2)
}

// EncodeTagBody serialises the payload of an audio or video tag, the form
// RTMP carries in its audio/video messages.
func EncodeTagBody(tag *flvtag.FlvTag) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	switch data := tag.Data.(type) {
	case *flvtag.VideoData:
		if err := flvtag.EncodeVideoData(buf, data); err != nil {
			return nil, fmt.Errorf("failed to encode video tag: %w", err)
		}
	case *flvtag.AudioData:
		if err := flvtag.EncodeAudioData(buf, data); err != nil {
			return nil, fmt.Errorf("failed to encode audio tag: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported tag data %T", tag.Data)
	}
	return buf, nil
}

// VideoPacket is a decoded FLV video tag body
type VideoPacket struct {
	Codec           models.CodecID
	KeyFrame        bool
	SequenceHeader  bool
	CompositionTime int32
	Data            []byte
}

// DecodeVideoPacket parses an FLV video tag body (AVC or legacy HEVC)
func DecodeVideoPacket(r io.Reader) (*VideoPacket, error) {
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(r, &video); err != nil {
		return nil, fmt.Errorf("failed to decode video tag: %w", err)
	}
	return NewVideoPacket(&video)
}

// NewVideoPacket converts video data decoded by go-flv, as read from an
// FLV file or HTTP-FLV stream
func NewVideoPacket(video *flvtag.VideoData) (*VideoPacket, error) {
	data, err := io.ReadAll(video.Data)
	if err != nil {
		return nil, err
	}

	pkt := &VideoPacket{KeyFrame: video.FrameType == flvtag.FrameTypeKeyFrame}
	switch video.CodecID {
	case flvtag.CodecIDAVC:
		pkt.Codec = models.CodecH264
		pkt.SequenceHeader = video.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader
		pkt.CompositionTime = video.CompositionTime
		pkt.Data = data
	case flvCodecIDHEVC:
		if len(data) < flvAVCPacketHdr {
			return nil, fmt.Errorf("HEVC packet too short: %d bytes", len(data))
		}
		pkt.Codec = models.CodecH265
		pkt.SequenceHeader = data[0] == 0
		cts := int32(data[1])<<16 | int32(data[2])<<8 | int32(data[3])
		pkt.CompositionTime = (cts << 8) >> 8
		pkt.Data = data[flvAVCPacketHdr:]
	default:
		return nil, fmt.Errorf("unsupported FLV video codec %d", video.CodecID)
	}
	return pkt, nil
}

// AudioPacket is a decoded FLV audio tag body
type AudioPacket struct {
	Codec          models.CodecID
	SequenceHeader bool
	SampleRate     int
	Channels       int
	Data           []byte
}

// DecodeAudioPacket parses an FLV audio tag body
func DecodeAudioPacket(r io.Reader) (*AudioPacket, error) {
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(r, &audio); err != nil {
		return nil, fmt.Errorf("failed to decode audio tag: %w", err)
	}
	return NewAudioPacket(&audio)
}

// NewAudioPacket converts audio data decoded by go-flv
func NewAudioPacket(audio *flvtag.AudioData) (*AudioPacket, error) {
	data, err := io.ReadAll(audio.Data)
	if err != nil {
		return nil, err
	}

	pkt := &AudioPacket{Data: data, SampleRate: 44100, Channels: 2}
	if audio.SoundType == flvtag.SoundTypeMono {
		pkt.Channels = 1
	}
	switch audio.SoundFormat {
	case flvtag.SoundFormatAAC:
		pkt.Codec = models.CodecAAC
		pkt.SequenceHeader = audio.AACPacketType == flvtag.AACPacketTypeSequenceHeader
		if pkt.SequenceHeader {
			if rate, ch, err := ParseAACConfig(data); err == nil {
				pkt.SampleRate, pkt.Channels = rate, ch
			}
		}
	case flvSoundG711A:
		pkt.Codec, pkt.SampleRate = models.CodecG711A, 8000
	case flvSoundG711U:
		pkt.Codec, pkt.SampleRate = models.CodecG711U, 8000
	case flvSoundMP3:
		pkt.Codec = models.CodecMP3
	default:
		return nil, fmt.Errorf("unsupported FLV sound format %d", audio.SoundFormat)
	}
	return pkt, nil
}
