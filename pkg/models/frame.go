package models

import "fmt"

// CodecID identifies the codec of a track or frame
type CodecID int

const (
	CodecH264 CodecID = iota
	CodecH265
	CodecAAC
	CodecG711A
	CodecG711U
	CodecOpus
	CodecL16
	CodecVP8
	CodecVP9
	CodecAV1
	CodecJPEG
	CodecMP3
)

var codecNames = map[CodecID]string{
	CodecH264:  "H264",
	CodecH265:  "H265",
	CodecAAC:   "mpeg4-generic",
	CodecG711A: "PCMA",
	CodecG711U: "PCMU",
	CodecOpus:  "opus",
	CodecL16:   "L16",
	CodecVP8:   "VP8",
	CodecVP9:   "VP9",
	CodecAV1:   "AV1",
	CodecJPEG:  "JPEG",
	CodecMP3:   "MP3",
}

func (c CodecID) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

// IsVideo reports whether the codec carries video
func (c CodecID) IsVideo() bool {
	switch c {
	case CodecH264, CodecH265, CodecVP8, CodecVP9, CodecAV1, CodecJPEG:
		return true
	}
	return false
}

// ParseCodec maps a codec name back to its ID
func ParseCodec(name string) (CodecID, error) {
	for id, n := range codecNames {
		if n == name {
			return id, nil
		}
	}
	switch name {
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	case "aac":
		return CodecAAC, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// VideoParams describes a video track
type VideoParams struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// AudioParams describes an audio track
type AudioParams struct {
	Channels   int `json:"channels"`
	SampleRate int `json:"sampleRate"`
	SampleBit  int `json:"sampleBit"`
}

// Track is an immutable codec descriptor. Exactly one of Video and Audio is set.
type Track struct {
	Codec   CodecID      `json:"codec"`
	Bitrate int          `json:"bitrate"`
	Video   *VideoParams `json:"video,omitempty"`
	Audio   *AudioParams `json:"audio,omitempty"`

	config []byte
}

// NewVideoTrack creates a video track descriptor
func NewVideoTrack(codec CodecID, width, height int, fps float64, bitrate int) Track {
	return Track{
		Codec:   codec,
		Bitrate: bitrate,
		Video:   &VideoParams{Width: width, Height: height, FPS: fps},
	}
}

// NewAudioTrack creates an audio track descriptor
func NewAudioTrack(codec CodecID, sampleRate, channels, sampleBit, bitrate int) Track {
	return Track{
		Codec:   codec,
		Bitrate: bitrate,
		Audio:   &AudioParams{Channels: channels, SampleRate: sampleRate, SampleBit: sampleBit},
	}
}

// WithConfig returns a copy of the track carrying codec extradata
// (AVCDecoderConfigurationRecord, AudioSpecificConfig, ...)
func (t Track) WithConfig(config []byte) Track {
	t.config = append([]byte(nil), config...)
	if t.Video != nil {
		v := *t.Video
		t.Video = &v
	}
	if t.Audio != nil {
		a := *t.Audio
		t.Audio = &a
	}
	return t
}

// Config returns a copy of the codec extradata, or nil
func (t Track) Config() []byte {
	if t.config == nil {
		return nil
	}
	return append([]byte(nil), t.config...)
}

// IsVideo reports whether this is a video track
func (t Track) IsVideo() bool {
	return t.Video != nil
}

func (t Track) String() string {
	if t.Video != nil {
		return fmt.Sprintf("%s %dx%d@%.2f", t.Codec, t.Video.Width, t.Video.Height, t.Video.FPS)
	}
	if t.Audio != nil {
		return fmt.Sprintf("%s %dHz/%dch", t.Codec, t.Audio.SampleRate, t.Audio.Channels)
	}
	return t.Codec.String()
}

// Frame is one timestamped, codec-tagged buffer of encoded media.
// Video payloads are Annex-B access units; DTS and PTS are in milliseconds.
type Frame struct {
	Codec    CodecID
	DTS      int64
	PTS      int64
	Payload  []byte
	KeyFrame bool
}

// NewFrame copies payload so the caller may reuse its buffer
func NewFrame(codec CodecID, dts, pts int64, payload []byte) *Frame {
	return &Frame{
		Codec:   codec,
		DTS:     dts,
		PTS:     pts,
		Payload: append([]byte(nil), payload...),
	}
}

// IsVideo reports whether the frame carries video
func (f *Frame) IsVideo() bool {
	return f.Codec.IsVideo()
}
