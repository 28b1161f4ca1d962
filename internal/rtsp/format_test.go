package rtsp

import (
	"testing"

	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

func TestPacketizersDescribeSupportedTracks(t *testing.T) {
	params := muxer.ParameterSets{
		SPS: [][]byte{{0x67, 0x42, 0x00, 0x1E, 0xAB}},
		PPS: [][]byte{{0x68, 0xCE, 0x3C, 0x80}},
	}
	tracks := []models.Track{
		models.NewVideoTrack(models.CodecH264, 640, 480, 25, 0),
		models.NewAudioTrack(models.CodecAAC, 44100, 2, 16, 0),
		models.NewAudioTrack(models.CodecOpus, 48000, 2, 16, 0),
	}

	desc, packets, err := NewPacketizers(tracks, params)
	require.NoError(t, err)
	require.Len(t, desc.Medias, 2, "opus has no packetizer and is skipped")

	h264, ok := packets[models.CodecH264].Format.(*format.H264)
	require.True(t, ok)
	assert.Equal(t, uint8(96), h264.PayloadTyp)
	assert.Equal(t, params.SPS[0], h264.SPS)

	aac, ok := packets[models.CodecAAC].Format.(*format.MPEG4Audio)
	require.True(t, ok)
	assert.Equal(t, 44100, aac.Config.SampleRate)
	assert.Equal(t, 2, aac.Config.ChannelCount)
}

func TestPacketizersRejectEmpty(t *testing.T) {
	_, _, err := NewPacketizers([]models.Track{models.NewAudioTrack(models.CodecOpus, 48000, 2, 16, 0)}, muxer.ParameterSets{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestG711RoundTrip(t *testing.T) {
	_, packets, err := NewPacketizers([]models.Track{models.NewAudioTrack(models.CodecG711U, 8000, 1, 16, 0)}, muxer.ParameterSets{})
	require.NoError(t, err)
	pk := packets[models.CodecG711U]
	require.NotNil(t, pk)

	dep, err := NewDepacketizer(pk.Media, pk.Format)
	require.NoError(t, err)
	assert.Equal(t, models.CodecG711U, dep.Track.Codec)

	var got []*models.Frame
	for i, pts := range []int64{0, 20, 40} {
		pkts, err := pk.Packets(models.NewFrame(models.CodecG711U, pts, pts, []byte{byte(i), 0xFF}))
		require.NoError(t, err)
		require.Len(t, pkts, 1)
		frames, err := dep.Frames(pkts[0])
		require.NoError(t, err)
		got = append(got, frames...)
	}

	require.Len(t, got, 3)
	for i, f := range got {
		assert.Equal(t, int64(i*20), f.DTS, "timestamps are relative to the first packet")
		assert.Equal(t, []byte{byte(i), 0xFF}, f.Payload)
	}
}

func TestAACRoundTrip(t *testing.T) {
	track := models.NewAudioTrack(models.CodecAAC, 48000, 2, 16, 0)
	_, packets, err := NewPacketizers([]models.Track{track}, muxer.ParameterSets{})
	require.NoError(t, err)
	pk := packets[models.CodecAAC]

	dep, err := NewDepacketizer(pk.Media, pk.Format)
	require.NoError(t, err)
	assert.Equal(t, 48000, dep.Track.Audio.SampleRate)
	assert.NotEmpty(t, dep.Track.Config())

	au := []byte{0x21, 0x10, 0x05, 0x00}
	pkts, err := pk.Packets(models.NewFrame(models.CodecAAC, 0, 0, au))
	require.NoError(t, err)
	require.NotEmpty(t, pkts)

	frames, err := dep.Frames(pkts[0])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, au, frames[0].Payload)
}
