package mpegts

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xAB}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21, 0x00, 0x10}
	testP   = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x22, 0x10}
)

func TestMuxerRejectsUnsupportedTracks(t *testing.T) {
	_, err := NewMuxer(context.Background(), &bytes.Buffer{},
		[]models.Track{models.NewAudioTrack(models.CodecOpus, 48000, 2, 16, 0)}, muxer.ParameterSets{})
	assert.Error(t, err)
}

func TestMuxDemux(t *testing.T) {
	tracks := []models.Track{
		models.NewVideoTrack(models.CodecH264, 0, 0, 25, 0),
		models.NewAudioTrack(models.CodecAAC, 44100, 2, 16, 0),
	}
	params := muxer.ParameterSets{SPS: [][]byte{testSPS}, PPS: [][]byte{testPPS}}

	var buf bytes.Buffer
	m, err := NewMuxer(context.Background(), &buf, tracks, params)
	require.NoError(t, err)
	assert.True(t, m.HasVideo())
	_, err = m.WriteTables()
	require.NoError(t, err)

	idr := models.NewFrame(models.CodecH264, 0, 40, testIDR)
	idr.KeyFrame = true
	aac := []byte{0x21, 0x10, 0x05, 0x00, 0xA0}
	for _, f := range []*models.Frame{
		idr,
		models.NewFrame(models.CodecAAC, 0, 0, aac),
		models.NewFrame(models.CodecH264, 40, 40, testP),
		models.NewFrame(models.CodecAAC, 33, 33, aac),
		models.NewFrame(models.CodecOpus, 50, 50, []byte{1}),
	} {
		_, err := m.WriteFrame(f)
		require.NoError(t, err)
	}

	d := NewDemuxer(context.Background(), &buf)
	var video, audio []*Packet
	for {
		pkt, err := d.Next()
		if errors.Is(err, ErrEnd) {
			break
		}
		require.NoError(t, err)
		if pkt.Codec == models.CodecH264 {
			video = append(video, pkt)
		} else {
			audio = append(audio, pkt)
		}
	}

	require.NotEmpty(t, video)
	first := video[0].Frames[0]
	assert.True(t, first.KeyFrame)
	assert.Equal(t, int64(0), first.DTS)
	assert.Equal(t, int64(40), first.PTS)
	ps := muxer.ExtractParameterSets(models.CodecH264, first.Payload)
	assert.True(t, ps.Complete(models.CodecH264), "parameter sets are repeated in front of key frames")

	require.NotEmpty(t, audio)
	assert.Equal(t, models.CodecAAC, audio[0].Codec)
	assert.Equal(t, 44100, audio[0].SampleRate)
	assert.Equal(t, 2, audio[0].Channels)
	require.Len(t, audio[0].Frames, 1)
	assert.Equal(t, aac, audio[0].Frames[0].Payload, "ADTS headers are removed again")
	assert.Equal(t, int64(0), audio[0].Frames[0].DTS)
}
