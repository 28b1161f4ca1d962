package pullproxy

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"

	"mediakit/internal/ini"
	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

var key = models.NewStreamKey("", "live", "proxy")

func newManager() *streammanager.Manager {
	cfg := ini.New()
	cfg.ApplyDefaults()
	cfg.SetInt(ini.KeyWaitAddTrackMS, 0)
	return streammanager.New(nil, cfg)
}

type countingBackOff struct {
	backoff.BackOff
	calls atomic.Int32
}

func (c *countingBackOff) NextBackOff() time.Duration {
	c.calls.Add(1)
	return c.BackOff.NextBackOff()
}

// flvOrigin serves a short FLV stream and holds the connection open
func flvOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/x-flv")
		enc, err := flv.NewEncoder(w, flv.FlagsAudio|flv.FlagsVideo)
		if err != nil {
			return
		}
		avcC, _ := muxer.BuildAVCDecoderConfigurationRecord(
			[][]byte{{0x67, 0x42, 0x00, 0x1E, 0xAB}},
			[][]byte{{0x68, 0xCE, 0x3C, 0x80}},
		)
		_ = enc.Encode(&flvtag.FlvTag{TagType: flvtag.TagTypeVideo, Data: &flvtag.VideoData{
			FrameType: flvtag.FrameTypeKeyFrame, CodecID: flvtag.CodecIDAVC,
			AVCPacketType: flvtag.AVCPacketTypeSequenceHeader, Data: bytes.NewReader(avcC),
		}})
		_ = enc.Encode(&flvtag.FlvTag{TagType: flvtag.TagTypeAudio, Data: &flvtag.AudioData{
			SoundFormat: flvtag.SoundFormatAAC, SoundRate: flvtag.SoundRate44kHz,
			SoundSize: flvtag.SoundSize16Bit, SoundType: flvtag.SoundTypeStereo,
			AACPacketType: flvtag.AACPacketTypeSequenceHeader, Data: bytes.NewReader(muxer.BuildAACConfig(44100, 2)),
		}})
		_ = enc.Encode(&flvtag.FlvTag{TagType: flvtag.TagTypeVideo, Data: &flvtag.VideoData{
			FrameType: flvtag.FrameTypeKeyFrame, CodecID: flvtag.CodecIDAVC,
			AVCPacketType: flvtag.AVCPacketTypeNALU, Data: bytes.NewReader([]byte{0, 0, 0, 4, 0x65, 0x88, 0x84, 0x21}),
		}})
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestRetriesUntilBackOffStops(t *testing.T) {
	m := New(newManager())
	counter := &countingBackOff{BackOff: backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)}
	m.NewBackOff = func() backoff.BackOff { return counter }

	require.NoError(t, m.Start(key, "gopher://example.com/live/cam", nil))
	require.Eventually(t, func() bool { return !m.Running(key) }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, counter.calls.Load())
	assert.Empty(t, m.List())
}

func TestStartTwiceAndStop(t *testing.T) {
	m := New(newManager())
	m.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }

	require.NoError(t, m.Start(key, "gopher://example.com/live/cam", nil))
	assert.ErrorIs(t, m.Start(key, "gopher://example.com/live/cam", nil), ErrRunning)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, key, list[0].Key)

	assert.True(t, m.Stop(key))
	assert.False(t, m.Running(key))
	assert.False(t, m.Stop(key))
}

func TestPullRequiresRoute(t *testing.T) {
	m := New(newManager())
	assert.ErrorIs(t, m.Pull(key), ErrNoRoute)
	assert.False(t, m.HandleNotFound(models.MediaInfo{Schema: models.SchemaRTMP, App: "live", Stream: "proxy"}))
}

func TestPullOnDemandStopsWithoutReaders(t *testing.T) {
	srv := flvOrigin(t)
	mgr := newManager()
	m := New(mgr)
	defer m.Close()
	m.AddRoute(Route{Key: key, URL: srv.URL + "/live/cam.flv"})

	assert.True(t, m.HandleNotFound(models.MediaInfo{Schema: models.SchemaRTMP, App: "live", Stream: "proxy"}))
	assert.True(t, m.HandleNotFound(models.MediaInfo{Schema: models.SchemaRTSP, App: "live", Stream: "proxy"}), "a running pull still counts")
	require.Eventually(t, func() bool { return mgr.Find(key) != nil }, 5*time.Second, 10*time.Millisecond)

	m.HandleNoReader(mgr.Find(key))
	require.Eventually(t, func() bool { return !m.Running(key) }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, mgr.Find(key))
}

func TestClosedSourceIsNotRetried(t *testing.T) {
	srv := flvOrigin(t)
	mgr := newManager()
	m := New(mgr)
	defer m.Close()

	require.NoError(t, m.Start(key, srv.URL+"/live/cam.flv", nil))
	require.Eventually(t, func() bool { return mgr.Find(key) != nil }, 5*time.Second, 10*time.Millisecond)
	require.True(t, mgr.Find(key).Close(true))

	require.Eventually(t, func() bool { return !m.Running(key) }, 5*time.Second, 10*time.Millisecond)
}
