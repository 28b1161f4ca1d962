package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"

	"mediakit/internal/ini"
	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

type closeRecorder struct {
	mu    sync.Mutex
	codes []int
	whats []string
}

func (r *closeRecorder) callback(code int, what string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	r.whats = append(r.whats, what)
}

func (r *closeRecorder) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

func newManager() *streammanager.Manager {
	cfg := ini.New()
	cfg.ApplyDefaults()
	cfg.SetInt(ini.KeyWaitAddTrackMS, 0)
	return streammanager.New(nil, cfg)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, CodeSuccess},
		{"eof", io.EOF, CodeEOF},
		{"shutdown", fmt.Errorf("%w: bye", ErrShutdown), CodeShutdown},
		{"canceled", context.Canceled, CodeShutdown},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, CodeRefused},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, CodeReset},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, CodeDNS},
		{"media timeout", ErrMediaTimeout, CodeTimeout},
		{"other", errors.New("boom"), CodeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := Classify(tt.err)
			assert.Equal(t, tt.code, code)
		})
	}

	_, _, sysErr := Classify(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED})
	assert.Equal(t, int(syscall.ECONNREFUSED), sysErr)
}

func TestPlayerInvalidIdentityFailsAtPlay(t *testing.T) {
	rec := &closeRecorder{}
	p := NewPlayerBuilder(newManager()).App("live").Build()
	p.OnClose(rec.callback)
	assert.Equal(t, StateCreated, p.State())

	err := p.Play("rtsp://127.0.0.1:1/live/cam")
	assert.ErrorIs(t, err, ErrInvalidStream)
	assert.Equal(t, []int{CodeOther}, rec.calls())
	assert.Equal(t, StateClosed, p.State())

	assert.ErrorIs(t, p.Play("rtsp://127.0.0.1:1/live/cam"), ErrAlreadyStarted)
	p.Release()
	assert.Len(t, rec.calls(), 1)
}

func TestPlayerUnsupportedURL(t *testing.T) {
	rec := &closeRecorder{}
	p := NewPlayerBuilder(newManager()).App("live").Stream("cam").Build()
	p.OnClose(rec.callback)

	err := p.Play("gopher://example.com/live/cam")
	assert.ErrorIs(t, err, ErrUnsupportedURL)
	assert.Equal(t, []int{CodeOther}, rec.calls())
}

func TestPlayerRemoteFailureFiresOnce(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := &closeRecorder{}
	p := NewPlayerBuilder(newManager()).App("live").Stream("cam").Option(OptProtocolTimeout, "500").Build()
	p.OnClose(rec.callback)

	require.NoError(t, p.Play("rtsp://"+addr+"/live/cam"))
	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, CodeSuccess, rec.calls()[0])

	p.Release()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.calls(), 1)
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func writeFLV(t *testing.T, w io.Writer) {
	t.Helper()
	enc, err := flv.NewEncoder(w, flv.FlagsAudio|flv.FlagsVideo)
	require.NoError(t, err)

	avcC, err := muxer.BuildAVCDecoderConfigurationRecord(
		[][]byte{{0x67, 0x42, 0x00, 0x1E, 0xAB}},
		[][]byte{{0x68, 0xCE, 0x3C, 0x80}},
	)
	require.NoError(t, err)
	tags := []*flvtag.FlvTag{
		{
			TagType: flvtag.TagTypeVideo,
			Data: &flvtag.VideoData{
				FrameType:     flvtag.FrameTypeKeyFrame,
				CodecID:       flvtag.CodecIDAVC,
				AVCPacketType: flvtag.AVCPacketTypeSequenceHeader,
				Data:          bytesReader(avcC),
			},
		},
		{
			TagType: flvtag.TagTypeAudio,
			Data: &flvtag.AudioData{
				SoundFormat:   flvtag.SoundFormatAAC,
				SoundRate:     flvtag.SoundRate44kHz,
				SoundSize:     flvtag.SoundSize16Bit,
				SoundType:     flvtag.SoundTypeStereo,
				AACPacketType: flvtag.AACPacketTypeSequenceHeader,
				Data:          bytesReader(muxer.BuildAACConfig(44100, 2)),
			},
		},
		{
			TagType:   flvtag.TagTypeVideo,
			Timestamp: 0,
			Data: &flvtag.VideoData{
				FrameType:     flvtag.FrameTypeKeyFrame,
				CodecID:       flvtag.CodecIDAVC,
				AVCPacketType: flvtag.AVCPacketTypeNALU,
				Data:          bytesReader([]byte{0, 0, 0, 4, 0x65, 0x88, 0x84, 0x21}),
			},
		},
	}
	for _, tag := range tags {
		require.NoError(t, enc.Encode(tag))
	}
}

func TestPlayerPullsHTTPFLV(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/x-flv")
		writeFLV(t, w)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	mgr := newManager()
	rec := &closeRecorder{}
	p := NewPlayerBuilder(mgr).App("live").Stream("proxy").Option(OptMediaTimeout, "10000").Build()
	p.OnClose(rec.callback)
	require.NoError(t, p.Play(srv.URL+"/live/cam.flv"))

	key := models.NewStreamKey("", "live", "proxy")
	require.Eventually(t, func() bool { return mgr.Find(key) != nil }, 5*time.Second, 10*time.Millisecond)
	src := mgr.Find(key)
	assert.Equal(t, models.SchemaHTTP, src.Schema())
	assert.Equal(t, 2, src.TrackCount())
	assert.Equal(t, StateActive, p.State())
	assert.Empty(t, rec.calls())

	p.Release()
	assert.Equal(t, []int{CodeShutdown}, rec.calls())
	assert.Nil(t, mgr.Find(key), "the republished source goes away with the player")
}

func TestPlayerStopsWhenSourceIsClosed(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFLV(t, w)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	mgr := newManager()
	rec := &closeRecorder{}
	p := NewPlayerBuilder(mgr).App("live").Stream("proxy").Build()
	p.OnClose(rec.callback)
	require.NoError(t, p.Play(srv.URL+"/live/cam.flv"))

	key := models.NewStreamKey("", "live", "proxy")
	require.Eventually(t, func() bool { return mgr.Find(key) != nil }, 5*time.Second, 10*time.Millisecond)
	require.True(t, mgr.Find(key).Close(true))

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, CodeShutdown, rec.calls()[0])
	p.Release()
	assert.Len(t, rec.calls(), 1)
}

func TestPusherSourceNotFound(t *testing.T) {
	rec := &closeRecorder{}
	p := NewPusherBuilder(newManager()).App("live").Stream("missing").Build()
	p.OnResult(rec.callback)
	p.OnShutdown(func(int, string, int) { t.Error("shutdown must not fire without a successful publish") })

	err := p.Publish("rtmp://127.0.0.1:1935/live/missing")
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.Equal(t, []int{CodeOther}, rec.calls())
}

func TestSplitRTMPURL(t *testing.T) {
	addr, tcURL, app, name, err := splitRTMPURL("rtmp://example.com/live/cam?token=1")
	require.NoError(t, err)
	assert.Equal(t, "example.com:1935", addr)
	assert.Equal(t, "rtmp://example.com/live", tcURL)
	assert.Equal(t, "live", app)
	assert.Equal(t, "cam?token=1", name)

	_, _, _, _, err = splitRTMPURL("rtmp://example.com/live")
	assert.ErrorIs(t, err, ErrUnsupportedURL)
}
