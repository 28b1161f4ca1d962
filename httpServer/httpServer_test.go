package httpServer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/access"
	"mediakit/internal/auth"
	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/metrics"
	"mediakit/internal/pullproxy"
	"mediakit/internal/recorder"
	"mediakit/internal/storage"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	hub   *event.Hub
	mgr   *streammanager.Manager
	store *storage.LocalStorage
	srv   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := ini.New()
	cfg.ApplyDefaults()
	cfg.SetInt(ini.KeyMaxStreamWaitMS, 300)
	cfg.SetInt(ini.KeyWaitAddTrackMS, 0)

	hub := event.NewHub(cfg)
	hub.Init()
	t.Cleanup(hub.Shutdown)

	mgr := streammanager.New(hub, cfg)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	rec := recorder.New(hub, mgr, store, cfg)
	t.Cleanup(func() { rec.Close() })
	proxies := pullproxy.New(mgr)
	t.Cleanup(func() { proxies.Close() })

	srv := New(Deps{
		Gate:       access.New(hub, mgr, cfg),
		Recorder:   rec,
		Auth:       auth.New(),
		Proxies:    proxies,
		Metrics:    metrics.New(mgr),
		PublishURL: "rtmp://localhost:1935",
	})
	return &fixture{hub: hub, mgr: mgr, store: store, srv: srv}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) publish(t *testing.T, key models.StreamKey) *streammanager.Media {
	t.Helper()
	media, err := f.mgr.NewMedia(key, streammanager.MediaOptions{Schema: models.SchemaRTMP})
	require.NoError(t, err)
	require.NoError(t, media.InitAudio(models.CodecAAC, 44100, 2, 16))
	require.NoError(t, media.InitComplete())
	t.Cleanup(media.Release)
	return media
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")

	metrics := f.do(t, http.MethodGet, "/metrics", "")
	assert.Contains(t, metrics.Body.String(), `mediakit_http_requests_total{method="GET",path="/api/ping",status="2xx"} 1`)
}

func TestHTTPRequestHookAnswersThroughInvoker(t *testing.T) {
	f := newFixture(t)
	f.hub.OnHTTPRequest(func(ev event.HTTPRequestEvent) bool {
		if !strings.HasPrefix(ev.Request.URL.Path, "/proxy/") {
			return false
		}
		go func() {
			header := http.Header{}
			header.Set("X-Backend", "yes")
			_ = ev.Invoker.Invoke(http.StatusCreated, header, []byte("relayed"))
			assert.ErrorIs(t, ev.Invoker.Invoke(http.StatusOK, nil, nil), event.ErrInvokerUsed)
		}()
		return true
	})

	rec := f.do(t, http.MethodGet, "/proxy/anything", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))
	assert.Equal(t, "relayed", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code, "requests the hook declines reach the routes")
}

func TestUnansweredHookSendsNoResponse(t *testing.T) {
	f := newFixture(t)
	f.hub.OnHTTPRequest(func(event.HTTPRequestEvent) bool { return true })
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/ping")
	if err == nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
}

func TestBeforeAccessRewritesFilePaths(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(context.Background(), "record/live/cam/a.flv", []byte("FLVdata")))

	f.hub.OnHTTPBeforeAccess(func(ev event.HTTPBeforeAccessEvent) string {
		switch ev.Path {
		case "/latest.flv":
			return "/record/live/cam/a.flv"
		case "/secret.flv":
			return ""
		}
		return ev.Path
	})

	rec := f.do(t, http.MethodGet, "/latest.flv", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FLVdata", rec.Body.String())
	assert.Equal(t, "video/x-flv", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/secret.flv", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/missing.flv", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/record/live/cam/a.flv", "").Code)
}

func TestPublishToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/publish", `{"app":"live","stream":"cam"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PublishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rtmp://localhost:1935/live/cam?token="+resp.Token, resp.PublishURL)
	assert.Len(t, resp.Token, 64)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/publish", `{"app":"live"}`).Code)
}

func TestStreamsAPI(t *testing.T) {
	f := newFixture(t)
	key := models.NewStreamKey("", "live", "cam")
	f.publish(t, key)

	rec := f.do(t, http.MethodGet, "/api/v1/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.StreamListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "cam", list.Streams[0].Stream)
	assert.Equal(t, "rtmp", list.Streams[0].Schema)
	assert.Len(t, list.Streams[0].Tracks, 1)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/streams/live/cam", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/streams/live/other", "").Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/streams/live/cam/close", "").Code)
	assert.Nil(t, f.mgr.Find(key))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/streams/live/cam/close", "").Code)
}

func TestRecordAPI(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/records/start", `{"app":"live","stream":"cam","type":0}`).Code)

	f.publish(t, models.NewStreamKey("", "live", "cam"))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/records/start", `{"app":"live","stream":"cam","type":2}`).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/records/start", `{"app":"live","stream":"cam","type":2}`).Code)

	rec := f.do(t, http.MethodGet, "/api/v1/records/live/cam", "")
	assert.Contains(t, rec.Body.String(), `"flv":true`)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/records/stop", `{"app":"live","stream":"cam","type":2}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/records/stop", `{"app":"live","stream":"cam","type":2}`).Code)
}

func TestProxyAPI(t *testing.T) {
	f := newFixture(t)
	body := `{"app":"live","stream":"remote","url":"rtsp://127.0.0.1:1/live/cam"}`
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/proxies", body).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/proxies", body).Code)
	assert.Contains(t, f.do(t, http.MethodGet, "/api/v1/proxies", "").Body.String(), `"stream":"remote"`)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/v1/proxies/live/remote", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/proxies/live/remote", "").Code)
}

func TestLivePlayback(t *testing.T) {
	testCases := []struct {
		name        string
		suffix      string
		contentType string
		magic       []byte
	}{
		{name: "http-flv", suffix: ".live.flv", contentType: "video/x-flv", magic: []byte("FLV")},
		{name: "http-ts", suffix: ".live.ts", contentType: "video/mp2t", magic: []byte{0x47}},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			key := models.NewStreamKey("", "live", "cam")
			f.publish(t, key)
			ts := httptest.NewServer(f.srv.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/live/cam" + tc.suffix)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tc.contentType, resp.Header.Get("Content-Type"))

			head := make([]byte, len(tc.magic))
			_, err = io.ReadFull(resp.Body, head)
			require.NoError(t, err)
			assert.Equal(t, tc.magic, head)
			assert.Equal(t, 1, f.mgr.Find(key).ReaderCount())

			resp.Body.Close()
			require.Eventually(t, func() bool { return f.mgr.Find(key).ReaderCount() == 0 }, 5*time.Second, 10*time.Millisecond)

			missing, err := http.Get(ts.URL + "/live/none" + tc.suffix)
			require.NoError(t, err)
			missing.Body.Close()
			assert.Equal(t, http.StatusNotFound, missing.StatusCode)
		})
	}
}

func TestLivePlaybackDeniedForDisabledProtocol(t *testing.T) {
	f := newFixture(t)
	f.publish(t, models.NewStreamKey("", "live", "cam"))
	f.srv.Gate.Config().Set(ini.KeyEnableTS, "0")

	rec := f.do(t, http.MethodGet, "/live/cam.live.ts", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
