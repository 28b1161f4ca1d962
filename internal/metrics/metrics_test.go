package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/ini"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestSourceLifecycle(t *testing.T) {
	cfg := ini.New()
	cfg.ApplyDefaults()
	mgr := streammanager.New(nil, cfg)
	m := New(mgr)

	media, err := mgr.NewMedia(models.NewStreamKey("", "live", "cam"), streammanager.MediaOptions{Schema: models.SchemaRTMP})
	require.NoError(t, err)
	require.NoError(t, media.InitAudio(models.CodecAAC, 44100, 2, 16))
	require.NoError(t, media.InitComplete())
	require.NoError(t, media.InputFrame(models.NewFrame(models.CodecAAC, 0, 0, []byte{1, 2, 3})))

	out := scrape(t, m)
	assert.Contains(t, out, "mediakit_active_streams 1")
	assert.Contains(t, out, `mediakit_streams_started_total{schema="rtmp"} 1`)
	assert.Contains(t, out, `mediakit_source_frames_received_total{app="live",schema="rtmp",stream="cam",vhost="__defaultVhost__"} 1`)
	assert.Contains(t, out, `mediakit_source_bytes_received_total{app="live",schema="rtmp",stream="cam",vhost="__defaultVhost__"} 3`)

	media.Release()
	out = scrape(t, m)
	assert.Contains(t, out, "mediakit_active_streams 0")
	assert.Contains(t, out, `mediakit_streams_stopped_total{schema="rtmp"} 1`)
	assert.NotContains(t, out, "mediakit_source_frames_received_total{")
}

func TestRecordFile(t *testing.T) {
	m := New(nil)
	m.RecordFile(models.RecordHLS, models.RecordInfo{Duration: 2, FileSize: 4096})
	m.RecordFile(models.RecordMP4, models.RecordInfo{Duration: 60, FileSize: 1 << 20})

	m.RecordSession(models.MediaInfo{Schema: models.SchemaRTSP}, true)

	out := scrape(t, m)
	assert.Contains(t, out, `mediakit_sessions_total{role="player",schema="rtsp"} 1`)
	assert.Contains(t, out, "mediakit_hls_segments_created_total 1")
	assert.Contains(t, out, `mediakit_record_files_total{type="mp4"} 1`)
	assert.Contains(t, out, `mediakit_record_bytes_total{type="hls"} 4096`)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(0))
}
