package recorder

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/muxer"
	"mediakit/internal/storage"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

var (
	// 320x240 baseline
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xDA, 0x05, 0x07, 0xE4}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testKey = models.NewStreamKey("", "live", "cam")
)

type fixture struct {
	hub   *event.Hub
	mgr   *streammanager.Manager
	store *storage.LocalStorage
	rec   *Manager
	cfg   *ini.Ini

	mu   sync.Mutex
	ts   []models.RecordInfo
	mp4s []models.RecordInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := ini.New()
	cfg.ApplyDefaults()
	cfg.SetInt(ini.KeyWaitAddTrackMS, 0)
	cfg.SetInt(ini.KeyHLSSegDur, 1)
	cfg.SetInt(ini.KeyHLSSegNum, 2)

	hub := event.NewHub(cfg)
	hub.Init()
	t.Cleanup(hub.Shutdown)

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := &fixture{hub: hub, cfg: cfg, store: store, mgr: streammanager.New(hub, cfg)}
	f.rec = New(hub, f.mgr, store, cfg)
	t.Cleanup(func() { f.rec.Close() })

	hub.OnRecordTS(func(ev event.RecordEvent) {
		f.mu.Lock()
		f.ts = append(f.ts, ev.Info)
		f.mu.Unlock()
	})
	hub.OnRecordMP4(func(ev event.RecordEvent) {
		f.mu.Lock()
		f.mp4s = append(f.mp4s, ev.Info)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) events() (ts, mp4s []models.RecordInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RecordInfo(nil), f.ts...), append([]models.RecordInfo(nil), f.mp4s...)
}

func (f *fixture) publish(t *testing.T, opts streammanager.MediaOptions) *streammanager.Media {
	t.Helper()
	media, err := f.mgr.NewMedia(testKey, opts)
	require.NoError(t, err)
	require.NoError(t, media.InitVideo(models.CodecH264, 320, 240, 25, 0))
	require.NoError(t, media.InitAudio(models.CodecAAC, 44100, 2, 16))
	require.NoError(t, media.InitComplete())
	t.Cleanup(media.Release)
	return media
}

func keyFrame(ts int64) *models.Frame {
	au := muxer.PrependParameterSets([]byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21},
		muxer.ParameterSets{SPS: [][]byte{testSPS}, PPS: [][]byte{testPPS}})
	f := models.NewFrame(models.CodecH264, ts, ts, au)
	f.KeyFrame = true
	return f
}

func interFrame(ts int64) *models.Frame {
	return models.NewFrame(models.CodecH264, ts, ts, []byte{0, 0, 0, 1, 0x41, 0x9A, 0x02, 0x03})
}

func audioFrame(ts int64) *models.Frame {
	return models.NewFrame(models.CodecAAC, ts, ts, []byte{0x21, 0x10, 0x04, 0x60})
}

// feed sends seconds of 2 fps video with one key frame per second
func feed(t *testing.T, media *streammanager.Media, seconds int) {
	t.Helper()
	for s := 0; s < seconds; s++ {
		base := int64(s) * 1000
		require.NoError(t, media.InputFrame(keyFrame(base)))
		require.NoError(t, media.InputFrame(audioFrame(base+20)))
		require.NoError(t, media.InputFrame(interFrame(base+500)))
		require.NoError(t, media.InputFrame(audioFrame(base+520)))
	}
}

func TestPlaylist(t *testing.T) {
	segments := []models.Segment{
		{SequenceNum: 3, Duration: 2, FilePath: "live/cam/3.ts"},
		{SequenceNum: 4, Duration: 2.5, FilePath: "live/cam/4.ts"},
	}
	live := Playlist(segments, 2, false)
	assert.Contains(t, live, "#EXT-X-TARGETDURATION:3\n", "target covers the longest segment")
	assert.Contains(t, live, "#EXT-X-MEDIA-SEQUENCE:3\n")
	assert.Contains(t, live, "#EXTINF:2.500,\n4.ts\n")
	assert.NotContains(t, live, "#EXT-X-ENDLIST")

	assert.True(t, strings.HasSuffix(Playlist(segments, 2, true), "#EXT-X-ENDLIST\n"))
	assert.Contains(t, Playlist(nil, 0, false), "#EXT-X-TARGETDURATION:1\n")
}

func TestHLSRecordingSlidesWindow(t *testing.T) {
	f := newFixture(t)
	media := f.publish(t, streammanager.MediaOptions{})

	require.NoError(t, f.rec.Start(models.RecordHLS, testKey, "", 0))
	assert.True(t, f.rec.IsRecording(models.RecordHLS, testKey))
	assert.ErrorIs(t, f.rec.Start(models.RecordHLS, testKey, "", 0), ErrRecording)

	feed(t, media, 5)
	media.Release()
	require.Eventually(t, func() bool {
		return !f.rec.IsRecording(models.RecordHLS, testKey)
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	names, err := f.store.List(ctx, HLSDir(testKey))
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"3.ts", "4.ts", HLSPlaylist}, names, "only the last two segments are kept")

	playlist, err := f.store.Read(ctx, path.Join(HLSDir(testKey), HLSPlaylist))
	require.NoError(t, err)
	assert.Contains(t, string(playlist), "#EXT-X-MEDIA-SEQUENCE:3\n")
	assert.Contains(t, string(playlist), "#EXT-X-ENDLIST")

	seg, err := f.store.Read(ctx, path.Join(HLSDir(testKey), "3.ts"))
	require.NoError(t, err)
	require.NotEmpty(t, seg)
	assert.Zero(t, len(seg)%188)
	assert.Equal(t, byte(0x47), seg[0])

	ts, _ := f.events()
	require.Len(t, ts, 5)
	assert.Equal(t, "0.ts", ts[0].FileName)
	assert.InDelta(t, 1.0, ts[0].Duration, 0.001)
	assert.Equal(t, testKey, ts[0].Key)
}

func TestMP4RecordingRollsFiles(t *testing.T) {
	f := newFixture(t)
	media := f.publish(t, streammanager.MediaOptions{})

	require.NoError(t, f.rec.Start(models.RecordMP4, testKey, "", 1))
	feed(t, media, 3)
	media.Release()
	require.Eventually(t, func() bool {
		return !f.rec.IsRecording(models.RecordMP4, testKey)
	}, 2*time.Second, 10*time.Millisecond)

	_, mp4s := f.events()
	require.Len(t, mp4s, 3, "one file per second of media")
	ctx := context.Background()
	for _, info := range mp4s {
		assert.True(t, strings.HasPrefix(info.FilePath, "record/live/cam/"), info.FilePath)
		size, err := f.store.Size(ctx, info.FilePath)
		require.NoError(t, err)
		assert.Equal(t, info.FileSize, size)

		data, err := f.store.Read(ctx, info.FilePath)
		require.NoError(t, err)
		require.Greater(t, len(data), 8)
		assert.Equal(t, "ftyp", string(data[4:8]))
		assert.Contains(t, string(data), "moof")
	}
	assert.InDelta(t, 1.0, mp4s[0].Duration, 0.001)
}

func TestFLVRecording(t *testing.T) {
	f := newFixture(t)
	media := f.publish(t, streammanager.MediaOptions{})

	require.NoError(t, f.rec.StartFLV(testKey, "dvr/cam.flv"))
	feed(t, media, 1)
	assert.True(t, f.rec.Stop(models.RecordFLV, testKey))
	assert.False(t, f.rec.Stop(models.RecordFLV, testKey))

	data, err := f.store.Read(context.Background(), "dvr/cam.flv")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 9)
	assert.Equal(t, "FLV", string(data[:3]))
}

func TestStartRequiresSource(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.rec.Start(models.RecordHLS, testKey, "", 0), ErrSourceNotFound)
	f.publish(t, streammanager.MediaOptions{})
	assert.ErrorIs(t, f.rec.Start(models.RecordType(9), testKey, "", 0), ErrUnsupportedType)
}

func TestPublishGrantStartsRecordings(t *testing.T) {
	f := newFixture(t)
	f.publish(t, streammanager.MediaOptions{EnableHLS: true, EnableMP4: true})
	require.Eventually(t, func() bool {
		return f.rec.IsRecording(models.RecordHLS, testKey) && f.rec.IsRecording(models.RecordMP4, testKey)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHLSDemandDefersRecording(t *testing.T) {
	f := newFixture(t)
	f.cfg.Set(ini.KeyHLSDemand, "1")
	f.publish(t, streammanager.MediaOptions{EnableHLS: true})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.rec.IsRecording(models.RecordHLS, testKey))

	require.NoError(t, f.rec.DemandHLS(testKey))
	require.NoError(t, f.rec.DemandHLS(testKey))
	assert.True(t, f.rec.IsRecording(models.RecordHLS, testKey))
}

func TestFileHooksSeeFinishedFiles(t *testing.T) {
	f := newFixture(t)
	media := f.publish(t, streammanager.MediaOptions{})

	var (
		mu    sync.Mutex
		types []models.RecordType
		names []string
	)
	for i := 0; i < 2; i++ {
		f.rec.OnFile(func(typ models.RecordType, info models.RecordInfo) {
			mu.Lock()
			types = append(types, typ)
			names = append(names, info.FileName)
			mu.Unlock()
		})
	}

	require.NoError(t, f.rec.StartFLV(testKey, "dvr/hooked.flv"))
	feed(t, media, 1)
	require.True(t, f.rec.Stop(models.RecordFLV, testKey))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.RecordType{models.RecordFLV, models.RecordFLV}, types)
	assert.Equal(t, []string{"hooked.flv", "hooked.flv"}, names)
}
