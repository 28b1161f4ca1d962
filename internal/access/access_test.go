package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	cfg := ini.New()
	cfg.ApplyDefaults()
	cfg.SetInt(ini.KeyMaxStreamWaitMS, 100)
	cfg.SetInt(ini.KeyWaitAddTrackMS, 0)
	hub := event.NewHub(cfg)
	hub.Init()
	t.Cleanup(hub.Shutdown)
	return New(hub, streammanager.New(hub, cfg), cfg)
}

var playURL = models.MediaInfo{Schema: models.SchemaRTSP, Vhost: models.DefaultVhost, App: "live", Stream: "cam"}

func publish(t *testing.T, g *Gate) *streammanager.Media {
	t.Helper()
	media, err := g.Manager().NewMedia(playURL.Key(), streammanager.MediaOptions{})
	require.NoError(t, err)
	require.NoError(t, media.InitAudio(models.CodecAAC, 44100, 2, 16))
	require.NoError(t, media.InitComplete())
	return media
}

func TestPlayExistingSource(t *testing.T) {
	g := newTestGate(t)
	publish(t, g)

	src, err := g.Play(context.Background(), playURL, models.SockInfo{})
	require.NoError(t, err)
	assert.Equal(t, playURL.Key(), src.Key())
}

func TestPlayNotFoundRejectsImmediately(t *testing.T) {
	g := newTestGate(t)
	start := time.Now()
	_, err := g.Play(context.Background(), playURL, models.SockInfo{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestNotFoundTrueWithoutCreationTimesOut(t *testing.T) {
	g := newTestGate(t)
	g.Hub().OnMediaNotFound(func(event.MediaNotFoundEvent) bool { return true })

	start := time.Now()
	_, err := g.Play(context.Background(), playURL, models.SockInfo{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Nil(t, g.Manager().Find(playURL.Key()), "the hook result alone creates nothing")
}

func TestNotFoundHookCreatesStream(t *testing.T) {
	g := newTestGate(t)
	g.Hub().OnMediaNotFound(func(ev event.MediaNotFoundEvent) bool {
		go func() {
			time.Sleep(10 * time.Millisecond)
			publish(t, g)
		}()
		return true
	})

	src, err := g.Play(context.Background(), playURL, models.SockInfo{})
	require.NoError(t, err)
	assert.Equal(t, playURL.Key(), src.Key())
}

func TestPlayDenied(t *testing.T) {
	g := newTestGate(t)
	publish(t, g)
	g.Hub().OnMediaPlay(func(event.MediaPlayEvent) error { return errors.New("banned") })

	_, err := g.Play(context.Background(), playURL, models.SockInfo{})
	assert.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "banned")
}

func TestPublishGrant(t *testing.T) {
	g := newTestGate(t)
	g.Hub().OnMediaPublish(func(ev event.MediaPublishEvent) {
		go func() {
			if ev.URL.Param("secret") != "s3" {
				_ = ev.Invoker.Call("bad secret", false, false)
				return
			}
			_ = ev.Invoker.Call("", true, false)
		}()
	})

	_, err := g.Publish(context.Background(), playURL, models.SockInfo{})
	assert.ErrorIs(t, err, ErrDenied)

	withSecret := playURL
	withSecret.Params = "secret=s3"
	media, err := g.StartPublish(context.Background(), withSecret, models.SockInfo{})
	require.NoError(t, err)
	defer media.Release()

	require.NoError(t, media.InitAudio(models.CodecAAC, 44100, 2, 16))
	require.NoError(t, media.InitComplete())
	opts := media.Source().Options()
	assert.True(t, opts.EnableMP4)
	assert.False(t, opts.EnableHLS)
	assert.Equal(t, models.SchemaRTSP, opts.Schema)
}

func TestPublishWithoutAnswerTimesOut(t *testing.T) {
	g := newTestGate(t)
	g.Hub().OnMediaPublish(func(event.MediaPublishEvent) {})

	_, err := g.Publish(context.Background(), playURL, models.SockInfo{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlowReportThreshold(t *testing.T) {
	g := newTestGate(t)
	g.Config().SetInt(ini.KeyFlowThreshold, 1)

	var reports []event.FlowReportEvent
	g.Hub().OnFlowReport(func(ev event.FlowReportEvent) { reports = append(reports, ev) })

	small := g.NewFlow(playURL, models.SockInfo{}, true)
	small.Add(100)
	small.Done()
	assert.Empty(t, reports)

	big := g.NewFlow(playURL, models.SockInfo{}, false)
	big.Add(2048)
	big.Done()
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(2048), reports[0].TotalBytes)
	assert.False(t, reports[0].IsPlayer)
}

func TestSessionHooksRunForEveryFlow(t *testing.T) {
	g := newTestGate(t)
	var players, pushers int
	g.OnSession(func(_ models.MediaInfo, isPlayer bool) {
		if isPlayer {
			players++
		} else {
			pushers++
		}
	})
	g.OnSession(func(url models.MediaInfo, _ bool) {
		assert.Equal(t, playURL.Key(), url.Key())
	})

	g.NewFlow(playURL, models.SockInfo{}, true).Done()
	g.NewFlow(playURL, models.SockInfo{}, true).Done()
	g.NewFlow(playURL, models.SockInfo{}, false).Done()
	assert.Equal(t, 2, players)
	assert.Equal(t, 1, pushers)
}

func TestPlayDeniedForDisabledProtocol(t *testing.T) {
	g := newTestGate(t)
	publish(t, g)
	g.Config().Set(ini.KeyEnableRTSP, "0")

	_, err := g.Play(context.Background(), playURL, models.SockInfo{})
	assert.ErrorIs(t, err, ErrDenied)

	rtmp := playURL
	rtmp.Schema = models.SchemaRTMP
	src, err := g.Play(context.Background(), rtmp, models.SockInfo{})
	require.NoError(t, err)
	assert.Equal(t, playURL.Key(), src.Key())
}
