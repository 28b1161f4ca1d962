package event

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/ini"
	"mediakit/pkg/models"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	cfg := ini.New()
	cfg.ApplyDefaults()
	h := NewHub(cfg)
	h.Init()
	t.Cleanup(h.Shutdown)
	return h
}

var testURL = models.MediaInfo{Schema: models.SchemaRTMP, Vhost: models.DefaultVhost, App: "live", Stream: "cam"}

func TestReRegisterReplacesHandler(t *testing.T) {
	h := newTestHub(t)

	var first, second int
	old := h.OnMediaNotFound(func(MediaNotFoundEvent) bool { first++; return false })
	h.OnMediaNotFound(func(MediaNotFoundEvent) bool { second++; return true })

	assert.True(t, h.MediaNotFound(testURL, models.SockInfo{}))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	// a stale handle must not remove its replacement
	assert.False(t, old.Unregister())
	assert.True(t, h.MediaNotFound(testURL, models.SockInfo{}))
}

func TestUnregisterRestoresDefault(t *testing.T) {
	h := newTestHub(t)

	reg := h.OnHTTPBeforeAccess(func(ev HTTPBeforeAccessEvent) string { return "/rewritten" + ev.Path })
	assert.Equal(t, "/rewritten/a", h.HTTPBeforeAccess(nil, models.SockInfo{}, "/a"))

	assert.True(t, reg.Unregister())
	assert.False(t, reg.Unregister())
	assert.Equal(t, "/a", h.HTTPBeforeAccess(nil, models.SockInfo{}, "/a"))
}

func TestNilHandlerRestoresDefault(t *testing.T) {
	h := newTestHub(t)

	h.OnMediaNotFound(func(MediaNotFoundEvent) bool { return true })
	h.OnMediaNotFound(nil)
	assert.NotPanics(t, func() {
		assert.False(t, h.MediaNotFound(testURL, models.SockInfo{}))
	})

	h.OnMediaPlay(nil)
	var got *string
	assert.NotPanics(t, func() {
		h.MediaPlay(testURL, models.SockInfo{}, NewAuthInvoker(func(msg string) { got = &msg }))
	})
	require.NotNil(t, got)
	assert.Empty(t, *got)
}

func TestDefaults(t *testing.T) {
	h := newTestHub(t)

	t.Run("play allowed", func(t *testing.T) {
		var got *string
		h.MediaPlay(testURL, models.SockInfo{}, NewAuthInvoker(func(msg string) { got = &msg }))
		require.NotNil(t, got)
		assert.Empty(t, *got)
	})

	t.Run("publish allowed with ini flags", func(t *testing.T) {
		called := false
		h.MediaPublish(testURL, models.SockInfo{}, NewPublishInvoker(func(msg string, mp4, hls bool) {
			called = true
			assert.Empty(t, msg)
			assert.False(t, mp4)
			assert.True(t, hls)
		}))
		assert.True(t, called)
	})

	t.Run("not found", func(t *testing.T) {
		assert.False(t, h.MediaNotFound(testURL, models.SockInfo{}))
	})

	t.Run("http request not consumed", func(t *testing.T) {
		inv := NewHTTPResponseInvoker(func(int, http.Header, []byte) { t.Fatal("unexpected response") })
		assert.False(t, h.HTTPRequest(nil, models.SockInfo{}, inv))
		assert.False(t, inv.Used())
	})

	t.Run("empty realm", func(t *testing.T) {
		realm := "unset"
		h.RtspGetRealm(testURL, models.SockInfo{}, NewRealmInvoker(func(r string) { realm = r }))
		assert.Empty(t, realm)
	})

	t.Run("rtsp auth denied", func(t *testing.T) {
		var ok = true
		h.RtspAuth(testURL, "realm", "user", false, models.SockInfo{}, NewRtspAuthInvoker(func(_ bool, _ string, allowed bool) { ok = allowed }))
		assert.False(t, ok)
	})
}

func TestMediaPlayDenyCarriesReason(t *testing.T) {
	h := newTestHub(t)
	h.OnMediaPlay(func(ev MediaPlayEvent) error {
		if ev.URL.Param("token") == "" {
			return errors.New("missing token")
		}
		return nil
	})

	var reason string
	h.MediaPlay(testURL, models.SockInfo{}, NewAuthInvoker(func(msg string) { reason = msg }))
	assert.Contains(t, reason, "missing token")

	withToken := testURL
	withToken.Params = "token=abc"
	reason = "unset"
	h.MediaPlay(withToken, models.SockInfo{}, NewAuthInvoker(func(msg string) { reason = msg }))
	assert.Empty(t, reason)
}

func TestInvokerSingleUse(t *testing.T) {
	calls := 0
	inv := NewPublishInvoker(func(string, bool, bool) { calls++ })

	require.NoError(t, inv.Call("", true, true))
	assert.ErrorIs(t, inv.Call("denied", false, false), ErrInvokerUsed)
	assert.Equal(t, 1, calls)

	rtsp := NewRtspAuthInvoker(func(bool, string, bool) { calls++ })
	require.NoError(t, rtsp.Invoke(false, "secret"))
	assert.ErrorIs(t, rtsp.Deny(), ErrInvokerUsed)
	assert.Equal(t, 2, calls)
}

func TestInvokerConcurrentCallsFireOnce(t *testing.T) {
	var calls atomic.Int32
	inv := NewHTTPResponseInvoker(func(int, http.Header, []byte) { calls.Add(1) })

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if inv.Invoke(http.StatusOK, nil, nil) == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), succeeded.Load())
}

func TestShutdownDropsHandlers(t *testing.T) {
	h := newTestHub(t)
	h.OnMediaNotFound(func(MediaNotFoundEvent) bool { return true })
	h.Shutdown()
	assert.False(t, h.MediaNotFound(testURL, models.SockInfo{}))

	h.Init()
	assert.False(t, h.MediaNotFound(testURL, models.SockInfo{}))
}

func TestSCTPKinds(t *testing.T) {
	h := newTestHub(t)
	var got []Kind
	h.OnSCTPConnected(func(SCTPEvent) { got = append(got, KindSCTPConnected) })
	h.OnSCTPReceived(func(ev SCTPEvent) {
		got = append(got, KindSCTPReceived)
		assert.Equal(t, uint16(3), ev.SID)
	})

	h.SCTP(KindSCTPConnecting, SCTPEvent{})
	h.SCTP(KindSCTPConnected, SCTPEvent{})
	h.SCTP(KindSCTPReceived, SCTPEvent{SID: 3, PPID: 51, Data: []byte("hi")})
	h.SCTP(KindLog, SCTPEvent{})

	assert.Equal(t, []Kind{KindSCTPConnected, KindSCTPReceived}, got)
}

func TestConcurrentRegisterAndDispatch(t *testing.T) {
	h := newTestHub(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				reg := h.OnFlowReport(func(FlowReportEvent) {})
				reg.Unregister()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.FlowReport(FlowReportEvent{TotalBytes: uint64(j)})
			}
		}()
	}
	wg.Wait()
}
