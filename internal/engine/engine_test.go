package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/logger"
	"mediakit/internal/storage"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Config == nil {
		opts.Config = ini.New()
		opts.Config.ApplyDefaults()
	}
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	opts.Storage = store

	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Close()
		logger.Setup(logger.Options{})
	})
	return e
}

func dial(port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func TestStartAndStopAll(t *testing.T) {
	e := newEngine(t, Options{})

	httpPort, err := e.StartHTTP(0, false)
	require.NoError(t, err)
	rtspPort, err := e.StartRTSP(0, false)
	require.NoError(t, err)
	rtmpPort, err := e.StartRTMP(0, false)
	require.NoError(t, err)
	shellPort, err := e.StartShell(0)
	require.NoError(t, err)
	rtpPort, err := e.StartRTP(0)
	require.NoError(t, err)
	rtcPort, err := e.StartRTC(0)
	require.NoError(t, err)
	_, err = e.StartSRT(0)
	require.NoError(t, err)

	for _, port := range []int{httpPort, rtspPort, rtmpPort, shellPort, rtpPort, rtcPort} {
		assert.Positive(t, port)
	}
	for _, port := range []int{httpPort, rtspPort, rtmpPort, shellPort} {
		assert.NoError(t, dial(port))
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/ping", httpPort))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = e.StartRTC(0)
	assert.Error(t, err, "the WebRTC port is shared and bound once")

	require.NoError(t, e.StopAll())
	for _, port := range []int{httpPort, rtspPort, rtmpPort, shellPort} {
		assert.Error(t, dial(port))
	}

	// listeners can be brought up again after StopAll
	port, err := e.StartHTTP(0, false)
	require.NoError(t, err)
	assert.NoError(t, dial(port))
	_, err = e.StartRTC(0)
	assert.NoError(t, err)
	require.NoError(t, e.StopAll())
}

func TestBindErrorsAreSynchronous(t *testing.T) {
	e := newEngine(t, Options{})
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := uint16(ln.Addr().(*net.TCPAddr).Port)

	_, err = e.StartRTMP(busy, false)
	assert.Error(t, err)
	_, err = e.StartHTTP(busy, false)
	assert.Error(t, err)
	require.NoError(t, e.StopAll())
}

func TestTLSRequiresCertificate(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.StartHTTP(0, true)
	assert.ErrorIs(t, err, ErrNoTLS)
	_, err = e.StartRTMP(0, true)
	assert.ErrorIs(t, err, ErrNoTLS)

	_, err = New(Options{Storage: &storage.LocalStorage{}, Config: ini.New(), SSL: "not a certificate"})
	assert.Error(t, err)
}

func TestNewRequiresStorage(t *testing.T) {
	_, err := New(Options{Config: ini.New()})
	assert.ErrorIs(t, err, ErrNoStorage)
}

func TestIniTextIsMerged(t *testing.T) {
	cfg := ini.New()
	cfg.ApplyDefaults()
	e := newEngine(t, Options{Config: cfg, IniText: "[hls]\nsegNum = 7\n"})
	assert.Equal(t, 7, e.Config().GetInt(ini.KeyHLSSegNum, 0))
	assert.Equal(t, 2, e.Config().GetInt(ini.KeyHLSSegDur, 0))
}

func TestLogCallbackRaisesLogEvents(t *testing.T) {
	e := newEngine(t, Options{Log: logger.Options{Level: 2, Mask: logger.MaskCallback}})

	var (
		mu       sync.Mutex
		messages []string
	)
	e.Hub().OnLog(func(ev event.LogEvent) {
		mu.Lock()
		messages = append(messages, ev.Message)
		mu.Unlock()
	})
	logrus.Info("hello hub")
	logrus.Debug("below the level")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, messages, "hello hub")
	assert.NotContains(t, messages, "below the level")
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var running, peak atomic.Int32
	for i := 0; i < 6; i++ {
		require.True(t, p.Go(func(context.Context) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		}))
	}
	require.NoError(t, p.Close())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.False(t, p.Go(func(context.Context) {}))
}

func TestPoolCloseCancelsTasks(t *testing.T) {
	p := NewPool(0)
	started := make(chan struct{})
	p.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the running task")
	}
}
