package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/config"
	"mediakit/internal/engine"
	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/logger"
	"mediakit/internal/storage"
	"mediakit/pkg/models"
)

func newPolicyEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	iniCfg := ini.New()
	iniCfg.ApplyDefaults()

	e, err := engine.New(engine.Options{Config: iniCfg, Storage: store})
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Close()
		logger.Setup(logger.Options{})
	})
	installPolicies(e, cfg)
	return e
}

func publish(e *engine.Engine, rawURL string) string {
	info, _ := models.ParseMediaInfo(models.SchemaRTMP, rawURL)
	verdict := "not answered"
	e.Hub().MediaPublish(info, models.SockInfo{PeerIP: "127.0.0.1"}, event.NewPublishInvoker(func(errMsg string, _, _ bool) {
		verdict = errMsg
	}))
	return verdict
}

func TestPublishPolicy(t *testing.T) {
	t.Run("open publishing", func(t *testing.T) {
		e := newPolicyEngine(t, &config.Config{})
		assert.Empty(t, publish(e, "/live/cam"))
	})

	t.Run("token required", func(t *testing.T) {
		e := newPolicyEngine(t, &config.Config{RequireToken: true})
		assert.NotEmpty(t, publish(e, "/live/cam"))

		token, err := e.Auth().GeneratePublishToken(models.NewStreamKey("", "live", "cam"), 0, "127.0.0.1")
		require.NoError(t, err)
		assert.NotEmpty(t, publish(e, "/live/other?token="+token.Token), "tokens are bound to one stream")
		assert.Empty(t, publish(e, "/live/cam?token="+token.Token))
		assert.NotEmpty(t, publish(e, "/live/cam?token="+token.Token), "tokens are single use")
	})

	t.Run("unknown token", func(t *testing.T) {
		e := newPolicyEngine(t, &config.Config{})
		assert.NotEmpty(t, publish(e, "/live/cam?token=bogus"))
	})
}

func TestPullOnDemandRoutes(t *testing.T) {
	key := models.NewStreamKey("", "live", "remote")
	e := newPolicyEngine(t, &config.Config{
		Proxies: []config.ProxySource{{Key: key, URL: "rtsp://127.0.0.1:1/live/cam"}},
	})

	info, err := models.ParseMediaInfo(models.SchemaRTSP, "/live/remote")
	require.NoError(t, err)
	assert.True(t, e.Hub().MediaNotFound(info, models.SockInfo{}))
	assert.True(t, e.Proxies().Running(key))

	other, err := models.ParseMediaInfo(models.SchemaRTSP, "/live/unknown")
	require.NoError(t, err)
	assert.False(t, e.Hub().MediaNotFound(other, models.SockInfo{}))
}

func TestProxyPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Path", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(r.URL.RawQuery + ":" + string(body)))
	}))
	defer backend.Close()

	e := newPolicyEngine(t, &config.Config{ProxyBackend: backend.URL})

	type answer struct {
		code   int
		header http.Header
		body   string
	}
	answers := make(chan answer, 1)
	invoker := event.NewHTTPResponseInvoker(func(code int, header http.Header, body []byte) {
		answers <- answer{code, header, string(body)}
	})

	req := httptest.NewRequest(http.MethodPost, "/proxy/hooks/on_play?a=1", strings.NewReader("payload"))
	require.True(t, e.Hub().HTTPRequest(req, models.SockInfo{}, invoker))

	select {
	case got := <-answers:
		assert.Equal(t, http.StatusAccepted, got.code)
		assert.Equal(t, "/hooks/on_play", got.header.Get("X-Path"))
		assert.Equal(t, "a=1:payload", got.body)
	case <-time.After(5 * time.Second):
		t.Fatal("proxied request was not answered")
	}

	other := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	assert.False(t, e.Hub().HTTPRequest(other, models.SockInfo{}, event.NewHTTPResponseInvoker(func(int, http.Header, []byte) {})))
}

func TestProxyDropsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "X-Hop")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Hop", "1")
		w.Header().Set("X-Kept", "yes")
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	e := newPolicyEngine(t, &config.Config{ProxyBackend: backend.URL})

	headers := make(chan http.Header, 1)
	invoker := event.NewHTTPResponseInvoker(func(_ int, header http.Header, _ []byte) {
		headers <- header
	})
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", nil)
	require.True(t, e.Hub().HTTPRequest(req, models.SockInfo{}, invoker))

	select {
	case got := <-headers:
		assert.Equal(t, "yes", got.Get("X-Kept"))
		for _, name := range []string{"Connection", "Keep-Alive", "X-Hop", "Transfer-Encoding"} {
			assert.Empty(t, got.Values(name), name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("proxied request was not answered")
	}
}

func TestEndToEndKeepsSource(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close")
	h.Set("Upgrade", "websocket")
	h.Set("Content-Type", "text/plain")

	got := endToEnd(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, got)
	assert.Equal(t, "close", h.Get("Connection"))
}
