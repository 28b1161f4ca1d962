package httpServer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/auth"
	"mediakit/internal/event"
	"mediakit/internal/metrics"
	"mediakit/internal/pullproxy"
	"mediakit/internal/recorder"
	"mediakit/internal/rtp"
	"mediakit/internal/streammanager"
	"mediakit/internal/webrtc"
	"mediakit/pkg/models"
)

// Deps are the engine parts the HTTP listener serves. Only Gate is
// required; routes of a missing part are not registered.
type Deps struct {
	Gate     *access.Gate
	Recorder *recorder.Manager
	Auth     *auth.Manager
	Proxies  *pullproxy.Manager
	Sender   *rtp.Sender
	RTC      *webrtc.Server
	Metrics  *metrics.Metrics

	// PublishURL prefixes the URLs handed out with publish tokens,
	// e.g. "rtmp://localhost:1935"
	PublishURL string
}

// Server wraps the HTTP server with dependencies
type Server struct {
	Deps
	hub    *event.Hub
	mgr    *streammanager.Manager
	router *gin.Engine

	mu   sync.Mutex
	srv  *http.Server
	done chan struct{}
}

// New creates a new HTTP server
func New(deps Deps) *Server {
	s := &Server{
		Deps: deps,
		hub:  deps.Gate.Hub(),
		mgr:  deps.Gate.Manager(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(s.observe(), s.intercept(), gin.Recovery())

	if s.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.GET("/ping", s.handlePing)

	v1 := api.Group("/v1")
	{
		v1.GET("/streams", s.handleListStreams)
		v1.GET("/streams/:app/:stream", s.handleGetStream)
		v1.POST("/streams/:app/:stream/close", s.handleCloseStream)
	}
	if s.Auth != nil {
		v1.POST("/publish", s.handlePublish)
	}
	if s.Proxies != nil {
		v1.GET("/proxies", s.handleListProxies)
		v1.POST("/proxies", s.handleAddProxy)
		v1.DELETE("/proxies/:app/:stream", s.handleRemoveProxy)
	}
	if s.Recorder != nil {
		v1.POST("/records/start", s.handleStartRecord)
		v1.POST("/records/stop", s.handleStopRecord)
		v1.GET("/records/:app/:stream", s.handleRecordStatus)
	}
	if s.Sender != nil {
		v1.POST("/rtp/send", s.handleStartSendRTP)
		v1.POST("/rtp/stop", s.handleStopSendRTP)
	}
	if s.RTC != nil {
		router.POST("/index/api/webrtc", s.handleWebRTC)
		v1.POST("/rtc/:id/send", s.handleDataChannelSend)
	}

	// live streams and stored files
	router.NoRoute(s.handleMedia)

	s.router = router
}

// Handler returns the root handler, hooks included
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds addr and serves in the background. With tlsConfig set the
// listener speaks HTTPS. It returns the bound port.
func (s *Server) Listen(addr string, tlsConfig *tls.Config) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.srv = srv
	s.done = done
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"addr": ln.Addr().String(), "tls": tlsConfig != nil}).Info("HTTP server listening")
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Warn("HTTP server stopped")
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Close stops the listener and drops open connections, live streams
// included
func (s *Server) Close() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Close()
	<-done
	return err
}

// sockInfo describes the connection carrying r
func sockInfo(r *http.Request) models.SockInfo {
	var local, peer net.Addr
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		local = addr
	}
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		peer = addr
	}
	return models.NewSockInfo(uuid.NewString(), local, peer)
}

// keyParam reads the stream key of an :app/:stream route
func keyParam(c *gin.Context) models.StreamKey {
	return models.NewStreamKey(c.Query("vhost"), c.Param("app"), c.Param("stream"))
}
