// Package engine brings the media server up: it initialises logging and
// the ini store, wires the registry, hooks and recorders together, and
// starts the protocol listeners.
package engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"mediakit/httpServer"
	"mediakit/internal/access"
	"mediakit/internal/auth"
	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/logger"
	"mediakit/internal/metrics"
	"mediakit/internal/pullproxy"
	"mediakit/internal/recorder"
	"mediakit/internal/rtmp"
	"mediakit/internal/rtp"
	"mediakit/internal/rtsp"
	"mediakit/internal/shell"
	"mediakit/internal/srt"
	"mediakit/internal/storage"
	"mediakit/internal/streammanager"
	"mediakit/internal/webrtc"
)

var (
	ErrNoTLS     = errors.New("TLS requested but no certificate configured")
	ErrNoStorage = errors.New("storage is required")
)

// Options is the environment the engine starts with
type Options struct {
	// ThreadNum bounds the background worker pool; 0 means unlimited
	ThreadNum int

	Log logger.Options

	// Config is the ini store to use; nil selects the process-wide one.
	// IniPath or IniText is merged on top.
	Config  *ini.Ini
	IniPath string
	IniText string

	// SSL is a PEM certificate (path or content, see SSLIsPath). SSLKey
	// holds the private key; when empty the key is read from SSL too.
	SSL       string
	SSLKey    string
	SSLIsPath bool

	Storage storage.Storage

	// PublishURL prefixes publish URLs handed out by the HTTP API
	PublishURL string
}

// Engine owns the shared state every listener works against
type Engine struct {
	cfg      *ini.Ini
	hub      *event.Hub
	mgr      *streammanager.Manager
	gate     *access.Gate
	recorder *recorder.Manager
	metrics  *metrics.Metrics
	auth     *auth.Manager
	proxies  *pullproxy.Manager
	sender   *rtp.Sender
	rtc      *webrtc.Server
	pool     *Pool
	tls      *tls.Config

	publishURL string

	mu        sync.Mutex
	listeners []listener
	rtcOn     bool
}

type listener struct {
	name   string
	port   int
	closer interface{ Close() error }
}

// New initialises the environment and the engine core. No listener is
// started.
func New(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, ErrNoStorage
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = ini.Default()
	}
	switch {
	case opts.IniPath != "":
		if err := cfg.LoadFile(opts.IniPath); err != nil {
			return nil, fmt.Errorf("load ini: %w", err)
		}
	case opts.IniText != "":
		if err := cfg.LoadString(opts.IniText); err != nil {
			return nil, fmt.Errorf("load ini: %w", err)
		}
	}

	hub := event.NewHub(cfg)
	logOpts := opts.Log
	if logOpts.Callback == nil {
		logOpts.Callback = func(e logger.Entry) {
			hub.Log(event.LogEvent{Level: e.Level, File: e.File, Line: e.Line, Function: e.Function, Message: e.Message})
		}
	}
	logger.Setup(logOpts)

	tlsConfig, err := loadTLS(opts)
	if err != nil {
		return nil, err
	}

	mgr := streammanager.New(hub, cfg)
	gate := access.New(hub, mgr, cfg)
	m := metrics.New(mgr)
	gate.OnSession(m.RecordSession)
	rec := recorder.New(hub, mgr, opts.Storage, cfg)
	rec.OnFile(m.RecordFile)

	e := &Engine{
		cfg:        cfg,
		hub:        hub,
		mgr:        mgr,
		gate:       gate,
		recorder:   rec,
		metrics:    m,
		auth:       auth.New(),
		proxies:    pullproxy.New(mgr),
		sender:     rtp.NewSender(mgr, hub),
		rtc:        webrtc.New(gate),
		pool:       NewPool(opts.ThreadNum),
		tls:        tlsConfig,
		publishURL: opts.PublishURL,
	}
	hub.Init()
	logrus.WithField("threads", opts.ThreadNum).Info("engine initialised")
	return e, nil
}

func loadTLS(opts Options) (*tls.Config, error) {
	if opts.SSL == "" {
		return nil, nil
	}
	certPEM, keyPEM := []byte(opts.SSL), []byte(opts.SSLKey)
	if opts.SSLIsPath {
		var err error
		if certPEM, err = os.ReadFile(opts.SSL); err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		if opts.SSLKey != "" {
			if keyPEM, err = os.ReadFile(opts.SSLKey); err != nil {
				return nil, fmt.Errorf("read private key: %w", err)
			}
		}
	}
	if len(keyPEM) == 0 {
		keyPEM = certPEM
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func (e *Engine) Config() *ini.Ini { return e.cfg }
func (e *Engine) Hub() *event.Hub { return e.hub }
func (e *Engine) Manager() *streammanager.Manager { return e.mgr }
func (e *Engine) Gate() *access.Gate { return e.gate }
func (e *Engine) Recorder() *recorder.Manager { return e.recorder }
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
func (e *Engine) Auth() *auth.Manager { return e.auth }
func (e *Engine) Proxies() *pullproxy.Manager { return e.proxies }
func (e *Engine) Sender() *rtp.Sender { return e.sender }
func (e *Engine) RTC() *webrtc.Server { return e.rtc }
func (e *Engine) Pool() *Pool { return e.pool }

func (e *Engine) tlsFor(enabled bool) (*tls.Config, error) {
	if !enabled {
		return nil, nil
	}
	if e.tls == nil {
		return nil, ErrNoTLS
	}
	return e.tls, nil
}

func (e *Engine) track(name string, port int, closer interface{ Close() error }) int {
	e.mu.Lock()
	e.listeners = append(e.listeners, listener{name: name, port: port, closer: closer})
	e.mu.Unlock()
	return port
}

func addr(port uint16) string {
	return fmt.Sprintf(":%d", port)
}

// StartHTTP serves the HTTP API, HTTP-FLV/TS, HLS and WebRTC signalling
func (e *Engine) StartHTTP(port uint16, useTLS bool) (int, error) {
	tlsConfig, err := e.tlsFor(useTLS)
	if err != nil {
		return 0, err
	}
	srv := httpServer.New(httpServer.Deps{
		Gate:       e.gate,
		Recorder:   e.recorder,
		Auth:       e.auth,
		Proxies:    e.proxies,
		Sender:     e.sender,
		RTC:        e.rtc,
		Metrics:    e.metrics,
		PublishURL: e.publishURL,
	})
	bound, err := srv.Listen(addr(port), tlsConfig)
	if err != nil {
		return 0, err
	}
	return e.track("http", bound, srv), nil
}

// StartRTSP serves RTSP publishers and players
func (e *Engine) StartRTSP(port uint16, useTLS bool) (int, error) {
	tlsConfig, err := e.tlsFor(useTLS)
	if err != nil {
		return 0, err
	}
	srv := rtsp.New(e.gate)
	bound, err := srv.Listen(addr(port), tlsConfig)
	if err != nil {
		return 0, err
	}
	return e.track("rtsp", bound, srv), nil
}

// StartRTMP serves RTMP publishers and players
func (e *Engine) StartRTMP(port uint16, useTLS bool) (int, error) {
	tlsConfig, err := e.tlsFor(useTLS)
	if err != nil {
		return 0, err
	}
	srv := rtmp.New(e.gate)
	bound, err := srv.Listen(addr(port), tlsConfig)
	if err != nil {
		return 0, err
	}
	return e.track("rtmp", bound, srv), nil
}

// StartRTP receives RTP over UDP; every SSRC becomes a stream
func (e *Engine) StartRTP(port uint16) (int, error) {
	srv := rtp.New(e.gate)
	bound, err := srv.Listen(addr(port))
	if err != nil {
		return 0, err
	}
	return e.track("rtp", bound, srv), nil
}

// StartSRT serves SRT publishers and players carrying MPEG-TS
func (e *Engine) StartSRT(port uint16) (int, error) {
	srv := srt.New(e.gate)
	bound, err := srv.Listen(addr(port))
	if err != nil {
		return 0, err
	}
	return e.track("srt", bound, srv), nil
}

// StartRTC binds the shared WebRTC ICE port. Offers are answered through
// the HTTP signalling route or RTC().GetAnswerSDP.
func (e *Engine) StartRTC(port uint16) (int, error) {
	e.mu.Lock()
	if e.rtcOn {
		e.mu.Unlock()
		return 0, fmt.Errorf("WebRTC server already started")
	}
	e.rtcOn = true
	e.mu.Unlock()

	bound, err := e.rtc.Listen(addr(port))
	if err != nil {
		e.mu.Lock()
		e.rtcOn = false
		e.mu.Unlock()
		return 0, err
	}
	return e.track("rtc", bound, rtcCloser{e}), nil
}

type rtcCloser struct{ e *Engine }

func (c rtcCloser) Close() error {
	err := c.e.rtc.Close()
	c.e.mu.Lock()
	c.e.rtcOn = false
	c.e.mu.Unlock()
	return err
}

// StartShell serves the debug shell
func (e *Engine) StartShell(port uint16) (int, error) {
	srv := shell.New(e.hub, e.mgr)
	bound, err := srv.Listen(addr(port))
	if err != nil {
		return 0, err
	}
	return e.track("shell", bound, srv), nil
}

// StopAll stops every listener started so far. There is no way to stop a
// single listener.
func (e *Engine) StopAll() error {
	e.mu.Lock()
	listeners := e.listeners
	e.listeners = nil
	e.mu.Unlock()

	var result *multierror.Error
	for i := len(listeners) - 1; i >= 0; i-- {
		l := listeners[i]
		if err := l.closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s on port %d: %w", l.name, l.port, err))
		}
		logrus.WithFields(logrus.Fields{"listener": l.name, "port": l.port}).Info("listener stopped")
	}
	return result.ErrorOrNil()
}

// Close stops the listeners, senders, proxies and recordings, and closes
// every remaining source
func (e *Engine) Close() error {
	var result *multierror.Error
	if err := e.StopAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.sender.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("rtp sender: %w", err))
	}
	if err := e.proxies.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.pool.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	e.mgr.CloseAll()
	if err := e.recorder.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	e.hub.Shutdown()
	return result.ErrorOrNil()
}
