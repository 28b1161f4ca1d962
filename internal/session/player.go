package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// PlayerBuilder collects the identity and options of a proxy player.
// Nothing is validated here; a bad identity fails at Play.
type PlayerBuilder struct {
	mgr     *streammanager.Manager
	key     models.StreamKey
	hls     bool
	mp4     bool
	options options
}

// NewPlayerBuilder starts a builder registering into mgr
func NewPlayerBuilder(mgr *streammanager.Manager) *PlayerBuilder {
	return &PlayerBuilder{mgr: mgr, key: models.StreamKey{Vhost: models.DefaultVhost}, options: options{}}
}

func (b *PlayerBuilder) Vhost(v string) *PlayerBuilder { b.key.Vhost = v; return b }
func (b *PlayerBuilder) App(v string) *PlayerBuilder { b.key.App = v; return b }
func (b *PlayerBuilder) Stream(v string) *PlayerBuilder { b.key.Stream = v; return b }
func (b *PlayerBuilder) EnableHLS(v bool) *PlayerBuilder { b.hls = v; return b }
func (b *PlayerBuilder) EnableMP4(v bool) *PlayerBuilder { b.mp4 = v; return b }

// Option sets a protocol option such as rtp_type or rtsp_user
func (b *PlayerBuilder) Option(key, value string) *PlayerBuilder {
	b.options[key] = value
	return b
}

// Build returns the player. It never fails.
func (b *PlayerBuilder) Build() *Player {
	return &Player{
		mgr:     b.mgr,
		key:     b.key,
		hls:     b.hls,
		mp4:     b.mp4,
		options: b.options.clone(),
		done:    make(chan struct{}),
	}
}

// Player pulls a remote stream and republishes it as a local source under
// its own key. It connects once; retries belong to the caller.
type Player struct {
	mgr *streammanager.Manager
	key models.StreamKey
	hls bool
	mp4 bool

	mu      sync.Mutex
	options options
	onClose Callback
	state   State
	cancel  context.CancelCauseFunc
	media   *streammanager.Media
	url     string
	done    chan struct{}
}

// Key returns the local stream key the player publishes under
func (p *Player) Key() models.StreamKey {
	return p.key
}

// SetOption sets a protocol option before Play
func (p *Player) SetOption(key, value string) {
	p.mu.Lock()
	p.options[key] = value
	p.mu.Unlock()
}

// OnClose registers the callback fired exactly once when a started
// player stops, whatever the reason. Code 0 means a normal stop.
func (p *Player) OnClose(fn Callback) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// State returns the lifecycle state
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// TotalReaderCount returns the readers of the republished source
func (p *Player) TotalReaderCount() int {
	p.mu.Lock()
	media := p.media
	p.mu.Unlock()
	if media == nil {
		return 0
	}
	return media.TotalReaderCount()
}

type pullFunc func(ctx context.Context, p *Player, rawURL string, opts options) error

func (p *Player) puller(rawURL string) (pullFunc, error) {
	if !p.key.Valid() {
		return nil, ErrInvalidStream
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
		return pullRTSP, nil
	case "http", "https":
		if strings.HasSuffix(strings.ToLower(u.Path), ".flv") {
			return pullFLV, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
}

// Play starts pulling rawURL. Errors detected before connecting are
// returned and also reported through the close callback; later failures
// only reach the callback. A second call returns ErrAlreadyStarted.
func (p *Player) Play(rawURL string) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.state = StateConnecting
	p.url = rawURL
	ctx, cancel := context.WithCancelCause(context.Background())
	p.cancel = cancel
	opts := p.options.clone()
	p.mu.Unlock()

	pull, err := p.puller(rawURL)
	if err != nil {
		p.finish(err)
		close(p.done)
		return err
	}

	logrus.WithFields(logrus.Fields{"key": p.key.String(), "url": rawURL}).Info("player connecting")
	go func() {
		defer close(p.done)
		err := pull(ctx, p, rawURL, opts)
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		p.finish(err)
		cancel(nil)
	}()
	return nil
}

// newMedia reserves the local source once the remote tracks are known
func (p *Player) newMedia(ctx context.Context, schema models.Schema) (*streammanager.Media, error) {
	media, err := p.mgr.NewMedia(p.key, streammanager.MediaOptions{Schema: schema, EnableHLS: p.hls, EnableMP4: p.mp4})
	if err != nil {
		return nil, err
	}
	media.OnClose(func() {
		p.cancel(fmt.Errorf("%w: source closed", ErrShutdown))
	})
	p.mu.Lock()
	p.media = media
	p.mu.Unlock()
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	return media, nil
}

func (p *Player) setActive() {
	p.mu.Lock()
	if p.state == StateConnecting {
		p.state = StateActive
	}
	p.mu.Unlock()
	logrus.WithField("key", p.key.String()).Info("player playing")
}

func (p *Player) finish(err error) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	media := p.media
	fn := p.onClose
	p.mu.Unlock()

	if media != nil {
		media.Release()
	}
	code, what, sysErr := Classify(err)
	logrus.WithFields(logrus.Fields{"key": p.key.String(), "url": p.url, "code": code}).WithError(err).Info("player closed")
	if fn != nil {
		fn(code, what, sysErr)
	}
}

// Release stops the player and waits for it to wind down. A running
// player reports CodeShutdown through its close callback.
func (p *Player) Release() {
	p.mu.Lock()
	started := p.state != StateCreated
	cancel := p.cancel
	if !started {
		p.state = StateClosed
	}
	p.mu.Unlock()
	if !started {
		return
	}
	cancel(ErrShutdown)
	<-p.done
}
