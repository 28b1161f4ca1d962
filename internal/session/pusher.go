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

// PusherBuilder names the local source a pusher publishes
type PusherBuilder struct {
	mgr     *streammanager.Manager
	schema  models.Schema
	key     models.StreamKey
	options options
}

// NewPusherBuilder starts a builder resolving sources from mgr
func NewPusherBuilder(mgr *streammanager.Manager) *PusherBuilder {
	return &PusherBuilder{mgr: mgr, key: models.StreamKey{Vhost: models.DefaultVhost}, options: options{}}
}

func (b *PusherBuilder) Schema(v models.Schema) *PusherBuilder { b.schema = v; return b }
func (b *PusherBuilder) Vhost(v string) *PusherBuilder { b.key.Vhost = v; return b }
func (b *PusherBuilder) App(v string) *PusherBuilder { b.key.App = v; return b }
func (b *PusherBuilder) Stream(v string) *PusherBuilder { b.key.Stream = v; return b }

// Option sets a protocol option
func (b *PusherBuilder) Option(key, value string) *PusherBuilder {
	b.options[key] = value
	return b
}

// Build returns the pusher. The source is looked up at Publish.
func (b *PusherBuilder) Build() *Pusher {
	return &Pusher{
		mgr:     b.mgr,
		schema:  b.schema,
		key:     b.key,
		options: b.options.clone(),
		done:    make(chan struct{}),
	}
}

// NewPusherFromSource creates a pusher for an already resolved source,
// typically taken from a MediaChanged event
func NewPusherFromSource(src *streammanager.Source) *Pusher {
	return &Pusher{
		src:     src,
		schema:  src.Schema(),
		key:     src.Key(),
		options: options{},
		done:    make(chan struct{}),
	}
}

// Pusher publishes a local source to a remote RTSP or RTMP server
type Pusher struct {
	mgr    *streammanager.Manager
	src    *streammanager.Source
	schema models.Schema
	key    models.StreamKey

	mu         sync.Mutex
	options    options
	onResult   Callback
	onShutdown Callback
	state      State
	reported   bool
	cancel     context.CancelCauseFunc
	done       chan struct{}
}

type pushFunc func(ctx context.Context, src *streammanager.Source, rawURL string, opts options, connected func()) error

// SetOption sets a protocol option before Publish
func (p *Pusher) SetOption(key, value string) {
	p.mu.Lock()
	p.options[key] = value
	p.mu.Unlock()
}

// OnResult registers the callback told whether publishing succeeded
func (p *Pusher) OnResult(fn Callback) {
	p.mu.Lock()
	p.onResult = fn
	p.mu.Unlock()
}

// OnShutdown registers the callback fired when an established push ends
func (p *Pusher) OnShutdown(fn Callback) {
	p.mu.Lock()
	p.onShutdown = fn
	p.mu.Unlock()
}

// State returns the lifecycle state
func (p *Pusher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pusher) resolve(rawURL string) (*streammanager.Source, pushFunc, error) {
	src := p.src
	if src == nil {
		if !p.key.Valid() {
			return nil, nil, ErrInvalidStream
		}
		if src = p.mgr.Find(p.key); src == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrSourceNotFound, p.key)
		}
		if p.schema != "" && src.Schema() != p.schema {
			return nil, nil, fmt.Errorf("%w: %s is published over %s", ErrSourceNotFound, p.key, src.Schema())
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
		return src, pushRTSP, nil
	case "rtmp":
		return src, pushRTMP, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
}

// Publish starts pushing to rawURL. The result callback fires once with
// the outcome of the connection; after a success the shutdown callback
// fires once when the push ends.
func (p *Pusher) Publish(rawURL string) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.state = StateConnecting
	ctx, cancel := context.WithCancelCause(context.Background())
	p.cancel = cancel
	opts := p.options.clone()
	p.mu.Unlock()

	src, push, err := p.resolve(rawURL)
	if err != nil {
		p.finish(err)
		close(p.done)
		return err
	}

	log := logrus.WithFields(logrus.Fields{"key": p.key.String(), "url": rawURL})
	log.Info("pusher connecting")
	go func() {
		defer close(p.done)
		err := push(ctx, src, rawURL, opts, func() { p.connected(log) })
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		p.finish(err)
		cancel(nil)
	}()
	return nil
}

func (p *Pusher) connected(log *logrus.Entry) {
	p.mu.Lock()
	p.state = StateActive
	p.reported = true
	fn := p.onResult
	p.mu.Unlock()
	log.Info("pusher publishing")
	if fn != nil {
		fn(Classify(nil))
	}
}

func (p *Pusher) finish(err error) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	fn := p.onResult
	if p.reported {
		fn = p.onShutdown
	}
	p.reported = true
	p.mu.Unlock()

	code, what, sysErr := Classify(err)
	logrus.WithFields(logrus.Fields{"key": p.key.String(), "code": code}).WithError(err).Info("pusher closed")
	if fn != nil {
		fn(code, what, sysErr)
	}
}

// Release stops the pusher and waits for it to wind down
func (p *Pusher) Release() {
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
