package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

var (
	ErrDenied   = errors.New("access denied")
	ErrNotFound = errors.New("stream not found")
)

// Gate runs the admission flow shared by every protocol listener: auth
// through the event hub, the not-found hook and flow reports.
type Gate struct {
	hub *event.Hub
	mgr *streammanager.Manager
	cfg *ini.Ini

	mu       sync.Mutex
	sessions []func(url models.MediaInfo, isPlayer bool)
}

// New creates a gate
func New(hub *event.Hub, mgr *streammanager.Manager, cfg *ini.Ini) *Gate {
	if cfg == nil {
		cfg = ini.Default()
	}
	return &Gate{hub: hub, mgr: mgr, cfg: cfg}
}

// Hub returns the event hub the gate dispatches to
func (g *Gate) Hub() *event.Hub {
	return g.hub
}

// Manager returns the source registry
func (g *Gate) Manager() *streammanager.Manager {
	return g.mgr
}

// Config returns the engine ini store
func (g *Gate) Config() *ini.Ini {
	return g.cfg
}

// WaitTimeout bounds how long a connection waits for hook answers and on-demand streams
func (g *Gate) WaitTimeout() time.Duration {
	return time.Duration(g.cfg.GetInt(ini.KeyMaxStreamWaitMS, 15000)) * time.Millisecond
}

// Play authorises a player and resolves its source. A missing source is
// offered to the not-found hook; when the hook takes it the player waits
// up to general.maxStreamWaitMS for the stream to appear.
func (g *Gate) Play(ctx context.Context, url models.MediaInfo, sender models.SockInfo) (*streammanager.Source, error) {
	log := logrus.WithFields(logrus.Fields{
		"schema": url.Schema,
		"key":    url.Key().String(),
		"peer":   sender.PeerIP,
	})

	if !streammanager.OutputEnabled(g.cfg, url.Schema) {
		log.Warn("play denied, protocol disabled")
		return nil, fmt.Errorf("%w: %s playback is disabled", ErrDenied, url.Schema)
	}

	verdict := make(chan string, 1)
	g.hub.MediaPlay(url, sender, event.NewAuthInvoker(func(errMsg string) { verdict <- errMsg }))

	ctx, cancel := context.WithTimeout(ctx, g.WaitTimeout())
	defer cancel()

	select {
	case errMsg := <-verdict:
		if errMsg != "" {
			log.WithField("reason", errMsg).Warn("play denied")
			return nil, fmt.Errorf("%w: %s", ErrDenied, errMsg)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("play auth: %w", ctx.Err())
	}

	if src := g.mgr.Find(url.Key()); src != nil {
		return src, nil
	}
	if !g.hub.MediaNotFound(url, sender) {
		log.Debug("stream not found")
		return nil, ErrNotFound
	}

	log.Debug("waiting for on-demand stream")
	src, err := g.mgr.Wait(ctx, url.Key())
	if err != nil {
		return nil, fmt.Errorf("%w: gave up waiting: %v", ErrNotFound, err)
	}
	return src, nil
}

// Grant is the answer to an accepted publish request
type Grant struct {
	EnableHLS bool
	EnableMP4 bool
}

// MediaOptions turns the grant into options for the new media
func (g Grant) MediaOptions(schema models.Schema) streammanager.MediaOptions {
	return streammanager.MediaOptions{Schema: schema, EnableHLS: g.EnableHLS, EnableMP4: g.EnableMP4}
}

// Publish asks the publish policy whether sender may push url
func (g *Gate) Publish(ctx context.Context, url models.MediaInfo, sender models.SockInfo) (Grant, error) {
	type answer struct {
		errMsg string
		grant  Grant
	}
	ch := make(chan answer, 1)
	g.hub.MediaPublish(url, sender, event.NewPublishInvoker(func(errMsg string, enableMP4, enableHLS bool) {
		ch <- answer{errMsg: errMsg, grant: Grant{EnableHLS: enableHLS, EnableMP4: enableMP4}}
	}))

	ctx, cancel := context.WithTimeout(ctx, g.WaitTimeout())
	defer cancel()

	select {
	case a := <-ch:
		if a.errMsg != "" {
			logrus.WithFields(logrus.Fields{
				"key":    url.Key().String(),
				"peer":   sender.PeerIP,
				"reason": a.errMsg,
			}).Warn("publish denied")
			return Grant{}, fmt.Errorf("%w: %s", ErrDenied, a.errMsg)
		}
		return a.grant, nil
	case <-ctx.Done():
		return Grant{}, fmt.Errorf("publish auth: %w", ctx.Err())
	}
}

// StartPublish authorises sender and reserves a media for url
func (g *Gate) StartPublish(ctx context.Context, url models.MediaInfo, sender models.SockInfo) (*streammanager.Media, error) {
	grant, err := g.Publish(ctx, url, sender)
	if err != nil {
		return nil, err
	}
	return g.mgr.NewMedia(url.Key(), grant.MediaOptions(url.Schema))
}

// Flow accumulates the traffic of one connection for its flow report
type Flow struct {
	gate     *Gate
	url      models.MediaInfo
	sender   models.SockInfo
	isPlayer bool
	started  time.Time
	bytes    atomic.Uint64
}

// OnSession registers fn to run for every accepted player or pusher
func (g *Gate) OnSession(fn func(url models.MediaInfo, isPlayer bool)) {
	g.mu.Lock()
	g.sessions = append(g.sessions, fn)
	g.mu.Unlock()
}

// NewFlow starts accounting a connection
func (g *Gate) NewFlow(url models.MediaInfo, sender models.SockInfo, isPlayer bool) *Flow {
	g.mu.Lock()
	hooks := slices.Clone(g.sessions)
	g.mu.Unlock()
	for _, fn := range hooks {
		fn(url, isPlayer)
	}
	return &Flow{gate: g, url: url, sender: sender, isPlayer: isPlayer, started: time.Now()}
}

// Add records n transferred bytes
func (f *Flow) Add(n int) {
	if n > 0 {
		f.bytes.Add(uint64(n))
	}
}

// Reader counts the bytes read through r
func (f *Flow) Reader(r io.Reader) io.Reader {
	return &flowReader{r: r, flow: f}
}

// Writer counts the bytes written through w
func (f *Flow) Writer(w io.Writer) io.Writer {
	return &flowWriter{w: w, flow: f}
}

type flowReader struct {
	r    io.Reader
	flow *Flow
}

func (r *flowReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.flow.Add(n)
	return n, err
}

type flowWriter struct {
	w    io.Writer
	flow *Flow
}

func (w *flowWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.flow.Add(n)
	return n, err
}

// Bytes returns the bytes recorded so far
func (f *Flow) Bytes() uint64 {
	return f.bytes.Load()
}

// Done raises the flow report when the traffic reached
// general.flowThreshold kilobytes
func (f *Flow) Done() {
	threshold := uint64(f.gate.cfg.GetInt(ini.KeyFlowThreshold, 1024)) * 1024
	total := f.bytes.Load()
	if total < threshold {
		return
	}
	f.gate.hub.FlowReport(event.FlowReportEvent{
		URL:          f.url,
		TotalBytes:   total,
		TotalSeconds: uint64(time.Since(f.started) / time.Second),
		IsPlayer:     f.isPlayer,
		Sender:       f.sender,
	})
}
