// Package pullproxy keeps proxy players alive: a missing stream with a
// configured origin is pulled on demand, restarted with backoff when the
// origin drops, and stopped once nobody watches it.
package pullproxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"mediakit/internal/event"
	"mediakit/internal/session"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

var (
	ErrRunning = errors.New("proxy already running")
	ErrNoRoute = errors.New("no origin configured for stream")
)

// stableAfter resets the backoff once a pull lasted this long
const stableAfter = 30 * time.Second

// Route names the origin URL pulled for a local stream
type Route struct {
	Key     models.StreamKey
	URL     string
	Options map[string]string
}

// Status describes a running proxy
type Status struct {
	Key      models.StreamKey `json:"key"`
	URL      string           `json:"url"`
	State    string           `json:"state"`
	Attempts int              `json:"attempts"`
	Since    time.Time        `json:"since"`
}

type proxy struct {
	route  Route
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	player   *session.Player
	attempts int
	since    time.Time
}

// Manager runs proxy players against a source registry
type Manager struct {
	mgr *streammanager.Manager

	// NewBackOff builds the retry policy of each proxy
	NewBackOff func() backoff.BackOff

	mu      sync.Mutex
	routes  map[models.StreamKey]Route
	proxies map[models.StreamKey]*proxy
	wg      sync.WaitGroup
}

// New creates a manager publishing into mgr
func New(mgr *streammanager.Manager) *Manager {
	return &Manager{
		mgr: mgr,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		routes:  make(map[models.StreamKey]Route),
		proxies: make(map[models.StreamKey]*proxy),
	}
}

// AddRoute makes key pullable on demand from r.URL
func (m *Manager) AddRoute(r Route) {
	m.mu.Lock()
	m.routes[r.Key] = r
	m.mu.Unlock()
}

// Route returns the origin configured for key
func (m *Manager) Route(key models.StreamKey) (Route, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[key]
	return r, ok
}

// Start pulls rawURL into key until Stop, retrying when the pull fails
func (m *Manager) Start(key models.StreamKey, rawURL string, opts map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proxies[key]; ok {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &proxy{
		route:  Route{Key: key, URL: rawURL, Options: opts},
		cancel: cancel,
		done:   make(chan struct{}),
		since:  time.Now(),
	}
	m.proxies[key] = p
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(p.done)
		m.run(ctx, p)
		m.mu.Lock()
		if m.proxies[key] == p {
			delete(m.proxies, key)
		}
		m.mu.Unlock()
	}()
	return nil
}

// Stop ends the proxy of key and waits for its player to release
func (m *Manager) Stop(key models.StreamKey) bool {
	m.mu.Lock()
	p, ok := m.proxies[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.cancel()
	<-p.done
	return true
}

// Running reports whether key is proxied
func (m *Manager) Running(key models.StreamKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.proxies[key]
	return ok
}

// List returns the running proxies ordered by key
func (m *Manager) List() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.proxies))
	for _, p := range m.proxies {
		p.mu.Lock()
		st := Status{Key: p.route.Key, URL: p.route.URL, Attempts: p.attempts, Since: p.since, State: session.StateCreated.String()}
		if p.player != nil {
			st.State = p.player.State().String()
		}
		p.mu.Unlock()
		out = append(out, st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Pull starts the configured route of key
func (m *Manager) Pull(key models.StreamKey) error {
	r, ok := m.Route(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, key)
	}
	return m.Start(r.Key, r.URL, r.Options)
}

// HandleNotFound starts the configured pull for a missing stream. It
// reports whether a pull is under way, so the player should wait.
func (m *Manager) HandleNotFound(url models.MediaInfo) bool {
	err := m.Pull(url.Key())
	return err == nil || errors.Is(err, ErrRunning)
}

// HandleNoReader stops the proxy of a source nobody watches
func (m *Manager) HandleNoReader(src event.Source) {
	key := src.Key()
	if m.Running(key) {
		logrus.WithField("key", key.String()).Info("stopping unwatched proxy")
		go m.Stop(key)
	}
}

// Close stops every proxy
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, p := range m.proxies {
		p.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Manager) run(ctx context.Context, p *proxy) {
	log := logrus.WithFields(logrus.Fields{"key": p.route.Key.String(), "url": p.route.URL})
	b := backoff.WithContext(m.NewBackOff(), ctx)

	for {
		started := time.Now()
		code, what := m.pull(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if code == session.CodeShutdown {
			log.Info("proxied source closed, not retrying")
			return
		}
		if time.Since(started) >= stableAfter {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.WithField("reason", what).Warn("proxy gave up")
			return
		}
		log.WithFields(logrus.Fields{"code": code, "reason": what, "retry_in": wait}).Warn("proxy pull ended")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pull runs one player until it closes and returns its close code
func (m *Manager) pull(ctx context.Context, p *proxy) (int, string) {
	b := session.NewPlayerBuilder(m.mgr).
		Vhost(p.route.Key.Vhost).
		App(p.route.Key.App).
		Stream(p.route.Key.Stream)
	for k, v := range p.route.Options {
		b.Option(k, v)
	}
	player := b.Build()

	type result struct {
		code int
		what string
	}
	closed := make(chan result, 1)
	player.OnClose(func(code int, what string, _ int) {
		closed <- result{code: code, what: what}
	})

	p.mu.Lock()
	p.player = player
	p.attempts++
	p.mu.Unlock()

	// a failed Play also reports through OnClose
	_ = player.Play(p.route.URL)

	select {
	case <-ctx.Done():
		player.Release()
		return session.CodeShutdown, "stopped"
	case r := <-closed:
		return r.code, r.what
	}
}
