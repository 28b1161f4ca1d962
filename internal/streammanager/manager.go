package streammanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/pkg/models"
)

var (
	// ErrStreamExists is returned when a key already has a live or pending source
	ErrStreamExists = errors.New("stream already exists")
	ErrInvalidKey   = errors.New("vhost, app and stream are required")
	ErrNoTracks     = errors.New("no track initialised")
	ErrNotReady     = errors.New("media tracks not complete")
	ErrReleased     = errors.New("media released")
	ErrSourceClosed = errors.New("source closed")
)

// Notifier receives registry lifecycle events. *event.Hub satisfies it.
type Notifier interface {
	MediaChanged(registered bool, src event.Source)
	MediaNoReader(src event.Source)
}

// Observer is notified of registrations for in-process consumers such as
// recorders and metrics
type Observer interface {
	SourceRegistered(src *Source)
	SourceUnregistered(src *Source)
}

type nopNotifier struct{}

func (nopNotifier) MediaChanged(bool, event.Source) {}
func (nopNotifier) MediaNoReader(event.Source)      {}

// Manager is the registry of live sources, at most one per StreamKey
type Manager struct {
	sources  map[models.StreamKey]*Source
	pending  map[models.StreamKey]*Media
	waiters  map[models.StreamKey][]chan struct{}
	mu       sync.RWMutex
	notifier Notifier
	cfg      *ini.Ini

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a registry raising events on notifier (may be nil)
func New(notifier Notifier, cfg *ini.Ini) *Manager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg == nil {
		cfg = ini.Default()
	}
	return &Manager{
		sources:  make(map[models.StreamKey]*Source),
		pending:  make(map[models.StreamKey]*Media),
		waiters:  make(map[models.StreamKey][]chan struct{}),
		notifier: notifier,
		cfg:      cfg,
	}
}

// AddObserver registers an in-process observer
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) eachObserver(fn func(Observer)) {
	m.obsMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// NewMedia reserves key for a new producer. The source becomes visible
// once its tracks are complete.
func (m *Manager) NewMedia(key models.StreamKey, opts MediaOptions) (*Media, error) {
	if key.Vhost == "" {
		key.Vhost = models.DefaultVhost
	}
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	if opts.Schema == "" {
		opts.Schema = models.SchemaMedia
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrStreamExists)
	}
	if _, ok := m.pending[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrStreamExists)
	}

	media := newMedia(m, key, opts, time.Duration(m.cfg.GetInt(ini.KeyWaitAddTrackMS, 3000))*time.Millisecond)
	m.pending[key] = media
	return media, nil
}

// Find returns the registered source for key, or nil
func (m *Manager) Find(key models.StreamKey) *Source {
	if key.Vhost == "" {
		key.Vhost = models.DefaultVhost
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sources[key]
}

// Wait blocks until key is registered or ctx is done
func (m *Manager) Wait(ctx context.Context, key models.StreamKey) (*Source, error) {
	if key.Vhost == "" {
		key.Vhost = models.DefaultVhost
	}
	for {
		m.mu.Lock()
		if src, ok := m.sources[key]; ok {
			m.mu.Unlock()
			return src, nil
		}
		ch := make(chan struct{})
		m.waiters[key] = append(m.waiters[key], ch)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			m.dropWaiter(key, ch)
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) dropWaiter(key models.StreamKey, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[key]
	for i, c := range list {
		if c == ch {
			m.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.waiters[key]) == 0 {
		delete(m.waiters, key)
	}
}

// Sources returns every registered source ordered by key
func (m *Manager) Sources() []*Source {
	m.mu.RLock()
	out := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].key.String() < out[j].key.String()
	})
	return out
}

// Count returns the number of registered sources
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

// CloseAll force-closes every registered source
func (m *Manager) CloseAll() {
	for _, s := range m.Sources() {
		s.Close(true)
	}
}

func (m *Manager) register(media *Media, src *Source) error {
	m.mu.Lock()
	if m.pending[media.key] != media {
		m.mu.Unlock()
		return ErrReleased
	}
	if _, ok := m.sources[media.key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", media.key, ErrStreamExists)
	}
	delete(m.pending, media.key)
	m.sources[media.key] = src
	for _, ch := range m.waiters[media.key] {
		close(ch)
	}
	delete(m.waiters, media.key)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"key":    media.key.String(),
		"schema": src.schema,
		"tracks": len(src.tracks),
	}).Info("media registered")

	m.notifier.MediaChanged(true, src)
	m.eachObserver(func(o Observer) { o.SourceRegistered(src) })
	return nil
}

// unregister removes src if it is still the registered source for its key
func (m *Manager) unregister(src *Source) bool {
	m.mu.Lock()
	if m.sources[src.key] != src {
		m.mu.Unlock()
		return false
	}
	delete(m.sources, src.key)
	m.mu.Unlock()

	logrus.WithField("key", src.key.String()).Info("media unregistered")
	return true
}

func (m *Manager) dropPending(media *Media) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[media.key] == media {
		delete(m.pending, media.key)
	}
}
