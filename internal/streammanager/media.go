package streammanager

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

// MediaOptions controls how a produced source is exposed
type MediaOptions struct {
	Schema    models.Schema
	EnableHLS bool
	EnableMP4 bool
	// Duration of on-demand content in seconds, 0 for live
	Duration float64
}

// Media is the producer side of a source. Tracks are declared first,
// InitComplete seals them and registers the source, then frames flow.
type Media struct {
	mgr  *Manager
	key  models.StreamKey
	opts MediaOptions

	mu        sync.Mutex
	tracks    []models.Track
	complete  bool
	released  bool
	source    *Source
	mergers   map[models.CodecID]*muxer.FrameMerger
	autoTimer *time.Timer
	waitTrack time.Duration
	onClose   func()
}

func newMedia(mgr *Manager, key models.StreamKey, opts MediaOptions, waitTrack time.Duration) *Media {
	return &Media{
		mgr:       mgr,
		key:       key,
		opts:      opts,
		mergers:   make(map[models.CodecID]*muxer.FrameMerger),
		waitTrack: waitTrack,
	}
}

// Key returns the stream key the media was created for
func (m *Media) Key() models.StreamKey {
	return m.key
}

// InitTrack declares one track. The source registers as soon as both a
// video and an audio track are known; otherwise InitComplete, or the
// track wait timer, registers it.
func (m *Media) InitTrack(track models.Track) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrReleased
	}
	if m.complete {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{"key": m.key.String(), "track": track.String()}).
			Warn("track added after init complete, ignored")
		return nil
	}
	for _, t := range m.tracks {
		if t.IsVideo() == track.IsVideo() {
			m.mu.Unlock()
			return nil
		}
	}
	m.tracks = append(m.tracks, track)
	if track.IsVideo() {
		m.mergers[track.Codec] = muxer.NewFrameMerger(track.Codec)
	}
	full := len(m.tracks) == 2
	if !full && m.autoTimer == nil && m.waitTrack > 0 {
		m.autoTimer = time.AfterFunc(m.waitTrack, func() {
			if err := m.InitComplete(); err != nil {
				logrus.WithError(err).WithField("key", m.key.String()).Warn("auto init complete failed")
			}
		})
	}
	m.mu.Unlock()

	if full {
		return m.InitComplete()
	}
	return nil
}

// InitVideo declares a video track
func (m *Media) InitVideo(codec models.CodecID, width, height int, fps float64, bitrate int) error {
	return m.InitTrack(models.NewVideoTrack(codec, width, height, fps, bitrate))
}

// InitAudio declares an audio track
func (m *Media) InitAudio(codec models.CodecID, sampleRate, channels, sampleBit int) error {
	return m.InitTrack(models.NewAudioTrack(codec, sampleRate, channels, sampleBit, 0))
}

// InitComplete seals the track list and registers the source
func (m *Media) InitComplete() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrReleased
	}
	if m.complete {
		m.mu.Unlock()
		return nil
	}
	if len(m.tracks) == 0 {
		m.mu.Unlock()
		return ErrNoTracks
	}
	if m.autoTimer != nil {
		m.autoTimer.Stop()
	}
	src := newSource(m)
	m.complete = true
	m.source = src
	m.mu.Unlock()

	if err := m.mgr.register(m, src); err != nil {
		m.mu.Lock()
		m.complete = false
		m.source = nil
		m.mu.Unlock()
		return err
	}
	return nil
}

// Source returns the registered source, nil before InitComplete
func (m *Media) Source() *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// OnClose sets the callback run when a reader-side Close tears the source
// down. The producer should stop feeding and Release.
func (m *Media) OnClose(fn func()) {
	m.mu.Lock()
	m.onClose = fn
	m.mu.Unlock()
}

// InputFrame copies f into the source and fans it out to readers
func (m *Media) InputFrame(f *models.Frame) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrReleased
	}
	if !m.complete {
		m.mu.Unlock()
		return ErrNotReady
	}
	src := m.source
	in := models.NewFrame(f.Codec, f.DTS, f.PTS, f.Payload)
	in.KeyFrame = f.KeyFrame

	var out []*models.Frame
	if merger, ok := m.mergers[in.Codec]; ok {
		merger.Input(in, func(af *models.Frame) { out = append(out, af) })
	} else {
		out = append(out, in)
	}
	m.mu.Unlock()

	for _, af := range out {
		if err := src.dispatch(af); err != nil {
			return err
		}
	}
	return nil
}

// TotalReaderCount returns the readers of the registered source
func (m *Media) TotalReaderCount() int {
	if src := m.Source(); src != nil {
		return src.TotalReaderCount()
	}
	return 0
}

// Release drops the producer and unregisters its source
func (m *Media) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	if m.autoTimer != nil {
		m.autoTimer.Stop()
	}
	src := m.source
	m.mu.Unlock()

	if src == nil {
		m.mgr.dropPending(m)
		return
	}
	src.shutdown()
}

func (m *Media) closedByReader() {
	m.mu.Lock()
	m.released = true
	fn := m.onClose
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}
