package streammanager

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mediakit/internal/ini"
	"mediakit/internal/muxer"
	"mediakit/pkg/models"
)

// maxGOPFrames bounds the frames cached for late joiners
const maxGOPFrames = 512

// Source is the registry handle of a live media. Key, schema and tracks
// never change after registration.
type Source struct {
	key       models.StreamKey
	schema    models.Schema
	tracks    []models.Track
	opts      MediaOptions
	createdAt time.Time
	mgr       *Manager
	media     *Media
	hasVideo  bool

	mu           sync.RWMutex
	readers      map[uint64]*Reader
	nextReaderID uint64
	totalReaders int
	closed       bool
	params       muxer.ParameterSets
	gop          []*models.Frame
	noReader     *time.Timer

	closeOnce sync.Once

	bytesReceived     atomic.Uint64
	framesReceived    atomic.Uint64
	keyFramesReceived atomic.Uint64
	droppedFrames     atomic.Uint64
	lastFrameTime     atomic.Int64
}

func newSource(m *Media) *Source {
	s := &Source{
		key:       m.key,
		schema:    m.opts.Schema,
		tracks:    append([]models.Track(nil), m.tracks...),
		opts:      m.opts,
		createdAt: time.Now(),
		mgr:       m.mgr,
		media:     m,
		readers:   make(map[uint64]*Reader),
	}
	for _, t := range s.tracks {
		if t.IsVideo() {
			s.hasVideo = true
		}
	}
	return s
}

func (s *Source) Key() models.StreamKey { return s.key }
func (s *Source) Schema() models.Schema { return s.schema }
func (s *Source) Options() MediaOptions { return s.opts }
func (s *Source) CreatedAt() time.Time { return s.createdAt }
func (s *Source) TrackCount() int { return len(s.tracks) }
func (s *Source) Tracks() []models.Track { return append([]models.Track(nil), s.tracks...) }

// Track returns the i-th track
func (s *Source) Track(i int) (models.Track, bool) {
	if i < 0 || i >= len(s.tracks) {
		return models.Track{}, false
	}
	return s.tracks[i], true
}

// VideoTrack returns the video track if there is one
func (s *Source) VideoTrack() (models.Track, bool) {
	for _, t := range s.tracks {
		if t.IsVideo() {
			return t, true
		}
	}
	return models.Track{}, false
}

// AudioTrack returns the audio track if there is one
func (s *Source) AudioTrack() (models.Track, bool) {
	for _, t := range s.tracks {
		if !t.IsVideo() {
			return t, true
		}
	}
	return models.Track{}, false
}

// ReaderCount returns the number of attached players
func (s *Source) ReaderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.readers {
		if r.counted {
			n++
		}
	}
	return n
}

// TotalReaderCount returns every player that ever attached
func (s *Source) TotalReaderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalReaders
}

// ParameterSets returns the latest video parameter sets seen in the stream
func (s *Source) ParameterSets() muxer.ParameterSets {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Closed reports whether the source has been torn down
func (s *Source) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Info returns a snapshot of the source
func (s *Source) Info() models.SourceInfo {
	info := models.SourceInfo{
		Key:              s.key,
		Schema:           s.schema,
		Tracks:           s.Tracks(),
		ReaderCount:      s.ReaderCount(),
		TotalReaderCount: s.TotalReaderCount(),
		CreatedAt:        s.createdAt,
		Outputs:          s.Outputs(),
		Stats: models.StreamStats{
			BytesReceived:     s.bytesReceived.Load(),
			FramesReceived:    s.framesReceived.Load(),
			KeyFramesReceived: s.keyFramesReceived.Load(),
			DroppedFrames:     s.droppedFrames.Load(),
		},
	}
	if ts := s.lastFrameTime.Load(); ts > 0 {
		info.Stats.LastFrameTime = time.Unix(0, ts)
	}
	return info
}

// Close tears the source down. Without force it refuses while players are
// attached. The producer is told through its OnClose callback.
func (s *Source) Close(force bool) bool {
	if !force && s.ReaderCount() > 0 {
		logrus.WithField("key", s.key.String()).Debug("close refused, source has readers")
		return false
	}
	if !s.shutdown() {
		return false
	}
	s.media.closedByReader()
	return true
}

// shutdown unregisters the source and closes every reader exactly once
func (s *Source) shutdown() bool {
	done := false
	s.closeOnce.Do(func() {
		done = true
		removed := s.mgr.unregister(s)

		s.mu.Lock()
		s.closed = true
		for id, r := range s.readers {
			close(r.ch)
			delete(s.readers, id)
		}
		s.gop = nil
		s.stopNoReaderLocked()
		s.mu.Unlock()

		if removed {
			s.mgr.notifier.MediaChanged(false, s)
			s.mgr.eachObserver(func(o Observer) { o.SourceUnregistered(s) })
		}
	})
	return done
}

// Reader receives the frames of a source on C until it is closed or the
// source goes away
type Reader struct {
	ID      uint64
	Schema  models.Schema
	C       <-chan *models.Frame
	ch      chan *models.Frame
	src     *Source
	counted bool
	once    sync.Once
}

// Source returns the source the reader is attached to
func (r *Reader) Source() *Source {
	return r.src
}

// Close detaches the reader
func (r *Reader) Close() {
	r.once.Do(func() { r.src.removeReader(r) })
}

// AddReader attaches a player. Late joiners first receive the cached
// frames since the last key frame.
func (s *Source) AddReader(schema models.Schema, bufferSize int) (*Reader, error) {
	return s.addReader(schema, bufferSize, true)
}

// AddSink attaches an internal consumer, such as a recorder, that does not
// count as a player
func (s *Source) AddSink(schema models.Schema, bufferSize int) (*Reader, error) {
	return s.addReader(schema, bufferSize, false)
}

func (s *Source) addReader(schema models.Schema, bufferSize int, counted bool) (*Reader, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}

	s.nextReaderID++
	ch := make(chan *models.Frame, bufferSize)
	r := &Reader{ID: s.nextReaderID, Schema: schema, C: ch, ch: ch, src: s, counted: counted}
	s.readers[r.ID] = r
	if counted {
		s.totalReaders++
		s.stopNoReaderLocked()
	}

	for _, f := range s.gop {
		select {
		case ch <- f:
		default:
		}
	}

	logrus.WithFields(logrus.Fields{
		"key":    s.key.String(),
		"schema": schema,
		"reader": r.ID,
	}).Debug("reader attached")
	return r, nil
}

func (s *Source) removeReader(r *Reader) {
	s.mu.Lock()
	if _, ok := s.readers[r.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.readers, r.ID)
	close(r.ch)
	if !r.counted || s.closed || s.hasPlayerLocked() {
		s.mu.Unlock()
		return
	}

	delay := time.Duration(s.mgr.cfg.GetInt(ini.KeyNoneReaderDelayMS, 0)) * time.Millisecond
	if delay <= 0 {
		s.mu.Unlock()
		s.mgr.notifier.MediaNoReader(s)
		return
	}
	s.stopNoReaderLocked()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		fire := s.noReader == timer && !s.closed && !s.hasPlayerLocked()
		if s.noReader == timer {
			s.noReader = nil
		}
		s.mu.Unlock()
		if fire {
			s.mgr.notifier.MediaNoReader(s)
		}
	})
	s.noReader = timer
	s.mu.Unlock()
}

// hasPlayerLocked reports whether a counted reader is attached
func (s *Source) hasPlayerLocked() bool {
	for _, r := range s.readers {
		if r.counted {
			return true
		}
	}
	return false
}

// stopNoReaderLocked cancels a pending MediaNoReader
func (s *Source) stopNoReaderLocked() {
	if s.noReader != nil {
		s.noReader.Stop()
		s.noReader = nil
	}
}

// Outputs lists the protocol outputs the source currently offers. An
// output switched off by its enable key is never listed; one with its
// demand key set is listed only while a reader of it is attached.
func (s *Source) Outputs() []models.Schema {
	cfg := s.mgr.cfg
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Schema
	for _, o := range outputs {
		if !cfg.GetBool(o.enable) {
			continue
		}
		if cfg.GetBool(o.demand) && !s.servesLocked(o.schemas) {
			continue
		}
		out = append(out, o.name)
	}
	return out
}

func (s *Source) servesLocked(schemas []models.Schema) bool {
	for _, r := range s.readers {
		if slices.Contains(schemas, r.Schema) {
			return true
		}
	}
	return false
}

// dispatch fans f out to every reader, dropping it for readers whose
// buffer is full
func (s *Source) dispatch(f *models.Frame) error {
	s.bytesReceived.Add(uint64(len(f.Payload)))
	s.framesReceived.Add(1)
	s.lastFrameTime.Store(time.Now().UnixNano())
	if f.KeyFrame {
		s.keyFramesReceived.Add(1)
	}

	var params muxer.ParameterSets
	if f.KeyFrame && f.IsVideo() {
		params = muxer.ExtractParameterSets(f.Codec, f.Payload)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	if params.Complete(f.Codec) {
		s.params = params
	}
	if s.hasVideo {
		if f.KeyFrame && f.IsVideo() {
			s.gop = s.gop[:0]
		}
		if len(s.gop) > 0 || (f.KeyFrame && f.IsVideo()) {
			if len(s.gop) < maxGOPFrames {
				s.gop = append(s.gop, f)
			}
		}
	}
	for _, r := range s.readers {
		select {
		case r.ch <- f:
		default:
			s.droppedFrames.Add(1)
		}
	}
	s.mu.Unlock()
	return nil
}
