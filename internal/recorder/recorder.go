// Package recorder writes live sources to storage: HLS (MPEG-TS segments
// and a sliding playlist), fragmented MP4 files rolled on a duration, and
// single FLV files.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/storage"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

var (
	ErrRecording       = errors.New("already recording")
	ErrNotRecording    = errors.New("not recording")
	ErrSourceNotFound  = errors.New("source not found")
	ErrUnsupportedType = errors.New("unsupported record type")
)

const sinkBuffer = 1024

// HLSPlaylist is the playlist name inside a stream's HLS folder
const HLSPlaylist = "hls.m3u8"

// HLSDir is the storage folder of the live HLS output of key
func HLSDir(key models.StreamKey) string {
	return path.Join(key.App, key.Stream)
}

// writer consumes the frames of one recording
type writer interface {
	write(f *models.Frame) error
	close() error
}

type recKey struct {
	typ models.RecordType
	key models.StreamKey
}

type recording struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func (r *recording) cancel() {
	r.once.Do(func() { close(r.stop) })
}

// Manager starts and stops recordings. It also observes the registry and
// starts the HLS and MP4 recordings a publish grant asked for.
type Manager struct {
	hub   *event.Hub
	mgr   *streammanager.Manager
	store storage.Storage
	cfg   *ini.Ini

	mu     sync.Mutex
	active map[recKey]*recording
	hooks  []func(models.RecordType, models.RecordInfo)
	closed bool
	wg     sync.WaitGroup
}

// New creates a recorder writing to store and registers it with mgr
func New(hub *event.Hub, mgr *streammanager.Manager, store storage.Storage, cfg *ini.Ini) *Manager {
	if cfg == nil {
		cfg = ini.Default()
	}
	m := &Manager{hub: hub, mgr: mgr, store: store, cfg: cfg, active: make(map[recKey]*recording)}
	mgr.AddObserver(m)
	return m
}

// OnFile registers fn to run after every finished segment or file
func (m *Manager) OnFile(fn func(models.RecordType, models.RecordInfo)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Manager) finished(typ models.RecordType, info models.RecordInfo) {
	m.mu.Lock()
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(typ, info)
	}
	if m.hub == nil {
		return
	}
	switch typ {
	case models.RecordHLS:
		m.hub.RecordTS(info)
	case models.RecordMP4:
		m.hub.RecordMP4(info)
	}
}

// Storage is the backend recordings are written to
func (m *Manager) Storage() storage.Storage {
	return m.store
}

// Start records the source at key. customPath replaces the default storage
// folder; maxSeconds rolls MP4 files (0 uses record.fileSecond).
func (m *Manager) Start(typ models.RecordType, key models.StreamKey, customPath string, maxSeconds int) error {
	src := m.mgr.Find(key)
	if src == nil {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, key)
	}

	ctx := context.Background()
	var (
		w      writer
		err    error
		schema models.Schema
	)
	switch typ {
	case models.RecordHLS:
		dir := HLSDir(key)
		if customPath != "" {
			dir = customPath
		}
		schema = models.SchemaHLS
		w, err = newHLSWriter(ctx, m, src, dir)
	case models.RecordMP4:
		dir := path.Join(m.cfg.Get(ini.KeyRecordAppName), key.App, key.Stream)
		if customPath != "" {
			dir = customPath
		}
		if maxSeconds <= 0 {
			maxSeconds = m.cfg.GetInt(ini.KeyRecordFileSecond, 3600)
		}
		schema = models.SchemaFMP4
		w, err = newMP4Writer(ctx, m, src, dir, time.Duration(maxSeconds)*time.Second)
	case models.RecordFLV:
		name := customPath
		if name == "" {
			name = path.Join(m.cfg.Get(ini.KeyRecordAppName), key.App, key.Stream, time.Now().Format("2006-01-02_15-04-05")+".flv")
		}
		schema = models.SchemaHTTP
		w, err = newFLVWriter(ctx, m, src, name)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedType, typ)
	}
	if err != nil {
		return fmt.Errorf("start %s recording: %w", typ, err)
	}

	rk := recKey{typ: typ, key: key}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		w.close()
		return ErrNotRecording
	}
	if _, ok := m.active[rk]; ok {
		m.mu.Unlock()
		w.close()
		return ErrRecording
	}
	reader, err := src.AddSink(schema, sinkBuffer)
	if err != nil {
		m.mu.Unlock()
		w.close()
		return err
	}
	rec := &recording{stop: make(chan struct{}), done: make(chan struct{})}
	m.active[rk] = rec
	m.wg.Add(1)
	m.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"key": key.String(), "type": typ.String()})
	log.Info("recording started")
	go func() {
		defer m.wg.Done()
		defer close(rec.done)
		run(rec, reader, w, log)
		m.mu.Lock()
		if m.active[rk] == rec {
			delete(m.active, rk)
		}
		m.mu.Unlock()
		log.Info("recording stopped")
	}()
	return nil
}

// StartFLV records key into a single FLV file at name
func (m *Manager) StartFLV(key models.StreamKey, name string) error {
	return m.Start(models.RecordFLV, key, name, 0)
}

func run(rec *recording, reader *streammanager.Reader, w writer, log *logrus.Entry) {
	defer reader.Close()
	defer func() {
		if err := w.close(); err != nil {
			log.WithError(err).Warn("recording finalise failed")
		}
	}()
	for {
		select {
		case <-rec.stop:
			return
		case f, ok := <-reader.C:
			if !ok {
				return
			}
			if err := w.write(f); err != nil {
				log.WithError(err).Warn("recording write failed")
				return
			}
		}
	}
}

// Stop ends a recording and waits for its files to be finalised
func (m *Manager) Stop(typ models.RecordType, key models.StreamKey) bool {
	m.mu.Lock()
	rec, ok := m.active[recKey{typ: typ, key: key}]
	m.mu.Unlock()
	if !ok {
		return false
	}
	rec.cancel()
	<-rec.done
	return true
}

// IsRecording reports whether a recording of typ runs for key
func (m *Manager) IsRecording(typ models.RecordType, key models.StreamKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[recKey{typ: typ, key: key}]
	return ok
}

// DemandHLS starts the HLS output of key on first request when
// protocol.hls_demand holds it back
func (m *Manager) DemandHLS(key models.StreamKey) error {
	if m.IsRecording(models.RecordHLS, key) {
		return nil
	}
	err := m.Start(models.RecordHLS, key, "", 0)
	if errors.Is(err, ErrRecording) {
		return nil
	}
	return err
}

// SourceRegistered starts the recordings granted at publish time
func (m *Manager) SourceRegistered(src *streammanager.Source) {
	opts := src.Options()
	key := src.Key()
	if opts.EnableHLS && !m.cfg.GetBool(ini.KeyHLSDemand) {
		m.startAsync(models.RecordHLS, key, 0)
	}
	if opts.EnableMP4 {
		m.startAsync(models.RecordMP4, key, 0)
	}
}

func (m *Manager) startAsync(typ models.RecordType, key models.StreamKey, maxSeconds int) {
	go func() {
		if err := m.Start(typ, key, "", maxSeconds); err != nil && !errors.Is(err, ErrRecording) {
			logrus.WithError(err).WithFields(logrus.Fields{"key": key.String(), "type": typ.String()}).Warn("automatic recording not started")
		}
	}()
}

// SourceUnregistered is a no-op; recordings end when their sink closes
func (m *Manager) SourceUnregistered(*streammanager.Source) {}

// Close stops every recording
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	for _, rec := range m.active {
		rec.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// recordInfo describes a finished file stored at name
func recordInfo(key models.StreamKey, name string, start time.Time, duration time.Duration, size int64) models.RecordInfo {
	return models.RecordInfo{
		StartTime: start,
		Duration:  duration.Seconds(),
		FileSize:  size,
		FileName:  path.Base(name),
		FilePath:  name,
		Folder:    path.Dir(name),
		URL:       name,
		Key:       key,
	}
}

// countingWriter tracks the size of a streamed file
type countingWriter struct {
	w interface {
		Write([]byte) (int, error)
	}
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
