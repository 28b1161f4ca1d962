package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"

	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// ErrNoRecordableTrack is returned when a source has neither H264 video
// nor AAC audio
var ErrNoRecordableTrack = errors.New("no track can be recorded to mp4")

const (
	videoTimescale = 90000

	trackVideo = 0
	trackAudio = 1

	// audio-only files are fragmented once per second
	audioFragmentMS = 1000
)

type mp4Sample struct {
	dts  int64 // ms, relative to the file start
	full mp4.FullSample
}

// mp4Writer records fragmented MP4 files, starting a new file on the first
// key frame after maxDur.
type mp4Writer struct {
	ctx    context.Context
	m      *Manager
	key    models.StreamKey
	dir    string
	maxDur int64 // ms

	video  *models.Track
	audio  *models.Track
	params muxer.ParameterSets

	begun   bool
	origin  int64
	lastDTS int64

	out       io.WriteCloser
	cw        *countingWriter
	name      string
	index     int
	fileStart int64
	startedAt time.Time

	ids       [2]uint32
	seq       uint32
	frag      *mp4.Fragment
	fragStart int64
	samples   int
	pending   [2]*mp4Sample
	lastDur   [2]uint32
}

func newMP4Writer(ctx context.Context, m *Manager, src *streammanager.Source, dir string, maxDur time.Duration) (*mp4Writer, error) {
	w := &mp4Writer{
		ctx:     ctx,
		m:       m,
		key:     src.Key(),
		dir:     dir,
		maxDur:  maxDur.Milliseconds(),
		params:  src.ParameterSets(),
		lastDur: [2]uint32{videoTimescale / 25, 1024},
	}
	if v, ok := src.VideoTrack(); ok && v.Codec == models.CodecH264 {
		w.video = &v
	}
	if a, ok := src.AudioTrack(); ok && a.Codec == models.CodecAAC && a.Audio != nil && a.Audio.SampleRate > 0 {
		w.audio = &a
	}
	if w.video == nil && w.audio == nil {
		return nil, ErrNoRecordableTrack
	}
	if w.maxDur <= 0 {
		w.maxDur = time.Hour.Milliseconds()
	}
	return w, nil
}

func (w *mp4Writer) trackOf(f *models.Frame) (int, bool) {
	switch {
	case f.Codec == models.CodecH264 && w.video != nil:
		return trackVideo, true
	case f.Codec == models.CodecAAC && w.audio != nil:
		return trackAudio, true
	}
	return 0, false
}

func (w *mp4Writer) timescale(idx int) int64 {
	if idx == trackVideo {
		return videoTimescale
	}
	return int64(w.audio.Audio.SampleRate)
}

func (w *mp4Writer) units(idx int, ms int64) int64 {
	return ms * w.timescale(idx) / 1000
}

func (w *mp4Writer) write(f *models.Frame) error {
	idx, ok := w.trackOf(f)
	if !ok {
		return nil
	}
	boundary := idx == trackAudio
	if w.video != nil {
		boundary = idx == trackVideo && f.KeyFrame
	}

	if !w.begun {
		if !boundary {
			return nil
		}
		if idx == trackVideo {
			if ps := muxer.ExtractParameterSets(f.Codec, f.Payload); ps.Complete(f.Codec) {
				w.params = ps
			}
			if !w.params.Complete(f.Codec) {
				return nil
			}
		}
		w.begun = true
		w.origin = f.DTS
	}

	rel := f.DTS - w.origin
	if rel < 0 {
		return nil
	}

	switch {
	case w.out == nil:
		if err := w.openFile(rel); err != nil {
			return err
		}
	case boundary && rel-w.fileStart >= w.maxDur:
		if err := w.closeFile(rel); err != nil {
			return err
		}
		if err := w.openFile(rel); err != nil {
			return err
		}
	case boundary && (w.video != nil || rel-w.fragStart >= audioFragmentMS):
		if err := w.flushFragment(rel); err != nil {
			return err
		}
	}

	if err := w.add(idx, f, rel); err != nil {
		return err
	}
	w.lastDTS = rel
	return nil
}

// add queues f; the previous sample of its track gets its duration from it
func (w *mp4Writer) add(idx int, f *models.Frame, rel int64) error {
	dts := rel - w.fileStart
	s := &mp4Sample{dts: dts}
	s.full.DecodeTime = uint64(w.units(idx, dts))
	if idx == trackVideo {
		s.full.Data = muxer.ConvertAnnexBToAVCC(f.Codec, f.Payload, true)
		s.full.CompositionTimeOffset = int32(w.units(idx, f.PTS-f.DTS))
		s.full.Flags = mp4.NonSyncSampleFlags
		if f.KeyFrame {
			s.full.Flags = mp4.SyncSampleFlags
		}
	} else {
		s.full.Data = muxer.StripADTS(f.Payload)
		s.full.Flags = mp4.SyncSampleFlags
	}
	s.full.Size = uint32(len(s.full.Data))
	if len(s.full.Data) == 0 {
		return nil
	}

	if prev := w.pending[idx]; prev != nil {
		if d := s.full.DecodeTime - prev.full.DecodeTime; s.full.DecodeTime > prev.full.DecodeTime {
			w.lastDur[idx] = uint32(d)
		}
		if err := w.commit(idx, prev); err != nil {
			return err
		}
	}
	w.pending[idx] = s
	return nil
}

func (w *mp4Writer) commit(idx int, s *mp4Sample) error {
	s.full.Dur = w.lastDur[idx]
	if err := w.frag.AddFullSampleToTrack(s.full, w.ids[idx]); err != nil {
		return fmt.Errorf("add sample: %w", err)
	}
	w.samples++
	return nil
}

// flushFragment writes the open fragment, closing pending samples at end (ms)
func (w *mp4Writer) flushFragment(end int64) error {
	for idx, s := range w.pending {
		if s == nil {
			continue
		}
		if endUnits := w.units(idx, end-w.fileStart); uint64(endUnits) > s.full.DecodeTime {
			d := uint32(uint64(endUnits) - s.full.DecodeTime)
			if idx == trackVideo || d < w.lastDur[idx] {
				w.lastDur[idx] = d
			}
		}
		if err := w.commit(idx, s); err != nil {
			return err
		}
		w.pending[idx] = nil
	}
	if w.samples > 0 {
		if err := w.frag.Encode(w.cw); err != nil {
			return fmt.Errorf("write fragment: %w", err)
		}
	}
	return w.newFragment(end)
}

func (w *mp4Writer) newFragment(start int64) error {
	var ids []uint32
	for idx, id := range w.ids {
		if (idx == trackVideo && w.video != nil) || (idx == trackAudio && w.audio != nil) {
			ids = append(ids, id)
		}
	}
	w.seq++
	frag, err := mp4.CreateMultiTrackFragment(w.seq, ids)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}
	w.frag = frag
	w.fragStart = start
	w.samples = 0
	return nil
}

func (w *mp4Writer) openFile(start int64) error {
	now := time.Now()
	w.index++
	w.name = path.Join(w.dir, now.Format("2006-01-02"), fmt.Sprintf("%s-%d.mp4", now.Format("15-04-05"), w.index))
	out, err := w.m.store.Create(w.ctx, w.name)
	if err != nil {
		return err
	}

	init := mp4.CreateEmptyInit()
	if w.video != nil {
		init.AddEmptyTrack(videoTimescale, "video", "und")
		trak := init.Moov.Traks[len(init.Moov.Traks)-1]
		if err := trak.SetAVCDescriptor("avc1", w.params.SPS, w.params.PPS, true); err != nil {
			out.Close()
			return fmt.Errorf("avc descriptor: %w", err)
		}
		w.ids[trackVideo] = trak.Tkhd.TrackID
	}
	if w.audio != nil {
		init.AddEmptyTrack(uint32(w.audio.Audio.SampleRate), "audio", "und")
		trak := init.Moov.Traks[len(init.Moov.Traks)-1]
		if err := trak.SetAACDescriptor(aac.AAClc, w.audio.Audio.SampleRate); err != nil {
			out.Close()
			return fmt.Errorf("aac descriptor: %w", err)
		}
		w.ids[trackAudio] = trak.Tkhd.TrackID
	}

	w.out = out
	w.cw = &countingWriter{w: out}
	if err := init.Encode(w.cw); err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}
	w.fileStart = start
	w.startedAt = now
	w.seq = 0
	return w.newFragment(start)
}

func (w *mp4Writer) closeFile(end int64) error {
	if err := w.flushFragment(end); err != nil {
		w.out.Close()
		w.out = nil
		return err
	}
	err := w.out.Close()
	w.out = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", w.name, err)
	}
	duration := time.Duration(end-w.fileStart) * time.Millisecond
	w.m.finished(models.RecordMP4, recordInfo(w.key, w.name, w.startedAt, duration, w.cw.n))
	return nil
}

func (w *mp4Writer) close() error {
	if w.out == nil {
		return nil
	}
	return w.closeFile(w.lastDTS)
}
