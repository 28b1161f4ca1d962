package recorder

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"mediakit/internal/ini"
	"mediakit/internal/mpegts"
	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// hlsWriter cuts the source into MPEG-TS segments and keeps a sliding
// live playlist next to them.
type hlsWriter struct {
	ctx    context.Context
	m      *Manager
	key    models.StreamKey
	dir    string
	tracks []models.Track
	params muxer.ParameterSets

	segDur int64 // ms
	segNum int

	buf       bytes.Buffer
	mux       *mpegts.Muxer
	hasVideo  bool
	begun     bool
	origin    int64
	lastDTS   int64
	segStart  int64
	startedAt time.Time
	seq       uint64
	segments  []models.Segment
}

func newHLSWriter(ctx context.Context, m *Manager, src *streammanager.Source, dir string) (*hlsWriter, error) {
	w := &hlsWriter{
		ctx:    ctx,
		m:      m,
		key:    src.Key(),
		dir:    dir,
		tracks: src.Tracks(),
		params: src.ParameterSets(),
		segDur: int64(m.cfg.GetInt(ini.KeyHLSSegDur, 2)) * 1000,
		segNum: m.cfg.GetInt(ini.KeyHLSSegNum, 3),
	}
	if w.segDur <= 0 {
		w.segDur = 2000
	}
	if w.segNum <= 0 {
		w.segNum = 3
	}
	// fail before the sink is added when nothing can be carried
	if err := w.open(0); err != nil {
		return nil, err
	}
	w.hasVideo = w.mux.HasVideo()
	return w, nil
}

func (w *hlsWriter) open(start int64) error {
	w.buf.Reset()
	mux, err := mpegts.NewMuxer(w.ctx, &w.buf, w.tracks, w.params)
	if err != nil {
		return err
	}
	if _, err := mux.WriteTables(); err != nil {
		return err
	}
	w.mux = mux
	w.segStart = start
	w.startedAt = time.Now()
	return nil
}

func (w *hlsWriter) write(f *models.Frame) error {
	boundary := !w.hasVideo || (f.IsVideo() && f.KeyFrame)
	if !w.begun {
		if !boundary {
			return nil
		}
		w.begun = true
		w.origin = f.DTS
		w.startedAt = time.Now()
	}

	rel := *f
	rel.DTS -= w.origin
	rel.PTS -= w.origin
	if rel.DTS < 0 || rel.PTS < 0 {
		return nil
	}

	if boundary && rel.DTS-w.segStart >= w.segDur {
		if err := w.flush(rel.DTS, false); err != nil {
			return err
		}
		if err := w.open(rel.DTS); err != nil {
			return err
		}
	}
	if _, err := w.mux.WriteFrame(&rel); err != nil {
		return err
	}
	w.lastDTS = rel.DTS
	return nil
}

// flush stores the current segment, which ends at end (ms)
func (w *hlsWriter) flush(end int64, final bool) error {
	name := path.Join(w.dir, fmt.Sprintf("%d.ts", w.seq))
	data := w.buf.Bytes()
	if err := w.m.store.Write(w.ctx, name, data); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	duration := time.Duration(end-w.segStart) * time.Millisecond
	w.segments = append(w.segments, models.Segment{
		Key:         w.key,
		SequenceNum: w.seq,
		Duration:    duration.Seconds(),
		FilePath:    name,
		FileSize:    int64(len(data)),
		CreatedAt:   time.Now(),
	})
	w.seq++

	for len(w.segments) > w.segNum {
		old := w.segments[0]
		w.segments = w.segments[1:]
		if err := w.m.store.Delete(w.ctx, old.FilePath); err != nil {
			return fmt.Errorf("evict segment: %w", err)
		}
	}

	playlist := Playlist(w.segments, int(w.segDur/1000), final)
	if err := w.m.store.Write(w.ctx, path.Join(w.dir, HLSPlaylist), []byte(playlist)); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}

	w.m.finished(models.RecordHLS, recordInfo(w.key, name, w.startedAt, duration, int64(len(data))))
	return nil
}

func (w *hlsWriter) close() error {
	if !w.begun {
		return nil
	}
	end := w.lastDTS
	if end <= w.segStart {
		end = w.segStart + 1
	}
	return w.flush(end, true)
}

// Playlist renders a live HLS playlist over segments. ended appends
// EXT-X-ENDLIST once the source is gone.
func Playlist(segments []models.Segment, targetDuration int, ended bool) string {
	target := targetDuration
	for _, seg := range segments {
		if d := int(math.Ceil(seg.Duration)); d > target {
			target = d
		}
	}
	if target < 1 {
		target = 1
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-ALLOW-CACHE:NO\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	var first uint64
	if len(segments) > 0 {
		first = segments[0].SequenceNum
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(path.Base(seg.FilePath) + "\n")
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
