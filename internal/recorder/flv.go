package recorder

import (
	"context"
	"fmt"
	"io"
	"time"

	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// flvWriter records the whole session into one FLV file
type flvWriter struct {
	m         *Manager
	key       models.StreamKey
	out       io.WriteCloser
	cw        *countingWriter
	flv       *muxer.FLVWriter
	name      string
	startedAt time.Time
	first     int64
	last      int64
	begun     bool
}

func newFLVWriter(ctx context.Context, m *Manager, src *streammanager.Source, name string) (*flvWriter, error) {
	out, err := m.store.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	cw := &countingWriter{w: out}
	fw, err := muxer.NewFLVWriter(cw, src.Tracks(), src.ParameterSets())
	if err != nil {
		out.Close()
		return nil, err
	}
	return &flvWriter{m: m, key: src.Key(), out: out, cw: cw, flv: fw, name: name, startedAt: time.Now()}, nil
}

func (w *flvWriter) write(f *models.Frame) error {
	if !w.begun {
		w.begun = true
		w.first = f.DTS
	}
	if f.DTS > w.last {
		w.last = f.DTS
	}
	return w.flv.WriteFrame(f)
}

func (w *flvWriter) close() error {
	if err := w.out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.name, err)
	}
	var duration time.Duration
	if w.begun {
		duration = time.Duration(w.last-w.first) * time.Millisecond
	}
	w.m.finished(models.RecordFLV, recordInfo(w.key, w.name, w.startedAt, duration, w.cw.n))
	return nil
}
