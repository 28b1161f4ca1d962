package muxer

import (
	"fmt"
	"io"

	"github.com/yutopp/go-flv"

	"mediakit/pkg/models"
)

// FLVWriter writes an FLV file or HTTP-FLV stream. Timestamps start at
// zero with the first written frame; frames of codecs FLV cannot carry are
// skipped.
type FLVWriter struct {
	enc    *flv.Encoder
	tagger *FLVTagger
	origin int64
	begun  bool
}

// NewFLVWriter writes the FLV header for tracks to w
func NewFLVWriter(w io.Writer, tracks []models.Track, params ParameterSets) (*FLVWriter, error) {
	var flags flv.Flags
	for _, t := range tracks {
		if t.IsVideo() {
			flags |= flv.FlagsVideo
		} else {
			flags |= flv.FlagsAudio
		}
	}
	enc, err := flv.NewEncoder(w, flags)
	if err != nil {
		return nil, fmt.Errorf("flv header: %w", err)
	}
	return &FLVWriter{enc: enc, tagger: NewFLVTagger(tracks, params)}, nil
}

// WriteFrame encodes f
func (w *FLVWriter) WriteFrame(f *models.Frame) error {
	if !w.begun {
		w.begun = true
		w.origin = f.DTS
	}
	rel := *f
	rel.DTS -= w.origin
	rel.PTS -= w.origin
	if rel.DTS < 0 {
		return nil
	}
	tags, err := w.tagger.Tags(&rel)
	if err != nil {
		return nil
	}
	for _, tag := range tags {
		if err := w.enc.Encode(tag); err != nil {
			return err
		}
	}
	return nil
}
