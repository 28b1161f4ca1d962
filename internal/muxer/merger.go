package muxer

import (
	"bytes"

	"mediakit/pkg/models"
)

// FrameMerger groups NAL-level video input into access units so that
// parameter sets and SEI travel in the same frame as the picture they
// precede. Non-video frames pass straight through.
type FrameMerger struct {
	codec   models.CodecID
	pending bytes.Buffer
}

// NewFrameMerger creates a merger for one video track
func NewFrameMerger(codec models.CodecID) *FrameMerger {
	return &FrameMerger{codec: codec}
}

// Input consumes f and calls emit once an access unit is complete
func (m *FrameMerger) Input(f *models.Frame, emit func(*models.Frame)) {
	if f.Codec != models.CodecH264 && f.Codec != models.CodecH265 {
		emit(f)
		return
	}

	hasPicture := false
	key := f.KeyFrame
	for _, nal := range SplitAnnexB(f.Payload) {
		m.pending.Write(StartCode4)
		m.pending.Write(nal)
		if IsVCL(f.Codec, nal) {
			hasPicture = true
		}
		if IsKeyNAL(f.Codec, nal) {
			key = true
		}
	}
	if !hasPicture {
		return
	}

	out := &models.Frame{
		Codec:    f.Codec,
		DTS:      f.DTS,
		PTS:      f.PTS,
		Payload:  append([]byte(nil), m.pending.Bytes()...),
		KeyFrame: key,
	}
	m.pending.Reset()
	emit(out)
}

// Reset drops buffered NAL units
func (m *FrameMerger) Reset() {
	m.pending.Reset()
}
