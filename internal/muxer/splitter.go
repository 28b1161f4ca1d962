package muxer

import (
	"github.com/sirupsen/logrus"

	"mediakit/pkg/models"
)

// minUnitSize is the smallest unit worth forwarding; anything shorter
// cannot carry a NAL header plus payload.
const minUnitSize = 4

// Splitter reassembles start-code delimited units from an Annex-B byte
// stream that arrives in arbitrary chunks. H.265 is split the same way as
// H.264; NAL semantics are not consulted.
//
// A Splitter is not safe for concurrent use.
type Splitter struct {
	codec  models.CodecID
	onUnit func(unit []byte)

	buf       []byte
	scanFrom  int
	unitStart int // -1 until the first start code is seen
}

// NewSplitter creates a splitter that calls onUnit for every completed
// unit. The slice passed to onUnit is owned by the callee.
func NewSplitter(codec models.CodecID, onUnit func(unit []byte)) *Splitter {
	return &Splitter{
		codec:     codec,
		onUnit:    onUnit,
		unitStart: -1,
	}
}

// Codec returns the codec the splitter was created for
func (s *Splitter) Codec() models.CodecID {
	return s.codec
}

// Input appends data and emits every unit that is now known to be complete.
// Bytes before the first start code are discarded.
func (s *Splitter) Input(data []byte) {
	if len(data) == 0 {
		return
	}
	s.buf = append(s.buf, data...)

	i := s.scanFrom
	for i+3 <= len(s.buf) {
		if s.buf[i] != 0 || s.buf[i+1] != 0 || s.buf[i+2] != 1 {
			i++
			continue
		}

		codeStart := i
		if i > 0 && s.buf[i-1] == 0 && (s.unitStart < 0 || i-1 >= s.unitStart) {
			codeStart = i - 1
		}
		if s.unitStart >= 0 {
			s.emit(s.buf[s.unitStart:codeStart])
		}
		i += 3
		s.unitStart = i
	}

	s.compact(i)
}

// Flush emits the pending unit, if any, and resets the splitter.
// It must be called at teardown or the last unit is lost.
func (s *Splitter) Flush() {
	if s.unitStart >= 0 && s.unitStart <= len(s.buf) {
		s.emit(s.buf[s.unitStart:])
	}
	s.Reset()
}

// Reset discards all buffered data
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
	s.scanFrom = 0
	s.unitStart = -1
}

// Pending returns the number of buffered bytes
func (s *Splitter) Pending() int {
	return len(s.buf)
}

func (s *Splitter) emit(unit []byte) {
	if len(unit) < minUnitSize {
		logrus.WithFields(logrus.Fields{
			"codec": s.codec.String(),
			"size":  len(unit),
		}).Debug("dropping short unit")
		return
	}
	out := make([]byte, len(unit))
	copy(out, unit)
	s.onUnit(out)
}

// compact drops bytes that can no longer be part of a unit. next is the
// first offset that has not been fully scanned.
func (s *Splitter) compact(next int) {
	if s.unitStart < 0 {
		// no start code yet, only the unscanned tail can begin one
		n := copy(s.buf, s.buf[next:])
		s.buf = s.buf[:n]
		s.scanFrom = 0
		return
	}

	n := copy(s.buf, s.buf[s.unitStart:])
	s.buf = s.buf[:n]
	s.scanFrom = next - s.unitStart
	s.unitStart = 0
}

// SplitAnnexB splits a complete Annex-B buffer into NAL units without
// start codes. The trailing unit is included.
func SplitAnnexB(data []byte) [][]byte {
	var units [][]byte
	s := NewSplitter(models.CodecH264, func(u []byte) {
		units = append(units, u)
	})
	s.Input(data)
	s.Flush()
	return units
}
