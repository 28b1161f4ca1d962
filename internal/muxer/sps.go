package muxer

import (
	"github.com/Eyevinn/mp4ff/avc"

	"mediakit/pkg/models"
)

// VideoSize reads the coded picture size from a sequence parameter set.
// Zeroes are returned for H265 and when the SPS cannot be parsed.
func VideoSize(codec models.CodecID, sps []byte) (width, height int) {
	if codec != models.CodecH264 {
		return 0, 0
	}
	s, err := avc.ParseSPSNALUnit(sps, false)
	if err != nil {
		return 0, 0
	}
	return int(s.Width), int(s.Height)
}
