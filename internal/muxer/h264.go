package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"mediakit/pkg/models"
)

// H.264 NAL unit types
const (
	NALUnitTypeSlice = 1
	NALUnitTypeIDR   = 5
	NALUnitTypeSEI   = 6
	NALUnitTypeSPS   = 7
	NALUnitTypePPS   = 8
	NALUnitTypeAUD   = 9
)

// H.265 NAL unit types
const (
	HEVCNALUnitTypeBLAWLP = 16
	HEVCNALUnitTypeCRANUT = 21
	HEVCNALUnitTypeVPS    = 32
	HEVCNALUnitTypeSPS    = 33
	HEVCNALUnitTypePPS    = 34
	HEVCNALUnitTypeAUD    = 35
)

// AnnexB start codes
var (
	// 4-byte start code (used for first NAL or after SPS/PPS)
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	// 3-byte start code (used for most NALs)
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

// NALType returns the NAL unit type of a unit without start code
func NALType(codec models.CodecID, nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	if codec == models.CodecH265 {
		return int(nal[0]>>1) & 0x3F
	}
	return int(nal[0] & 0x1F)
}

// IsParameterSet reports whether nal is a VPS, SPS or PPS
func IsParameterSet(codec models.CodecID, nal []byte) bool {
	t := NALType(codec, nal)
	if codec == models.CodecH265 {
		return t == HEVCNALUnitTypeVPS || t == HEVCNALUnitTypeSPS || t == HEVCNALUnitTypePPS
	}
	return t == NALUnitTypeSPS || t == NALUnitTypePPS
}

// IsVCL reports whether nal carries picture data
func IsVCL(codec models.CodecID, nal []byte) bool {
	t := NALType(codec, nal)
	if codec == models.CodecH265 {
		return t >= 0 && t < 32
	}
	return t >= NALUnitTypeSlice && t <= NALUnitTypeIDR
}

// IsKeyNAL reports whether nal is an IDR/IRAP picture
func IsKeyNAL(codec models.CodecID, nal []byte) bool {
	t := NALType(codec, nal)
	if codec == models.CodecH265 {
		return t >= HEVCNALUnitTypeBLAWLP && t <= HEVCNALUnitTypeCRANUT
	}
	return t == NALUnitTypeIDR
}

// IsKeyFrame reports whether an Annex-B access unit starts a GOP
func IsKeyFrame(codec models.CodecID, au []byte) bool {
	for _, nal := range SplitAnnexB(au) {
		if IsKeyNAL(codec, nal) {
			return true
		}
	}
	return false
}

// ParameterSets holds the out-of-band configuration of a video stream
type ParameterSets struct {
	VPS [][]byte
	SPS [][]byte
	PPS [][]byte
}

// Complete reports whether enough parameter sets were seen to describe the stream
func (p ParameterSets) Complete(codec models.CodecID) bool {
	if codec == models.CodecH265 {
		return len(p.VPS) > 0 && len(p.SPS) > 0 && len(p.PPS) > 0
	}
	return len(p.SPS) > 0 && len(p.PPS) > 0
}

// AnnexB renders the parameter sets as an Annex-B buffer
func (p ParameterSets) AnnexB() []byte {
	var buf bytes.Buffer
	for _, group := range [][][]byte{p.VPS, p.SPS, p.PPS} {
		for _, nal := range group {
			buf.Write(StartCode4)
			buf.Write(nal)
		}
	}
	return buf.Bytes()
}

// ExtractParameterSets collects VPS/SPS/PPS NAL units from an Annex-B buffer
func ExtractParameterSets(codec models.CodecID, au []byte) ParameterSets {
	var ps ParameterSets
	for _, nal := range SplitAnnexB(au) {
		t := NALType(codec, nal)
		switch {
		case codec == models.CodecH265 && t == HEVCNALUnitTypeVPS:
			ps.VPS = append(ps.VPS, nal)
		case codec == models.CodecH265 && t == HEVCNALUnitTypeSPS,
			codec == models.CodecH264 && t == NALUnitTypeSPS:
			ps.SPS = append(ps.SPS, nal)
		case codec == models.CodecH265 && t == HEVCNALUnitTypePPS,
			codec == models.CodecH264 && t == NALUnitTypePPS:
			ps.PPS = append(ps.PPS, nal)
		}
	}
	return ps
}

// ConvertAVCCToAnnexB converts H.264/H.265 from AVCC format (length-prefixed NAL units)
// to Annex-B format (start-code-prefixed NAL units).
//
// AVCC format (used by RTMP/FLV/MP4):
//
//	[N-byte length][NAL unit][N-byte length][NAL unit]...
//
// Annex-B format (used by raw H.264 streams, MPEG-TS):
//
//	[0x00 0x00 0x00 0x01][NAL unit][0x00 0x00 0x00 0x01][NAL unit]...
func ConvertAVCCToAnnexB(avccData []byte, lengthSize int) ([]byte, error) {
	if len(avccData) == 0 {
		return nil, fmt.Errorf("empty AVCC data")
	}
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("invalid NALU length size %d", lengthSize)
	}

	var annexB bytes.Buffer
	offset := 0
	nalCount := 0

	for offset+lengthSize <= len(avccData) {
		nalSize := readLength(avccData[offset : offset+lengthSize])
		offset += lengthSize

		if nalSize == 0 {
			continue
		}
		if offset+nalSize > len(avccData) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d (exceeds buffer)", nalSize, offset-lengthSize)
		}

		annexB.Write(StartCode4)
		annexB.Write(avccData[offset : offset+nalSize])
		offset += nalSize
		nalCount++
	}

	if nalCount == 0 {
		return nil, fmt.Errorf("no NAL units found in AVCC data")
	}
	return annexB.Bytes(), nil
}

// ConvertAnnexBToAVCC converts an Annex-B access unit to 4-byte length-prefixed form.
// Parameter sets are dropped when skipParams is set since FLV and MP4 carry them out of band.
func ConvertAnnexBToAVCC(codec models.CodecID, au []byte, skipParams bool) []byte {
	var buf bytes.Buffer
	var length [4]byte
	for _, nal := range SplitAnnexB(au) {
		if skipParams && IsParameterSet(codec, nal) {
			continue
		}
		t := NALType(codec, nal)
		if (codec == models.CodecH264 && t == NALUnitTypeAUD) || (codec == models.CodecH265 && t == HEVCNALUnitTypeAUD) {
			continue
		}
		binary.BigEndian.PutUint32(length[:], uint32(len(nal)))
		buf.Write(length[:])
		buf.Write(nal)
	}
	return buf.Bytes()
}

// IsAnnexBFormat detects if data is in Annex-B format by checking for start codes
func IsAnnexBFormat(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return bytes.Equal(data[0:4], StartCode4) || bytes.Equal(data[0:3], StartCode3)
}

// EnsureAnnexB prefixes a bare NAL unit with a start code
func EnsureAnnexB(nal []byte) []byte {
	if IsAnnexBFormat(nal) {
		return nal
	}
	out := make([]byte, 0, len(nal)+4)
	out = append(out, StartCode4...)
	return append(out, nal...)
}

func readLength(b []byte) int {
	n := 0
	for _, v := range b {
		n = n<<8 | int(v)
	}
	return n
}
