package muxer

import (
	"encoding/binary"
	"fmt"
)

var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

func sampleRateIndex(rate int) int {
	for i, r := range aacSampleRates {
		if r == rate {
			return i
		}
	}
	return 4 // 44100
}

// BuildAACConfig returns an AAC-LC AudioSpecificConfig
func BuildAACConfig(sampleRate, channels int) []byte {
	idx := sampleRateIndex(sampleRate)
	config := uint16(2)<<11 | uint16(idx)<<7 | uint16(channels&0x0F)<<3
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, config)
	return out
}

// ParseAACConfig reads the sample rate and channel count of an AudioSpecificConfig
func ParseAACConfig(asc []byte) (sampleRate, channels int, err error) {
	if len(asc) < 2 {
		return 0, 0, fmt.Errorf("AudioSpecificConfig too short: %d bytes", len(asc))
	}
	idx := int(asc[0]&0x07)<<1 | int(asc[1]>>7)
	if idx >= len(aacSampleRates) {
		return 0, 0, fmt.Errorf("unsupported sample rate index %d", idx)
	}
	return aacSampleRates[idx], int(asc[1]>>3) & 0x0F, nil
}

// ADTSHeader builds a 7-byte ADTS header for an AAC-LC frame of payloadLen bytes
func ADTSHeader(sampleRate, channels, payloadLen int) []byte {
	frameLen := payloadLen + 7
	idx := sampleRateIndex(sampleRate)
	return []byte{
		0xFF,
		0xF1,
		byte(1<<6) | byte(idx<<2) | byte((channels>>2)&0x01),
		byte((channels&0x03)<<6) | byte((frameLen>>11)&0x03),
		byte(frameLen >> 3),
		byte((frameLen&0x07)<<5) | 0x1F,
		0xFC,
	}
}

// IsADTS reports whether data starts with an ADTS sync word
func IsADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF0 == 0xF0
}

// ADTSFrame is one AAC frame extracted from an ADTS stream
type ADTSFrame struct {
	SampleRate int
	Channels   int
	Payload    []byte
}

// SplitADTS splits a buffer of concatenated ADTS frames
func SplitADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	for len(data) > 0 {
		if !IsADTS(data) {
			return frames, fmt.Errorf("missing ADTS sync word")
		}
		headerLen := 7
		if data[1]&0x01 == 0 {
			headerLen = 9 // CRC present
		}
		frameLen := int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
		if frameLen < headerLen || frameLen > len(data) {
			return frames, fmt.Errorf("invalid ADTS frame length %d", frameLen)
		}
		idx := int(data[2]>>2) & 0x0F
		if idx >= len(aacSampleRates) {
			return frames, fmt.Errorf("unsupported sample rate index %d", idx)
		}
		frames = append(frames, ADTSFrame{
			SampleRate: aacSampleRates[idx],
			Channels:   int(data[2]&0x01)<<2 | int(data[3]>>6),
			Payload:    data[headerLen:frameLen],
		})
		data = data[frameLen:]
	}
	return frames, nil
}

// StripADTS removes a leading ADTS header if present
func StripADTS(data []byte) []byte {
	if !IsADTS(data) {
		return data
	}
	frames, err := SplitADTS(data)
	if err != nil || len(frames) != 1 {
		return data
	}
	return frames[0].Payload
}
