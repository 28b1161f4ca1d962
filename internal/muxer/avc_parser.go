package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AVCDecoderConfigurationRecord represents the AVC configuration from FLV/RTMP/MP4.
// This is sent as the first video packet when a stream starts.
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8
	SPS                  [][]byte // Sequence Parameter Sets
	PPS                  [][]byte // Picture Parameter Sets
}

// ParseAVCDecoderConfigurationRecord parses the avcC structure.
// This is called when we receive a video packet with AVCPacketType = 0 (sequence header)
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	record := &AVCDecoderConfigurationRecord{
		ConfigurationVersion: data[0],
		AVCProfileIndication: data[1],
		ProfileCompatibility: data[2],
		AVCLevelIndication:   data[3],
		NALUnitLength:        (data[4] & 0x03) + 1,
	}
	r := bytes.NewReader(data[5:])

	// reserved (3 bits) + number of SPS (5 bits)
	numOfSPS, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	record.SPS, err = readParameterSets(r, int(numOfSPS&0x1F))
	if err != nil {
		return nil, fmt.Errorf("failed to read SPS: %w", err)
	}

	numOfPPS, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	record.PPS, err = readParameterSets(r, int(numOfPPS))
	if err != nil {
		return nil, fmt.Errorf("failed to read PPS: %w", err)
	}

	return record, nil
}

func readParameterSets(r *bytes.Reader, count int) ([][]byte, error) {
	sets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		nal := make([]byte, length)
		if n, err := r.Read(nal); err != nil || n != int(length) {
			return nil, fmt.Errorf("truncated parameter set (%d of %d bytes)", n, length)
		}
		sets = append(sets, nal)
	}
	return sets, nil
}

// BuildAVCDecoderConfigurationRecord serialises an avcC box payload from SPS/PPS
func BuildAVCDecoderConfigurationRecord(sps, pps [][]byte) ([]byte, error) {
	if len(sps) == 0 || len(sps[0]) < 4 {
		return nil, fmt.Errorf("missing SPS")
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("missing PPS")
	}

	var buf bytes.Buffer
	buf.WriteByte(1)         // configurationVersion
	buf.WriteByte(sps[0][1]) // AVCProfileIndication
	buf.WriteByte(sps[0][2]) // profile_compatibility
	buf.WriteByte(sps[0][3]) // AVCLevelIndication
	buf.WriteByte(0xFF)      // 6 bits reserved + lengthSizeMinusOne = 3
	buf.WriteByte(0xE0 | byte(len(sps)))
	for _, s := range sps {
		binary.Write(&buf, binary.BigEndian, uint16(len(s)))
		buf.Write(s)
	}
	buf.WriteByte(byte(len(pps)))
	for _, p := range pps {
		binary.Write(&buf, binary.BigEndian, uint16(len(p)))
		buf.Write(p)
	}
	return buf.Bytes(), nil
}

// ParseHEVCDecoderConfigurationRecord extracts VPS/SPS/PPS and the NALU length
// size from an hvcC payload.
func ParseHEVCDecoderConfigurationRecord(data []byte) (ParameterSets, int, error) {
	var ps ParameterSets
	if len(data) < 23 {
		return ps, 0, fmt.Errorf("data too short for HEVCDecoderConfigurationRecord: %d bytes", len(data))
	}
	lengthSize := int(data[21]&0x03) + 1
	numArrays := int(data[22])
	r := bytes.NewReader(data[23:])

	for i := 0; i < numArrays; i++ {
		typ, err := r.ReadByte()
		if err != nil {
			return ps, 0, err
		}
		var count uint16
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return ps, 0, err
		}
		sets, err := readParameterSets(r, int(count))
		if err != nil {
			return ps, 0, err
		}
		switch typ & 0x3F {
		case HEVCNALUnitTypeVPS:
			ps.VPS = append(ps.VPS, sets...)
		case HEVCNALUnitTypeSPS:
			ps.SPS = append(ps.SPS, sets...)
		case HEVCNALUnitTypePPS:
			ps.PPS = append(ps.PPS, sets...)
		}
	}
	return ps, lengthSize, nil
}

// PrependParameterSets prepends parameter sets to frame data in Annex-B format
func PrependParameterSets(frameData []byte, ps ParameterSets) []byte {
	var buf bytes.Buffer
	buf.Write(ps.AnnexB())
	buf.Write(frameData)
	return buf.Bytes()
}
