package models

import "time"

// Segment represents an HLS media segment
type Segment struct {
	Key         StreamKey // Stream this segment belongs to
	SequenceNum uint64    // Segment sequence number
	Duration    float64   // Duration in seconds
	FilePath    string    // Path to segment file (local or GCS)
	FileSize    int64     // Size in bytes
	CreatedAt   time.Time // When segment was created
}

// RecordType selects the recorder container
type RecordType int

const (
	RecordHLS RecordType = 0
	RecordMP4 RecordType = 1
	RecordFLV RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordHLS:
		return "hls"
	case RecordMP4:
		return "mp4"
	case RecordFLV:
		return "flv"
	}
	return "unknown"
}

// RecordInfo describes a finished recording file
type RecordInfo struct {
	StartTime time.Time `json:"startTime"`
	Duration  float64   `json:"duration"` // seconds
	FileSize  int64     `json:"fileSize"`
	FileName  string    `json:"fileName"`
	FilePath  string    `json:"filePath"`
	Folder    string    `json:"folder"`
	URL       string    `json:"url"`
	Key       StreamKey `json:"key"`
}
