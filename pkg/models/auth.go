package models

import "time"

// PublishToken represents a token for publishing to a stream
type PublishToken struct {
	Token       string    // The actual token string
	Key         StreamKey // Stream this token is valid for
	CreatedAt   time.Time // When token was created
	ExpiresAt   time.Time // When token expires
	PublisherIP string    // IP address that requested the token
	IsUsed      bool      // Whether token has been used
}

// IsValid checks if the token is still valid
func (t *PublishToken) IsValid() bool {
	return !t.IsUsed && time.Now().Before(t.ExpiresAt)
}

// PublishRequest represents a request to create a publish token
type PublishRequest struct {
	Vhost     string `json:"vhost"`
	App       string `json:"app" binding:"required"`
	Stream    string `json:"stream" binding:"required"`
	ExpiresIn int    `json:"expiresIn"` // Seconds until expiration (default 3600)
}

// PublishResponse represents the response to a publish request
type PublishResponse struct {
	PublishURL string `json:"publishUrl"`
	Stream     string `json:"stream"`
	Token      string `json:"token"`
	ExpiresAt  string `json:"expiresAt"`
}

// StreamInfo represents stream metadata returned by the API
type StreamInfo struct {
	Vhost          string   `json:"vhost"`
	App            string   `json:"app"`
	Stream         string   `json:"stream"`
	Schema         string   `json:"schema"`
	Readers        int      `json:"readers"`
	TotalReaders   int      `json:"totalReaders"`
	StartedAt      string   `json:"startedAt,omitempty"`
	Duration       int      `json:"duration,omitempty"` // seconds
	Tracks         []string `json:"tracks"`
	Outputs        []string `json:"outputs"`
	BytesReceived  uint64   `json:"bytesReceived"`
	FramesReceived uint64   `json:"framesReceived"`
	DroppedFrames  uint64   `json:"droppedFrames"`
	Recording      []string `json:"recording,omitempty"`
}

// StreamListResponse represents a list of streams
type StreamListResponse struct {
	Streams []StreamInfo `json:"streams"`
	Total   int          `json:"total"`
}

// RecordRequest starts or stops a recorder through the API
type RecordRequest struct {
	Vhost      string `json:"vhost"`
	App        string `json:"app" binding:"required"`
	Stream     string `json:"stream" binding:"required"`
	Type       int    `json:"type"` // 0 hls, 1 mp4, 2 flv
	Path       string `json:"path"`
	MaxSeconds int    `json:"maxSeconds"`
}

// ProxyRequest asks the server to pull a remote stream
type ProxyRequest struct {
	Vhost  string            `json:"vhost"`
	App    string            `json:"app" binding:"required"`
	Stream string            `json:"stream" binding:"required"`
	URL    string            `json:"url" binding:"required"`
	Opts   map[string]string `json:"opts"`
}
