package models

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultVhost is used when a request does not carry a vhost
const DefaultVhost = "__defaultVhost__"

// Schema names a protocol a source is exposed through or ingested from
type Schema string

const (
	SchemaRTMP   Schema = "rtmp"
	SchemaRTSP   Schema = "rtsp"
	SchemaHTTP   Schema = "http"
	SchemaHLS    Schema = "hls"
	SchemaFMP4   Schema = "fmp4"
	SchemaTS     Schema = "ts"
	SchemaRTP    Schema = "rtp"
	SchemaSRT    Schema = "srt"
	SchemaRTC    Schema = "rtc"
	SchemaMedia  Schema = "media" // produced through the Media API
	SchemaPlayer Schema = "player"
)

// StreamKey uniquely identifies a live source
type StreamKey struct {
	Vhost  string `json:"vhost"`
	App    string `json:"app"`
	Stream string `json:"stream"`
}

// NewStreamKey builds a key, substituting the default vhost when empty
func NewStreamKey(vhost, app, stream string) StreamKey {
	if vhost == "" {
		vhost = DefaultVhost
	}
	return StreamKey{Vhost: vhost, App: app, Stream: stream}
}

// Valid reports whether every component of the key is set
func (k StreamKey) Valid() bool {
	return k.Vhost != "" && k.App != "" && k.Stream != ""
}

func (k StreamKey) String() string {
	return k.Vhost + "/" + k.App + "/" + k.Stream
}

// Path returns the app/stream portion used in storage paths and URLs
func (k StreamKey) Path() string {
	return k.App + "/" + k.Stream
}

// MediaInfo describes the URL a client used to reach a stream
type MediaInfo struct {
	Schema Schema `json:"schema"`
	Vhost  string `json:"vhost"`
	App    string `json:"app"`
	Stream string `json:"stream"`
	Params string `json:"params"` // raw query string
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// Key returns the stream key addressed by this request
func (m MediaInfo) Key() StreamKey {
	return NewStreamKey(m.Vhost, m.App, m.Stream)
}

// Param returns a single query parameter from Params
func (m MediaInfo) Param(name string) string {
	values, err := url.ParseQuery(m.Params)
	if err != nil {
		return ""
	}
	return values.Get(name)
}

// FullURL renders the request back into a URL
func (m MediaInfo) FullURL() string {
	u := fmt.Sprintf("%s://%s/%s/%s", m.Schema, net.JoinHostPort(m.Host, strconv.Itoa(int(m.Port))), m.App, m.Stream)
	if m.Params != "" {
		u += "?" + m.Params
	}
	return u
}

// ParseMediaInfo splits "/app/stream?query" (or a full URL) into a MediaInfo.
// A "vhost" query parameter overrides the host-derived vhost.
func ParseMediaInfo(schema Schema, rawURL string) (MediaInfo, error) {
	info := MediaInfo{Schema: schema, Vhost: DefaultVhost}

	u, err := url.Parse(rawURL)
	if err != nil {
		return info, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	if u.Host != "" {
		info.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.ParseUint(p, 10, 16)
			if err != nil {
				return info, fmt.Errorf("invalid port %q: %w", p, err)
			}
			info.Port = uint16(port)
		}
	}
	info.Params = u.RawQuery
	if vhost := u.Query().Get("vhost"); vhost != "" {
		info.Vhost = vhost
	}

	path := strings.Trim(u.Path, "/")
	idx := strings.Index(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return info, fmt.Errorf("url %q has no app/stream path", rawURL)
	}
	info.App = path[:idx]
	info.Stream = path[idx+1:]
	return info, nil
}

// SockInfo describes both ends of a connection
type SockInfo struct {
	PeerIP    string `json:"peerIp"`
	PeerPort  uint16 `json:"peerPort"`
	LocalIP   string `json:"localIp"`
	LocalPort uint16 `json:"localPort"`
	ID        string `json:"id"`
}

// NewSockInfo builds a SockInfo from a connection's addresses
func NewSockInfo(id string, local, peer net.Addr) SockInfo {
	info := SockInfo{ID: id}
	info.LocalIP, info.LocalPort = splitAddr(local)
	info.PeerIP, info.PeerPort = splitAddr(peer)
	return info
}

func splitAddr(addr net.Addr) (string, uint16) {
	if addr == nil {
		return "", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.ParseUint(port, 10, 16)
	return host, uint16(p)
}

// SourceInfo is a point-in-time snapshot of a registered source
type SourceInfo struct {
	Key              StreamKey `json:"key"`
	Schema           Schema    `json:"schema"`
	Tracks           []Track   `json:"tracks"`
	ReaderCount      int       `json:"readerCount"`
	TotalReaderCount int       `json:"totalReaderCount"`
	CreatedAt        time.Time `json:"createdAt"`
	Outputs          []Schema  `json:"outputs"`
	Stats            StreamStats
}

// StreamStats tracks ingest statistics for a source
type StreamStats struct {
	BytesReceived     uint64    `json:"bytesReceived"`
	FramesReceived    uint64    `json:"framesReceived"`
	KeyFramesReceived uint64    `json:"keyFramesReceived"`
	DroppedFrames     uint64    `json:"droppedFrames"`
	LastFrameTime     time.Time `json:"lastFrameTime"`
}
