package event

import (
	"io"
	"net/http"

	"mediakit/pkg/models"
)

// Kind identifies one slot of the hub
type Kind int

const (
	KindMediaChanged Kind = iota
	KindMediaPublish
	KindMediaNotFound
	KindMediaPlay
	KindMediaNoReader
	KindHTTPRequest
	KindHTTPBeforeAccess
	KindRtspGetRealm
	KindRtspAuth
	KindRecordMP4
	KindRecordTS
	KindShellLogin
	KindFlowReport
	KindLog
	KindMediaSendRtpStop
	KindSCTPConnecting
	KindSCTPConnected
	KindSCTPClosed
	KindSCTPFailed
	KindSCTPSend
	KindSCTPReceived
)

var kindNames = [...]string{
	"media_changed", "media_publish", "media_not_found", "media_play", "media_no_reader",
	"http_request", "http_before_access", "rtsp_get_realm", "rtsp_auth",
	"record_mp4", "record_ts", "shell_login", "flow_report", "log", "media_send_rtp_stop",
	"sctp_connecting", "sctp_connected", "sctp_closed", "sctp_failed", "sctp_send", "sctp_received",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Source is the read-only view of a registered media source carried by
// registry events
type Source interface {
	Key() models.StreamKey
	Schema() models.Schema
	Tracks() []models.Track
	ReaderCount() int
	TotalReaderCount() int
	Close(force bool) bool
}

// MediaChangedEvent is raised once when a source registers and once when
// it goes away
type MediaChangedEvent struct {
	Registered bool
	Source     Source
}

type MediaPublishEvent struct {
	URL     models.MediaInfo
	Invoker *PublishInvoker
	Sender  models.SockInfo
}

type MediaNotFoundEvent struct {
	URL    models.MediaInfo
	Sender models.SockInfo
}

type MediaPlayEvent struct {
	URL    models.MediaInfo
	Sender models.SockInfo
}

type MediaNoReaderEvent struct {
	Source Source
}

// HTTPRequestEvent offers a request to the application before the built-in
// routes. Consuming it obliges the handler to call Invoker exactly once.
type HTTPRequestEvent struct {
	Request *http.Request
	Invoker *HTTPResponseInvoker
	Sender  models.SockInfo
}

type HTTPBeforeAccessEvent struct {
	Request *http.Request
	Sender  models.SockInfo
	Path    string
}

type RtspGetRealmEvent struct {
	URL     models.MediaInfo
	Invoker *RealmInvoker
	Sender  models.SockInfo
}

type RtspAuthEvent struct {
	URL           models.MediaInfo
	Realm         string
	User          string
	MustNoEncrypt bool
	Invoker       *RtspAuthInvoker
	Sender        models.SockInfo
}

// RecordEvent reports a finished recording file or segment
type RecordEvent struct {
	Info models.RecordInfo
}

// ShellLoginEvent carries debug shell credentials. Rejecting the login is
// done by closing Conn.
type ShellLoginEvent struct {
	User     string
	Password string
	Sender   models.SockInfo
	Conn     io.Closer
}

type FlowReportEvent struct {
	URL          models.MediaInfo
	TotalBytes   uint64
	TotalSeconds uint64
	IsPlayer     bool
	Sender       models.SockInfo
}

type LogEvent struct {
	Level    int
	File     string
	Line     int
	Function string
	Message  string
}

type MediaSendRtpStopEvent struct {
	Key  models.StreamKey
	SSRC string
	Err  int
	Msg  string
}

// Transport is the WebRTC transport owning an SCTP association
type Transport interface {
	ID() string
	SendDataChannel(sid uint16, ppid uint32, data []byte) error
}

// SCTPEvent covers the data channel transport state and data events.
// SID and PPID are only set for received messages.
type SCTPEvent struct {
	Transport Transport
	SID       uint16
	PPID      uint32
	Data      []byte
}
