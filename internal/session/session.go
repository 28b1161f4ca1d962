// Package session implements outbound sessions: proxy players that pull a
// remote stream into a local source, and pushers that publish a local
// source to a remote server.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"mediakit/internal/streammanager"
)

// Result codes reported to close and result callbacks
const (
	CodeSuccess  = 0
	CodeEOF      = 1
	CodeTimeout  = 2
	CodeRefused  = 3
	CodeReset    = 4
	CodeDNS      = 5
	CodeShutdown = 6
	CodeOther    = -1
)

// Option keys understood by players and pushers
const (
	OptNetAdapter      = "net_adapter"
	OptRTPType         = "rtp_type"
	OptRTSPUser        = "rtsp_user"
	OptRTSPPassword    = "rtsp_pwd"
	OptProtocolTimeout = "protocol_timeout_ms"
	OptMediaTimeout    = "media_timeout_ms"
	OptBeatInterval    = "beat_interval_ms"
	OptRTSPSpeed       = "rtsp_speed"
)

// RTP transports selected by OptRTPType
const (
	RTPTypeTCP       = 0
	RTPTypeUDP       = 1
	RTPTypeMulticast = 2
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrInvalidStream  = errors.New("vhost, app and stream must be set")
	ErrUnsupportedURL = errors.New("unsupported url")
	ErrSourceNotFound = errors.New("source to push not found")
	ErrShutdown       = errors.New("session shut down")
	ErrMediaTimeout   = errors.New("no media received before timeout")
)

// State is the lifecycle state of a session
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Callback receives the terminal result of a session: a result code, a
// description and the system errno when one caused the failure
type Callback func(code int, what string, sysErr int)

// Classify maps an error to a result code, description and errno
func Classify(err error) (code int, what string, sysErr int) {
	if err == nil {
		return CodeSuccess, "success", 0
	}
	what = err.Error()

	var errno syscall.Errno
	if errors.As(err, &errno) {
		sysErr = int(errno)
	}
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled), errors.Is(err, streammanager.ErrReleased):
		code = CodeShutdown
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		code = CodeEOF
	case errors.As(err, &dnsErr):
		code = CodeDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		code = CodeRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		code = CodeReset
	case errors.Is(err, ErrMediaTimeout), errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		code = CodeTimeout
	default:
		code = CodeOther
	}
	return code, what, sysErr
}

// options is the key/value bag shared by players and pushers
type options map[string]string

func (o options) duration(key string, def time.Duration) time.Duration {
	v, ok := o[key]
	if !ok {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (o options) int(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (o options) clone() options {
	out := make(options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
