package webrtc

import (
	"errors"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"mediakit/internal/event"
)

// Data channel payload protocol identifiers
const (
	PPIDString      uint32 = 51
	PPIDBinary      uint32 = 53
	PPIDStringEmpty uint32 = 56
	PPIDBinaryEmpty uint32 = 57
)

var ErrNoDataChannel = errors.New("no such data channel")

// Transport is one peer connection together with its data channels
type Transport struct {
	id  string
	pc  *pion.PeerConnection
	hub *event.Hub
	log *logrus.Entry

	mu        sync.Mutex
	channels  map[uint16]*pion.DataChannel
	sctpState event.Kind
	sctpSeen  bool

	connectOnce sync.Once
	connected   chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
	onClose     []func()
}

func newTransport(id string, pc *pion.PeerConnection, hub *event.Hub) *Transport {
	t := &Transport{
		id:       id,
		pc:       pc,
		hub:      hub,
		log:      logrus.WithField("transport", id),
		channels:  make(map[uint16]*pion.DataChannel),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	pc.OnDataChannel(t.attach)
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		t.log.WithField("state", state.String()).Debug("WebRTC connection state")
		switch state {
		case pion.PeerConnectionStateConnected:
			t.connectOnce.Do(func() { close(t.connected) })
		case pion.PeerConnectionStateFailed:
			t.sctp(event.KindSCTPFailed)
			t.Close()
		case pion.PeerConnectionStateClosed, pion.PeerConnectionStateDisconnected:
			t.Close()
		}
	})
	return t
}

// ID identifies the transport in events
func (t *Transport) ID() string {
	return t.id
}

// Connected is closed once ICE and DTLS are up
func (t *Transport) Connected() <-chan struct{} {
	return t.connected
}

// Done is closed once the transport is gone
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) attach(dc *pion.DataChannel) {
	id := dc.ID()
	if id == nil {
		return
	}
	sid := *id
	t.mu.Lock()
	t.channels[sid] = dc
	t.mu.Unlock()

	t.sctp(event.KindSCTPConnecting)
	dc.OnOpen(func() {
		t.log.WithFields(logrus.Fields{"label": dc.Label(), "sid": sid}).Debug("data channel open")
		t.sctp(event.KindSCTPConnected)
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		ppid := PPIDBinary
		switch {
		case msg.IsString && len(msg.Data) == 0:
			ppid = PPIDStringEmpty
		case msg.IsString:
			ppid = PPIDString
		case len(msg.Data) == 0:
			ppid = PPIDBinaryEmpty
		}
		t.hub.SCTP(event.KindSCTPReceived, event.SCTPEvent{Transport: t, SID: sid, PPID: ppid, Data: msg.Data})
	})
	dc.OnError(func(err error) {
		t.log.WithError(err).Warn("data channel failed")
		t.sctp(event.KindSCTPFailed)
	})
	dc.OnClose(func() {
		t.mu.Lock()
		delete(t.channels, sid)
		t.mu.Unlock()
	})
}

// sctp raises a state event. Each state is reported at most once, and none
// are reported for transports that never carried a data channel.
func (t *Transport) sctp(kind event.Kind) {
	t.mu.Lock()
	if kind == t.sctpState || (!t.sctpSeen && kind != event.KindSCTPConnecting) {
		t.mu.Unlock()
		return
	}
	t.sctpSeen = true
	t.sctpState = kind
	t.mu.Unlock()
	t.hub.SCTP(kind, event.SCTPEvent{Transport: t})
}

// SendDataChannel writes data to channel sid. A string ppid sends a text
// message, anything else a binary one.
func (t *Transport) SendDataChannel(sid uint16, ppid uint32, data []byte) error {
	t.mu.Lock()
	dc, ok := t.channels[sid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDataChannel, sid)
	}

	var err error
	if ppid == PPIDString || ppid == PPIDStringEmpty {
		err = dc.SendText(string(data))
	} else {
		err = dc.Send(data)
	}
	if err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	t.hub.SCTP(event.KindSCTPSend, event.SCTPEvent{Transport: t, SID: sid, PPID: ppid, Data: data})
	return nil
}

// OnClose registers fn to run once when the transport closes
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Close tears down the peer connection
func (t *Transport) Close() error {
	var hooks []func()
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.done)
		t.mu.Lock()
		hooks = t.onClose
		t.onClose = nil
		t.mu.Unlock()
	})
	if !first {
		return nil
	}
	t.sctp(event.KindSCTPClosed)
	for _, fn := range hooks {
		fn()
	}
	return t.pc.Close()
}
