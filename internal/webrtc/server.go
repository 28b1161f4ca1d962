// Package webrtc answers WebRTC offers for playing and publishing streams.
// Every peer connection shares one UDP port through an ICE mux.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/ini"
	"mediakit/pkg/models"
)

// Offer types accepted by Answer
const (
	TypePlay = "play"
	TypePush = "push"
)

var (
	ErrNotStarted      = errors.New("WebRTC server not started")
	ErrUnsupportedType = errors.New("unsupported WebRTC session type")
)

// Server owns the shared ICE socket and the live transports
type Server struct {
	gate *access.Gate

	mu         sync.Mutex
	conn       net.PacketConn
	api        *pion.API
	transports map[string]*Transport
	wg         sync.WaitGroup
}

// New creates a WebRTC server
func New(gate *access.Gate) *Server {
	return &Server{gate: gate, transports: make(map[string]*Transport)}
}

// Listen binds the ICE UDP socket and returns its port
func (s *Server) Listen(addr string) (int, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	se := pion.SettingEngine{}
	se.SetICEUDPMux(pion.NewICEUDPMux(nil, conn))
	se.SetNetworkTypes([]pion.NetworkType{pion.NetworkTypeUDP4})
	se.SetIncludeLoopbackCandidate(true)
	if ip := s.gate.Config().Get(ini.KeyRTCExternIP); ip != "" {
		se.SetNAT1To1IPs([]string{ip}, pion.ICECandidateTypeHost)
	}

	me := &pion.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		conn.Close()
		return 0, fmt.Errorf("register codecs: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.api = pion.NewAPI(pion.WithMediaEngine(me), pion.WithSettingEngine(se))
	s.mu.Unlock()

	logrus.WithField("addr", conn.LocalAddr().String()).Info("WebRTC server listening")
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// GetAnswerSDP answers offer in the background and reports the result
// through cb exactly once
func (s *Server) GetAnswerSDP(typ, offer, rawURL string, cb func(answer string, err error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.gate.WaitTimeout())
		defer cancel()
		answer, _, err := s.Answer(ctx, typ, offer, rawURL, models.SockInfo{})
		cb(answer, err)
	}()
}

// Answer negotiates a transport for offer. typ is TypePlay or TypePush and
// rawURL names the stream ("/app/stream?query" or a full URL).
func (s *Server) Answer(ctx context.Context, typ, offer, rawURL string, sender models.SockInfo) (string, *Transport, error) {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return "", nil, ErrNotStarted
	}
	if typ != TypePlay && typ != TypePush {
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
	}
	info, err := models.ParseMediaInfo(models.SchemaRTC, rawURL)
	if err != nil {
		return "", nil, err
	}
	if sender.ID == "" {
		sender.ID = uuid.NewString()
	}

	pc, err := api.NewPeerConnection(pion.Configuration{})
	if err != nil {
		return "", nil, fmt.Errorf("failed to create peerconnection: %w", err)
	}
	t := newTransport(sender.ID, pc, s.gate.Hub())
	log := logrus.WithFields(logrus.Fields{"transport": t.ID(), "type": typ, "key": info.Key().String()})

	var start func()
	if typ == TypePlay {
		start, err = s.preparePlay(ctx, t, info, sender, log)
	} else {
		start, err = s.preparePush(ctx, t, info, sender, log)
	}
	if err != nil {
		t.Close()
		return "", nil, err
	}

	answer, err := negotiate(pc, offer)
	if err != nil {
		t.Close()
		return "", nil, err
	}

	s.mu.Lock()
	s.transports[t.ID()] = t
	s.mu.Unlock()
	t.OnClose(func() {
		s.mu.Lock()
		delete(s.transports, t.ID())
		s.mu.Unlock()
		log.Info("WebRTC transport closed")
	})

	log.Info("WebRTC transport negotiated")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start()
	}()
	return answer, t, nil
}

func negotiate(pc *pion.PeerConnection, offer string) (string, error) {
	if err := pc.SetRemoteDescription(pion.SessionDescription{SDP: offer, Type: pion.SDPTypeOffer}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description missing")
	}
	return local.SDP, nil
}

// Transport returns the live transport with id
func (s *Server) Transport(id string) *Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports[id]
}

// Close drops every transport and the ICE socket
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.api = nil
	transports := make([]*Transport, 0, len(s.transports))
	for _, t := range s.transports {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	s.wg.Wait()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
