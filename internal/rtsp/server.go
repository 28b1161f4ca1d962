package rtsp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/event"
	"mediakit/internal/ini"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// connState holds per-connection auth and the stream offered by DESCRIBE
type connState struct {
	sender models.SockInfo
	nonce  string
	authed bool
	offer  *player
}

// player is an RTSP session reading a source
type player struct {
	url     models.MediaInfo
	src     *streammanager.Source
	stream  *gortsplib.ServerStream
	packets map[models.CodecID]*Packetizer
	reader  *streammanager.Reader
	flow    *access.Flow
}

// publisher is an RTSP session pushing a source
type publisher struct {
	media   *streammanager.Media
	decoder map[format.Format]*Depacketizer
	flow    *access.Flow
	mu      sync.Mutex
}

// Server is the RTSP listener. ANNOUNCE/RECORD publishes a source,
// DESCRIBE/SETUP/PLAY reads one.
type Server struct {
	gate *access.Gate
	srv  *gortsplib.Server

	mu         sync.Mutex
	conns      map[*gortsplib.ServerConn]*connState
	players    map[*gortsplib.ServerSession]*player
	publishers map[*gortsplib.ServerSession]*publisher
}

// New creates a new RTSP server
func New(gate *access.Gate) *Server {
	return &Server{
		gate:       gate,
		conns:      make(map[*gortsplib.ServerConn]*connState),
		players:    make(map[*gortsplib.ServerSession]*player),
		publishers: make(map[*gortsplib.ServerSession]*publisher),
	}
}

// Listen starts serving on addr (TCP interleaved transport). With
// tlsConfig set the listener speaks RTSPS. It returns the bound port.
func (s *Server) Listen(addr string, tlsConfig *tls.Config) (int, error) {
	var bound net.Addr
	s.srv = &gortsplib.Server{
		Handler:      s,
		RTSPAddress:  addr,
		TLSConfig:    tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Listen: func(network, address string) (net.Listener, error) {
			ln, err := net.Listen(network, address)
			if err == nil {
				bound = ln.Addr()
			}
			return ln, err
		},
	}
	if err := s.srv.Start(); err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logrus.WithFields(logrus.Fields{"addr": bound.String(), "tls": tlsConfig != nil}).Info("RTSP server listening")
	return bound.(*net.TCPAddr).Port, nil
}

// Close stops the listener and drops every session
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	s.srv.Close()
	return nil
}

func (s *Server) state(conn *gortsplib.ServerConn) *connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conns[conn]
	if !ok {
		nc := conn.NetConn()
		st = &connState{sender: models.NewSockInfo(uuid.NewString(), nc.LocalAddr(), nc.RemoteAddr())}
		s.conns[conn] = st
	}
	return st
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	st := s.state(ctx.Conn)
	logrus.WithField("peer", st.sender.PeerIP).Debug("RTSP connection opened")
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.mu.Lock()
	st := s.conns[ctx.Conn]
	delete(s.conns, ctx.Conn)
	s.mu.Unlock()
	if st != nil && st.offer != nil {
		st.offer.stream.Close()
	}
	logrus.WithError(ctx.Error).Debug("RTSP connection closed")
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.mu.Lock()
	p := s.players[ctx.Session]
	pub := s.publishers[ctx.Session]
	delete(s.players, ctx.Session)
	delete(s.publishers, ctx.Session)
	s.mu.Unlock()

	if p != nil {
		if p.reader != nil {
			p.reader.Close()
		}
		p.stream.Close()
		p.flow.Done()
		logrus.WithField("key", p.url.Key().String()).Info("RTSP player closed")
	}
	if pub != nil {
		pub.media.Release()
		pub.flow.Done()
		logrus.WithField("key", pub.media.Key().String()).Info("RTSP publisher closed")
	}
}

func mediaInfo(req *base.Request, path, query string) (models.MediaInfo, error) {
	raw := "/" + strings.Trim(path, "/")
	if query != "" {
		raw += "?" + query
	}
	info, err := models.ParseMediaInfo(models.SchemaRTSP, raw)
	if err != nil {
		return info, err
	}
	if req != nil && req.URL != nil {
		u := (*url.URL)(req.URL)
		info.Host = u.Hostname()
		if port, err := strconv.ParseUint(u.Port(), 10, 16); err == nil {
			info.Port = uint16(port)
		}
	}
	return info, nil
}

// authenticate runs the realm and credential hooks. A nil response means
// the request may proceed.
func (s *Server) authenticate(st *connState, req *base.Request, url models.MediaInfo) *base.Response {
	if st.authed {
		return nil
	}
	hub := s.gate.Hub()
	timeout := s.gate.WaitTimeout()

	realmCh := make(chan string, 1)
	hub.RtspGetRealm(url, st.sender, event.NewRealmInvoker(func(realm string) { realmCh <- realm }))
	var realm string
	select {
	case realm = <-realmCh:
	case <-time.After(timeout):
		return &base.Response{StatusCode: base.StatusInternalServerError}
	}
	if realm == "" {
		st.authed = true
		return nil
	}

	if st.nonce == "" {
		st.nonce = newNonce()
	}
	basic := s.gate.Config().GetBool(ini.KeyRTSPAuthBasic)
	creds, ok := parseAuthorization(req.Header["Authorization"], basic)
	if !ok {
		return challenge(realm, st.nonce, basic)
	}

	type verdict struct {
		encrypted bool
		pwd       string
		ok        bool
	}
	ch := make(chan verdict, 1)
	hub.RtspAuth(url, realm, creds.user, !creds.digest, st.sender,
		event.NewRtspAuthInvoker(func(encrypted bool, pwd string, ok bool) { ch <- verdict{encrypted, pwd, ok} }))

	select {
	case v := <-ch:
		if v.ok && creds.verify(req.Method, realm, st.nonce, v.encrypted, v.pwd) {
			st.authed = true
			return nil
		}
	case <-time.After(timeout):
	}
	logrus.WithFields(logrus.Fields{"user": creds.user, "peer": st.sender.PeerIP}).Warn("RTSP authentication failed")
	return challenge(realm, st.nonce, basic)
}

func statusFor(err error) base.StatusCode {
	switch {
	case errors.Is(err, access.ErrNotFound):
		return base.StatusNotFound
	case errors.Is(err, access.ErrDenied):
		return base.StatusUnauthorized
	case errors.Is(err, streammanager.ErrStreamExists):
		return base.StatusNotAcceptable
	}
	return base.StatusBadRequest
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe
func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	st := s.state(ctx.Conn)
	p, res := s.resolvePlayer(st, ctx.Request, ctx.Path, ctx.Query)
	if res != nil {
		return res, nil, nil
	}

	s.mu.Lock()
	if st.offer != nil {
		st.offer.stream.Close()
	}
	st.offer = p
	s.mu.Unlock()
	return &base.Response{StatusCode: base.StatusOK}, p.stream, nil
}

func (s *Server) resolvePlayer(st *connState, req *base.Request, path, query string) (*player, *base.Response) {
	url, err := mediaInfo(req, path, query)
	if err != nil {
		return nil, &base.Response{StatusCode: base.StatusBadRequest}
	}
	if res := s.authenticate(st, req, url); res != nil {
		return nil, res
	}

	src, err := s.gate.Play(context.Background(), url, st.sender)
	if err != nil {
		logrus.WithError(err).WithField("key", url.Key().String()).Warn("RTSP play rejected")
		return nil, &base.Response{StatusCode: statusFor(err)}
	}
	desc, packets, err := NewPacketizers(src.Tracks(), src.ParameterSets())
	if err != nil {
		return nil, &base.Response{StatusCode: base.StatusUnsupportedMediaType}
	}
	return &player{
		url:     url,
		src:     src,
		stream:  gortsplib.NewServerStream(s.srv, desc),
		packets: packets,
		flow:    s.gate.NewFlow(url, st.sender, true),
	}, nil
}

// OnAnnounce implements gortsplib.ServerHandlerOnAnnounce
func (s *Server) OnAnnounce(ctx *gortsplib.ServerHandlerOnAnnounceCtx) (*base.Response, error) {
	st := s.state(ctx.Conn)
	url, err := mediaInfo(ctx.Request, ctx.Path, ctx.Query)
	if err != nil {
		return &base.Response{StatusCode: base.StatusBadRequest}, nil
	}
	if res := s.authenticate(st, ctx.Request, url); res != nil {
		return res, nil
	}
	log := logrus.WithField("key", url.Key().String())

	media, err := s.gate.StartPublish(context.Background(), url, st.sender)
	if err != nil {
		log.WithError(err).Warn("RTSP publish rejected")
		return &base.Response{StatusCode: statusFor(err)}, nil
	}

	pub := &publisher{
		media:   media,
		decoder: make(map[format.Format]*Depacketizer),
		flow:    s.gate.NewFlow(url, st.sender, false),
	}
	for _, medi := range ctx.Description.Medias {
		for _, forma := range medi.Formats {
			d, err := NewDepacketizer(medi, forma)
			if err != nil {
				log.WithError(err).Debug("skipping announced format")
				continue
			}
			if err := media.InitTrack(d.Track); err != nil {
				media.Release()
				return &base.Response{StatusCode: base.StatusBadRequest}, nil
			}
			pub.decoder[forma] = d
			break
		}
	}
	if err := media.InitComplete(); err != nil {
		media.Release()
		log.WithError(err).Warn("RTSP announce has no usable track")
		return &base.Response{StatusCode: statusFor(err)}, nil
	}
	session := ctx.Session
	media.OnClose(func() { session.Close() })

	s.mu.Lock()
	s.publishers[ctx.Session] = pub
	s.mu.Unlock()
	log.Info("RTSP publisher announced")
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnSetup implements gortsplib.ServerHandlerOnSetup
func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if ctx.Session.State() == gortsplib.ServerSessionStatePreRecord {
		return &base.Response{StatusCode: base.StatusOK}, nil, nil
	}

	s.mu.Lock()
	p := s.players[ctx.Session]
	if p == nil {
		if st := s.conns[ctx.Conn]; st != nil && st.offer != nil {
			p = st.offer
			st.offer = nil
			s.players[ctx.Session] = p
		}
	}
	s.mu.Unlock()

	if p == nil {
		// SETUP without DESCRIBE
		st := s.state(ctx.Conn)
		path := ctx.Path
		if idx := strings.LastIndex(path, "/trackID="); idx >= 0 {
			path = path[:idx]
		}
		var res *base.Response
		p, res = s.resolvePlayer(st, ctx.Request, path, ctx.Query)
		if res != nil {
			return res, nil, nil
		}
		s.mu.Lock()
		s.players[ctx.Session] = p
		s.mu.Unlock()
	}
	return &base.Response{StatusCode: base.StatusOK}, p.stream, nil
}

// OnPlay implements gortsplib.ServerHandlerOnPlay
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.mu.Lock()
	p := s.players[ctx.Session]
	s.mu.Unlock()
	if p == nil {
		return &base.Response{StatusCode: base.StatusBadRequest}, nil
	}
	if p.reader != nil {
		return &base.Response{StatusCode: base.StatusOK}, nil
	}

	reader, err := p.src.AddReader(models.SchemaRTSP, 512)
	if err != nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}
	p.reader = reader
	session := ctx.Session
	go s.feed(p, session)

	logrus.WithField("key", p.url.Key().String()).Info("RTSP player started")
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func (s *Server) feed(p *player, session *gortsplib.ServerSession) {
	origin := int64(-1)
	for f := range p.reader.C {
		pk, ok := p.packets[f.Codec]
		if !ok {
			continue
		}
		if origin < 0 {
			origin = f.DTS
		}
		out := *f
		out.PTS -= origin
		pkts, err := pk.Packets(&out)
		if err != nil {
			logrus.WithError(err).Debug("RTP packetization failed")
			continue
		}
		for _, pkt := range pkts {
			if err := p.stream.WritePacketRTP(pk.Media, pkt); err != nil {
				session.Close()
				return
			}
			p.flow.Add(pkt.MarshalSize())
		}
	}
	// source closed
	session.Close()
}

// OnRecord implements gortsplib.ServerHandlerOnRecord
func (s *Server) OnRecord(ctx *gortsplib.ServerHandlerOnRecordCtx) (*base.Response, error) {
	s.mu.Lock()
	pub := s.publishers[ctx.Session]
	s.mu.Unlock()
	if pub == nil {
		return &base.Response{StatusCode: base.StatusBadRequest}, nil
	}

	ctx.Session.OnPacketRTPAny(func(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
		d, ok := pub.decoder[forma]
		if !ok {
			return
		}
		pub.flow.Add(len(pkt.Payload))

		pub.mu.Lock()
		defer pub.mu.Unlock()
		frames, err := d.Frames(pkt)
		if err != nil {
			return
		}
		for _, f := range frames {
			if err := pub.media.InputFrame(f); err != nil {
				logrus.WithError(err).Debug("RTSP frame dropped")
				return
			}
		}
	})
	logrus.WithField("key", pub.media.Key().String()).Info("RTSP publisher recording")
	return &base.Response{StatusCode: base.StatusOK}, nil
}
