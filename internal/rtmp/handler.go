package rtmp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	flvtag "github.com/yutopp/go-flv/tag"

	"mediakit/internal/access"
	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// Chunk stream ids used for outgoing media
const (
	chunkStreamAudio = 5
	chunkStreamVideo = 6
)

// trackWindowMS is how long a publisher may take to reveal its second track
const trackWindowMS = 500

// connHandler handles one RTMP connection, either publishing or playing
type connHandler struct {
	rtmp.DefaultHandler

	gate    *access.Gate
	netConn net.Conn
	conn    *rtmp.Conn
	sender  models.SockInfo
	log     *logrus.Entry

	app   string
	tcURL string

	mu     sync.Mutex
	ingest *streammanager.FLVIngest
	reader *streammanager.Reader
	flow   *access.Flow
}

func newConnHandler(gate *access.Gate, conn net.Conn) *connHandler {
	sender := models.NewSockInfo(uuid.NewString(), conn.LocalAddr(), conn.RemoteAddr())
	return &connHandler{
		gate:    gate,
		netConn: conn,
		sender:  sender,
		log:     logrus.WithFields(logrus.Fields{"schema": models.SchemaRTMP, "peer": sender.PeerIP}),
	}
}

// OnServe is called when the connection starts serving
func (h *connHandler) OnServe(conn *rtmp.Conn) {
	h.conn = conn
}

// OnConnect records the application the client connected to
func (h *connHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.app = cmd.Command.App
	h.tcURL = cmd.Command.TCURL
	h.log.WithFields(logrus.Fields{"app": h.app, "tcUrl": h.tcURL}).Debug("RTMP connect")
	return nil
}

// mediaInfo resolves a publishing or play name against the connect url
func (h *connHandler) mediaInfo(name string) (models.MediaInfo, error) {
	base := strings.TrimSuffix(h.tcURL, "/")
	if base == "" || !strings.Contains(base, "://") {
		base = "/" + h.app
	}
	// a query on the app ("live?vhost=x") travels with the stream name
	if idx := strings.Index(base, "?"); idx >= 0 {
		query := base[idx+1:]
		base = base[:idx]
		if strings.Contains(name, "?") {
			name += "&" + query
		} else {
			name += "?" + query
		}
	}
	return models.ParseMediaInfo(models.SchemaRTMP, base+"/"+name)
}

// OnPublish is called when a client wants to publish a stream
func (h *connHandler) OnPublish(_ *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	url, err := h.mediaInfo(cmd.PublishingName)
	if err != nil {
		return err
	}
	h.log = h.log.WithField("key", url.Key().String())

	media, err := h.gate.StartPublish(context.Background(), url, h.sender)
	if err != nil {
		h.log.WithError(err).Warn("publish rejected")
		return err
	}
	media.OnClose(func() {
		h.log.Info("source closed, dropping publisher")
		_ = h.netConn.Close()
	})

	h.mu.Lock()
	h.ingest = streammanager.NewFLVIngest(media, trackWindowMS)
	h.flow = h.gate.NewFlow(url, h.sender, false)
	h.mu.Unlock()

	h.log.Info("RTMP publisher started")
	return nil
}

// OnSetDataFrame receives onMetaData. Track info is taken from the
// sequence headers instead.
func (h *connHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	h.log.Debug("metadata received")
	return nil
}

// OnVideo is called when video data is received
func (h *connHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ingest == nil {
		return nil
	}

	pkt, err := muxer.DecodeVideoPacket(payload)
	if err != nil {
		h.log.WithError(err).Debug("skipping video packet")
		return nil
	}
	h.flow.Add(len(pkt.Data) + 5)
	return h.ingest.Video(timestamp, pkt)
}

// OnAudio is called when audio data is received
func (h *connHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ingest == nil {
		return nil
	}

	pkt, err := muxer.DecodeAudioPacket(payload)
	if err != nil {
		h.log.WithError(err).Debug("skipping audio packet")
		return nil
	}
	h.flow.Add(len(pkt.Data) + 2)
	return h.ingest.Audio(timestamp, pkt)
}

// OnPlay attaches the connection as a reader of the requested source
func (h *connHandler) OnPlay(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPlay) error {
	url, err := h.mediaInfo(cmd.StreamName)
	if err != nil {
		return err
	}
	h.log = h.log.WithField("key", url.Key().String())

	src, err := h.gate.Play(context.Background(), url, h.sender)
	if err != nil {
		h.log.WithError(err).Warn("play rejected")
		return err
	}
	reader, err := src.AddReader(models.SchemaRTMP, 512)
	if err != nil {
		return err
	}

	flow := h.gate.NewFlow(url, h.sender, true)
	h.mu.Lock()
	h.reader = reader
	h.flow = flow
	h.mu.Unlock()

	h.log.Info("RTMP player started")
	go h.serveReader(ctx.StreamID, reader, flow)
	return nil
}

func (h *connHandler) serveReader(streamID uint32, reader *streammanager.Reader, flow *access.Flow) {
	src := reader.Source()
	tagger := muxer.NewFLVTagger(src.Tracks(), src.ParameterSets())
	base := int64(-1)

	for f := range reader.C {
		tags, err := tagger.Tags(f)
		if err != nil {
			h.log.WithError(err).Debug("frame not representable in FLV")
			continue
		}
		for _, tag := range tags {
			if base < 0 {
				base = int64(tag.Timestamp)
			}
			ts := int64(tag.Timestamp) - base
			if ts < 0 {
				ts = 0
			}
			n, err := h.writeTag(streamID, uint32(ts), tag)
			if err != nil {
				h.log.WithError(err).Debug("RTMP write failed")
				_ = h.netConn.Close()
				return
			}
			flow.Add(n)
		}
	}
	// the source went away
	_ = h.netConn.Close()
}

func (h *connHandler) writeTag(streamID, ts uint32, tag *flvtag.FlvTag) (int, error) {
	body, err := muxer.EncodeTagBody(tag)
	if err != nil {
		return 0, err
	}
	n := body.Len()

	msg := &rtmp.ChunkMessage{StreamID: streamID}
	csid := chunkStreamVideo
	switch tag.TagType {
	case flvtag.TagTypeVideo:
		msg.Message = &rtmpmsg.VideoMessage{Payload: body}
	case flvtag.TagTypeAudio:
		csid = chunkStreamAudio
		msg.Message = &rtmpmsg.AudioMessage{Payload: body}
	default:
		return 0, fmt.Errorf("unexpected tag type %d", tag.TagType)
	}
	return n, h.conn.Write(context.Background(), csid, ts, msg)
}

// OnClose is called when the connection is closed
func (h *connHandler) OnClose() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ingest != nil {
		h.ingest.Media().Release()
		h.log.Info("RTMP publisher closed")
	}
	if h.reader != nil {
		h.reader.Close()
		h.log.Info("RTMP player closed")
	}
	if h.flow != nil {
		h.flow.Done()
	}
}
