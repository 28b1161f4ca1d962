package httpServer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mediakit/internal/access"
	"mediakit/internal/pullproxy"
	"mediakit/internal/recorder"
	"mediakit/internal/rtp"
	"mediakit/internal/streammanager"
	"mediakit/internal/webrtc"
	"mediakit/pkg/models"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handlePublish(c *gin.Context) {
	var req models.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := models.NewStreamKey(req.Vhost, req.App, req.Stream)
	token, err := s.Auth.GeneratePublishToken(key, req.ExpiresIn, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	publishURL := fmt.Sprintf("%s/%s/%s?token=%s", s.PublishURL, key.App, key.Stream, token.Token)
	if key.Vhost != models.DefaultVhost {
		publishURL += "&vhost=" + key.Vhost
	}
	c.JSON(http.StatusOK, models.PublishResponse{
		PublishURL: publishURL,
		Stream:     key.String(),
		Token:      token.Token,
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListStreams(c *gin.Context) {
	sources := s.mgr.Sources()
	infos := make([]models.StreamInfo, 0, len(sources))
	for _, src := range sources {
		if app := c.Query("app"); app != "" && src.Key().App != app {
			continue
		}
		infos = append(infos, s.streamToInfo(src))
	}
	c.JSON(http.StatusOK, models.StreamListResponse{
		Streams: infos,
		Total:   len(infos),
	})
}

func (s *Server) handleGetStream(c *gin.Context) {
	src := s.mgr.Find(keyParam(c))
	if src == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, s.streamToInfo(src))
}

// handleCloseStream closes a source. Without force=1 a source that still
// has readers is left alone.
func (s *Server) handleCloseStream(c *gin.Context) {
	key := keyParam(c)
	src := s.mgr.Find(key)
	if src == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	force := c.Query("force") == "1" || c.Query("force") == "true"
	if !src.Close(force) {
		c.JSON(http.StatusConflict, gin.H{"error": "stream has readers", "readers": src.ReaderCount()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "stream closed",
		"stream":  key.String(),
	})
}

func (s *Server) handleListProxies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"proxies": s.Proxies.List()})
}

func (s *Server) handleAddProxy(c *gin.Context) {
	var req models.ProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := models.NewStreamKey(req.Vhost, req.App, req.Stream)
	if err := s.Proxies.Start(key, req.URL, req.Opts); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pullproxy.ErrRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "proxy started", "stream": key.String()})
}

func (s *Server) handleRemoveProxy(c *gin.Context) {
	key := keyParam(c)
	if !s.Proxies.Stop(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "proxy not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "proxy stopped", "stream": key.String()})
}

func (s *Server) handleStartRecord(c *gin.Context) {
	var req models.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := models.NewStreamKey(req.Vhost, req.App, req.Stream)
	typ := models.RecordType(req.Type)

	var err error
	if typ == models.RecordFLV {
		err = s.Recorder.StartFLV(key, req.Path)
	} else {
		err = s.Recorder.Start(typ, key, req.Path, req.MaxSeconds)
	}
	if err != nil {
		c.JSON(recordStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recording started", "stream": key.String(), "type": typ.String()})
}

func (s *Server) handleStopRecord(c *gin.Context) {
	var req models.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := models.NewStreamKey(req.Vhost, req.App, req.Stream)
	typ := models.RecordType(req.Type)
	if !s.Recorder.Stop(typ, key) {
		c.JSON(http.StatusNotFound, gin.H{"error": recorder.ErrNotRecording.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recording stopped", "stream": key.String(), "type": typ.String()})
}

func (s *Server) handleRecordStatus(c *gin.Context) {
	key := keyParam(c)
	status := gin.H{}
	for _, typ := range []models.RecordType{models.RecordHLS, models.RecordMP4, models.RecordFLV} {
		status[typ.String()] = s.Recorder.IsRecording(typ, key)
	}
	c.JSON(http.StatusOK, gin.H{"stream": key.String(), "recording": status})
}

func recordStatus(err error) int {
	switch {
	case errors.Is(err, recorder.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, recorder.ErrRecording):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrUnsupportedType), errors.Is(err, recorder.ErrNoRecordableTrack),
		errors.Is(err, streammanager.ErrInvalidKey):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// sendRTPRequest starts or stops pushing a stream as RTP over UDP
type sendRTPRequest struct {
	Vhost  string `json:"vhost"`
	App    string `json:"app" binding:"required"`
	Stream string `json:"stream" binding:"required"`
	Dst    string `json:"dst"`
	SSRC   uint32 `json:"ssrc" binding:"required"`
	// ES selects elementary stream payloads instead of MPEG-TS
	ES bool `json:"es"`
}

func (s *Server) handleStartSendRTP(c *gin.Context) {
	var req sendRTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Dst == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dst is required"})
		return
	}
	mode := rtp.SendTS
	if req.ES {
		mode = rtp.SendES
	}
	key := models.NewStreamKey(req.Vhost, req.App, req.Stream)
	if err := s.Sender.Start(key, req.Dst, req.SSRC, mode); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, rtp.ErrSendExists):
			status = http.StatusConflict
		case errors.Is(err, rtp.ErrNoSendTrack):
			status = http.StatusBadRequest
		case errors.Is(err, access.ErrNotFound):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "rtp sender started", "stream": key.String(), "ssrc": req.SSRC})
}

func (s *Server) handleStopSendRTP(c *gin.Context) {
	var req sendRTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := models.NewStreamKey(req.Vhost, req.App, req.Stream)
	if err := s.Sender.Stop(key, req.SSRC); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "rtp sender stopped", "stream": key.String(), "ssrc": req.SSRC})
}

// handleWebRTC answers the SDP offer in the body. The query carries the
// session type and the stream: ?type=play&app=live&stream=cam.
func (s *Server) handleWebRTC(c *gin.Context) {
	offer, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil || len(offer) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "missing offer"})
		return
	}
	typ := c.DefaultQuery("type", webrtc.TypePlay)
	target := "/" + c.Query("app") + "/" + c.Query("stream")
	if c.Request.URL.RawQuery != "" {
		target += "?" + c.Request.URL.RawQuery
	}

	answer, transport, err := s.RTC.Answer(c.Request.Context(), typ, string(offer), target, sockInfo(c.Request))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"code": -1, "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"id":   transport.ID(),
		"sdp":  answer,
		"type": "answer",
	})
}

// handleDataChannelSend writes the body to a data channel of a live
// transport
func (s *Server) handleDataChannelSend(c *gin.Context) {
	t := s.RTC.Transport(c.Param("id"))
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transport not found"})
		return
	}
	sid, err := strconv.ParseUint(c.Query("sid"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sid"})
		return
	}
	ppid, err := strconv.ParseUint(c.DefaultQuery("ppid", "51"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ppid"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := t.SendDataChannel(uint16(sid), uint32(ppid), data); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrNoDataChannel) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sent", "bytes": len(data)})
}

// Helper functions

func (s *Server) streamToInfo(src *streammanager.Source) models.StreamInfo {
	snap := src.Info()
	info := models.StreamInfo{
		Vhost:          snap.Key.Vhost,
		App:            snap.Key.App,
		Stream:         snap.Key.Stream,
		Schema:         string(snap.Schema),
		Readers:        snap.ReaderCount,
		TotalReaders:   snap.TotalReaderCount,
		Tracks:         make([]string, 0, len(snap.Tracks)),
		Outputs:        make([]string, 0, len(snap.Outputs)),
		BytesReceived:  snap.Stats.BytesReceived,
		FramesReceived: snap.Stats.FramesReceived,
		DroppedFrames:  snap.Stats.DroppedFrames,
	}
	if !snap.CreatedAt.IsZero() {
		info.StartedAt = snap.CreatedAt.Format(time.RFC3339)
		info.Duration = int(time.Since(snap.CreatedAt).Seconds())
	}
	for _, t := range snap.Tracks {
		info.Tracks = append(info.Tracks, t.String())
	}
	for _, o := range snap.Outputs {
		info.Outputs = append(info.Outputs, string(o))
	}
	if s.Recorder != nil {
		for _, typ := range []models.RecordType{models.RecordHLS, models.RecordMP4, models.RecordFLV} {
			if s.Recorder.IsRecording(typ, snap.Key) {
				info.Recording = append(info.Recording, typ.String())
			}
		}
	}
	return info
}
