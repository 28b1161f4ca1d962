package httpServer

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mediakit/internal/access"
	"mediakit/internal/mpegts"
	"mediakit/internal/muxer"
	"mediakit/internal/recorder"
	"mediakit/internal/storage"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// Live stream suffixes: /app/stream.live.flv and /app/stream.live.ts
const (
	suffixLiveFLV = ".live.flv"
	suffixLiveTS  = ".live.ts"
)

// handleMedia serves live streams and stored files for paths no API
// route matched
func (s *Server) handleMedia(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	p := c.Request.URL.Path
	switch {
	case strings.HasSuffix(p, suffixLiveFLV):
		s.serveLive(c, strings.TrimSuffix(p, suffixLiveFLV), models.SchemaHTTP)
	case strings.HasSuffix(p, suffixLiveTS):
		s.serveLive(c, strings.TrimSuffix(p, suffixLiveTS), models.SchemaTS)
	default:
		s.serveFile(c)
	}
}

func playStatus(err error) int {
	switch {
	case errors.Is(err, access.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, access.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

// serveLive streams a source as HTTP-FLV or HTTP-TS until either side
// goes away
func (s *Server) serveLive(c *gin.Context, stem string, schema models.Schema) {
	u := *c.Request.URL
	u.Path = stem
	info, err := models.ParseMediaInfo(schema, u.String())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	sender := sockInfo(c.Request)
	ctx := c.Request.Context()

	src, err := s.Gate.Play(ctx, info, sender)
	if err != nil {
		c.JSON(playStatus(err), gin.H{"error": err.Error()})
		return
	}
	reader, err := src.AddReader(schema, 1024)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer reader.Close()

	flow := s.Gate.NewFlow(info, sender, true)
	defer flow.Done()
	w := flow.Writer(c.Writer)

	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Cache-Control", "no-cache")

	var write func(*models.Frame) error
	switch schema {
	case models.SchemaTS:
		mux, err := mpegts.NewMuxer(ctx, w, src.Tracks(), src.ParameterSets())
		if err != nil {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "video/mp2t")
		// NoRoute leaves a 404 in place
		c.Status(http.StatusOK)
		if _, err := mux.WriteTables(); err != nil {
			return
		}
		origin := int64(-1)
		write = func(f *models.Frame) error {
			if origin < 0 {
				origin = f.DTS
			}
			out := *f
			out.DTS -= origin
			out.PTS -= origin
			if out.DTS < 0 || out.PTS < 0 {
				return nil
			}
			_, err := mux.WriteFrame(&out)
			return err
		}
	default:
		c.Header("Content-Type", "video/x-flv")
		c.Status(http.StatusOK)
		fw, err := muxer.NewFLVWriter(w, src.Tracks(), src.ParameterSets())
		if err != nil {
			return
		}
		write = fw.WriteFrame
	}
	c.Writer.Flush()

	log := logrus.WithFields(logrus.Fields{"key": info.Key().String(), "schema": schema, "peer": sender.PeerIP})
	log.Info("HTTP player started")
	if err := pump(ctx, reader, write, c.Writer.Flush); err != nil {
		log.WithError(err).Debug("HTTP player write failed")
	}
	log.Info("HTTP player stopped")
}

// pump forwards frames from reader until ctx ends, the source closes the
// reader or a write fails
func pump(ctx context.Context, reader *streammanager.Reader, write func(*models.Frame) error, flush func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-reader.C:
			if !ok {
				return nil
			}
			if err := write(f); err != nil {
				return err
			}
			flush()
		}
	}
}

// serveFile serves HLS playlists and segments, and finished recordings,
// from the recorder storage. The HTTPBeforeAccess hook may rewrite the
// path; an empty result denies the request.
func (s *Server) serveFile(c *gin.Context) {
	if s.Recorder == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	sender := sockInfo(c.Request)
	target := s.hub.HTTPBeforeAccess(c.Request, sender, c.Request.URL.Path)
	if target == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	name, err := storage.Clean(strings.TrimPrefix(target, "/"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if path.Base(name) == recorder.HLSPlaylist {
		if status, err := s.demandHLS(ctx, c, name, sender); err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
	}

	f, err := s.Recorder.Storage().Open(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	c.Header("Content-Type", storage.ContentType(name))
	c.Header("Cache-Control", storage.CacheControl(name))
	c.Header("Access-Control-Allow-Origin", "*")
	http.ServeContent(c.Writer, c.Request, path.Base(name), time.Time{}, f)
}

// demandHLS authorises an HLS player and, when the stream is live, makes
// sure its HLS output runs and the playlist exists
func (s *Server) demandHLS(ctx context.Context, c *gin.Context, name string, sender models.SockInfo) (int, error) {
	u := *c.Request.URL
	u.Path = "/" + path.Dir(name)
	info, err := models.ParseMediaInfo(models.SchemaHLS, u.String())
	if err != nil {
		// not an app/stream playlist; serve it as a plain file
		return 0, nil
	}
	if _, err := s.Gate.Play(ctx, info, sender); err != nil {
		if errors.Is(err, access.ErrNotFound) {
			// a finished recording may still be on disk
			return 0, nil
		}
		return playStatus(err), err
	}
	if err := s.Recorder.DemandHLS(info.Key()); err != nil {
		return http.StatusServiceUnavailable, err
	}

	// the playlist appears once the first segment is cut
	ctx, cancel := context.WithTimeout(ctx, s.Gate.WaitTimeout())
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	store := s.Recorder.Storage()
	for {
		if ok, _ := store.Exists(ctx, name); ok {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil
		case <-ticker.C:
		}
	}
}
