package httpServer

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mediakit/internal/event"
)

// observe logs every request and feeds the HTTP metrics
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "media"
		}
		elapsed := time.Since(start)
		if s.Metrics != nil {
			s.Metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), elapsed.Seconds())
		}
		logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"peer":   c.ClientIP(),
			"took":   elapsed,
		}).Debug("http request")
	}
}

// intercept offers each request to the HTTPRequest hook before routing.
// A consumed request is answered only through the invoker; if the hook
// never answers the connection is dropped without a response.
func (s *Server) intercept() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			mu       sync.Mutex
			finished bool
			wrote    bool
		)
		answered := make(chan struct{})
		invoker := event.NewHTTPResponseInvoker(func(code int, header http.Header, body []byte) {
			mu.Lock()
			defer mu.Unlock()
			if finished {
				return
			}
			h := c.Writer.Header()
			for k, vs := range header {
				for _, v := range vs {
					h.Add(k, v)
				}
			}
			c.Status(code)
			_, _ = c.Writer.Write(body)
			wrote = true
			close(answered)
		})

		if !s.hub.HTTPRequest(c.Request, sockInfo(c.Request), invoker) {
			c.Next()
			return
		}

		timer := time.NewTimer(s.Gate.WaitTimeout())
		defer timer.Stop()
		select {
		case <-answered:
		case <-c.Request.Context().Done():
		case <-timer.C:
		}

		mu.Lock()
		finished = true
		mu.Unlock()

		if !wrote {
			logrus.WithField("path", c.Request.URL.Path).Warn("consumed http request was never answered")
			panic(http.ErrAbortHandler)
		}
		c.Abort()
	}
}
