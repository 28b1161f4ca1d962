package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediakit/config"
	"mediakit/internal/engine"
	"mediakit/internal/event"
	"mediakit/internal/pullproxy"
)

const proxyPrefix = "/proxy/"

// installPolicies registers the default application behaviour on the
// engine's hub: pull-on-demand for configured origins, publish tokens and
// the /proxy/ passthrough.
func installPolicies(e *engine.Engine, cfg *config.Config) {
	hub := e.Hub()
	proxies := e.Proxies()

	for _, src := range cfg.Proxies {
		proxies.AddRoute(pullproxy.Route{Key: src.Key, URL: src.URL})
	}
	hub.OnMediaNotFound(func(ev event.MediaNotFoundEvent) bool {
		return proxies.HandleNotFound(ev.URL)
	})
	hub.OnMediaNoReader(func(ev event.MediaNoReaderEvent) {
		proxies.HandleNoReader(ev.Source)
	})

	hub.OnMediaPublish(func(ev event.MediaPublishEvent) {
		_ = ev.Invoker.CallWithConfig(e.Config(), publishVerdict(e, cfg, ev))
	})

	if cfg.ProxyBackend != "" {
		client := &http.Client{Timeout: e.Gate().WaitTimeout()}
		backend := strings.TrimSuffix(cfg.ProxyBackend, "/")
		hub.OnHTTPRequest(func(ev event.HTTPRequestEvent) bool {
			if !strings.HasPrefix(ev.Request.URL.Path, proxyPrefix) {
				return false
			}
			body, err := io.ReadAll(ev.Request.Body)
			if err != nil {
				_ = ev.Invoker.Invoke(http.StatusBadRequest, nil, []byte(err.Error()))
				return true
			}
			req := ev.Request
			if !e.Pool().Go(func(ctx context.Context) {
				forward(ctx, client, backend, req, body, ev.Invoker)
			}) {
				_ = ev.Invoker.Invoke(http.StatusServiceUnavailable, nil, []byte("shutting down"))
			}
			return true
		})
	}
}

// publishVerdict returns the rejection reason for a publisher, or "" to
// accept it. A token, when given, must be valid for the stream and is
// consumed.
func publishVerdict(e *engine.Engine, cfg *config.Config, ev event.MediaPublishEvent) string {
	token := ev.URL.Param("token")
	if token == "" {
		if cfg.RequireToken {
			return "publish token required"
		}
		return ""
	}
	if err := e.Auth().Consume(token, ev.URL.Key()); err != nil {
		logrus.WithFields(logrus.Fields{
			"key":  ev.URL.Key().String(),
			"peer": ev.Sender.PeerIP,
		}).WithError(err).Warn("publish rejected")
		return err.Error()
	}
	return ""
}

// forward relays req to the backend and answers invoker with the result
func forward(ctx context.Context, client *http.Client, backend string, req *http.Request, body []byte, invoker *event.HTTPResponseInvoker) {
	target := backend + "/" + strings.TrimPrefix(req.URL.Path, proxyPrefix)
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		_ = invoker.Invoke(http.StatusBadGateway, nil, []byte(err.Error()))
		return
	}
	out.Header = req.Header.Clone()

	start := time.Now()
	resp, err := client.Do(out)
	if err != nil {
		logrus.WithError(err).WithField("target", target).Warn("proxy request failed")
		_ = invoker.Invoke(http.StatusBadGateway, nil, []byte(fmt.Sprintf("backend unavailable: %v", err)))
		return
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = invoker.Invoke(http.StatusBadGateway, nil, []byte(err.Error()))
		return
	}
	logrus.WithFields(logrus.Fields{
		"target":   target,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("proxy request relayed")
	_ = invoker.Invoke(resp.StatusCode, endToEnd(resp.Header), data)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// endToEnd copies h without the hop-by-hop headers, including any named
// by Connection
func endToEnd(h http.Header) http.Header {
	out := h.Clone()
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
