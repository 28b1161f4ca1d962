package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mediakit/config"
	"mediakit/internal/engine"
	"mediakit/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStorage(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialise storage")
	}
	defer closeStore()

	e, err := engine.New(engine.Options{
		ThreadNum:  cfg.ThreadNum,
		Log:        cfg.LogOptions(),
		IniPath:    cfg.IniPath,
		SSL:        cfg.SSLCert,
		SSLKey:     cfg.SSLKey,
		SSLIsPath:  true,
		Storage:    store,
		PublishURL: cfg.PublishURL,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialise engine")
	}
	installPolicies(e, cfg)

	if err := startListeners(e, cfg); err != nil {
		logrus.WithError(err).Error("failed to start listeners")
		e.Close()
		os.Exit(1)
	}
	go e.Auth().Run(ctx, cfg.TokenCleanupInterval)

	logrus.Info("mediakit started")
	<-ctx.Done()
	logrus.Info("shutting down")
	if err := e.Close(); err != nil {
		logrus.WithError(err).Warn("shutdown finished with errors")
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, func(), error) {
	if cfg.StorageType == "gcs" {
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, nil, err
		}
		logrus.WithFields(logrus.Fields{"bucket": cfg.GCSBucket, "prefix": cfg.GCSPrefix}).Info("storage initialised on GCS")
		return gcs, func() { gcs.Close() }, nil
	}
	local, err := storage.NewLocalStorage(cfg.StorageDir)
	if err != nil {
		return nil, nil, err
	}
	logrus.WithField("dir", cfg.StorageDir).Info("storage initialised on local disk")
	return local, func() {}, nil
}

// startListeners brings up every listener with a non-zero port
func startListeners(e *engine.Engine, cfg *config.Config) error {
	type starter struct {
		name  string
		port  int
		start func(uint16) (int, error)
	}
	withTLS := func(fn func(uint16, bool) (int, error), tls bool) func(uint16) (int, error) {
		return func(port uint16) (int, error) { return fn(port, tls) }
	}
	starters := []starter{
		{"http", cfg.HTTPPort, withTLS(e.StartHTTP, false)},
		{"https", cfg.HTTPSPort, withTLS(e.StartHTTP, true)},
		{"rtsp", cfg.RTSPPort, withTLS(e.StartRTSP, false)},
		{"rtsps", cfg.RTSPSPort, withTLS(e.StartRTSP, true)},
		{"rtmp", cfg.RTMPPort, withTLS(e.StartRTMP, false)},
		{"rtmps", cfg.RTMPSPort, withTLS(e.StartRTMP, true)},
		{"rtp", cfg.RTPPort, e.StartRTP},
		{"srt", cfg.SRTPort, e.StartSRT},
		{"rtc", cfg.RTCPort, e.StartRTC},
		{"shell", cfg.ShellPort, e.StartShell},
	}
	for _, s := range starters {
		if s.port == 0 {
			continue
		}
		bound, err := s.start(uint16(s.port))
		if err != nil {
			return fmt.Errorf("%s on port %d: %w", s.name, s.port, err)
		}
		logrus.WithFields(logrus.Fields{"listener": s.name, "port": bound}).Info("listener started")
	}
	return nil
}
