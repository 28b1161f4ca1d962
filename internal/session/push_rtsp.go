package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"mediakit/internal/rtsp"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// pushRTSP announces src to an RTSP server and records into it
func pushRTSP(ctx context.Context, src *streammanager.Source, rawURL string, opts options, connected func()) error {
	u, err := rtspURL(rawURL, opts)
	if err != nil {
		return err
	}
	desc, packets, err := rtsp.NewPacketizers(src.Tracks(), src.ParameterSets())
	if err != nil {
		return err
	}

	c := newRTSPClient(opts)
	if err := c.StartRecording(u.String(), desc); err != nil {
		return err
	}
	defer c.Close()

	reader, err := src.AddReader(models.SchemaRTSP, 512)
	if err != nil {
		return err
	}
	defer reader.Close()
	stop := context.AfterFunc(ctx, reader.Close)
	defer stop()
	connected()

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait() }()

	origin := int64(-1)
	for {
		select {
		case err := <-waitErr:
			return err
		case f, ok := <-reader.C:
			if !ok {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				return fmt.Errorf("%w: source closed", ErrShutdown)
			}
			pk, found := packets[f.Codec]
			if !found {
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
				if err := c.WritePacketRTP(pk.Media, pkt); err != nil {
					return err
				}
			}
		}
	}
}
