package session

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	flvtag "github.com/yutopp/go-flv/tag"

	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

const rtmpChunkSize = 4096

// splitRTMPURL returns the dial address, the tcUrl, the app and the
// publishing name (stream plus query) of an rtmp:// url
func splitRTMPURL(rawURL string) (addr, tcURL, app, name string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	addr = u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "1935")
	}
	app, name, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || app == "" || name == "" {
		return "", "", "", "", fmt.Errorf("%w: %s has no app/stream", ErrUnsupportedURL, rawURL)
	}
	if u.RawQuery != "" {
		name += "?" + u.RawQuery
	}
	tcURL = u.Scheme + "://" + u.Host + "/" + app
	return addr, tcURL, app, name, nil
}

// pushRTMP publishes src to an RTMP server
func pushRTMP(ctx context.Context, src *streammanager.Source, rawURL string, opts options, connected func()) error {
	addr, tcURL, app, name, err := splitRTMPURL(rawURL)
	if err != nil {
		return err
	}

	client, err := rtmp.Dial("rtmp", addr, &rtmp.ConnConfig{Logger: logrus.StandardLogger()})
	if err != nil {
		return err
	}
	defer client.Close()
	stopDial := context.AfterFunc(ctx, func() { client.Close() })
	defer stopDial()

	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; mediakit)",
			TCURL:    tcURL,
		},
	}); err != nil {
		return fmt.Errorf("rtmp connect: %w", err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		return fmt.Errorf("rtmp create stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{PublishingName: name, PublishingType: "live"}); err != nil {
		return fmt.Errorf("rtmp publish: %w", err)
	}

	reader, err := src.AddReader(models.SchemaRTMP, 512)
	if err != nil {
		return err
	}
	defer reader.Close()
	stop := context.AfterFunc(ctx, reader.Close)
	defer stop()
	connected()

	tagger := muxer.NewFLVTagger(src.Tracks(), src.ParameterSets())
	origin := int64(-1)
	for f := range reader.C {
		tags, err := tagger.Tags(f)
		if err != nil {
			continue
		}
		for _, tag := range tags {
			if origin < 0 {
				origin = int64(tag.Timestamp)
			}
			ts := int64(tag.Timestamp) - origin
			if ts < 0 {
				ts = 0
			}
			body, err := muxer.EncodeTagBody(tag)
			if err != nil {
				continue
			}
			var msg rtmpmsg.Message = &rtmpmsg.AudioMessage{Payload: body}
			csid := 5
			if tag.TagType == flvtag.TagTypeVideo {
				msg = &rtmpmsg.VideoMessage{Payload: body}
				csid = 6
			}
			if err := stream.Write(csid, uint32(ts), msg); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return fmt.Errorf("%w: source closed", ErrShutdown)
}
