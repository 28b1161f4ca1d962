package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"

	"mediakit/internal/muxer"
	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

// pullFLV plays an HTTP-FLV stream
func pullFLV(ctx context.Context, p *Player, rawURL string, opts options) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	client := &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: opts.duration(OptProtocolTimeout, 10*time.Second),
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}

	media, err := p.newMedia(ctx, models.SchemaHTTP)
	if err != nil {
		return err
	}

	// the body stalls without data; a watchdog closes it
	mediaTimeout := opts.duration(OptMediaTimeout, 5*time.Second)
	watchdog := time.AfterFunc(mediaTimeout, func() { resp.Body.Close() })
	defer watchdog.Stop()

	err = ReadFLV(resp.Body, streammanager.NewFLVIngest(media, 500), func() {
		watchdog.Reset(mediaTimeout)
		p.setActive()
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	if ctx.Err() == nil && !watchdog.Stop() {
		return ErrMediaTimeout
	}
	return err
}

// ReadFLV decodes an FLV byte stream into ingest until it ends. onTag runs
// after every media tag.
func ReadFLV(r io.Reader, ingest *streammanager.FLVIngest, onTag func()) error {
	dec, err := flv.NewDecoder(r)
	if err != nil {
		return fmt.Errorf("failed to read FLV header: %w", err)
	}

	for {
		var tag flvtag.FlvTag
		if err := dec.Decode(&tag); err != nil {
			return err
		}
		err := feedTag(ingest, &tag)
		tag.Close()
		if err != nil {
			return err
		}
		if onTag != nil {
			onTag()
		}
	}
}

func feedTag(ingest *streammanager.FLVIngest, tag *flvtag.FlvTag) error {
	switch data := tag.Data.(type) {
	case *flvtag.VideoData:
		pkt, err := muxer.NewVideoPacket(data)
		if err != nil {
			return nil
		}
		return ingest.Video(tag.Timestamp, pkt)
	case *flvtag.AudioData:
		pkt, err := muxer.NewAudioPacket(data)
		if err != nil {
			return nil
		}
		return ingest.Audio(tag.Timestamp, pkt)
	}
	return nil
}
