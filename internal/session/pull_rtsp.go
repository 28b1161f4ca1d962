package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"mediakit/internal/rtsp"
	"mediakit/pkg/models"
)

func rtspTransport(opts options) *gortsplib.Transport {
	var t gortsplib.Transport
	switch opts.int(OptRTPType, RTPTypeTCP) {
	case RTPTypeUDP:
		t = gortsplib.TransportUDP
	case RTPTypeMulticast:
		t = gortsplib.TransportUDPMulticast
	default:
		t = gortsplib.TransportTCP
	}
	return &t
}

func rtspURL(rawURL string, opts options) (*base.URL, error) {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if user := opts[OptRTSPUser]; user != "" {
		u.User = url.UserPassword(user, opts[OptRTSPPassword])
	}
	return u, nil
}

func newRTSPClient(opts options) *gortsplib.Client {
	timeout := opts.duration(OptProtocolTimeout, 10*time.Second)
	return &gortsplib.Client{
		Transport:    rtspTransport(opts),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		TLSConfig:    &tls.Config{InsecureSkipVerify: true},
	}
}

// pullRTSP plays an RTSP stream and feeds its packets into a new media
func pullRTSP(ctx context.Context, p *Player, rawURL string, opts options) error {
	u, err := rtspURL(rawURL, opts)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"key": p.key.String(), "url": u.CloneWithoutCredentials().String()})

	c := newRTSPClient(opts)
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	desc, _, err := c.Describe(u)
	if err != nil {
		return err
	}

	var medias []*description.Media
	decoders := make(map[format.Format]*rtsp.Depacketizer)
	for _, medi := range desc.Medias {
		for _, forma := range medi.Formats {
			d, err := rtsp.NewDepacketizer(medi, forma)
			if err != nil {
				log.WithError(err).Debug("skipping remote format")
				continue
			}
			decoders[forma] = d
			medias = append(medias, medi)
			break
		}
	}
	if len(medias) == 0 {
		return fmt.Errorf("%w: no playable track", rtsp.ErrUnsupportedFormat)
	}
	if err := c.SetupAll(desc.BaseURL, medias); err != nil {
		return err
	}

	media, err := p.newMedia(ctx, models.SchemaRTSP)
	if err != nil {
		return err
	}
	for _, d := range decoders {
		if err := media.InitTrack(d.Track); err != nil {
			return err
		}
	}
	if err := media.InitComplete(); err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		lastSeen atomic.Int64
		inputErr = make(chan error, 1)
	)
	lastSeen.Store(time.Now().UnixNano())
	c.OnPacketRTPAny(func(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
		d, ok := decoders[forma]
		if !ok {
			return
		}
		lastSeen.Store(time.Now().UnixNano())

		mu.Lock()
		defer mu.Unlock()
		frames, err := d.Frames(pkt)
		if err != nil {
			return
		}
		for _, f := range frames {
			if err := media.InputFrame(f); err != nil {
				select {
				case inputErr <- err:
				default:
				}
				return
			}
		}
	})

	if _, err := c.Play(nil); err != nil {
		return err
	}
	p.setActive()

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait() }()

	mediaTimeout := opts.duration(OptMediaTimeout, 5*time.Second)
	ticker := time.NewTicker(mediaTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case err := <-waitErr:
			return err
		case err := <-inputErr:
			return err
		case <-ticker.C:
			if time.Since(time.Unix(0, lastSeen.Load())) > mediaTimeout {
				return ErrMediaTimeout
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
