package streammanager

import (
	"errors"

	"github.com/sirupsen/logrus"

	"mediakit/pkg/models"
)

const maxPendingFrames = 256

// Ingest feeds a publisher whose tracks are discovered from the stream
// itself. Frames are held until both an audio and a video track are known,
// or until the held frames span more than the track window.
type Ingest struct {
	media    *Media
	window   int64
	hasVideo bool
	hasAudio bool
	ready    bool
	pending  []*models.Frame
}

// NewIngest wraps media. window is in the frames' timestamp unit.
func NewIngest(media *Media, window int64) *Ingest {
	return &Ingest{media: media, window: window}
}

// Media returns the wrapped media
func (i *Ingest) Media() *Media {
	return i.media
}

// Ready reports whether the source is registered
func (i *Ingest) Ready() bool {
	return i.ready
}

// HasTrack reports whether a track of the given kind was added
func (i *Ingest) HasTrack(video bool) bool {
	if video {
		return i.hasVideo
	}
	return i.hasAudio
}

// AddTrack declares a discovered track
func (i *Ingest) AddTrack(t models.Track) error {
	if i.ready || i.HasTrack(t.IsVideo()) {
		return nil
	}
	if err := i.media.InitTrack(t); err != nil {
		return err
	}
	if t.IsVideo() {
		i.hasVideo = true
	} else {
		i.hasAudio = true
	}
	if i.hasVideo && i.hasAudio {
		return i.complete()
	}
	return nil
}

// Input forwards f, holding it while tracks are still being discovered
func (i *Ingest) Input(f *models.Frame) error {
	if i.ready {
		return i.media.InputFrame(f)
	}
	if len(i.pending) < maxPendingFrames {
		i.pending = append(i.pending, models.NewFrame(f.Codec, f.DTS, f.PTS, f.Payload))
		i.pending[len(i.pending)-1].KeyFrame = f.KeyFrame
	}
	first := i.pending[0].DTS
	if (i.hasVideo || i.hasAudio) && (f.DTS-first > i.window || len(i.pending) >= maxPendingFrames) {
		return i.complete()
	}
	return nil
}

// Flush registers the source with whatever tracks are known
func (i *Ingest) Flush() error {
	if i.ready || !(i.hasVideo || i.hasAudio) {
		return nil
	}
	return i.complete()
}

func (i *Ingest) complete() error {
	if err := i.media.InitComplete(); err != nil {
		return err
	}
	i.ready = true
	pending := i.pending
	i.pending = nil
	for _, f := range pending {
		if f.IsVideo() && !i.hasVideo || !f.IsVideo() && !i.hasAudio {
			continue
		}
		if err := i.media.InputFrame(f); err != nil {
			logrus.WithError(err).WithField("key", i.media.Key().String()).Debug("dropping held frame")
			return err
		}
	}
	return nil
}

// feed forwards f, swallowing per-frame errors that do not end the stream
func (i *Ingest) feed(f *models.Frame, log *logrus.Entry) error {
	err := i.Input(f)
	if errors.Is(err, ErrReleased) || errors.Is(err, ErrSourceClosed) {
		return err
	}
	if err != nil {
		log.WithError(err).Debug("frame dropped")
	}
	return nil
}
