//go:build linux

package media

import (
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/loqui-im/callsig/internal/signaling"
)

const videoBitRate = 1_500_000

// newPlatformEngine builds a media engine with VP8+Opus encoders and a
// capturer backed by V4L2/malgo devices.
func newPlatformEngine(logger *slog.Logger) (*webrtc.MediaEngine, capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	return mediaEngine, &deviceCapturer{
		selector: selector,
		log:      logger.With("component", "capture"),
	}, nil
}

type deviceCapturer struct {
	selector *mediadevices.CodecSelector
	log      *slog.Logger
}

// acquire opens local capture for kind. A video call degrades through
// video+audio, video-only, then audio-only before giving up; an audio call
// has a single attempt. GetUserMedia fails as a unit if either requested
// track can't be opened, which is why the chain exists.
func (c *deviceCapturer) acquire(kind signaling.MediaKind) (capture, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		c.log.Warn("no media devices found")
	} else {
		for _, d := range devices {
			c.log.Debug("media device", "kind", d.Kind, "label", d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{video: false, audio: true, label: "audio-only"}}
	if kind == signaling.MediaKindVideo {
		attempts = []attempt{
			{video: true, audio: true, label: "video+audio"},
			{video: true, audio: false, label: "video-only"},
			{video: false, audio: true, label: "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				mtc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mtc.Width = prop.IntRanged{Max: 640}
				mtc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			c.log.Warn("capture attempt failed", "attempt", a.label, "err", err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					c.log.Warn("local track ended", "err", err)
				}
			})
			locals = append(locals, track)
		}

		c.log.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return capture{
			tracks: locals,
			release: func() {
				for _, t := range tracks {
					t.Close()
				}
			},
		}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no capture attempts made")
	}
	return capture{}, classifyCaptureError(lastErr)
}
