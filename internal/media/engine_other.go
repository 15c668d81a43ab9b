//go:build !linux

package media

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/loqui-im/callsig/internal/signaling"
)

// newPlatformEngine builds a receive-only engine on platforms without
// capture drivers (V4L2/malgo are Linux-only here). Calls still negotiate
// and receive remote media.
func newPlatformEngine(logger *slog.Logger) (*webrtc.MediaEngine, capturer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	return mediaEngine, noCapture{log: logger.With("component", "capture")}, nil
}

type noCapture struct {
	log *slog.Logger
}

func (c noCapture) acquire(kind signaling.MediaKind) (capture, error) {
	c.log.Info("no capture drivers on this platform; proceeding receive-only", "kind", kind)
	return capture{}, nil
}
