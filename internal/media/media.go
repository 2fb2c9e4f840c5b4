// Package media holds the real-time call core that sits above the session
// layer: the jitter buffer, the adaptive bitrate controller, and the call
// manager with its capture and playback loops. Codec implementations are
// supplied by the application through the encoder/decoder interfaces.
package media

import (
	"context"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/logging"
)

var log = logging.DefaultLogger.WithTag("media")

var (
	ErrCodec              = errors.New("codec failure")
	ErrWaitingForKeyframe = errors.New("waiting for keyframe")
	ErrCallNotFound       = errors.New("call not found")
	ErrInvalidCallState   = errors.New("invalid call state")
)

// A RawFrame is one uncompressed frame from a capture source or for a
// playback sink.
type RawFrame struct {
	Data   []byte
	Width  int
	Height int
}

// A FrameEncoder turns raw frames into encoded payloads. Implementations
// wrap the application's codec bindings.
type FrameEncoder interface {
	Encode(frame RawFrame) (payload []byte, keyframe bool, err error)
	// RequestKeyframe forces the next encoded frame to be a keyframe.
	RequestKeyframe()
	// SetTargetBitrate retunes the encoder mid-call.
	SetTargetBitrate(bps int, width, height int)
	Close() error
}

// A FrameDecoder turns encoded payloads back into raw frames. A decoder
// that cannot make progress without a keyframe returns ErrWaitingForKeyframe.
type FrameDecoder interface {
	Decode(payload []byte, keyframe bool) (RawFrame, error)
	Close() error
}

// A Source captures frames from a device (camera, screen, microphone).
// Capture blocks until the next frame is available; it runs on a dedicated
// goroutine because device APIs block.
type Source interface {
	Capture(ctx context.Context) (RawFrame, error)
	Close() error
}

// A Sink plays back decoded frames.
type Sink interface {
	Play(frame RawFrame) error
	Close() error
}
