// Package xdp implements the optional AF_XDP kernel-bypass back-end for the
// transport layer. A user-space UMEM region is shared with the kernel through
// four single-producer/single-consumer rings: fill and completion carry
// 8-byte frame addresses, RX and TX carry 16-byte descriptors.
//
// Frame ownership follows the ring protocol: the kernel owns frames whose
// addresses are on the fill or TX ring; userspace owns frames that appear in
// RX descriptors or on the completion ring. Violating that discipline is a
// memory-safety bug, so every address crossing the boundary goes through the
// UMEM free list or a validated descriptor.
package xdp

import (
	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/logging"
)

var log = logging.DefaultLogger.WithTag("xdp")

var (
	// ErrInvalidConfig covers bad sizes: non-power-of-two rings or frames,
	// frame size below the minimum, UMEM length not a multiple of the frame
	// size.
	ErrInvalidConfig = errors.New("invalid AF_XDP configuration")

	// ErrNotSupported is returned on platforms without AF_XDP.
	ErrNotSupported = errors.New("AF_XDP not supported on this platform")

	// ErrRingFull indicates producer-side back-pressure; the caller should
	// retry after completions drain.
	ErrRingFull = errors.New("ring full")

	// ErrRingEmpty indicates there is nothing to consume.
	ErrRingEmpty = errors.New("ring empty")

	// ErrInvalidDescriptor rejects a TX descriptor whose address or length
	// falls outside the UMEM.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// Minimum and default frame sizes. Frames must be powers of two so that
// address masking can recover the frame base.
const (
	MinFrameSize     = 2048
	DefaultFrameSize = 2048
)

// Config describes a UMEM plus its four rings.
type Config struct {
	// NumFrames is the number of fixed-size frames in the UMEM.
	NumFrames uint32

	// FrameSize is the size of each frame; power of two, >= MinFrameSize.
	FrameSize uint32

	// Ring sizes, each a power of two.
	FillRingSize       uint32
	CompletionRingSize uint32
	RxRingSize         uint32
	TxRingSize         uint32

	// Bind flags.
	ZeroCopy      bool
	Copy          bool
	UseNeedWakeup bool

	// Interface and queue to bind to.
	Interface  string
	QueueID    uint32
	HealthPort uint16
}

// DefaultConfig returns a config sized for a single queue at line rate.
func DefaultConfig(ifname string) Config {
	return Config{
		NumFrames:          4096,
		FrameSize:          DefaultFrameSize,
		FillRingSize:       2048,
		CompletionRingSize: 2048,
		RxRingSize:         2048,
		TxRingSize:         2048,
		ZeroCopy:           true,
		UseNeedWakeup:      true,
		Interface:          ifname,
	}
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// Validate checks every size constraint. Anything it rejects would otherwise
// surface as undefined ring behavior.
func (c *Config) Validate() error {
	if c.FrameSize < MinFrameSize || !isPowerOfTwo(c.FrameSize) {
		return errors.Wrapf(ErrInvalidConfig, "frame size %d", c.FrameSize)
	}
	if c.NumFrames == 0 {
		return errors.Wrap(ErrInvalidConfig, "zero frames")
	}
	for _, rs := range []struct {
		name string
		size uint32
	}{
		{"fill", c.FillRingSize},
		{"completion", c.CompletionRingSize},
		{"rx", c.RxRingSize},
		{"tx", c.TxRingSize},
	} {
		if !isPowerOfTwo(rs.size) {
			return errors.Wrapf(ErrInvalidConfig, "%s ring size %d", rs.name, rs.size)
		}
	}
	if c.ZeroCopy && c.Copy {
		return errors.Wrap(ErrInvalidConfig, "zerocopy and copy are mutually exclusive")
	}
	return nil
}

// A Desc is an RX/TX ring descriptor: a frame-relative address, a length, and
// option bits.
type Desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}
