package xdp

import (
	"sync"

	"github.com/pkg/errors"
)

// A UMEM is the user-space buffer region shared with the kernel, divided into
// fixed-size frames. The region is locked into RAM: a page fault during
// packet processing would stall the data path, so failure to lock is fatal
// to AF_XDP mode.
type UMEM struct {
	area      []byte
	frameSize uint32
	numFrames uint32

	// Addresses of frames currently owned by userspace and not in flight.
	mu   sync.Mutex
	free []uint64
}

// NewUMEM allocates and locks a UMEM region per the config. Fails with
// ErrInvalidConfig for bad sizes, or an OS-level error for mmap/mlock
// failures.
func NewUMEM(cfg *Config) (*UMEM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	size := uint64(cfg.NumFrames) * uint64(cfg.FrameSize)
	area, err := allocLocked(size)
	if err != nil {
		return nil, errors.Wrap(err, "umem allocation")
	}

	u := &UMEM{
		area:      area,
		frameSize: cfg.FrameSize,
		numFrames: cfg.NumFrames,
		free:      make([]uint64, 0, cfg.NumFrames),
	}
	for i := uint32(0); i < cfg.NumFrames; i++ {
		u.free = append(u.free, uint64(i)*uint64(cfg.FrameSize))
	}
	return u, nil
}

// Size returns the total region size in bytes.
func (u *UMEM) Size() uint64 {
	return uint64(len(u.area))
}

// FrameSize returns the fixed frame size.
func (u *UMEM) FrameSize() uint32 {
	return u.frameSize
}

// AllocFrame takes a free frame address out of the userspace pool. Returns
// false when every frame is in flight.
func (u *UMEM) AllocFrame() (uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.free) == 0 {
		return 0, false
	}
	addr := u.free[len(u.free)-1]
	u.free = u.free[:len(u.free)-1]
	return addr, true
}

// FreeFrame returns a frame address to the pool. The address must have come
// from AllocFrame, an RX descriptor, or the completion ring.
func (u *UMEM) FreeFrame(addr uint64) {
	u.mu.Lock()
	u.free = append(u.free, addr&^uint64(u.frameSize-1))
	u.mu.Unlock()
}

// FreeFrames returns the number of frames currently owned by userspace.
func (u *UMEM) FreeFrames() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.free)
}

// Frame returns the n bytes of the frame starting at addr. The caller must
// own the frame per the ring protocol.
func (u *UMEM) Frame(addr uint64, n uint32) []byte {
	return u.area[addr : addr+uint64(n)]
}

// ValidateDesc rejects descriptors that fall outside the region, are not
// frame-aligned, or exceed the frame size.
func (u *UMEM) ValidateDesc(d Desc) error {
	if d.Addr >= u.Size() {
		return errors.Wrapf(ErrInvalidDescriptor, "addr %#x beyond umem", d.Addr)
	}
	if d.Addr&uint64(u.frameSize-1) != 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "addr %#x not frame-aligned", d.Addr)
	}
	if d.Len > u.frameSize {
		return errors.Wrapf(ErrInvalidDescriptor, "len %d exceeds frame size", d.Len)
	}
	return nil
}

// Close unlocks and unmaps the region.
func (u *UMEM) Close() error {
	if u.area == nil {
		return nil
	}
	err := releaseLocked(u.area)
	u.area = nil
	return err
}
