//go:build linux

package xdp

import (
	"net"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// A Socket is an AF_XDP socket bound to one interface queue, with its UMEM
// and four rings mapped. Requires CAP_NET_RAW and a relaxed locked-memory
// limit.
type Socket struct {
	fd      int
	umem    *UMEM
	cfg     Config
	ifindex int

	fill       *ring
	completion *ring
	rx         *ring
	tx         *ring

	stats counters
}

// NewSocket creates the UMEM, registers it, sizes and maps the rings, and
// binds to the configured interface queue. Zero-copy is tried first unless
// Copy is set; if the zero-copy bind fails, the bind is retried in copy mode.
func NewSocket(cfg Config) (*Socket, error) {
	umem, err := NewUMEM(&cfg)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		umem.Close()
		return nil, errors.Wrap(err, "socket(AF_XDP)")
	}

	s := &Socket{fd: fd, umem: umem, cfg: cfg}
	if err := s.setup(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Socket) setup() error {
	iface, err := interfaceIndex(s.cfg.Interface)
	if err != nil {
		return err
	}
	s.ifindex = iface

	reg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&s.umem.area[0]))),
		Len:      s.umem.Size(),
		Size:     s.cfg.FrameSize,
		Headroom: 0,
	}
	if err := setsockoptBytes(s.fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return errors.Wrap(err, "XDP_UMEM_REG")
	}

	for _, opt := range []struct {
		name int
		size uint32
	}{
		{unix.XDP_UMEM_FILL_RING, s.cfg.FillRingSize},
		{unix.XDP_UMEM_COMPLETION_RING, s.cfg.CompletionRingSize},
		{unix.XDP_RX_RING, s.cfg.RxRingSize},
		{unix.XDP_TX_RING, s.cfg.TxRingSize},
	} {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_XDP, opt.name, int(opt.size)); err != nil {
			return errors.Wrapf(err, "ring setsockopt %d", opt.name)
		}
	}

	var off unix.XDPMmapOffsets
	if err := getsockoptBytes(s.fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&off), unsafe.Sizeof(off)); err != nil {
		return errors.Wrap(err, "XDP_MMAP_OFFSETS")
	}

	s.fill, err = s.mapRing(off.Fr, unix.XDP_UMEM_PGOFF_FILL_RING, s.cfg.FillRingSize, addrEntrySize)
	if err != nil {
		return errors.Wrap(err, "map fill ring")
	}
	s.completion, err = s.mapRing(off.Cr, unix.XDP_UMEM_PGOFF_COMPLETION_RING, s.cfg.CompletionRingSize, addrEntrySize)
	if err != nil {
		return errors.Wrap(err, "map completion ring")
	}
	s.rx, err = s.mapRing(off.Rx, unix.XDP_PGOFF_RX_RING, s.cfg.RxRingSize, descEntrySize)
	if err != nil {
		return errors.Wrap(err, "map rx ring")
	}
	s.tx, err = s.mapRing(off.Tx, unix.XDP_PGOFF_TX_RING, s.cfg.TxRingSize, descEntrySize)
	if err != nil {
		return errors.Wrap(err, "map tx ring")
	}

	if err := s.bind(); err != nil {
		return err
	}

	// Prime the fill ring so the kernel has RX buffers from the start.
	s.refillFromPool()
	return nil
}

func (s *Socket) mapRing(off unix.XDPRingOffset, pgoff int64, size uint32, entrySize int) (*ring, error) {
	length := int(off.Desc) + int(size)*entrySize
	area, err := unix.Mmap(s.fd, pgoff, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	base := unsafe.Pointer(&area[0])
	return newRing(
		(*uint32)(unsafe.Pointer(uintptr(base)+uintptr(off.Producer))),
		(*uint32)(unsafe.Pointer(uintptr(base)+uintptr(off.Consumer))),
		(*uint32)(unsafe.Pointer(uintptr(base)+uintptr(off.Flags))),
		unsafe.Pointer(uintptr(base)+uintptr(off.Desc)),
		size,
	), nil
}

func (s *Socket) bind() error {
	flags := uint16(0)
	if s.cfg.UseNeedWakeup {
		flags |= unix.XDP_USE_NEED_WAKEUP
	}

	sa := &unix.SockaddrXDP{
		Flags:   flags | unix.XDP_ZEROCOPY,
		Ifindex: uint32(s.ifindex),
		QueueID: s.cfg.QueueID,
	}
	if s.cfg.Copy {
		sa.Flags = flags | unix.XDP_COPY
	}

	err := unix.Bind(s.fd, sa)
	if err != nil && !s.cfg.Copy && !s.cfg.ZeroCopy {
		// No explicit preference: retry in copy mode.
		sa.Flags = flags | unix.XDP_COPY
		err = unix.Bind(s.fd, sa)
	}
	if err != nil && s.cfg.ZeroCopy {
		// Driver without zero-copy support: fall back to copy.
		log.Warn("zero-copy bind failed on %s, falling back to copy mode: %v", s.cfg.Interface, err)
		sa.Flags = flags | unix.XDP_COPY
		err = unix.Bind(s.fd, sa)
	}
	return errors.Wrapf(err, "bind %s queue %d", s.cfg.Interface, s.cfg.QueueID)
}

// refillFromPool moves as many free frames as fit onto the fill ring.
func (s *Socket) refillFromPool() {
	idx, n := s.fill.prodReserve(s.fill.availableForProduction())
	if n == 0 {
		return
	}
	filled := uint32(0)
	for i := uint32(0); i < n; i++ {
		addr, ok := s.umem.AllocFrame()
		if !ok {
			break
		}
		s.fill.writeAddr(idx+filled, addr)
		filled++
	}
	if filled > 0 {
		s.fill.prodSubmit(filled)
	}
}

// RxBatch peeks up to max RX descriptors and marks them consumed. The caller
// owns the returned frames and MUST return each address via ReleaseFrame once
// the packet has been processed.
func (s *Socket) RxBatch(max uint32) []Desc {
	idx, n := s.rx.consPeek(max)
	if n == 0 {
		if s.fill.availableForConsumption() == 0 {
			s.stats.fillRingEmpty.Add(1)
		}
		return nil
	}
	descs := make([]Desc, n)
	for i := uint32(0); i < n; i++ {
		descs[i] = s.rx.readDesc(idx + i)
		s.stats.rxPackets.Add(1)
		s.stats.rxBytes.Add(uint64(descs[i].Len))
	}
	s.rx.consRelease(n)
	return descs
}

// ReleaseFrame returns a consumed RX frame to the fill ring (or the pool if
// the fill ring is momentarily full).
func (s *Socket) ReleaseFrame(addr uint64) {
	idx, n := s.fill.prodReserve(1)
	if n == 0 {
		s.umem.FreeFrame(addr)
		return
	}
	s.fill.writeAddr(idx, addr&^uint64(s.cfg.FrameSize-1))
	s.fill.prodSubmit(1)
}

// TxBatch validates and enqueues the descriptors, then wakes the kernel.
// Returns the number actually queued; the remainder hit ErrRingFull.
func (s *Socket) TxBatch(descs []Desc) (int, error) {
	queued := 0
	for _, d := range descs {
		if err := s.umem.ValidateDesc(d); err != nil {
			s.stats.invalidDescs.Add(1)
			return queued, err
		}
		idx, n := s.tx.prodReserve(1)
		if n == 0 {
			s.stats.txRingFull.Add(1)
			s.wake()
			return queued, ErrRingFull
		}
		s.tx.writeDesc(idx, d)
		s.tx.prodSubmit(1)
		s.stats.txPackets.Add(1)
		s.stats.txBytes.Add(uint64(d.Len))
		queued++
	}
	s.wake()
	return queued, nil
}

// CollectCompletions drains the completion ring, returning TX-done frame
// addresses to the pool.
func (s *Socket) CollectCompletions() int {
	idx, n := s.completion.consPeek(s.completion.availableForConsumption())
	for i := uint32(0); i < n; i++ {
		s.umem.FreeFrame(s.completion.readAddr(idx + i))
	}
	if n > 0 {
		s.completion.consRelease(n)
		s.stats.completions.Add(uint64(n))
	}
	return int(n)
}

// wake issues a non-blocking kick so the kernel processes the TX ring. With
// XDP_USE_NEED_WAKEUP the kick is skipped unless the kernel asked for it.
// EAGAIN means the kernel is already running the queue.
func (s *Socket) wake() {
	if s.cfg.UseNeedWakeup && !s.tx.needWakeup() {
		return
	}
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, &unix.SockaddrXDP{
		Ifindex: uint32(s.ifindex),
		QueueID: s.cfg.QueueID,
	})
	if err == nil || err == unix.EAGAIN || err == unix.EBUSY {
		s.stats.wakeups.Add(1)
		return
	}
	log.Debug("TX wakeup failed: %v", err)
}

// UMEM exposes the region for frame access by the packet path.
func (s *Socket) UMEM() *UMEM {
	return s.umem
}

// Stats snapshots the back-end counters.
func (s *Socket) Stats() Stats {
	return s.stats.snapshot()
}

func (s *Socket) Close() error {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	return s.umem.Close()
}

func interfaceIndex(name string) (int, error) {
	if name == "" {
		return 0, errors.Wrap(ErrInvalidConfig, "no interface")
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, errors.Wrapf(err, "interface %s", name)
	}
	return ifi.Index, nil
}

func setsockoptBytes(fd, level, opt int, p unsafe.Pointer, size uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(opt), uintptr(p), size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func getsockoptBytes(fd, level, opt int, p unsafe.Pointer, size uintptr) error {
	length := uint32(size)
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(opt), uintptr(p),
		uintptr(unsafe.Pointer(&length)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
