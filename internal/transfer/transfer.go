package transfer

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
)

// Direction of a transfer relative to the local node.
type Direction int

const (
	Send Direction = iota
	Recv
)

// Status of a transfer.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "?"
	}
}

// DefaultChunkSize is 1 MiB; the last chunk of a file is short.
const DefaultChunkSize = 1 << 20

var (
	ErrIntegrity = errors.New("transfer integrity failure")
	ErrCancelled = errors.New("transfer cancelled")
	ErrTimeout   = errors.New("transfer chunk timed out")
)

// A Transfer tracks one direction of one file.
type Transfer struct {
	ID        ID
	Direction Direction
	FilePath  string
	Name      string

	TotalBytes     uint64
	BytesDone      uint64
	ChunkSize      uint32
	NextChunkIndex uint64
	Status         Status
	Checksum       [32]byte

	startedAt time.Time

	// Sender side: acknowledgements routed by the engine dispatch loop.
	acks chan uint64
	// Sender side: OPEN_ACK, DONE and FAIL frames from the receiver.
	verdict chan *frame

	progress chan Progress

	file *os.File

	// Receiver-side reassembly: per-chunk segment sizes by offset, and
	// chunks completed ahead of the contiguous mark.
	segs     map[uint64]map[uint32]int
	complete map[uint64]bool
}

// Progress is one progress sample published per acknowledged chunk.
type Progress struct {
	TransferID ID
	BytesDone  uint64
	TotalBytes uint64
	Throughput float64 // bytes/sec since start
	ETA        time.Duration
	Status     Status
}

// ProgressChan returns the transfer's progress channel.
func (t *Transfer) ProgressChan() <-chan Progress {
	return t.progress
}

func (t *Transfer) publishProgress() {
	elapsed := time.Since(t.startedAt).Seconds()
	var throughput float64
	var eta time.Duration
	if elapsed > 0 {
		throughput = float64(t.BytesDone) / elapsed
		if throughput > 0 && t.TotalBytes > t.BytesDone {
			eta = time.Duration(float64(t.TotalBytes-t.BytesDone) / throughput * float64(time.Second))
		}
	}
	p := Progress{
		TransferID: t.ID,
		BytesDone:  t.BytesDone,
		TotalBytes: t.TotalBytes,
		Throughput: throughput,
		ETA:        eta,
		Status:     t.Status,
	}
	select {
	case t.progress <- p:
	default:
	}
}

// NumChunks returns ceil(total / chunkSize).
func NumChunks(total uint64, chunkSize uint32) uint64 {
	if chunkSize == 0 {
		return 0
	}
	return (total + uint64(chunkSize) - 1) / uint64(chunkSize)
}

// DigestFile computes the BLAKE2s-256 digest of a file.
func DigestFile(path string) ([32]byte, uint64, error) {
	var digest [32]byte
	f, err := os.Open(path)
	if err != nil {
		return digest, 0, err
	}
	defer f.Close()

	h, _ := blake2s.New256(nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return digest, 0, err
	}
	copy(digest[:], h.Sum(nil))
	return digest, uint64(n), nil
}

// digestPrefix hashes the first n bytes of a file, for resume verification.
func digestPrefix(path string, n uint64) ([32]byte, error) {
	var digest [32]byte
	f, err := os.Open(path)
	if err != nil {
		return digest, err
	}
	defer f.Close()

	h, _ := blake2s.New256(nil)
	if _, err := io.CopyN(h, f, int64(n)); err != nil {
		return digest, err
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// deriveID binds the transfer handle to the content: BLAKE2s over the file
// digest and length.
func deriveID(digest [32]byte, total uint64) ID {
	h, _ := blake2s.New256(nil)
	h.Write(digest[:])
	var lenBytes [8]byte
	for i := 0; i < 8; i++ {
		lenBytes[i] = byte(total >> (8 * i))
	}
	h.Write(lenBytes[:])
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}
	return nil
}
