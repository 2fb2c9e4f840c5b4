package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// A Channel is the transfer stream of one session: ordered, authenticated
// datagrams in both directions.
type Channel interface {
	Send(payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

const (
	// Bounded in-flight window of unacknowledged chunks.
	windowSize = 16

	// wireSegmentSize bounds one CHUNK frame so it fits a UDP datagram
	// after session framing; a full chunk travels as several segments of
	// the same index.
	wireSegmentSize = 32 << 10

	// Per-chunk acknowledgement timeout and retransmit budget. The
	// transfer fails after this many consecutive chunk failures.
	ackTimeout          = 5 * time.Second
	maxConsecutiveFails = 3

	// openAckTimeout bounds the wait for the receiver to answer
	// TRANSFER_OPEN.
	openAckTimeout = 10 * time.Second
)

// The Engine runs every transfer of one session: a single dispatch loop
// reads the channel and routes frames to the sending or receiving side.
type Engine struct {
	ch Channel

	// DownloadDir receives inbound files.
	DownloadDir string

	mu        sync.Mutex
	sending   map[ID]*Transfer
	receiving map[ID]*Transfer

	// Inbound transfers are announced here as they open.
	Inbound chan *Transfer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(ch Channel, downloadDir string) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ch:          ch,
		DownloadDir: downloadDir,
		sending:     make(map[ID]*Transfer),
		receiving:   make(map[ID]*Transfer),
		Inbound:     make(chan *Transfer, 4),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (e *Engine) Start() {
	go e.dispatchLoop()
}

// Close fails every active transfer and stops the engine.
func (e *Engine) Close() {
	e.cancel()
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.sending {
		t.closeFile()
	}
	for _, t := range e.receiving {
		t.closeFile()
	}
}

// Lookup returns a transfer by ID.
func (e *Engine) Lookup(id ID) (*Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.sending[id]; ok {
		return t, true
	}
	t, ok := e.receiving[id]
	return t, ok
}

func (t *Transfer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// ---------------------------------------------------------------------------
// Sender

// SendFile digests the file, registers a sender transfer, performs the
// TRANSFER_OPEN exchange, and streams chunks inside the window. Blocks until
// the receiver's digest verdict.
func (e *Engine) SendFile(ctx context.Context, path string) (ID, error) {
	return e.sendFile(ctx, path, DefaultChunkSize)
}

// SendFileChunked is SendFile with an explicit chunk size.
func (e *Engine) SendFileChunked(ctx context.Context, path string, chunkSize uint32) (ID, error) {
	return e.sendFile(ctx, path, chunkSize)
}

func (e *Engine) sendFile(ctx context.Context, path string, chunkSize uint32) (ID, error) {
	if chunkSize == 0 {
		return ID{}, errors.New("zero chunk size")
	}
	digest, total, err := DigestFile(path)
	if err != nil {
		return ID{}, errors.Wrap(err, "digest")
	}
	id := deriveID(digest, total)

	f, err := os.Open(path)
	if err != nil {
		return id, err
	}

	t := &Transfer{
		ID:         id,
		Direction:  Send,
		FilePath:   path,
		Name:       filepath.Base(path),
		TotalBytes: total,
		ChunkSize:  chunkSize,
		Status:     StatusPending,
		Checksum:   digest,
		startedAt:  time.Now(),
		acks:       make(chan uint64, windowSize*2),
		verdict:    make(chan *frame, 1),
		progress:   make(chan Progress, 64),
		file:       f,
	}
	e.mu.Lock()
	e.sending[id] = t
	e.mu.Unlock()
	defer func() {
		t.closeFile()
		e.mu.Lock()
		delete(e.sending, id)
		e.mu.Unlock()
	}()

	if err := e.runSender(ctx, t); err != nil {
		t.Status = StatusFailed
		t.publishProgress()
		return id, err
	}
	t.Status = StatusComplete
	t.BytesDone = total
	t.publishProgress()
	return id, nil
}

func (e *Engine) runSender(ctx context.Context, t *Transfer) error {
	open := &frame{
		kind:       frameOpen,
		id:         t.ID,
		totalBytes: t.TotalBytes,
		chunkSize:  t.ChunkSize,
		digest:     t.Checksum,
		name:       t.Name,
	}
	if err := e.ch.Send(open.encode()); err != nil {
		return err
	}

	// Await OPEN_ACK (routed to t.verdict by the dispatch loop).
	var resumeFrom uint64
	select {
	case f := <-t.verdict:
		if f.kind == frameFail {
			return errors.Errorf("receiver rejected transfer: %s", f.reason)
		}
		if f.kind != frameOpenAck {
			return errors.Errorf("unexpected frame %#x awaiting open ack", byte(f.kind))
		}
		resumeFrom = f.bytesDone
		if resumeFrom > 0 {
			// Re-verify the overlapping prefix before resuming past it.
			prefix, err := digestPrefix(t.FilePath, resumeFrom)
			if err != nil || prefix != f.prefixDigest {
				log.Warn("Transfer %x: resume prefix mismatch, restarting from 0", t.ID[:4])
				resumeFrom = 0
			}
		}
	case <-time.After(openAckTimeout):
		return errors.Wrap(ErrTimeout, "no open ack")
	case <-ctx.Done():
		return contextErr(ctx)
	case <-e.ctx.Done():
		return ErrCancelled
	}

	t.Status = StatusActive
	t.BytesDone = resumeFrom - resumeFrom%uint64(t.ChunkSize)
	startChunk := t.BytesDone / uint64(t.ChunkSize)
	numChunks := NumChunks(t.TotalBytes, t.ChunkSize)
	log.Info("Transfer %x: sending %d chunks from %d", t.ID[:4], numChunks-startChunk, startChunk)

	acked := startChunk // chunks [0, acked) confirmed
	next := startChunk
	consecutiveFails := 0
	pending := map[uint64]time.Time{}
	var verdict *frame

	buf := make([]byte, t.ChunkSize)
	for acked < numChunks {
		// Fill the window.
		for next < numChunks && len(pending) < windowSize {
			if err := e.sendChunk(t, buf, next); err != nil {
				return err
			}
			pending[next] = time.Now()
			next++
			t.NextChunkIndex = next
		}

		select {
		case idx := <-t.acks:
			if _, ok := pending[idx]; ok {
				delete(pending, idx)
				consecutiveFails = 0
				t.BytesDone += uint64(chunkLen(t, idx))
				if idx >= acked {
					// Advance past any contiguous acknowledged prefix.
					for acked < numChunks {
						if _, stillPending := pending[acked]; stillPending || acked >= next {
							break
						}
						acked++
					}
				}
				t.publishProgress()
			}

		case f := <-t.verdict:
			if f.kind == frameFail {
				return errors.Errorf("receiver failed transfer: %s", f.reason)
			}
			if f.kind == frameDone {
				// The verdict can overtake the last acks; keep it for below.
				verdict = f
			}

		case <-time.After(ackTimeout):
			// Retransmit every overdue chunk.
			consecutiveFails++
			if consecutiveFails >= maxConsecutiveFails {
				fail := &frame{kind: frameFail, id: t.ID, reason: "chunk ack timeout"}
				e.ch.Send(fail.encode())
				return errors.Wrapf(ErrTimeout, "%d consecutive chunk failures", consecutiveFails)
			}
			for idx := range pending {
				if err := e.sendChunk(t, buf, idx); err != nil {
					return err
				}
				pending[idx] = time.Now()
			}

		case <-ctx.Done():
			return contextErr(ctx)
		case <-e.ctx.Done():
			return ErrCancelled
		}
	}

	// Await the digest verdict unless it already arrived.
	if verdict == nil {
		select {
		case verdict = <-t.verdict:
		case <-time.After(openAckTimeout):
			return errors.Wrap(ErrTimeout, "no completion verdict")
		case <-ctx.Done():
			return contextErr(ctx)
		}
	}
	switch {
	case verdict.kind == frameDone && verdict.ok:
		return nil
	case verdict.kind == frameDone:
		return errors.Wrap(ErrIntegrity, "receiver digest mismatch")
	default:
		return errors.Errorf("receiver failed transfer: %s", verdict.reason)
	}
}

// sendChunk reads one chunk and transmits it as datagram-sized segments.
func (e *Engine) sendChunk(t *Transfer, buf []byte, idx uint64) error {
	clen := chunkLen(t, idx)
	n, err := t.file.ReadAt(buf[:clen], int64(idx*uint64(t.ChunkSize)))
	if err != nil {
		return errors.Wrap(err, "read chunk")
	}
	for off := 0; off < n || n == 0; off += wireSegmentSize {
		end := off + wireSegmentSize
		if end > n {
			end = n
		}
		seg := &frame{kind: frameChunk, id: t.ID, index: idx, offset: uint32(off), data: buf[off:end]}
		if err := e.ch.Send(seg.encode()); err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

func chunkLen(t *Transfer, idx uint64) uint64 {
	start := idx * uint64(t.ChunkSize)
	remaining := t.TotalBytes - start
	if remaining < uint64(t.ChunkSize) {
		return remaining
	}
	return uint64(t.ChunkSize)
}

// ---------------------------------------------------------------------------
// Dispatch and receiver

func (e *Engine) dispatchLoop() {
	defer close(e.done)
	for {
		data, err := e.ch.Recv(e.ctx)
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			log.Debug("Dropping malformed transfer frame: %v", err)
			continue
		}

		switch f.kind {
		case frameOpen:
			e.handleOpen(f)
		case frameChunk:
			e.handleChunk(f)
		case frameOpenAck, frameAck, frameDone:
			e.mu.Lock()
			t := e.sending[f.id]
			e.mu.Unlock()
			if t == nil {
				continue
			}
			if f.kind == frameAck {
				select {
				case t.acks <- f.index:
				default:
				}
			} else {
				select {
				case t.verdict <- f:
				default:
				}
			}
		case frameFail:
			e.mu.Lock()
			ts := e.sending[f.id]
			tr := e.receiving[f.id]
			e.mu.Unlock()
			if ts != nil {
				select {
				case ts.verdict <- f:
				default:
				}
			}
			if tr != nil {
				tr.Status = StatusFailed
				tr.closeFile()
				tr.publishProgress()
			}
		}
	}
}

func (e *Engine) handleOpen(f *frame) {
	e.mu.Lock()
	t, resuming := e.receiving[f.id]
	e.mu.Unlock()

	if !resuming {
		dest := filepath.Join(e.DownloadDir, filepath.Base(f.name))
		file, err := os.OpenFile(dest+".part", os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			e.ch.Send((&frame{kind: frameFail, id: f.id, reason: "cannot allocate destination"}).encode())
			return
		}
		// A .part left by a torn-down session resumes at its last full
		// chunk; the sender re-verifies the overlap digest before trusting
		// it.
		var resumeAt uint64
		if info, err := file.Stat(); err == nil && f.chunkSize > 0 {
			size := uint64(info.Size())
			if size > f.totalBytes {
				size = 0
				file.Truncate(0)
			}
			resumeAt = size - size%uint64(f.chunkSize)
		}
		t = &Transfer{
			ID:         f.id,
			Direction:  Recv,
			FilePath:   dest,
			Name:       f.name,
			TotalBytes: f.totalBytes,
			ChunkSize:  f.chunkSize,
			BytesDone:  resumeAt,
			Status:     StatusActive,
			Checksum:   f.digest,
			startedAt:  time.Now(),
			progress:   make(chan Progress, 64),
			file:       file,
		}
		e.mu.Lock()
		e.receiving[f.id] = t
		e.mu.Unlock()
		select {
		case e.Inbound <- t:
		default:
		}
	}

	// Resume report: how much contiguous data we already hold, plus its
	// digest so the sender can verify the overlap.
	ack := &frame{kind: frameOpenAck, id: f.id, bytesDone: t.BytesDone}
	if t.BytesDone > 0 {
		prefix, err := digestPrefix(t.FilePath+".part", t.BytesDone)
		if err == nil {
			ack.prefixDigest = prefix
		}
	}
	e.ch.Send(ack.encode())

	if t.BytesDone == t.TotalBytes {
		// Zero-length file, or everything arrived before a reconnect.
		e.finishReceive(t)
	}
}

func (e *Engine) handleChunk(f *frame) {
	e.mu.Lock()
	t := e.receiving[f.id]
	e.mu.Unlock()
	if t == nil || t.Status != StatusActive || t.file == nil {
		return
	}

	clen := chunkLen(t, f.index)
	offset := f.index*uint64(t.ChunkSize) + uint64(f.offset)
	if f.index >= NumChunks(t.TotalBytes, t.ChunkSize) ||
		uint64(f.offset)+uint64(len(f.data)) > clen {
		e.failReceive(t, "chunk beyond declared length")
		return
	}
	if _, err := t.file.WriteAt(f.data, int64(offset)); err != nil {
		e.failReceive(t, "write failed")
		return
	}

	// Track the chunk's segments; the chunk is acknowledged once every
	// byte of it has arrived.
	if t.segs == nil {
		t.segs = make(map[uint64]map[uint32]int)
	}
	segs := t.segs[f.index]
	if segs == nil {
		segs = make(map[uint32]int)
		t.segs[f.index] = segs
	}
	segs[f.offset] = len(f.data)
	var have uint64
	for _, n := range segs {
		have += uint64(n)
	}
	if have < clen && clen > 0 {
		return
	}
	delete(t.segs, f.index)

	// Acknowledge and advance the contiguous high-water mark.
	e.ch.Send((&frame{kind: frameAck, id: t.ID, index: f.index}).encode())
	chunkStart := f.index * uint64(t.ChunkSize)
	if chunkStart == t.BytesDone {
		t.BytesDone += clen
		// Later chunks may already be complete.
		for {
			idx := t.BytesDone / uint64(t.ChunkSize)
			if done, ok := t.complete[idx]; ok && done {
				delete(t.complete, idx)
				t.BytesDone += chunkLen(t, idx)
				continue
			}
			break
		}
	} else if chunkStart > t.BytesDone {
		if t.complete == nil {
			t.complete = make(map[uint64]bool)
		}
		t.complete[f.index] = true
	}
	if t.BytesDone > t.TotalBytes {
		t.BytesDone = t.TotalBytes
	}
	t.NextChunkIndex = t.BytesDone / uint64(t.ChunkSize)
	t.publishProgress()

	if t.BytesDone == t.TotalBytes {
		e.finishReceive(t)
	}
}

func (e *Engine) finishReceive(t *Transfer) {
	t.closeFile()
	digest, _, err := DigestFile(t.FilePath + ".part")
	ok := err == nil && digest == t.Checksum
	if ok {
		if err := os.Rename(t.FilePath+".part", t.FilePath); err != nil {
			ok = false
		}
	}
	if ok {
		t.Status = StatusComplete
	} else {
		t.Status = StatusFailed
	}
	t.publishProgress()
	e.ch.Send((&frame{kind: frameDone, id: t.ID, ok: ok}).encode())

	e.mu.Lock()
	delete(e.receiving, t.ID)
	e.mu.Unlock()
}

func (e *Engine) failReceive(t *Transfer, reason string) {
	t.Status = StatusFailed
	t.closeFile()
	t.publishProgress()
	e.ch.Send((&frame{kind: frameFail, id: t.ID, reason: reason}).encode())
	e.mu.Lock()
	delete(e.receiving, t.ID)
	e.mu.Unlock()
}
