package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// memChannel is an in-memory Channel pair with ordered delivery.
type memChannel struct {
	out chan<- []byte
	in  <-chan []byte

	chunksSent atomic.Uint64
}

func channelPair() (*memChannel, *memChannel) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	return &memChannel{out: ab, in: ba}, &memChannel{out: ba, in: ab}
}

func (c *memChannel) Send(payload []byte) error {
	// Count chunks, not wire segments: only a chunk's first segment.
	if f, err := decodeFrame(payload); err == nil && f.kind == frameChunk && f.offset == 0 {
		c.chunksSent.Add(1)
	}
	c.out <- append([]byte(nil), payload...)
	return nil
}

func (c *memChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func writeTempFile(t *testing.T, dir string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.Read(data)
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func startEngines(t *testing.T) (*Engine, *Engine, *memChannel, string) {
	t.Helper()
	chA, chB := channelPair()
	downloadDir := t.TempDir()

	sender := NewEngine(chA, t.TempDir())
	receiver := NewEngine(chB, downloadDir)
	sender.Start()
	receiver.Start()
	t.Cleanup(func() {
		sender.Close()
		receiver.Close()
	})
	return sender, receiver, chA, downloadDir
}

func TestLoopbackTransfer(t *testing.T) {
	sender, _, chA, downloadDir := startEngines(t)

	const size = 1 << 20 // 1 MiB
	const chunkSize = 64 << 10
	srcDir := t.TempDir()
	path, data := writeTempFile(t, srcDir, size)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := sender.SendFileChunked(ctx, path, chunkSize)
	if err != nil {
		t.Fatal(err)
	}

	// Exactly ceil(size/chunkSize) chunks crossed the wire.
	want := NumChunks(size, chunkSize)
	if got := chA.chunksSent.Load(); got != want {
		t.Errorf("chunks sent = %d, want %d", got, want)
	}

	// The delivered file is byte-identical.
	delivered, err := os.ReadFile(filepath.Join(downloadDir, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(delivered, data) {
		t.Error("delivered bytes differ from source")
	}

	// Content-bound ID: same content yields the same handle.
	digest, total, _ := DigestFile(path)
	if id != deriveID(digest, total) {
		t.Error("transfer ID not bound to content")
	}
}

func TestShortLastChunk(t *testing.T) {
	sender, _, chA, downloadDir := startEngines(t)

	// 100 KiB with 64 KiB chunks: 2 chunks, the last one short.
	path, data := writeTempFile(t, t.TempDir(), 100<<10)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := sender.SendFileChunked(ctx, path, 64<<10); err != nil {
		t.Fatal(err)
	}
	if got := chA.chunksSent.Load(); got != 2 {
		t.Errorf("chunks sent = %d, want 2", got)
	}
	delivered, _ := os.ReadFile(filepath.Join(downloadDir, "payload.bin"))
	if !bytes.Equal(delivered, data) {
		t.Error("delivered bytes differ")
	}
}

func TestZeroLengthFile(t *testing.T) {
	sender, _, chA, downloadDir := startEngines(t)

	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := sender.SendFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if got := chA.chunksSent.Load(); got != 0 {
		t.Errorf("chunks sent for empty file = %d", got)
	}
	if info, err := os.Stat(filepath.Join(downloadDir, "empty")); err != nil || info.Size() != 0 {
		t.Errorf("empty file not delivered: %v", err)
	}
}

func TestProgressPublished(t *testing.T) {
	sender, receiver, _, _ := startEngines(t)

	path, _ := writeTempFile(t, t.TempDir(), 256<<10)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := sender.SendFileChunked(ctx, path, 32<<10)
		done <- err
	}()

	var inbound *Transfer
	select {
	case inbound = <-receiver.Inbound:
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound transfer announced")
	}

	sawProgress := false
	for {
		select {
		case p := <-inbound.ProgressChan():
			if p.BytesDone > 0 && p.TotalBytes == 256<<10 {
				sawProgress = true
			}
			if p.Status == StatusComplete {
				if err := <-done; err != nil {
					t.Fatal(err)
				}
				if !sawProgress {
					t.Error("no intermediate progress observed")
				}
				return
			}
			if p.Status == StatusFailed {
				t.Fatal("transfer failed")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("progress stalled")
		}
	}
}

func TestResumeFromPartFile(t *testing.T) {
	sender, receiver, chA, downloadDir := startEngines(t)

	const chunkSize = 32 << 10
	path, data := writeTempFile(t, t.TempDir(), 128<<10)

	// Simulate a torn connection: the first two chunks already sit in the
	// receiver's .part file.
	part := filepath.Join(downloadDir, "payload.bin.part")
	if err := os.WriteFile(part, data[:2*chunkSize], 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := sender.SendFileChunked(ctx, path, chunkSize); err != nil {
		t.Fatal(err)
	}

	// Only the remaining two chunks were transmitted.
	if got := chA.chunksSent.Load(); got != 2 {
		t.Errorf("chunks sent on resume = %d, want 2", got)
	}
	delivered, _ := os.ReadFile(filepath.Join(downloadDir, "payload.bin"))
	if !bytes.Equal(delivered, data) {
		t.Error("resumed file differs from source")
	}
	_ = receiver
}

func TestResumeRejectsDivergedPrefix(t *testing.T) {
	sender, _, chA, downloadDir := startEngines(t)

	const chunkSize = 32 << 10
	path, data := writeTempFile(t, t.TempDir(), 128<<10)

	// The .part holds bytes that do NOT match the source: the sender must
	// restart from zero rather than trust them.
	junk := make([]byte, 2*chunkSize)
	rand.Read(junk)
	part := filepath.Join(downloadDir, "payload.bin.part")
	if err := os.WriteFile(part, junk, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := sender.SendFileChunked(ctx, path, chunkSize); err != nil {
		t.Fatal(err)
	}
	if got := chA.chunksSent.Load(); got != 4 {
		t.Errorf("chunks sent after prefix mismatch = %d, want full 4", got)
	}
	delivered, _ := os.ReadFile(filepath.Join(downloadDir, "payload.bin"))
	if !bytes.Equal(delivered, data) {
		t.Error("delivered file differs from source")
	}
}
