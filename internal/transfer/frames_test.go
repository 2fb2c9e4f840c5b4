package transfer

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	id := ID{1, 2, 3}
	frames := []*frame{
		{kind: frameOpen, id: id, totalBytes: 1 << 30, chunkSize: 1 << 20,
			digest: [32]byte{9}, name: "backup.tar"},
		{kind: frameOpenAck, id: id, bytesDone: 5 << 20, prefixDigest: [32]byte{7}},
		{kind: frameChunk, id: id, index: 42, offset: 32768, data: []byte("segment bytes")},
		{kind: frameAck, id: id, index: 42},
		{kind: frameDone, id: id, ok: true},
		{kind: frameFail, id: id, reason: "digest mismatch"},
	}
	for _, f := range frames {
		got, err := decodeFrame(f.encode())
		if err != nil {
			t.Fatalf("kind %#x: %v", byte(f.kind), err)
		}
		if got.kind != f.kind || got.id != f.id || got.index != f.index ||
			got.offset != f.offset || got.totalBytes != f.totalBytes ||
			got.chunkSize != f.chunkSize || got.bytesDone != f.bytesDone ||
			got.digest != f.digest || got.prefixDigest != f.prefixDigest ||
			got.name != f.name || got.ok != f.ok || got.reason != f.reason {
			t.Errorf("kind %#x: mismatch %+v != %+v", byte(f.kind), got, f)
		}
		if !bytes.Equal(got.data, f.data) {
			t.Errorf("kind %#x: data mismatch", byte(f.kind))
		}
	}

	if _, err := decodeFrame(nil); err == nil {
		t.Error("empty frame decoded")
	}
	if _, err := decodeFrame(append([]byte{0x7f}, make([]byte, 32)...)); err == nil {
		t.Error("unknown kind decoded")
	}
}

func TestNumChunks(t *testing.T) {
	cases := []struct {
		total uint64
		chunk uint32
		want  uint64
	}{
		{0, 1 << 20, 0},
		{1, 1 << 20, 1},
		{1 << 20, 1 << 20, 1},
		{1<<20 + 1, 1 << 20, 2},
		{10 << 20, 1 << 20, 10},
	}
	for _, c := range cases {
		if got := NumChunks(c.total, c.chunk); got != c.want {
			t.Errorf("NumChunks(%d, %d) = %d, want %d", c.total, c.chunk, got, c.want)
		}
	}
}
