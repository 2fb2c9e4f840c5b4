package packet

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	w := NewWriterSize(1 + 2 + 4 + 8 + 5 + 3 + 2)
	w.WriteByte(0x7f)
	w.WriteUint16(0xbeef)
	w.WriteUint32(0xdeadbeef)
	w.WriteUint64(0x0102030405060708)
	if err := w.WriteSlice([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	w.ZeroPad(3)
	if err := w.WriteString("hi"); err != nil {
		t.Fatal(err)
	}
	if w.Capacity() != 0 {
		t.Errorf("capacity = %d after exact fill", w.Capacity())
	}

	r := NewReader(w.Bytes())
	if r.ReadByte() != 0x7f || r.ReadUint16() != 0xbeef || r.ReadUint32() != 0xdeadbeef {
		t.Error("integer fields corrupted")
	}
	if r.ReadUint64() != 0x0102030405060708 {
		t.Error("uint64 corrupted")
	}
	if !bytes.Equal(r.ReadSlice(5), []byte("hello")) {
		t.Error("slice corrupted")
	}
	r.Skip(3)
	if string(r.ReadRemaining()) != "hi" {
		t.Error("tail corrupted")
	}
	if r.Remaining() != 0 {
		t.Errorf("remaining = %d", r.Remaining())
	}
}

func TestBoundsChecks(t *testing.T) {
	w := NewWriterSize(4)
	if err := w.WriteSlice([]byte("too long")); err == nil {
		t.Error("oversized WriteSlice accepted")
	}
	if err := w.WriteString("also too long"); err == nil {
		t.Error("oversized WriteString accepted")
	}

	r := NewReader([]byte{1, 2})
	if err := r.CheckRemaining(2); err != nil {
		t.Errorf("CheckRemaining(2) = %v", err)
	}
	if err := r.CheckRemaining(3); err == nil {
		t.Error("CheckRemaining(3) passed on 2 bytes")
	}
}
