package dht

import (
	"bytes"
	"testing"
	"time"
)

func TestStoreTTL(t *testing.T) {
	s := newValueStore()
	key := [32]byte{42}

	s.put(key, []byte("ephemeral"), 50*time.Millisecond)

	if v, ok := s.get(key); !ok || !bytes.Equal(v, []byte("ephemeral")) {
		t.Fatalf("get before expiry = %q, %v", v, ok)
	}

	time.Sleep(80 * time.Millisecond)

	// Strictly after expires_at the value is absent, sweeper or not.
	if v, ok := s.get(key); ok {
		t.Fatalf("get after expiry returned %q", v)
	}
}

func TestStoreSweep(t *testing.T) {
	s := newValueStore()
	s.put([32]byte{1}, []byte("a"), 10*time.Millisecond)
	s.put([32]byte{2}, []byte("b"), 10*time.Millisecond)
	s.put([32]byte{3}, []byte("c"), time.Hour)

	time.Sleep(30 * time.Millisecond)
	if n := s.sweep(); n != 2 {
		t.Errorf("sweep() = %d, want 2", n)
	}
	if s.len() != 1 {
		t.Errorf("len() = %d after sweep, want 1", s.len())
	}
	if _, ok := s.get([32]byte{3}); !ok {
		t.Error("unexpired value swept")
	}
}

func TestStoreOverwrite(t *testing.T) {
	s := newValueStore()
	key := [32]byte{9}
	s.put(key, []byte("old"), time.Hour)
	s.put(key, []byte("new"), time.Hour)
	if v, _ := s.get(key); !bytes.Equal(v, []byte("new")) {
		t.Errorf("get = %q, want new", v)
	}
	if s.len() != 1 {
		t.Errorf("len = %d", s.len())
	}
}
