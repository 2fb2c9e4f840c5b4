package xdp

import (
	"testing"

	"github.com/pkg/errors"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"frame 4096", func(c *Config) { c.FrameSize = 4096 }, true},
		{"frame too small", func(c *Config) { c.FrameSize = 1024 }, false},
		{"frame not power of two", func(c *Config) { c.FrameSize = 3000 }, false},
		{"zero frames", func(c *Config) { c.NumFrames = 0 }, false},
		{"fill ring not power of two", func(c *Config) { c.FillRingSize = 1000 }, false},
		{"tx ring not power of two", func(c *Config) { c.TxRingSize = 33 }, false},
		{"copy and zerocopy", func(c *Config) { c.Copy = true }, false},
	}

	for _, tt := range tests {
		cfg := DefaultConfig("eth0")
		tt.mutate(&cfg)
		err := cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
			} else if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("%s: error %v is not ErrInvalidConfig", tt.name, err)
			}
		}
	}
}

func TestUmemFrameLifecycle(t *testing.T) {
	cfg := DefaultConfig("eth0")
	cfg.NumFrames = 8
	u, err := NewUMEM(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	if u.Size() != 8*2048 {
		t.Fatalf("Size() = %d", u.Size())
	}
	if u.FreeFrames() != 8 {
		t.Fatalf("FreeFrames() = %d", u.FreeFrames())
	}

	seen := map[uint64]bool{}
	for i := 0; i < 8; i++ {
		addr, ok := u.AllocFrame()
		if !ok {
			t.Fatalf("AllocFrame %d failed", i)
		}
		if addr%2048 != 0 || addr >= u.Size() {
			t.Errorf("bad frame address %#x", addr)
		}
		if seen[addr] {
			t.Errorf("frame %#x allocated twice", addr)
		}
		seen[addr] = true
	}
	if _, ok := u.AllocFrame(); ok {
		t.Error("AllocFrame succeeded with empty pool")
	}

	u.FreeFrame(4096 + 100) // offsets inside a frame map back to its base
	if u.FreeFrames() != 1 {
		t.Fatalf("FreeFrames() = %d after one free", u.FreeFrames())
	}
	addr, _ := u.AllocFrame()
	if addr != 4096 {
		t.Errorf("AllocFrame = %#x, want frame base 4096", addr)
	}
}

func TestDescriptorValidation(t *testing.T) {
	cfg := DefaultConfig("eth0")
	cfg.NumFrames = 4
	u, err := NewUMEM(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	valid := Desc{Addr: 2048, Len: 1500}
	if err := u.ValidateDesc(valid); err != nil {
		t.Errorf("valid descriptor rejected: %v", err)
	}

	for _, d := range []Desc{
		{Addr: u.Size(), Len: 64},     // beyond region
		{Addr: u.Size() + 1, Len: 64}, // beyond region
		{Addr: 100, Len: 64},          // unaligned
		{Addr: 2048, Len: 2049},       // longer than a frame
	} {
		if err := u.ValidateDesc(d); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("ValidateDesc(%+v) = %v, want ErrInvalidDescriptor", d, err)
		}
	}
}
