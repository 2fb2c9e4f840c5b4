package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wraith.yaml")
	yaml := `
network:
  dht_listen: "127.0.0.1:9400"
  session_listen: "127.0.0.1:9401"
  bootstrap:
    - "198.51.100.1:7400"
  relays:
    - url: "ws://relay.example.net:7300/relay"
      node_id: "` + string(make64hex()) + `"
session:
  idle_timeout: 90s
transfer:
  chunk_size: 65536
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network.DHTListen != "127.0.0.1:9400" {
		t.Errorf("dht_listen = %q", cfg.Network.DHTListen)
	}
	if len(cfg.Network.Bootstrap) != 1 {
		t.Errorf("bootstrap = %v", cfg.Network.Bootstrap)
	}
	if cfg.Session.IdleTimeout != 90*time.Second {
		t.Errorf("idle_timeout = %s", cfg.Session.IdleTimeout)
	}
	if cfg.Transfer.ChunkSize != 65536 {
		t.Errorf("chunk_size = %d", cfg.Transfer.ChunkSize)
	}
	// Defaults survive for unset fields.
	if len(cfg.Network.StunServers) == 0 {
		t.Error("stun server defaults lost")
	}
}

func TestValidateRejects(t *testing.T) {
	bad := Default()
	bad.Transfer.ChunkSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero chunk size accepted")
	}

	bad = Default()
	bad.XDP.Enabled = true
	if err := bad.Validate(); err == nil {
		t.Error("xdp without interface accepted")
	}

	bad = Default()
	bad.XDP.Enabled = true
	bad.XDP.Interface = "eth0"
	bad.XDP.FrameSize = 1000
	if err := bad.Validate(); err == nil {
		t.Error("bad frame size accepted")
	}

	bad = Default()
	bad.Network.Relays = []RelayConfig{{URL: "ws://x", NodeID: "short"}}
	if err := bad.Validate(); err == nil {
		t.Error("short relay node id accepted")
	}
}

func make64hex() []byte {
	b := make([]byte, 64)
	for i := range b {
		b[i] = "0123456789abcdef"[i%16]
	}
	return b
}
