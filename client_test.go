package wraith

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doublegate/wraith/internal/config"
	"github.com/doublegate/wraith/internal/discovery"
	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/nat"
)

func newTestClient(t *testing.T, bootstrap []string) *Client {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Network.DHTListen = "127.0.0.1:0"
	cfg.Network.SessionListen = "127.0.0.1:0"
	cfg.Network.Bootstrap = bootstrap
	cfg.Network.StunServers = nil // no external probing in tests
	cfg.Transfer.DownloadDir = t.TempDir()
	cfg.Transfer.ChunkSize = 64 << 10

	c, err := New(cfg, id)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

// Scenario: two in-process nodes, both effectively public, move a 1 MiB
// buffer over a direct connection with digest-verified delivery.
func TestLoopbackSmallTransfer(t *testing.T) {
	a := newTestClient(t, nil)
	b := newTestClient(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Cross-bootstrap the two DHT nodes and publish presence.
	aDHT := a.Discovery()
	bDHT := b.Discovery()
	aDHT.SetNatType(nat.TypeNone)
	bDHT.SetNatType(nat.TypeNone)
	if err := bootstrapPair(ctx, a, b); err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 1<<20)
	rand.Read(payload)
	src := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := a.SendFile(ctx, b.PeerID(), src); err != nil {
		t.Fatal(err)
	}

	// Direct path was chosen.
	p, err := a.Dial(ctx, b.PeerID())
	if err != nil {
		t.Fatal(err)
	}
	if p.Conn.Type != discovery.Direct {
		t.Errorf("connection type = %s, want Direct", p.Conn.Type)
	}

	delivered, err := os.ReadFile(filepath.Join(b.cfg.Transfer.DownloadDir, "blob.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(delivered, payload) {
		t.Error("delivered bytes differ from source")
	}
}

func bootstrapPair(ctx context.Context, a, b *Client) error {
	if err := a.disc.Bootstrap(ctx, b.disc.DHTEndpoint()); err != nil {
		return err
	}
	if err := b.disc.Bootstrap(ctx, a.disc.DHTEndpoint()); err != nil {
		return err
	}
	if err := a.disc.PublishPresence(ctx); err != nil {
		return err
	}
	return b.disc.PublishPresence(ctx)
}
