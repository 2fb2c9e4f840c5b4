package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSeedRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	restored, err := FromSeed(id.Seed())
	if err != nil {
		t.Fatal(err)
	}
	if restored.PeerID() != id.PeerID() {
		t.Error("peer ID changed after seed round trip")
	}
	_, pub1 := id.NoiseStatic()
	_, pub2 := restored.NoiseStatic()
	if pub1 != pub2 {
		t.Error("noise static key changed after seed round trip")
	}
}

func TestStaticBinding(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	_, noisePub := id.NoiseStatic()

	binding := id.BindStatic()
	got, err := VerifyBinding(binding, noisePub)
	if err != nil {
		t.Fatal(err)
	}
	if got != id.PeerID() {
		t.Errorf("binding resolved to %s, want %s", got.Short(), id.PeerID().Short())
	}

	// A binding for a different static key must not verify.
	var other [32]byte
	other[0] = 1
	if _, err := VerifyBinding(binding, other); err == nil {
		t.Error("binding verified against wrong static key")
	}

	// Tampered signature must not verify.
	bad := append([]byte(nil), binding...)
	bad[len(bad)-1] ^= 1
	if _, err := VerifyBinding(bad, noisePub); err == nil {
		t.Error("tampered binding verified")
	}
}

func TestKeyFileConfidentiality(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "identity.key")
	if err := id.SaveFile(path, []byte("correct horse")); err != nil {
		t.Fatal(err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("key file mode = %o, want 0600", info.Mode().Perm())
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, fileMagic) {
		t.Error("key file does not start with the magic tag")
	}
	if bytes.Contains(data, id.Seed()) {
		t.Error("plaintext seed present in the encoded file")
	}

	restored, err := LoadFile(path, []byte("correct horse"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored.Seed(), id.Seed()) {
		t.Error("decrypted seed differs")
	}

	if _, err := LoadFile(path, []byte("wrong passphrase")); err != ErrBadPassphrase {
		t.Errorf("wrong passphrase: err = %v, want ErrBadPassphrase", err)
	}

	if _, err := Open([]byte("not a key file at all"), []byte("x")); err != ErrNotKeyFile {
		t.Errorf("garbage input: err = %v, want ErrNotKeyFile", err)
	}
}
