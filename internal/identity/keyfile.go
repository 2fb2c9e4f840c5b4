package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted identity file layout:
//
//	magic     "WRAITHK1" (8)
//	time      u32 (Argon2id passes)
//	memory    u32 (KiB)
//	threads   u8
//	salt      16
//	nonce     24 (XChaCha20-Poly1305)
//	sealed    32 + 16 (seed + AEAD tag)
//
// The sealed seed never touches disk in the clear.

var fileMagic = []byte("WRAITHK1")

// Argon2id parameters. Interactive-grade: the file sits on the user's own
// disk; the passphrase is the defense against exfiltration.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	saltSize   = 16
)

var (
	ErrBadPassphrase = errors.New("passphrase authentication failed")
	ErrNotKeyFile    = errors.New("not an identity key file")
)

// Seal encrypts the identity seed under the passphrase.
func (id *Identity) Seal(passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(passphrase, salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	buf.Write(fileMagic)
	binary.Write(buf, binary.BigEndian, uint32(kdfTime))
	binary.Write(buf, binary.BigEndian, uint32(kdfMemory))
	buf.WriteByte(kdfThreads)
	buf.Write(salt)
	buf.Write(nonce)
	buf.Write(aead.Seal(nil, nonce, id.Seed(), fileMagic))
	return buf.Bytes(), nil
}

// Open decrypts an identity file with the passphrase.
func Open(data, passphrase []byte) (*Identity, error) {
	if len(data) < len(fileMagic)+9+saltSize {
		return nil, ErrNotKeyFile
	}
	if !bytes.HasPrefix(data, fileMagic) {
		return nil, ErrNotKeyFile
	}
	r := bytes.NewReader(data[len(fileMagic):])

	var time32, memory uint32
	var threads uint8
	binary.Read(r, binary.BigEndian, &time32)
	binary.Read(r, binary.BigEndian, &memory)
	binary.Read(r, binary.BigEndian, &threads)

	salt := make([]byte, saltSize)
	if _, err := r.Read(salt); err != nil {
		return nil, ErrNotKeyFile
	}

	key := argon2.IDKey(passphrase, salt, time32, memory, threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := r.Read(nonce); err != nil {
		return nil, ErrNotKeyFile
	}
	sealed := make([]byte, r.Len())
	r.Read(sealed)

	seed, err := aead.Open(nil, nonce, sealed, fileMagic)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return FromSeed(seed)
}

// SaveFile writes the sealed identity with owner-only permissions.
func (id *Identity) SaveFile(path string, passphrase []byte) error {
	sealed, err := id.Seal(passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}

// LoadFile reads and decrypts an identity file.
func LoadFile(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(data, passphrase)
}
