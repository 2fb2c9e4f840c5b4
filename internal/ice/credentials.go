package ice

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
)

// Credentials are the per-agent username fragment and password of RFC 8445
// §5.3. A restart requires fresh credentials, realized here by constructing
// a fresh agent.
type Credentials struct {
	UFrag string
	Pwd   string
}

const (
	minUFragLen = 4
	maxUFragLen = 256
	minPwdLen   = 22
	maxPwdLen   = 256
)

// NewCredentials generates random credentials at the RFC minimum sizes
// (rounded up to base64 granularity).
func NewCredentials() Credentials {
	return Credentials{
		UFrag: randomToken(6),  // 8 chars
		Pwd:   randomToken(18), // 24 chars
	}
}

func randomToken(nbytes int) string {
	b := make([]byte, nbytes)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Validate enforces the RFC length bounds.
func (c Credentials) Validate() error {
	if n := len(c.UFrag); n < minUFragLen || n > maxUFragLen {
		return errors.Errorf("ufrag length %d out of range", n)
	}
	if n := len(c.Pwd); n < minPwdLen || n > maxPwdLen {
		return errors.Errorf("pwd length %d out of range", n)
	}
	return nil
}

// checkUsername builds the USERNAME for an outgoing check: the remote ufrag
// followed by the local ufrag, colon-separated.
func checkUsername(remote, local Credentials) string {
	return remote.UFrag + ":" + local.UFrag
}
