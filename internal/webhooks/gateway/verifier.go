package gatewaywebhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Verifier authenticates provider callbacks. The provider sends
// SHA256("username:password") of the configured credential pair in the
// Authorization header; the expected digest is precomputed so verification
// never touches the secrets at request time.
type Verifier struct {
	expected []byte
}

// NewVerifier precomputes the expected callback digest.
func NewVerifier(username, password string) (*Verifier, error) {
	if username == "" || password == "" {
		return nil, errors.New("webhook credentials required")
	}
	sum := sha256.Sum256([]byte(username + ":" + password))
	return &Verifier{expected: []byte(hex.EncodeToString(sum[:]))}, nil
}

// Verify reports whether the Authorization header carries the expected
// digest. The comparison is constant time, and missing, malformed, and
// mismatched headers are indistinguishable to the caller.
func (v *Verifier) Verify(rawHeader string) bool {
	header := strings.TrimSpace(rawHeader)
	if i := strings.IndexByte(header, ' '); i >= 0 {
		// Tolerate a "SHA256 <digest>" scheme prefix.
		header = header[i+1:]
	}
	candidate := []byte(strings.ToLower(header))
	if len(candidate) != len(v.expected) {
		return false
	}
	return subtle.ConstantTimeCompare(candidate, v.expected) == 1
}
