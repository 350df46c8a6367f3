package entitlements

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const tokenBytes = 32

// Grant is the download entitlement minted when a payment completes. It is a
// pure value: the caller folds it into the same conditional update that moves
// the payment to success, so a grant exists exactly once per purchase.
type Grant struct {
	Token        string
	MaxDownloads int
	ExpiresAt    *time.Time
}

// NewGrant mints an opaque download token. A non-positive ttl means the token
// never expires on its own.
func NewGrant(maxDownloads int, ttl time.Duration, now time.Time) (Grant, error) {
	if maxDownloads <= 0 {
		return Grant{}, fmt.Errorf("max downloads must be positive, got %d", maxDownloads)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Grant{}, fmt.Errorf("generating download token: %w", err)
	}

	grant := Grant{
		Token:        base64.RawURLEncoding.EncodeToString(raw),
		MaxDownloads: maxDownloads,
	}
	if ttl > 0 {
		expires := now.UTC().Add(ttl)
		grant.ExpiresAt = &expires
	}
	return grant, nil
}
